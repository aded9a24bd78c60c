package backend

import (
	"errors"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	cases := []Token{
		{ResponseChannel: "/abc/slim/status", RequestID: "7", Priority: "5"},
		{ResponseChannel: "/a|b/c", RequestID: "x|y", Priority: `"high"`},
		{ResponseChannel: "/only/channel"},
		{ResponseChannel: "/slim/status/00:04:20:aa:bb:cc", RequestID: "with space%"},
	}
	for _, tc := range cases {
		got, err := ParseToken(tc.String())
		if err != nil {
			t.Fatalf("ParseToken(%q): %v", tc.String(), err)
		}
		if got != tc {
			t.Errorf("round trip: want %+v, got %+v", tc, got)
		}
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "one|two", "a|b|c|d", "%zz|b|c"} {
		if _, err := ParseToken(s); err == nil {
			t.Errorf("ParseToken(%q): expected error", s)
		}
	}
}

func TestStatusError(t *testing.T) {
	var err error = Statusf("player %s not found", "kitchen")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError")
	}
	if want, got := "player kitchen not found", se.Status; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}
