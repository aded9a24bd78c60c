package bayeux

import (
	"encoding/json"
	"testing"
)

func TestMessageDecodesSubscriptionForms(t *testing.T) {
	var one Message
	if err := json.Unmarshal([]byte(`{"channel":"/meta/subscribe","subscription":"/foo"}`), &one); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := 1, len(one.Subscription); want != got {
		t.Fatalf("want %d subscriptions, got %d", want, got)
	}

	var many Message
	if err := json.Unmarshal([]byte(`{"channel":"/meta/subscribe","subscription":["/a","/b/*"]}`), &many); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "/b/*", many.Subscription[1]; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}

	var bad Message
	if err := json.Unmarshal([]byte(`{"channel":"/meta/subscribe","subscription":{"x":1}}`), &bad); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(bad.Subscription) != 0 {
		t.Fatalf("want object subscription dropped, got %v", bad.Subscription)
	}
}

func TestMessageDropsMistypedFields(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"channel":"/meta/connect","clientId":123,"id":true,"connectionType":7,"data":{"a":1}}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "/meta/connect", m.Channel; want != got {
		t.Fatalf("want channel %q, got %q", want, got)
	}
	if !m.InvalidClientID || m.ClientID != "" {
		t.Fatalf("want numeric clientId flagged, got %q (flag %v)", m.ClientID, m.InvalidClientID)
	}
	if !m.ID.IsNil() {
		t.Fatalf("want boolean id dropped, got %v", m.ID)
	}
	if m.ConnectionType != "" {
		t.Fatalf("want numeric connectionType dropped, got %q", m.ConnectionType)
	}
	if want, got := `{"a":1}`, string(m.Data); want != got {
		t.Fatalf("want data %s, got %s", want, got)
	}

	var absent Message
	if err := json.Unmarshal([]byte(`{"channel":"/meta/handshake","clientId":null}`), &absent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if absent.InvalidClientID {
		t.Fatalf("null clientId is absent, not invalid")
	}

	if err := json.Unmarshal([]byte(`[1]`), &m); err == nil {
		t.Fatalf("want error for non-object message")
	}
}

func TestMessageIDEchoesOriginalForm(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"channel":"/slim/request","id":42}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "42", m.ID.String(); want != got {
		t.Fatalf("want id %q, got %q", want, got)
	}

	b, err := json.Marshal(Response{Channel: "/slim/request", Successful: true, ID: m.ID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"channel":"/slim/request","successful":true,"id":42}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}

	var s Message
	if err := json.Unmarshal([]byte(`{"channel":"/slim/request","id":"abc"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "abc", s.ID.String(); want != got {
		t.Fatalf("want id %q, got %q", want, got)
	}
}

func TestResponseOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Response{Error: "no message found"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"successful":false,"error":"no message found"}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}
