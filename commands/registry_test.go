package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cometd-server-go/backend"
)

type recorder struct {
	mu      sync.Mutex
	results []*backend.Result
	tokens  []string
	ch      chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 16)} }

func (r *recorder) callback(ctx context.Context, token string, res *backend.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.tokens = append(r.tokens, token)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("callback timeout")
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, "test", func(ctx context.Context) map[string]any {
		return map[string]any{"clients": 3}
	})
	return r
}

func TestExecuteSync(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Execute(t.Context(), backend.Command{Args: []string{"echo", "a", "b"}, DeviceID: "dev1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Async {
		t.Fatalf("expected synchronous result")
	}
	data := res.Data.(map[string]any)
	if want, got := "dev1", data["device"]; want != got {
		t.Fatalf("want device %q, got %v", want, got)
	}
	if want, got := 0, r.Registrations(); want != got {
		t.Fatalf("want %d registrations for a one-shot command, got %d", want, got)
	}
}

func TestExecuteRejectsUnknownAndEmpty(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Execute(t.Context(), backend.Command{}); !errors.Is(err, backend.ErrNotDispatchable) {
		t.Fatalf("empty args: want ErrNotDispatchable, got %v", err)
	}
	if _, err := r.Execute(t.Context(), backend.Command{Args: []string{"nope"}}); !errors.Is(err, backend.ErrNotDispatchable) {
		t.Fatalf("unknown command: want ErrNotDispatchable, got %v", err)
	}
}

func TestExecuteStatusError(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Execute(t.Context(), backend.Command{Args: []string{"increment", "lots"}})
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if want, got := `invalid increment "lots"`, se.Status; want != got {
		t.Fatalf("want status %q, got %q", want, got)
	}
}

func TestServerStatusMergesCounters(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Execute(t.Context(), backend.Command{Args: []string{"serverstatus"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	data := res.Data.(map[string]any)
	if want, got := 3, data["clients"]; want != got {
		t.Fatalf("want clients %v, got %v", want, got)
	}
	if want, got := r.Node(), data["node"]; want != got {
		t.Fatalf("want node %v, got %v", want, got)
	}
}

func TestAsyncCompletesThroughCallback(t *testing.T) {
	r := newTestRegistry()
	rec := newRecorder()
	res, err := r.Execute(t.Context(), backend.Command{Args: []string{"sleep", "10"}, Token: "tok-1", Callback: rec.callback})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Async {
		t.Fatalf("expected deferred result")
	}
	rec.wait(t)
	if want, got := "tok-1", rec.tokens[0]; want != got {
		t.Fatalf("want token %q, got %q", want, got)
	}
	if want, got := 0, r.Registrations(); want != got {
		t.Fatalf("want one-shot registration consumed, got %d left", got)
	}
}

func TestAsyncEarlyFailureIsSynchronous(t *testing.T) {
	r := newTestRegistry()
	rec := newRecorder()
	_, err := r.Execute(t.Context(), backend.Command{Args: []string{"sleep", "soon"}, Token: "tok-1", Callback: rec.callback})
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if want, got := 0, r.Registrations(); want != got {
		t.Fatalf("want no registrations after failure, got %d", got)
	}
	if rec.count() != 0 {
		t.Fatalf("expected no callback for a synchronous failure")
	}
}

func TestSubscribeNotifyAndRemove(t *testing.T) {
	r := newTestRegistry()
	rec := newRecorder()
	if _, err := r.Execute(t.Context(), backend.Command{ClientID: "c1", Args: []string{"counter"}, Token: "sub-1", Subscribe: true, Callback: rec.callback}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if want, got := 1, r.Registrations(); want != got {
		t.Fatalf("want %d registration, got %d", want, got)
	}

	if _, err := r.Execute(t.Context(), backend.Command{Args: []string{"increment", "5"}}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	rec.wait(t)
	rec.mu.Lock()
	got := rec.results[0].Data.(map[string]any)["value"]
	rec.mu.Unlock()
	if want := int64(5); want != got {
		t.Fatalf("want counter %v, got %v", want, got)
	}

	r.RemoveCallback("sub-1")
	r.Notify(t.Context(), "counter")
	if want, got := 1, rec.count(); want != got {
		t.Fatalf("want %d callbacks after removal, got %d", want, got)
	}
}

func TestNotifyFiltersByName(t *testing.T) {
	r := newTestRegistry()
	rec := newRecorder()
	if _, err := r.Execute(t.Context(), backend.Command{Args: []string{"version"}, Token: "v", Subscribe: true, Callback: rec.callback}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	r.Notify(t.Context(), "counter")
	if rec.count() != 0 {
		t.Fatalf("expected no callback for unrelated name")
	}
	r.Notify(t.Context())
	if want, got := 1, rec.count(); want != got {
		t.Fatalf("want %d callback for unfiltered notify, got %d", want, got)
	}
}

func TestRemoveClientDropsOwnedCallbacks(t *testing.T) {
	r := newTestRegistry()
	rec := newRecorder()
	for _, c := range []struct{ client, token string }{{"c1", "a"}, {"c1", "b"}, {"c2", "c"}} {
		if _, err := r.Execute(t.Context(), backend.Command{ClientID: c.client, Args: []string{"counter"}, Token: c.token, Subscribe: true, Callback: rec.callback}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	r.RemoveClient("c1")
	if want, got := 1, r.Registrations(); want != got {
		t.Fatalf("want %d registration left, got %d", want, got)
	}
}
