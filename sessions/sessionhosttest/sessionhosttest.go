package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/ggoodman/cometd-server-go/sessions"
)

// HostFactory creates a new Host instance for testing.
type HostFactory func(t *testing.T) sessions.Host

// RunSessionHostTests runs the complete Host test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Clients_RegisterExistsDelete", func(t *testing.T) { testRegisterExistsDelete(t, factory) })
	t.Run("Clients_RegisterIsIdempotent", func(t *testing.T) { testRegisterIdempotent(t, factory) })
	t.Run("Clients_DeleteUnknownIsNoop", func(t *testing.T) { testDeleteUnknown(t, factory) })
	t.Run("Clients_UnknownClientErrors", func(t *testing.T) { testUnknownClientErrors(t, factory) })

	t.Run("Subscriptions_SubscribeThenUnsubscribeRestoresSet", func(t *testing.T) { testSubscribeRoundTrip(t, factory) })
	t.Run("Subscriptions_ExactAndWildcardMatching", func(t *testing.T) { testSubscribersMatching(t, factory) })
	t.Run("Subscriptions_DeleteDropsFromMatching", func(t *testing.T) { testDeleteDropsSubscriptions(t, factory) })

	t.Run("Queue_FIFOAndDrainClears", func(t *testing.T) { testQueueFIFO(t, factory) })
	t.Run("Queue_IsolationBetweenClients", func(t *testing.T) { testQueueIsolation(t, factory) })
	t.Run("Queue_ConcurrentEnqueueKeepsEverything", func(t *testing.T) { testQueueConcurrent(t, factory) })
}

func register(t *testing.T, h sessions.Host, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := h.Register(context.Background(), id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

// --- Client tests ---

func testRegisterExistsDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if ok, err := h.Exists(ctx, "c1"); err != nil || ok {
		t.Fatalf("expected unknown client before register, got ok=%v err=%v", ok, err)
	}
	register(t, h, "c1")
	if ok, err := h.Exists(ctx, "c1"); err != nil || !ok {
		t.Fatalf("expected client after register, got ok=%v err=%v", ok, err)
	}
	ids, err := h.Clients(ctx)
	if err != nil {
		t.Fatalf("clients: %v", err)
	}
	if want, got := []string{"c1"}, ids; !reflect.DeepEqual(want, got) {
		t.Fatalf("want clients %v, got %v", want, got)
	}
	if err := h.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := h.Exists(ctx, "c1"); err != nil || ok {
		t.Fatalf("expected client gone after delete, got ok=%v err=%v", ok, err)
	}
}

func testRegisterIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1")
	if err := h.Subscribe(ctx, "c1", "/foo"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Enqueue(ctx, "c1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	register(t, h, "c1")

	subs, err := h.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if want, got := []string{"/foo"}, subs; !reflect.DeepEqual(want, got) {
		t.Fatalf("want subscriptions %v, got %v", want, got)
	}
	events, err := h.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want, got := 1, len(events); want != got {
		t.Fatalf("want %d queued events, got %d", want, got)
	}
}

func testDeleteUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	if err := h.Delete(context.Background(), "nobody"); err != nil {
		t.Fatalf("expected delete of unknown client to succeed, got %v", err)
	}
}

func testUnknownClientErrors(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Subscribe(ctx, "ghost", "/foo"); !errors.Is(err, sessions.ErrClientNotFound) {
		t.Fatalf("subscribe: want ErrClientNotFound, got %v", err)
	}
	if err := h.Unsubscribe(ctx, "ghost", "/foo"); !errors.Is(err, sessions.ErrClientNotFound) {
		t.Fatalf("unsubscribe: want ErrClientNotFound, got %v", err)
	}
	if _, err := h.Subscriptions(ctx, "ghost"); !errors.Is(err, sessions.ErrClientNotFound) {
		t.Fatalf("subscriptions: want ErrClientNotFound, got %v", err)
	}
	if err := h.Enqueue(ctx, "ghost", []byte(`{}`)); !errors.Is(err, sessions.ErrClientNotFound) {
		t.Fatalf("enqueue: want ErrClientNotFound, got %v", err)
	}
	if _, err := h.Drain(ctx, "ghost"); !errors.Is(err, sessions.ErrClientNotFound) {
		t.Fatalf("drain: want ErrClientNotFound, got %v", err)
	}
}

// --- Subscription tests ---

func testSubscribeRoundTrip(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1")
	if err := h.Subscribe(ctx, "c1", "/a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before, err := h.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}

	if err := h.Subscribe(ctx, "c1", "/b/*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Unsubscribe(ctx, "c1", "/b/*"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	after, err := h.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("want subscriptions %v after round trip, got %v", before, after)
	}

	if err := h.Unsubscribe(ctx, "c1", "/never"); err != nil {
		t.Fatalf("unsubscribe of absent channel: %v", err)
	}
}

func testSubscribersMatching(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "exact", "one", "all", "other")
	subs := map[string]string{
		"exact": "/slim/status/abc",
		"one":   "/slim/status/*",
		"all":   "/slim/**",
		"other": "/unrelated",
	}
	for id, ch := range subs {
		if err := h.Subscribe(ctx, id, ch); err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
	}

	cases := []struct {
		channel string
		want    []string
	}{
		{"/slim/status/abc", []string{"all", "exact", "one"}},
		{"/slim/status/xyz", []string{"all", "one"}},
		{"/slim/status/abc/deep", []string{"all"}},
		{"/unrelated", []string{"other"}},
		{"/nobody/home", nil},
	}
	for _, tc := range cases {
		got, err := h.Subscribers(ctx, tc.channel)
		if err != nil {
			t.Fatalf("subscribers %s: %v", tc.channel, err)
		}
		if len(tc.want) == 0 && len(got) == 0 {
			continue
		}
		if !reflect.DeepEqual(tc.want, got) {
			t.Errorf("subscribers of %s: want %v, got %v", tc.channel, tc.want, got)
		}
	}
}

func testDeleteDropsSubscriptions(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1", "c2")
	for _, id := range []string{"c1", "c2"} {
		if err := h.Subscribe(ctx, id, "/news/**"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := h.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := h.Subscribers(ctx, "/news/today")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if want := []string{"c2"}; !reflect.DeepEqual(want, got) {
		t.Fatalf("want subscribers %v, got %v", want, got)
	}

	// a re-registered id starts clean
	register(t, h, "c1")
	subs, err := h.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after delete and re-register, got %v", subs)
	}
}

// --- Queue tests ---

func testQueueFIFO(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1")
	for i := 0; i < 5; i++ {
		if err := h.Enqueue(ctx, "c1", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	events, err := h.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want, got := 5, len(events); want != got {
		t.Fatalf("want %d events, got %d", want, got)
	}
	for i, ev := range events {
		if want, got := fmt.Sprintf(`{"n":%d}`, i), string(ev); want != got {
			t.Fatalf("event %d: want %s, got %s", i, want, got)
		}
	}

	again, err := h.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty queue after drain, got %d events", len(again))
	}
}

func testQueueIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1", "c2")
	if err := h.Enqueue(ctx, "c1", []byte(`"for-c1"`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	events, err := h.Drain(ctx, "c2")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected c2 queue to be empty, got %d events", len(events))
	}
	events, err = h.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want, got := 1, len(events); want != got {
		t.Fatalf("want %d events for c1, got %d", want, got)
	}
}

func testQueueConcurrent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	register(t, h, "c1")
	const writers, each = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := h.Enqueue(ctx, "c1", []byte(fmt.Sprintf(`"%d-%d"`, w, i))); err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	events, err := h.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want, got := writers*each, len(events); want != got {
		t.Fatalf("want %d events, got %d", want, got)
	}
}
