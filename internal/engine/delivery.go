package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/cometd-server-go/bayeux"
	"github.com/ggoodman/cometd-server-go/sessions"
)

// Deliver fans an event out to every client whose subscriptions match its
// channel. Clients with a bound stream that accepts the event receive it
// immediately; everyone else finds it in their queue on the next connect.
func (e *Engine) Deliver(ctx context.Context, ev bayeux.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deliverLocked(ctx, ev)
}

// Publish delivers data on channel as a server originated event.
func (e *Engine) Publish(ctx context.Context, channel string, data any) error {
	return e.Deliver(ctx, bayeux.Response{Channel: channel, Successful: true, Data: data})
}

func (e *Engine) deliverLocked(ctx context.Context, ev bayeux.Response) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", ev.Channel, err)
	}
	// Queue writes must survive the request that triggered them.
	ctx = context.WithoutCancel(ctx)

	ids, err := e.host.Subscribers(ctx, ev.Channel)
	if err != nil {
		return fmt.Errorf("match subscribers of %s: %w", ev.Channel, err)
	}

	var streamed, queued int
	for _, id := range ids {
		if b, ok := e.bindings[id]; ok && b.kind == TransportStreaming && b.conn.Offer(raw) {
			streamed++
			continue
		}
		if err := e.host.Enqueue(ctx, id, raw); err != nil {
			if !errors.Is(err, sessions.ErrClientNotFound) {
				e.log.ErrorContext(ctx, "engine.deliver.enqueue.fail", slog.String("client_id", id), slog.String("err", err.Error()))
			}
			continue
		}
		queued++
	}
	e.log.DebugContext(ctx, "engine.deliver.ok",
		slog.String("channel", ev.Channel),
		slog.Int("streamed", streamed),
		slog.Int("queued", queued),
	)
	return nil
}

// requeueLocked moves events a stream accepted but never wrote back into the
// client's queue.
func (e *Engine) requeueLocked(ctx context.Context, clientID string, conn Conn) {
	unsent := conn.Unsent()
	if len(unsent) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range unsent {
		if err := e.host.Enqueue(ctx, clientID, ev); err != nil {
			if !errors.Is(err, sessions.ErrClientNotFound) {
				e.log.ErrorContext(ctx, "engine.requeue.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
			}
			return
		}
	}
	e.log.InfoContext(ctx, "engine.requeue.ok", slog.String("client_id", clientID), slog.Int("events", len(unsent)))
}

// Run pushes events enqueued by other nodes to streams bound on this node.
// It returns when ctx is done, or immediately when the host is not shared.
func (e *Engine) Run(ctx context.Context) error {
	w, ok := e.host.(sessions.Waker)
	if !ok {
		return nil
	}
	wakeups, err := w.Wakeups(ctx)
	if err != nil {
		return fmt.Errorf("watch queues: %w", err)
	}
	e.log.InfoContext(ctx, "engine.run.start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-wakeups:
			if !ok {
				return nil
			}
			e.wake(ctx, id)
		}
	}
}

// wake moves a streaming client's queue onto its stream. A stream that
// cannot take everything is closed and the rest stays queued; the client
// collects it on reconnect.
func (e *Engine) wake(ctx context.Context, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.bindings[clientID]
	if !ok || b.kind != TransportStreaming {
		return
	}
	events, err := e.host.Drain(ctx, clientID)
	if err != nil {
		if !errors.Is(err, sessions.ErrClientNotFound) {
			e.log.ErrorContext(ctx, "engine.wake.drain.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
		}
		return
	}
	for i, ev := range events {
		if b.conn.Offer(ev) {
			continue
		}
		// Unbind first so the requeue is not offered straight back.
		e.dropStreamLocked(ctx, clientID)
		b.conn.Close()
		for _, rest := range events[i:] {
			if err := e.host.Enqueue(ctx, clientID, rest); err != nil {
				e.log.ErrorContext(ctx, "engine.wake.requeue.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
				break
			}
		}
		e.log.WarnContext(ctx, "engine.wake.saturated", slog.String("client_id", clientID), slog.Int("requeued", len(events)-i))
		return
	}
}
