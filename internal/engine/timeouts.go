package engine

import (
	"context"
	"log/slog"
	"time"
)

// disconnectTimer is the pending teardown of a client whose stream was lost.
// Expiry compares the pointer stored in Engine.timers, so a timer that was
// replaced or cancelled after firing does nothing.
type disconnectTimer struct {
	timer *time.Timer
}

// ConnectionLost reports that the transport finished with conn. When conn is
// still the client's bound stream the client is unbound and torn down after
// twice the retry delay unless it reconnects first. Events the stream
// accepted but never wrote go back to the client's queue.
func (e *Engine) ConnectionLost(ctx context.Context, clientID string, conn Conn) {
	if clientID == "" || conn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.bindings[clientID]; ok && b.kind == TransportStreaming && b.conn == conn {
		e.dropStreamLocked(ctx, clientID)
	}
	conn.Close()
	e.requeueLocked(ctx, clientID, conn)
}

// dropStreamLocked unbinds the client's stream and schedules its teardown
// unless it reconnects within twice the retry delay.
func (e *Engine) dropStreamLocked(ctx context.Context, clientID string) {
	delete(e.bindings, clientID)
	if e.closed {
		return
	}
	grace := 2 * e.retryDelay
	e.cancelTimerLocked(clientID)
	dt := &disconnectTimer{}
	dt.timer = time.AfterFunc(grace, func() { e.expire(clientID, dt) })
	e.timers[clientID] = dt
	e.log.InfoContext(ctx, "engine.timeout.schedule", slog.String("client_id", clientID), slog.Duration("after", grace))
}

func (e *Engine) expire(clientID string, dt *disconnectTimer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers[clientID] != dt {
		return
	}
	delete(e.timers, clientID)
	ctx := context.Background()
	e.log.InfoContext(ctx, "engine.timeout.expire", slog.String("client_id", clientID))
	e.teardownLocked(ctx, clientID)
}

// cancelTimerLocked stops the client's pending teardown, if any, and reports
// whether one was pending.
func (e *Engine) cancelTimerLocked(clientID string) bool {
	dt, ok := e.timers[clientID]
	if !ok {
		return false
	}
	dt.timer.Stop()
	delete(e.timers, clientID)
	return true
}

// teardownLocked removes every trace of a client. Calling it for an unknown
// client is a no-op.
func (e *Engine) teardownLocked(ctx context.Context, clientID string) {
	e.cancelTimerLocked(clientID)
	if b, ok := e.bindings[clientID]; ok {
		if b.conn != nil {
			b.conn.Close()
		}
		delete(e.bindings, clientID)
	}
	e.exec.RemoveClient(clientID)
	if err := e.host.Delete(context.WithoutCancel(ctx), clientID); err != nil {
		e.log.ErrorContext(ctx, "engine.teardown.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
	}
}
