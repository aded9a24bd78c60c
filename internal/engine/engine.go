package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/cometd-server-go/backend"
	"github.com/ggoodman/cometd-server-go/internal/clientid"
	"github.com/ggoodman/cometd-server-go/internal/logctx"
	"github.com/ggoodman/cometd-server-go/sessions"
)

const defaultRetryDelay = 5 * time.Second

// Transport is how a client currently receives events.
type Transport string

const (
	TransportNone      Transport = "none"
	TransportPolling   Transport = "polling"
	TransportStreaming Transport = "streaming"
)

// Engine is the protocol core of a cometd server. It interprets message
// batches, owns the process-local transport bindings and disconnect timers,
// and bridges /slim/* messages to a backend.Executor.
//
// A single mutex serializes registry mutation, binding changes, the pending
// unsubscribe set and delivery. Backend execution runs outside the lock.
type Engine struct {
	host sessions.Host
	exec backend.Executor
	log  *slog.Logger

	retryDelay  time.Duration
	newClientID func() string
	now         func() time.Time

	mu           sync.Mutex
	bindings     map[string]*binding
	timers       map[string]*disconnectTimer
	pendingUnsub map[string]struct{}
	closed       bool
}

type binding struct {
	kind Transport
	conn Conn // set only for streaming
}

func NewEngine(host sessions.Host, exec backend.Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		host:         host,
		exec:         exec,
		log:          slog.Default(),
		retryDelay:   defaultRetryDelay,
		newClientID:  clientid.New,
		now:          time.Now,
		bindings:     make(map[string]*binding),
		timers:       make(map[string]*disconnectTimer),
		pendingUnsub: make(map[string]struct{}),
	}

	// Apply options (order matters; later options override earlier ones).
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = logctx.Wrap(e.log)
	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRetryDelay sets the reconnect interval advertised at handshake. Clients
// whose stream is lost are torn down after twice this delay.
func WithRetryDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryDelay = d
		}
	}
}

// WithClientIDGenerator replaces the handshake id generator.
func WithClientIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newClientID = fn
		}
	}
}

// WithClock replaces the time source used for envelope timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// RetryDelay returns the advertised reconnect interval.
func (e *Engine) RetryDelay() time.Duration { return e.retryDelay }

// Stats is a point-in-time view of engine state.
type Stats struct {
	Clients             int `json:"clients"`
	Streaming           int `json:"streaming"`
	Polling             int `json:"polling"`
	PendingTimers       int `json:"pendingTimers"`
	PendingUnsubscribes int `json:"pendingUnsubscribes"`
}

// Stats reports registry and binding counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var st Stats
	for _, b := range e.bindings {
		switch b.kind {
		case TransportStreaming:
			st.Streaming++
		case TransportPolling:
			st.Polling++
		}
	}
	st.PendingTimers = len(e.timers)
	st.PendingUnsubscribes = len(e.pendingUnsub)
	ids, err := e.host.Clients(ctx)
	if err != nil {
		return st, err
	}
	st.Clients = len(ids)
	return st, nil
}

// TransportOf reports the current transport of a client.
func (e *Engine) TransportOf(clientID string) Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bindings[clientID]; ok {
		return b.kind
	}
	return TransportNone
}

// Close stops every disconnect timer and closes every bound stream. Registry
// state is left intact so clients can resume on another node.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, t := range e.timers {
		t.timer.Stop()
		delete(e.timers, id)
	}
	for id, b := range e.bindings {
		if b.conn != nil {
			b.conn.Close()
		}
		delete(e.bindings, id)
	}
	e.log.Info("engine.close")
}
