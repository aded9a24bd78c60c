package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/cometd-server-go/backend"
	"github.com/google/uuid"
)

// Request is what a handler sees of a command.
type Request struct {
	ClientID string
	DeviceID string
	Name     string
	// Args excludes the command name.
	Args []string
}

// HandlerFunc answers a command synchronously. Returning a
// *backend.StatusError reports a validation failure to the client.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// AsyncHandlerFunc answers a command by calling complete exactly once, from
// any goroutine. Calling complete before returning makes the result
// synchronous.
type AsyncHandlerFunc func(ctx context.Context, req Request, complete func(data any, err error))

type handler struct {
	sync  HandlerFunc
	async AsyncHandlerFunc
}

type registration struct {
	req        Request
	callback   backend.Callback
	persistent bool
}

// Registry is an in-process backend.Executor dispatching on the first command
// argument. Subscribed commands are re-run by Notify.
type Registry struct {
	log  *slog.Logger
	node string

	mu       sync.Mutex
	handlers map[string]handler
	regs     map[string]*registration // token -> registration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger for the Registry.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:      slog.Default(),
		node:     uuid.NewString(),
		handlers: make(map[string]handler),
		regs:     make(map[string]*registration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Node returns the process-unique id of this registry.
func (r *Registry) Node() string { return r.node }

// Handle registers a synchronous command.
func (r *Registry) Handle(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = handler{sync: fn}
	r.mu.Unlock()
}

// HandleAsync registers a command that may complete later.
func (r *Registry) HandleAsync(name string, fn AsyncHandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = handler{async: fn}
	r.mu.Unlock()
}

// Registrations reports how many callbacks are currently registered.
func (r *Registry) Registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

func (r *Registry) Execute(ctx context.Context, cmd backend.Command) (*backend.Result, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return nil, backend.ErrNotDispatchable
	}
	req := Request{ClientID: cmd.ClientID, DeviceID: cmd.DeviceID, Name: cmd.Args[0], Args: cmd.Args[1:]}

	r.mu.Lock()
	h, ok := r.handlers[req.Name]
	r.mu.Unlock()
	if !ok {
		r.log.DebugContext(ctx, "commands.execute.unknown", slog.String("name", req.Name))
		return nil, fmt.Errorf("%w: unknown command %q", backend.ErrNotDispatchable, req.Name)
	}

	if h.sync != nil {
		data, err := h.sync(ctx, req)
		if err != nil {
			return nil, err
		}
		if cmd.Subscribe && cmd.Callback != nil {
			r.register(cmd, req)
		}
		r.log.DebugContext(ctx, "commands.execute.ok", slog.String("name", req.Name), slog.Bool("subscribe", cmd.Subscribe))
		return &backend.Result{Data: data}, nil
	}

	if cmd.Callback == nil {
		return nil, backend.Statusf("command %s cannot complete without a callback", req.Name)
	}

	// Registered before the handler runs so a completion racing the return
	// still finds its callback.
	r.register(cmd, req)

	var (
		mu       sync.Mutex
		returned bool
		early    *outcome
		once     sync.Once
	)
	complete := func(data any, err error) {
		once.Do(func() {
			mu.Lock()
			if !returned {
				early = &outcome{data: data, err: err}
				mu.Unlock()
				return
			}
			mu.Unlock()
			r.fire(context.WithoutCancel(ctx), cmd.Token, data, err)
		})
	}
	h.async(ctx, req, complete)

	mu.Lock()
	returned = true
	done := early
	mu.Unlock()

	if done == nil {
		r.log.DebugContext(ctx, "commands.execute.deferred", slog.String("name", req.Name))
		return &backend.Result{Async: true}, nil
	}
	if done.err != nil || !cmd.Subscribe {
		r.RemoveCallback(cmd.Token)
	}
	if done.err != nil {
		return nil, done.err
	}
	return &backend.Result{Data: done.data}, nil
}

type outcome struct {
	data any
	err  error
}

func (r *Registry) register(cmd backend.Command, req Request) {
	r.mu.Lock()
	r.regs[cmd.Token] = &registration{req: req, callback: cmd.Callback, persistent: cmd.Subscribe}
	r.mu.Unlock()
}

// fire hands a result to the callback registered under token, if it is still
// registered. One-shot registrations are consumed.
func (r *Registry) fire(ctx context.Context, token string, data any, err error) {
	r.mu.Lock()
	reg, ok := r.regs[token]
	if ok && !reg.persistent {
		delete(r.regs, token)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	res := &backend.Result{Data: data}
	if err != nil {
		res.Data = nil
		res.Error = statusText(err)
	}
	reg.callback(ctx, token, res)
}

func (r *Registry) RemoveCallback(token string) {
	r.mu.Lock()
	delete(r.regs, token)
	r.mu.Unlock()
}

func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, reg := range r.regs {
		if reg.req.ClientID == clientID {
			delete(r.regs, tok)
		}
	}
}

// Notify re-runs every subscribed command whose name is in names, or every
// subscribed command when names is empty, and delivers the fresh results to
// their callbacks. Callbacks run on the calling goroutine, outside the
// registry lock.
func (r *Registry) Notify(ctx context.Context, names ...string) {
	type pending struct {
		token string
		req   Request
		h     handler
	}
	r.mu.Lock()
	var work []pending
	for tok, reg := range r.regs {
		if !reg.persistent {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, reg.req.Name) {
			continue
		}
		work = append(work, pending{token: tok, req: reg.req, h: r.handlers[reg.req.Name]})
	}
	r.mu.Unlock()

	for _, p := range work {
		switch {
		case p.h.sync != nil:
			data, err := p.h.sync(ctx, p.req)
			r.fire(ctx, p.token, data, err)
		case p.h.async != nil:
			tok := p.token
			var once sync.Once
			p.h.async(ctx, p.req, func(data any, err error) {
				once.Do(func() { r.fire(context.WithoutCancel(ctx), tok, data, err) })
			})
		}
	}
	if len(work) > 0 {
		r.log.DebugContext(ctx, "commands.notify", slog.Any("names", names), slog.Int("fired", len(work)))
	}
}

func statusText(err error) string {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return err.Error()
}

// Interface compliance
var _ backend.Executor = (*Registry)(nil)
