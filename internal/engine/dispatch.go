package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/cometd-server-go/bayeux"
	"github.com/ggoodman/cometd-server-go/internal/logctx"
	"github.com/ggoodman/cometd-server-go/sessions"
)

// timestampLayout renders envelope timestamps in UTC with centiseconds.
const timestampLayout = "2006-01-02T15:04:05.00"

const (
	errNoMessage      = "no message found"
	errNotArray       = "message batch must be a JSON array"
	errInvalidClient  = "invalid clientId"
	errRegistryFailed = "client registry unavailable"
)

// Reply is the outcome of one batch.
type Reply struct {
	// Messages are the encoded response envelopes in order.
	Messages []json.RawMessage
	// ClientID is the batch client id after processing, possibly empty.
	ClientID string
	// Streaming is set when the request's Conn is now the client's bound
	// stream. The transport keeps the response open and writes every event
	// offered to the Conn.
	Streaming bool
	// Close asks the transport to close the connection after responding.
	Close bool
}

// Encode serializes the reply batch. If any envelope fails to encode the
// whole batch is replaced by a single error envelope.
func (r *Reply) Encode() []byte {
	msgs := r.Messages
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	b, err := json.Marshal(msgs)
	if err == nil {
		return b
	}
	fallback, _ := json.Marshal([]bayeux.Response{{Error: "response encoding failed: " + err.Error()}})
	return fallback
}

// batch is the mutable state shared by the elements of one request.
type batch struct {
	clientID   string
	determined bool
	// ids handed out by handshakes earlier in this batch
	handshaked map[string]bool
	conn       Conn
	parts      []part
	close      bool
	failed     bool
}

// part is either an envelope or a marker where the client's queue is
// drained into the response.
type part struct {
	resp  *bayeux.Response
	drain string
}

func (b *batch) add(r bayeux.Response) {
	b.parts = append(b.parts, part{resp: &r})
}

// HandleBatch interprets one inbound batch. text is the raw JSON message
// text; conn is the request's connection, bound as the client's stream when
// a streaming connect asks for it.
func (e *Engine) HandleBatch(ctx context.Context, text string, conn Conn) *Reply {
	start := time.Now()
	b := &batch{conn: conn, handshaked: make(map[string]bool)}

	if strings.TrimSpace(text) == "" {
		return e.reject(ctx, b, errNoMessage)
	}
	var root json.RawMessage
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return e.reject(ctx, b, "invalid JSON: "+err.Error())
	}
	var elems []json.RawMessage
	if !startsWith(root, '[') || json.Unmarshal(root, &elems) != nil {
		return e.reject(ctx, b, errNotArray)
	}

	for i, el := range elems {
		if !startsWith(el, '{') {
			return e.reject(ctx, b, fmt.Sprintf("message batch element %d is not an object", i))
		}
		var m bayeux.Message
		if err := json.Unmarshal(el, &m); err != nil {
			return e.reject(ctx, b, fmt.Sprintf("message batch element %d is not an object", i))
		}
		if !b.determined && m.ClientID != "" {
			b.clientID = m.ClientID
			b.determined = true
		}

		mctx := logctx.WithMessageData(ctx, &logctx.MessageData{Channel: m.Channel, ID: m.ID.String()})
		if herr := e.dispatch(mctx, b, &m); herr != nil {
			e.log.InfoContext(mctx, "engine.batch.abort", slog.String("err", herr.Error), slog.Int("element", i))
			b.parts = []part{{resp: herr}}
			b.failed = true
			return e.finish(ctx, b, start)
		}
	}
	return e.finish(ctx, b, start)
}

func (e *Engine) dispatch(ctx context.Context, b *batch, m *bayeux.Message) *bayeux.Response {
	switch m.Channel {
	case bayeux.ChannelHandshake:
		e.handshake(ctx, b, m)
	case bayeux.ChannelConnect, bayeux.ChannelReconnect:
		e.connect(ctx, b, m)
	case bayeux.ChannelDisconnect:
		e.disconnect(ctx, b, m)
	case bayeux.ChannelSubscribe:
		e.subscribe(ctx, b, m, true)
	case bayeux.ChannelUnsubscribe:
		e.subscribe(ctx, b, m, false)
	case bayeux.ChannelSlimSubscribe:
		return e.slimExecute(ctx, b, m, true)
	case bayeux.ChannelSlimRequest:
		return e.slimExecute(ctx, b, m, false)
	case bayeux.ChannelSlimUnsubscribe:
		e.slimUnsubscribe(ctx, b, m)
	default:
		e.log.DebugContext(ctx, "engine.channel.skip")
	}
	return nil
}

// reject answers a structurally broken batch with a single error envelope.
func (e *Engine) reject(ctx context.Context, b *batch, msg string) *Reply {
	e.log.InfoContext(ctx, "engine.batch.invalid", slog.String("err", msg))
	b.parts = []part{{resp: &bayeux.Response{Error: msg}}}
	b.failed = true
	return e.finish(ctx, b, time.Now())
}

// finish materializes the response, draining queues at their markers, and
// decides whether the request's connection stays open as a stream.
func (e *Engine) finish(ctx context.Context, b *batch, start time.Time) *Reply {
	e.mu.Lock()
	defer e.mu.Unlock()

	reply := &Reply{ClientID: b.clientID, Close: b.close}
	drained := make(map[string]bool)
	for _, p := range b.parts {
		if p.resp != nil {
			raw, err := json.Marshal(p.resp)
			if err != nil {
				e.log.ErrorContext(ctx, "engine.envelope.encode.fail", slog.String("err", err.Error()))
				continue
			}
			reply.Messages = append(reply.Messages, raw)
			continue
		}
		if drained[p.drain] {
			continue
		}
		drained[p.drain] = true
		events, err := e.host.Drain(context.WithoutCancel(ctx), p.drain)
		if err != nil {
			if !errors.Is(err, sessions.ErrClientNotFound) {
				e.log.ErrorContext(ctx, "engine.queue.drain.fail", slog.String("err", err.Error()))
			}
			continue
		}
		for _, ev := range events {
			reply.Messages = append(reply.Messages, json.RawMessage(ev))
		}
	}

	if bd, ok := e.bindings[b.clientID]; ok && b.conn != nil && bd.conn == b.conn {
		if b.close || b.failed {
			// The connection will not stream. Like any lost stream, the
			// client gets the reconnect grace period; a polling client has
			// no stream to lose and is left alone.
			e.dropStreamLocked(ctx, b.clientID)
			bd.conn.Close()
			e.requeueLocked(ctx, b.clientID, b.conn)
		} else {
			reply.Streaming = true
		}
	}

	if b.failed {
		// The envelopes carrying ids handed out by this batch were discarded,
		// so nobody can ever use or disconnect them.
		for id := range b.handshaked {
			e.log.InfoContext(ctx, "engine.handshake.discard", slog.String("client_id", id))
			e.teardownLocked(ctx, id)
		}
		if b.handshaked[reply.ClientID] {
			reply.ClientID = ""
		}
	}

	e.log.DebugContext(ctx, "engine.batch.ok",
		slog.String("client_id", reply.ClientID),
		slog.Int("messages", len(reply.Messages)),
		slog.Bool("streaming", reply.Streaming),
		slog.Duration("dur", time.Since(start)),
	)
	return reply
}

// checkClientLocked returns nil when the batch client id is registered, or
// the per-element failure envelope otherwise.
func (e *Engine) checkClientLocked(ctx context.Context, b *batch, m *bayeux.Message) *bayeux.Response {
	if m.InvalidClientID {
		e.log.InfoContext(ctx, "engine.client.invalid", slog.String("err", "clientId is not a string"))
		return &bayeux.Response{
			Channel: m.Channel,
			ID:      m.ID,
			Error:   errInvalidClient,
			Advice:  &bayeux.Advice{Reconnect: bayeux.ReconnectHandshake, Interval: 0},
		}
	}
	if b.clientID != "" {
		ok, err := e.host.Exists(ctx, b.clientID)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.client.check.fail", slog.String("err", err.Error()))
			return &bayeux.Response{
				Channel:  m.Channel,
				ClientID: b.clientID,
				ID:       m.ID,
				Error:    errRegistryFailed,
				Advice:   &bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: e.retryDelay.Milliseconds()},
			}
		}
		if ok {
			return nil
		}
	}
	e.log.InfoContext(ctx, "engine.client.invalid", slog.String("client_id", b.clientID))
	return &bayeux.Response{
		Channel:  m.Channel,
		ClientID: b.clientID,
		ID:       m.ID,
		Error:    errInvalidClient,
		Advice:   &bayeux.Advice{Reconnect: bayeux.ReconnectHandshake, Interval: 0},
	}
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(timestampLayout)
}

func (e *Engine) handshake(ctx context.Context, b *batch, m *bayeux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := b.clientID
	if id == "" || !b.handshaked[id] {
		var err error
		id, err = e.freshClientIDLocked(ctx)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.handshake.fail", slog.String("err", err.Error()))
			b.add(bayeux.Response{
				Channel: m.Channel,
				ID:      m.ID,
				Error:   errRegistryFailed,
				Advice:  &bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: e.retryDelay.Milliseconds()},
			})
			return
		}
		b.handshaked[id] = true
	}
	b.clientID = id
	b.determined = true

	b.add(bayeux.Response{
		Channel:                  m.Channel,
		ClientID:                 id,
		Successful:               true,
		ID:                       m.ID,
		Version:                  bayeux.Version,
		MinimumVersion:           bayeux.Version,
		SupportedConnectionTypes: bayeux.SupportedConnectionTypes(),
		Advice:                   &bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: e.retryDelay.Milliseconds()},
	})
	e.log.InfoContext(ctx, "engine.handshake.ok", slog.String("client_id", id))
}

// freshClientIDLocked generates and registers an id no registered client
// holds.
func (e *Engine) freshClientIDLocked(ctx context.Context) (string, error) {
	const attempts = 4
	for i := 0; i < attempts; i++ {
		id := e.newClientID()
		taken, err := e.host.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		if err := e.host.Register(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("no unused client id after %d attempts", attempts)
}

func (e *Engine) connect(ctx context.Context, b *batch, m *bayeux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fail := e.checkClientLocked(ctx, b, m); fail != nil {
		b.add(*fail)
		return
	}
	id := b.clientID
	// Connect and reconnect both cancel a pending teardown.
	if e.cancelTimerLocked(id) {
		e.log.InfoContext(ctx, "engine.timeout.cancel", slog.String("client_id", id))
	}

	kind := TransportPolling
	if m.ConnectionType == bayeux.ConnectionStreaming && b.conn != nil && !e.closed {
		kind = TransportStreaming
	}
	e.bindLocked(id, kind, b.conn)

	b.add(bayeux.Response{
		Channel:    m.Channel,
		ClientID:   id,
		Successful: true,
		ID:         m.ID,
		Timestamp:  e.timestamp(),
	})
	b.parts = append(b.parts, part{drain: id})

	cctx := logctx.WithClientData(ctx, &logctx.ClientData{ClientID: id, Transport: string(kind)})
	e.log.InfoContext(cctx, "engine.connect.ok")
}

// bindLocked points the client at a transport, closing a previously bound
// stream that is being replaced.
func (e *Engine) bindLocked(clientID string, kind Transport, conn Conn) {
	if old, ok := e.bindings[clientID]; ok && old.conn != nil {
		if kind != TransportStreaming || old.conn != conn {
			old.conn.Close()
		}
	}
	if kind == TransportStreaming {
		e.bindings[clientID] = &binding{kind: kind, conn: conn}
		return
	}
	e.bindings[clientID] = &binding{kind: kind}
}

func (e *Engine) disconnect(ctx context.Context, b *batch, m *bayeux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fail := e.checkClientLocked(ctx, b, m); fail != nil {
		b.add(*fail)
		return
	}
	id := b.clientID
	b.add(bayeux.Response{
		Channel:    m.Channel,
		ClientID:   id,
		Successful: true,
		ID:         m.ID,
		Timestamp:  e.timestamp(),
	})
	b.close = true
	delete(b.handshaked, id)
	e.teardownLocked(ctx, id)
	e.log.InfoContext(ctx, "engine.disconnect.ok", slog.String("client_id", id))
}

func (e *Engine) subscribe(ctx context.Context, b *batch, m *bayeux.Message, add bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fail := e.checkClientLocked(ctx, b, m); fail != nil {
		b.add(*fail)
		return
	}
	id := b.clientID
	for _, ch := range m.Subscription {
		var err error
		if add {
			err = e.host.Subscribe(ctx, id, ch)
		} else {
			err = e.host.Unsubscribe(ctx, id, ch)
		}
		if err != nil {
			e.log.ErrorContext(ctx, "engine.subscription.fail", slog.String("subscription", ch), slog.String("err", err.Error()))
			b.add(bayeux.Response{Channel: m.Channel, ClientID: id, ID: m.ID, Subscription: ch, Error: err.Error()})
			continue
		}
		b.add(bayeux.Response{Channel: m.Channel, ClientID: id, Successful: true, ID: m.ID, Subscription: ch})
	}
	e.log.DebugContext(ctx, "engine.subscription.ok", slog.Bool("add", add), slog.Any("subscription", []string(m.Subscription)))
}

func startsWith(raw json.RawMessage, c byte) bool {
	t := bytes.TrimLeft(raw, " \t\r\n")
	return len(t) > 0 && t[0] == c
}
