package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/cometd-server-go/bayeux"
	"github.com/ggoodman/cometd-server-go/internal/engine"
	"github.com/ggoodman/cometd-server-go/internal/logctx"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	defaultStreamBuffer = 64
	defaultMaxBodyBytes = 1 << 20

	// messageParam carries the batch text for GET and form encoded POST.
	messageParam = "message"
)

// keepAliveFrame is written on idle streams so intermediaries do not time
// the response out. Clients treat it as an empty batch.
var keepAliveFrame = []byte("[]")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a batch could be read. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	streamBuffer int
	keepAlive    time.Duration
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithStreamBuffer sets how many events a stream accepts ahead of the
// socket. Events that do not fit stay in the client's queue.
func WithStreamBuffer(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.streamBuffer = n
		}
	}
}

// WithKeepAlive writes an empty batch on streams idle for d. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithMaxBodyBytes bounds the size of an inbound batch.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler carries cometd batches over HTTP. Each request holds
// one batch; a streaming connect keeps its response open and every later
// event for the client is written to it as an additional chunk.
type StreamingHTTPHandler struct {
	eng          *engine.Engine
	log          *slog.Logger
	streamBuffer int
	keepAlive    time.Duration
	maxBodyBytes int64
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving eng.
func New(eng *engine.Engine, opts ...Option) (*StreamingHTTPHandler, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	cfg := &newConfig{
		logger:       slog.Default(),
		streamBuffer: defaultStreamBuffer,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &StreamingHTTPHandler{
		eng:          eng,
		log:          logctx.Wrap(cfg.logger),
		streamBuffer: cfg.streamBuffer,
		keepAlive:    cfg.keepAlive,
		maxBodyBytes: cfg.maxBodyBytes,
	}, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))

	switch r.Method {
	case http.MethodGet, http.MethodPost:
		h.handleBatch(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		h.log.InfoContext(r.Context(), "http.method.unsupported")
	}
}

func (h *StreamingHTTPHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var reply *engine.Reply
	conn := newStreamConn(h.streamBuffer)
	text, err := h.readMessage(w, r)
	if err != nil {
		h.log.WarnContext(ctx, "http.body.fail", slog.String("err", err.Error()))
		msg := "unreadable request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "message too large"
		}
		reply = bodyErrorReply(msg)
	} else {
		reply = h.eng.HandleBatch(ctx, text, conn)
	}
	body := reply.Encode()

	hdr := w.Header()
	hdr.Set("Content-Type", jsonMediaType.String())
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "-1")
	if reply.Close {
		hdr.Set("Connection", "close")
	}

	if !reply.Streaming {
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "http.batch.ok", slog.String("client_id", reply.ClientID), slog.Duration("dur", time.Since(start)))
		return
	}

	h.stream(ctx, w, reply, body, conn)
}

// bodyErrorReply answers a request whose body could not be read. Like any
// malformed batch it is a single envelope on a 200 response; the connection
// is closed since the rest of the body may still be unread.
func bodyErrorReply(msg string) *engine.Reply {
	raw, _ := json.Marshal(bayeux.Response{Error: msg})
	return &engine.Reply{Messages: []json.RawMessage{raw}, Close: true}
}

// readMessage extracts the batch text. JSON bodies are read whole; anything
// else is parsed as a form and the batch taken from the message parameter.
func (h *StreamingHTTPHandler) readMessage(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	if r.Method == http.MethodPost {
		if ctype, err := contenttype.GetMediaType(r); err == nil && ctype.Matches(jsonMediaType) {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.Form.Get(messageParam), nil
}

// stream writes the first reply chunk and then every event offered to conn
// until the engine closes it or the client goes away.
func (h *StreamingHTTPHandler) stream(ctx context.Context, w http.ResponseWriter, reply *engine.Reply, first []byte, conn *streamConn) {
	start := time.Now()
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{ClientID: reply.ClientID, Transport: string(engine.TransportStreaming)})
	defer h.eng.ConnectionLost(context.WithoutCancel(ctx), reply.ClientID, conn)

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(first)
		h.log.ErrorContext(ctx, "stream.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.WriteHeader(http.StatusOK)
	if _, err := wf.Write(first); err != nil {
		h.log.WarnContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
		return
	}
	wf.Flush()
	h.log.InfoContext(ctx, "stream.start")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	write := func(chunk []byte) bool {
		if _, err := wf.Write(chunk); err != nil {
			h.log.InfoContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
			return false
		}
		wf.Flush()
		return true
	}
	// An event whose write failed goes back to the conn so ConnectionLost
	// requeues it with the rest.
	writeEvent := func(ev json.RawMessage) bool {
		if write(engine.Frame(ev)) {
			return true
		}
		conn.retain(ev)
		return false
	}

	for {
		select {
		case ev := <-conn.chunks:
			if !writeEvent(ev) {
				return
			}
		case <-conn.done:
			for {
				select {
				case ev := <-conn.chunks:
					if !writeEvent(ev) {
						return
					}
				default:
					h.log.InfoContext(ctx, "stream.end", slog.Duration("dur", time.Since(start)))
					return
				}
			}
		case <-tick:
			if !write(keepAliveFrame) {
				return
			}
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stream.client.gone", slog.Duration("dur", time.Since(start)))
			return
		}
	}
}
