package streaminghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cometd-server-go/commands"
	"github.com/ggoodman/cometd-server-go/internal/engine"
	"github.com/ggoodman/cometd-server-go/sessions/memoryhost"
	"github.com/ggoodman/cometd-server-go/streaminghttp"
)

func TestLongPolling(t *testing.T) {
	t.Run("Handshake over JSON POST", func(t *testing.T) {
		srv := mustServer(t)

		resp, body := mustPost(t, srv, `[{"channel":"/meta/handshake","version":"1.0","id":"1"}]`)
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		for header, want := range map[string]string{
			"Content-Type":  "application/json",
			"Cache-Control": "no-cache",
			"Pragma":        "no-cache",
			"Expires":       "-1",
		} {
			if got := resp.Header.Get(header); got != want {
				t.Fatalf("header %s: want %q got %q", header, want, got)
			}
		}
		if want, got := fmt.Sprint(len(body)), resp.Header.Get("Content-Length"); want != got {
			t.Fatalf("want Content-Length %s got %s", want, got)
		}

		var msgs []map[string]any
		mustUnmarshalJSON(t, body, &msgs)
		if len(msgs) != 1 || msgs[0]["successful"] != true || msgs[0]["clientId"] == "" {
			t.Fatalf("unexpected handshake reply %s", body)
		}
	})

	t.Run("GET with message parameter", func(t *testing.T) {
		srv := mustServer(t)
		q := url.Values{"message": {`[{"channel":"/meta/handshake"}]`}}
		resp, err := http.Get(srv.URL + "/cometd?" + q.Encode())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var msgs []map[string]any
		mustDecode(t, resp.Body, &msgs)
		if len(msgs) != 1 || msgs[0]["channel"] != "/meta/handshake" || msgs[0]["successful"] != true {
			t.Fatalf("unexpected reply %v", msgs)
		}
	})

	t.Run("Form encoded POST", func(t *testing.T) {
		srv := mustServer(t)
		resp, err := http.PostForm(srv.URL+"/cometd", url.Values{"message": {`[{"channel":"/meta/handshake"}]`}})
		if err != nil {
			t.Fatalf("post form: %v", err)
		}
		defer resp.Body.Close()
		var msgs []map[string]any
		mustDecode(t, resp.Body, &msgs)
		if len(msgs) != 1 || msgs[0]["successful"] != true {
			t.Fatalf("unexpected reply %v", msgs)
		}
	})

	t.Run("Missing message", func(t *testing.T) {
		srv := mustServer(t)
		resp, err := http.Get(srv.URL + "/cometd")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var msgs []map[string]any
		mustDecode(t, resp.Body, &msgs)
		if len(msgs) != 1 || msgs[0]["error"] != "no message found" {
			t.Fatalf("unexpected reply %v", msgs)
		}
	})

	t.Run("Poll returns queued result", func(t *testing.T) {
		srv := mustServer(t)
		id := mustHandshake(t, srv)
		mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/subscribe","clientId":%q,"subscription":"/out/echo"}]`, id))
		_, body := mustPost(t, srv, fmt.Sprintf(`[{"channel":"/slim/request","clientId":%q,"id":1,
			"data":{"request":["echo","hi"],"response":"/out/echo"}}]`, id))
		var ack []map[string]any
		mustUnmarshalJSON(t, body, &ack)
		if len(ack) != 1 || ack[0]["channel"] != "/slim/request" || ack[0]["successful"] != true {
			t.Fatalf("unexpected ack %s", body)
		}

		_, body = mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/connect","clientId":%q,"connectionType":"long-polling"}]`, id))
		var msgs []map[string]any
		mustUnmarshalJSON(t, body, &msgs)
		if len(msgs) != 2 || msgs[1]["channel"] != "/out/echo" {
			t.Fatalf("want connect plus echo result, got %s", body)
		}
		args := msgs[1]["data"].(map[string]any)["args"].([]any)
		if len(args) != 1 || args[0] != "hi" {
			t.Fatalf("unexpected echo data %v", msgs[1]["data"])
		}
	})

	t.Run("Disconnect closes the connection", func(t *testing.T) {
		srv := mustServer(t)
		id := mustHandshake(t, srv)
		resp, _ := mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/disconnect","clientId":%q}]`, id))
		if !resp.Close {
			t.Fatalf("want Connection: close on disconnect")
		}
	})
}

func TestHTTPRejections(t *testing.T) {
	t.Run("Method not allowed", func(t *testing.T) {
		srv := mustServer(t)
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/cometd", strings.NewReader("[]"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusMethodNotAllowed, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		var body struct {
			Error struct {
				Code int `json:"code"`
			} `json:"error"`
		}
		mustDecode(t, resp.Body, &body)
		if body.Error.Code != http.StatusMethodNotAllowed {
			t.Fatalf("unexpected error body %+v", body)
		}
	})

	t.Run("Body too large", func(t *testing.T) {
		srv := mustServer(t, streaminghttp.WithMaxBodyBytes(16))
		resp, err := http.Post(srv.URL+"/cometd", "application/json", strings.NewReader(`[{"channel":"/meta/handshake","version":"1.0"}]`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		var msgs []map[string]any
		mustDecode(t, resp.Body, &msgs)
		if len(msgs) != 1 || msgs[0]["successful"] != false || msgs[0]["error"] != "message too large" {
			t.Fatalf("want a single error envelope, got %v", msgs)
		}
		if _, ok := msgs[0]["channel"]; ok {
			t.Fatalf("body errors carry no channel: %v", msgs[0])
		}
	})
}

func TestStreaming(t *testing.T) {
	t.Run("Events arrive as chunks", func(t *testing.T) {
		srv := mustServer(t)
		id := mustHandshake(t, srv)
		mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/subscribe","clientId":%q,"subscription":"/out/*"}]`, id))

		resp := mustOpenStream(t, srv, id)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)

		var first []map[string]any
		mustDecode(t, dec, &first)
		if len(first) != 1 || first[0]["channel"] != "/meta/connect" || first[0]["successful"] != true {
			t.Fatalf("unexpected first chunk %v", first)
		}
		if resp.Header.Get("Content-Length") != "" {
			t.Fatalf("streaming responses carry no Content-Length")
		}

		mustPost(t, srv, fmt.Sprintf(`[{"channel":"/slim/request","clientId":%q,"id":"r",
			"data":{"request":["version"],"response":"/out/version","priority":1}}]`, id))

		var chunk []map[string]any
		mustDecode(t, dec, &chunk)
		if len(chunk) != 1 || chunk[0]["channel"] != "/out/version" || chunk[0]["id"] != "r" {
			t.Fatalf("unexpected event chunk %v", chunk)
		}

		mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/disconnect","clientId":%q}]`, id))
		if _, err := io.ReadAll(resp.Body); err != nil {
			t.Fatalf("want the stream to end cleanly, got %v", err)
		}
	})

	t.Run("Keep-alive frames", func(t *testing.T) {
		srv := mustServer(t, streaminghttp.WithKeepAlive(10*time.Millisecond))
		id := mustHandshake(t, srv)
		resp := mustOpenStream(t, srv, id)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)

		var first, ping []map[string]any
		mustDecode(t, dec, &first)
		mustDecode(t, dec, &ping)
		if len(ping) != 0 {
			t.Fatalf("want an empty keep-alive batch, got %v", ping)
		}
	})

	t.Run("Polling connect replaces the stream", func(t *testing.T) {
		srv := mustServer(t)
		id := mustHandshake(t, srv)
		resp := mustOpenStream(t, srv, id)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		var first []map[string]any
		mustDecode(t, dec, &first)

		mustPost(t, srv, fmt.Sprintf(`[{"channel":"/meta/connect","clientId":%q,"connectionType":"long-polling"}]`, id))
		if _, err := io.ReadAll(resp.Body); err != nil {
			t.Fatalf("want the old stream to end, got %v", err)
		}
	})
}

// ============================================================================
// Test Server Utility
// ============================================================================

func mustServer(t *testing.T, opts ...streaminghttp.Option) *httptest.Server {
	t.Helper()
	log := slog.New(testLogHandler(t))

	reg := commands.NewRegistry(commands.WithLogger(log))
	commands.RegisterBuiltins(reg, "test", nil)
	eng := engine.NewEngine(memoryhost.New(), reg, engine.WithLogger(log))

	h, err := streaminghttp.New(eng, append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/cometd", h)
	srv := httptest.NewServer(mux)

	// Cleanups run last-in first-out: streams are closed before the server
	// waits for in-flight requests.
	t.Cleanup(srv.Close)
	t.Cleanup(eng.Close)
	return srv
}

func mustPost(t *testing.T, srv *httptest.Server, batch string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/cometd", "application/json", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func mustHandshake(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	_, body := mustPost(t, srv, `[{"channel":"/meta/handshake"}]`)
	var msgs []map[string]any
	mustUnmarshalJSON(t, body, &msgs)
	id, _ := msgs[0]["clientId"].(string)
	if id == "" {
		t.Fatalf("handshake returned no client id: %s", body)
	}
	return id
}

func mustOpenStream(t *testing.T, srv *httptest.Server, clientID string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	batch := fmt.Sprintf(`[{"channel":"/meta/connect","clientId":%q,"connectionType":"streaming"}]`, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/cometd", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		resp.Body.Close()
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	return resp
}

type decoder interface {
	Decode(v any) error
}

func mustDecode(t *testing.T, src any, v any) {
	t.Helper()
	var dec decoder
	switch s := src.(type) {
	case decoder:
		dec = s
	case io.Reader:
		dec = json.NewDecoder(s)
	default:
		t.Fatalf("cannot decode from %T", src)
	}
	if err := dec.Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
