package streaminghttp

import (
	"encoding/json"
	"sync"

	"github.com/ggoodman/cometd-server-go/internal/engine"
)

var _ engine.Conn = (*streamConn)(nil)

// streamConn is the engine's view of one open streaming response. Offered
// events are buffered for the writer goroutine in handleBatch.
type streamConn struct {
	chunks chan json.RawMessage
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	// taken from chunks but never written
	failed []json.RawMessage
}

func newStreamConn(buffer int) *streamConn {
	return &streamConn{
		chunks: make(chan json.RawMessage, buffer),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) Offer(ev json.RawMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.chunks <- ev:
		return true
	default:
		return false
	}
}

func (c *streamConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// retain keeps an event the writer could not deliver so Unsent returns it
// ahead of anything still buffered.
func (c *streamConn) retain(ev json.RawMessage) {
	c.mu.Lock()
	c.failed = append(c.failed, ev)
	c.mu.Unlock()
}

func (c *streamConn) Unsent() []json.RawMessage {
	c.mu.Lock()
	out := c.failed
	c.failed = nil
	c.mu.Unlock()
	for {
		select {
		case ev := <-c.chunks:
			out = append(out, ev)
		default:
			return out
		}
	}
}
