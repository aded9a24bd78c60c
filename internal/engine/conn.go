package engine

import "encoding/json"

// Conn is an open streaming connection as seen by the engine. The transport
// owns the socket; the engine only offers events and asks it to finish.
type Conn interface {
	// Offer queues an encoded event for the connection without blocking. It
	// reports false when the connection cannot take it, in which case the
	// engine keeps the event in the client's queue.
	Offer(event json.RawMessage) bool
	// Close ends the stream once already accepted events are written.
	Close()
	// Unsent returns accepted events that were never written. The engine
	// calls it after a connection is reported lost.
	Unsent() []json.RawMessage
}

// Frame wraps one event as a single element batch, the unit written per
// streaming chunk.
func Frame(event json.RawMessage) []byte {
	out := make([]byte, 0, len(event)+2)
	out = append(out, '[')
	out = append(out, event...)
	return append(out, ']')
}
