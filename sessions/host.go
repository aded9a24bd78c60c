package sessions

import (
	"context"
	"errors"
)

// ErrClientNotFound is returned when an operation names a client id that was
// never registered or has already been deleted.
var ErrClientNotFound = errors.New("client not found")

// Host is the durable half of the client registry: identities, subscription
// sets and pending event queues. Process-local transport state (open streams,
// timers) is owned by the engine and never stored here.
//
// Implementations must be safe for concurrent use. The engine serializes its
// own calls, but several engine instances may share one distributed host.
type Host interface {
	// Register records a client id. Registering an existing id is a no-op that
	// keeps its subscriptions and queue.
	Register(ctx context.Context, clientID string) error
	// Exists reports whether the client id is registered.
	Exists(ctx context.Context, clientID string) (bool, error)
	// Delete removes the client and all of its state. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, clientID string) error
	// Clients lists every registered client id in no particular order.
	Clients(ctx context.Context) ([]string, error)

	// Subscribe adds a channel name or wildcard pattern to the client's set.
	Subscribe(ctx context.Context, clientID, channel string) error
	// Unsubscribe removes a channel name or pattern from the client's set.
	// Removing an absent entry is not an error.
	Unsubscribe(ctx context.Context, clientID, channel string) error
	// Subscriptions returns the client's subscription set, sorted.
	Subscriptions(ctx context.Context, clientID string) ([]string, error)
	// Subscribers returns the ids of clients holding at least one subscription
	// that matches channel, sorted.
	Subscribers(ctx context.Context, channel string) ([]string, error)

	// Enqueue appends an encoded event to the client's pending queue.
	Enqueue(ctx context.Context, clientID string, event []byte) error
	// Drain atomically returns and clears the client's pending queue in FIFO
	// order.
	Drain(ctx context.Context, clientID string) ([][]byte, error)
}

// Waker is implemented by hosts shared between nodes. Every successful
// Enqueue, from any node, is announced so the node holding the client's
// stream can push the queue out without waiting for a reconnect.
type Waker interface {
	// Wakeups streams the ids of clients whose queue grew, until ctx is done.
	Wakeups(ctx context.Context) (<-chan string, error)
}
