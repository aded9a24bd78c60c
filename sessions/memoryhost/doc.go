// Package memoryhost provides an in-memory sessions.Host implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Queue ordering    : FIFO per client
//	Matching          : linear scan over every client's subscription set
//	Concurrency       : safe (single RWMutex)
//
// Example:
//
//	host := memoryhost.New()
//	eng := engine.NewEngine(host, backend)
//
// For multi-node deployments prefer redishost.
package memoryhost
