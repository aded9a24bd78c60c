// Package sessions defines the registry contract used by the cometd engine to
// track clients across requests.
//
// A client is created by a handshake, mutated by subscribe, unsubscribe and
// event delivery, and destroyed by an explicit disconnect or by the engine's
// disconnect timer. The Host interface covers the parts of that state that can
// be shared between processes:
//
//   - registered client ids
//   - per-client subscription sets (exact channel names and wildcard patterns)
//   - per-client FIFO queues of events waiting for the next poll
//
// Two implementations ship with the module: memoryhost for single-process
// deployments and tests, and redishost for deployments where several nodes
// answer the same clients. The sessionhosttest package holds a conformance
// suite every implementation is expected to pass.
package sessions
