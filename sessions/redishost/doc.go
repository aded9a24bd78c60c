// Package redishost implements sessions.Host using Redis sets and lists so
// several cometd nodes can answer the same clients.
//
// Design Notes
//   - Clients: one set of registered ids
//   - Subscriptions: a set per client plus a reverse index (pattern -> clients)
//     and a set of every live pattern, so matching scans patterns rather than
//     clients
//   - Queues: one list per client; Enqueue is RPUSH and Drain is LRANGE+DEL in
//     a single script so two nodes never deliver the same event twice
//   - Membership checks and mutations run in Lua scripts to stay atomic
//
// Trade-offs
//
//	Pros: shared registry, queues survive node restarts
//	Cons: scripts touch keys outside KEYS, so Redis Cluster is not supported
//
// Example:
//
//	host, err := redishost.NewFromEnv(ctx)
//	if err != nil { ... }
//	defer host.Close()
//
// Open streaming connections stay on the node that accepted them; events for
// a client streaming from another node wait in its queue until it polls or
// reconnects.
package redishost
