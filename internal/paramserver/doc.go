// Package paramserver implements the param server: the single process that
// owns every shared variable of a cluster and applies the operations peer
// nodes request on them.
//
// # Overview
//
// Peer nodes never talk to each other. Each node registers with the param
// server and then issues requests (increment a counter, add to an
// accumulator, acquire or release a mutex, write or read a matrix block).
// The server validates the sender against its registry and applies the
// request to the variable table. The protocol is request initiated: a node
// waiting for a mutex simply has its acquire request held open until the
// lock is granted.
//
//	┌────────┐   POST /rpc   ┌───────────────────────────────┐
//	│ node 1 │──────────────▶│          PARAM SERVER          │
//	└────────┘               │                               │
//	┌────────┐               │  Registry   id -> descriptor   │
//	│ node 2 │──────────────▶│  Table      name -> variable   │
//	└────────┘               │  Health     id -> liveness     │
//	┌────────┐               │                               │
//	│ node N │──────────────▶│                               │
//	└────────┘               └───────────────────────────────┘
//
// # Core Components
//
// Registry: the set of registered nodes
//   - Keyed by node id; re-registering an id replaces its descriptor
//   - Rejects a second id claiming an endpoint that is already taken
//
// Server: operation semantics on top of storage.Table
//   - Every operation checks that the sender is registered
//   - Errors wrap the sentinels from the variable, cluster and protocol
//     packages so they can be classified onto the wire
//
// HealthMonitor: failure detection for registered nodes
//   - Periodically GETs each node's /health endpoint
//   - After 3 consecutive failures the node is evicted, which aborts its
//     queued acquires and hands any mutex it holds to the next waiter
//
// # HTTP Surface
//
//	POST /rpc        protocol.Request in, protocol.Response out
//	GET  /health     liveness of the server itself
//	GET  /nodes      cluster.Manifest of registered nodes
//	GET  /variables  variable names, kinds and operation counts
//	POST /stop       graceful shutdown
//
// # Disconnects
//
// An acquire that is still queued when its HTTP request is cancelled (the
// node crashed or gave up) is removed from the wait queue. If the lock was
// granted in the same instant the cancellation arrived, the grant is passed
// on to the next waiter so the mutex is never stranded.
package paramserver
