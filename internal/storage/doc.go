// Package storage holds the param server's table of named shared variables.
//
// # Overview
//
// The Table maps a variable name to exactly one variable of a fixed kind
// (counter32, float, mutex or matrix). Counters, accumulators and mutexes are
// created lazily the first time a name is used; matrices must be declared
// with their dimensions first because the shape is fixed at creation.
//
// # Concurrency
//
// The table's own lock only guards the name map:
//   - Lookups take a shared lock (RLock)
//   - Creation and deletion take the exclusive lock
//   - No table lock is held while a variable operation runs
//
// Each variable serializes its own operations, so work on different names
// proceeds in parallel while work on one name is applied one at a time in
// arrival order.
//
// # Lifecycle
//
// Variables live as long as the param server process. Delete removes a name
// and aborts any node still waiting on a deleted mutex. Nothing is persisted.
package storage
