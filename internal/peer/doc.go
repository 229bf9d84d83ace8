// Package peer implements the node side of the cluster: a Client for the
// param server protocol and the coordination modes a node runs.
//
// A Node registers (retrying with random exponential backoff until the
// param server answers), runs exactly one Mode selected at startup and then
// leaves the cluster:
//
//	int32  CounterMode      Iterations increments of a shared int32
//	float  AccumulatorMode  Iterations additions to a shared float
//	mutex  MutexMode        acquire / critical section / release cycles
//	mat    MatrixMode       write own row block, barrier, read the matrix
//
// Peers never talk to each other; all sharing goes through the param server.
// A rejected request aborts int32, float and mat runs; mutex runs retry a
// failed acquire a few times before giving up.
package peer
