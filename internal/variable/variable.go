// Package variable implements the shared variable kinds owned by the param
// server. Every variable serializes its own operations; callers never need
// an outer lock to keep a single variable consistent.
package variable

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrNotHolder is returned when a node releases a mutex it does not hold.
	ErrNotHolder = errors.New("not the mutex holder")
	// ErrDimensionMismatch is returned when a matrix block or payload does
	// not fit the matrix shape.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDisconnected is returned to a mutex waiter whose caller went away or
	// whose node was evicted before the grant.
	ErrDisconnected = errors.New("disconnected")
	// ErrKindMismatch is returned when a name is used with a different kind
	// than it was created with.
	ErrKindMismatch = errors.New("kind mismatch")
	// ErrUnknownVariable is returned for names that were never created.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrOutOfRange is returned when a value cannot be represented, such
	// as a float sum that overflows to infinity.
	ErrOutOfRange = errors.New("value out of range")
)

// Kind names one of the closed set of shared variable variants.
type Kind string

const (
	KindCounter32 Kind = "counter32"
	KindFloat     Kind = "float"
	KindMutex     Kind = "mutex"
	KindMatrix    Kind = "matrix"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCounter32, KindFloat, KindMutex, KindMatrix:
		return true
	}
	return false
}

// Variable is implemented by every shared variable kind.
type Variable interface {
	Kind() Kind
	Stats() OperationStats
}

// OperationStats counts operations applied to a variable.
type OperationStats struct {
	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`
}

type opCounter struct {
	reads  atomic.Uint64
	writes atomic.Uint64
}

func (c *opCounter) read()  { c.reads.Add(1) }
func (c *opCounter) write() { c.writes.Add(1) }

// Stats returns a snapshot of the operation counts.
func (c *opCounter) Stats() OperationStats {
	return OperationStats{Reads: c.reads.Load(), Writes: c.writes.Load()}
}
