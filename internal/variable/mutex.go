package variable

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Grant is the outcome of an acquire attempt.
type Grant string

const (
	Granted Grant = "granted"
	Busy    Grant = "busy"
)

// MutexState is a snapshot of a MutexSlot.
type MutexState struct {
	Queue  []int `json:"queue"`
	Holder int   `json:"holder"` // 0 when unlocked
	Locked bool  `json:"locked"`
}

// MutexSlot is a cluster-wide lock with a FIFO queue of waiting nodes.
//
// States are Unlocked (holder == 0) and Locked(holder). Release hands the
// lock directly to the head of the queue so no other node can slip in
// between a release and the next grant.
type MutexSlot struct {
	opCounter
	mu     sync.Mutex
	queue  []*waiter
	holder int
}

type waiter struct {
	granted chan struct{}
	aborted chan struct{}
	node    int
	// refs counts Acquire calls blocked on this entry; a node retrying
	// while still queued shares its original place.
	refs int
}

// NewMutexSlot returns an unlocked mutex.
func NewMutexSlot() *MutexSlot {
	return &MutexSlot{}
}

func (m *MutexSlot) Kind() Kind { return KindMutex }

// Acquire blocks until node holds the lock, ctx is done, or the node is
// evicted. A holder acquiring again is granted without queueing.
func (m *MutexSlot) Acquire(ctx context.Context, node int) (Grant, error) {
	m.mu.Lock()
	m.write()
	if m.holder == 0 || m.holder == node {
		m.holder = node
		m.mu.Unlock()
		return Granted, nil
	}
	w := m.findWaiter(node)
	if w == nil {
		w = &waiter{node: node, granted: make(chan struct{}), aborted: make(chan struct{})}
		m.queue = append(m.queue, w)
	}
	w.refs++
	m.mu.Unlock()

	select {
	case <-w.granted:
		return Granted, nil
	case <-w.aborted:
		return "", ErrDisconnected
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w.refs--
	select {
	case <-w.granted:
		// The grant raced the cancellation. Pass the lock on unless another
		// call for the same node is still waiting to pick it up.
		if w.refs == 0 && m.holder == node {
			m.releaseLocked()
		}
	default:
		if w.refs == 0 {
			if idx := slices.Index(m.queue, w); idx >= 0 {
				m.queue = slices.Delete(m.queue, idx, idx+1)
			}
		}
	}
	return "", errors.Wrap(ErrDisconnected, ctx.Err().Error())
}

// TryAcquire grants the lock if it is free (or already held by node) and
// reports Busy otherwise. It never queues.
func (m *MutexSlot) TryAcquire(node int) Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write()
	if m.holder == 0 || m.holder == node {
		m.holder = node
		return Granted
	}
	return Busy
}

// Release gives up the lock held by node and grants it to the next waiter.
func (m *MutexSlot) Release(node int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node == 0 || m.holder != node {
		return ErrNotHolder
	}
	m.write()
	m.releaseLocked()
	return nil
}

// Evict removes node from the queue, aborting its blocked calls, and
// releases the lock if node holds it. It reports whether anything changed.
func (m *MutexSlot) Evict(node int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	if w := m.removeWaiter(node); w != nil {
		close(w.aborted)
		changed = true
	}
	if m.holder == node && node != 0 {
		m.releaseLocked()
		changed = true
	}
	return changed
}

// Close aborts every waiter and unlocks the slot.
func (m *MutexSlot) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.queue {
		close(w.aborted)
	}
	m.queue = nil
	m.holder = 0
}

// State returns the current holder and queue order.
func (m *MutexSlot) State() MutexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read()
	queue := make([]int, len(m.queue))
	for i, w := range m.queue {
		queue[i] = w.node
	}
	return MutexState{Holder: m.holder, Locked: m.holder != 0, Queue: queue}
}

func (m *MutexSlot) releaseLocked() {
	if len(m.queue) == 0 {
		m.holder = 0
		return
	}
	next := m.queue[0]
	m.queue = slices.Delete(m.queue, 0, 1)
	m.holder = next.node
	close(next.granted)
}

func (m *MutexSlot) findWaiter(node int) *waiter {
	idx := slices.IndexFunc(m.queue, func(w *waiter) bool { return w.node == node })
	if idx < 0 {
		return nil
	}
	return m.queue[idx]
}

func (m *MutexSlot) removeWaiter(node int) *waiter {
	idx := slices.IndexFunc(m.queue, func(w *waiter) bool { return w.node == node })
	if idx < 0 {
		return nil
	}
	w := m.queue[idx]
	m.queue = slices.Delete(m.queue, idx, idx+1)
	return w
}
