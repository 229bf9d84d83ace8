package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/variable"
)

// Info describes one variable in the table.
type Info struct {
	Name  string                  `json:"name"`
	Kind  variable.Kind           `json:"kind"`
	Ops   variable.OperationStats `json:"ops"`
	Shape []int                   `json:"shape,omitempty"` // rows, cols for matrices
}

// TableStats summarizes the table contents.
type TableStats struct {
	ByKind    map[variable.Kind]int `json:"by_kind"`
	Variables int                   `json:"variables"`
}

// Table is the param server's name -> variable map.
// All methods are safe for concurrent use.
type Table struct {
	vars map[string]variable.Variable
	mu   sync.RWMutex
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{vars: make(map[string]variable.Variable)}
}

// Declare creates name eagerly. Declaring an existing name succeeds when the
// kind (and, for matrices, the shape) matches.
func (t *Table) Declare(name string, kind variable.Kind, rows, cols int) (variable.Variable, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(variable.ErrKindMismatch, "unknown kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.vars[name]; ok {
		if v.Kind() != kind {
			return nil, errors.Wrapf(variable.ErrKindMismatch, "%s is %s, not %s", name, v.Kind(), kind)
		}
		if m, ok := v.(*variable.SharedMatrix); ok {
			r, c := m.Shape()
			if r != rows || c != cols {
				return nil, errors.Wrapf(variable.ErrDimensionMismatch, "%s is %dx%d, not %dx%d", name, r, c, rows, cols)
			}
		}
		return v, nil
	}

	var v variable.Variable
	switch kind {
	case variable.KindCounter32:
		v = variable.NewCounter32()
	case variable.KindFloat:
		v = variable.NewFloatAccumulator()
	case variable.KindMutex:
		v = variable.NewMutexSlot()
	case variable.KindMatrix:
		m, err := variable.NewSharedMatrix(rows, cols)
		if err != nil {
			return nil, errors.Wrapf(err, "declare %s", name)
		}
		v = m
	}
	t.vars[name] = v
	return v, nil
}

// Counter returns the counter called name, creating it at zero if needed.
func (t *Table) Counter(name string) (*variable.Counter32, error) {
	return lazy(t, name, variable.KindCounter32, variable.NewCounter32)
}

// Accumulator returns the float accumulator called name, creating it if needed.
func (t *Table) Accumulator(name string) (*variable.FloatAccumulator, error) {
	return lazy(t, name, variable.KindFloat, variable.NewFloatAccumulator)
}

// Mutex returns the mutex called name, creating it unlocked if needed.
func (t *Table) Mutex(name string) (*variable.MutexSlot, error) {
	return lazy(t, name, variable.KindMutex, variable.NewMutexSlot)
}

// Matrix returns a declared matrix. Matrices are never created implicitly.
func (t *Table) Matrix(name string) (*variable.SharedMatrix, error) {
	v, err := t.Get(name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*variable.SharedMatrix)
	if !ok {
		return nil, errors.Wrapf(variable.ErrKindMismatch, "%s is %s, not matrix", name, v.Kind())
	}
	return m, nil
}

// Get returns the variable called name.
func (t *Table) Get(name string) (variable.Variable, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vars[name]
	if !ok {
		return nil, errors.Wrap(variable.ErrUnknownVariable, name)
	}
	return v, nil
}

// Delete removes name. Waiters on a deleted mutex are aborted.
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	v, ok := t.vars[name]
	delete(t.vars, name)
	t.mu.Unlock()

	if !ok {
		return errors.Wrap(variable.ErrUnknownVariable, name)
	}
	if m, ok := v.(*variable.MutexSlot); ok {
		m.Close()
	}
	return nil
}

// Mutexes returns every mutex in the table.
func (t *Table) Mutexes() map[string]*variable.MutexSlot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*variable.MutexSlot)
	for name, v := range t.vars {
		if m, ok := v.(*variable.MutexSlot); ok {
			out[name] = m
		}
	}
	return out
}

// List describes every variable, sorted by name.
func (t *Table) List() []Info {
	t.mu.RLock()
	infos := make([]Info, 0, len(t.vars))
	for name, v := range t.vars {
		info := Info{Name: name, Kind: v.Kind(), Ops: v.Stats()}
		if m, ok := v.(*variable.SharedMatrix); ok {
			r, c := m.Shape()
			info.Shape = []int{r, c}
		}
		infos = append(infos, info)
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Stats returns table statistics.
func (t *Table) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := TableStats{Variables: len(t.vars), ByKind: make(map[variable.Kind]int)}
	for _, v := range t.vars {
		stats.ByKind[v.Kind()]++
	}
	return stats
}

// lazy looks name up and creates it with create when absent. The fast path
// only takes the shared lock.
func lazy[T variable.Variable](t *Table, name string, kind variable.Kind, create func() T) (T, error) {
	var zero T

	t.mu.RLock()
	v, ok := t.vars[name]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		v, ok = t.vars[name]
		if !ok {
			v = create()
			t.vars[name] = v
		}
		t.mu.Unlock()
	}

	typed, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(variable.ErrKindMismatch, "%s is %s, not %s", name, v.Kind(), kind)
	}
	return typed, nil
}
