package paramserver

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/protocol"
	"github.com/dreamware/dsm/internal/storage"
	"github.com/dreamware/dsm/internal/variable"
)

// Config holds the param server settings.
type Config struct {
	// Endpoint is the address advertised in the membership manifest.
	Endpoint cluster.Endpoint
	// LogOps logs every applied operation, not just membership changes.
	LogOps bool
	// MaxRequestBytes caps the size of an /rpc body. Zero means
	// DefaultMaxRequestBytes.
	MaxRequestBytes int64
}

// DefaultMaxRequestBytes is the /rpc body limit when none is configured.
const DefaultMaxRequestBytes = 32 << 20

// Server is the single owner of all shared variables in a cluster. It
// validates every request against the node registry and applies it to the
// variable table; each variable serializes its own operations.
type Server struct {
	registry *Registry
	table    *storage.Table
	stop     chan struct{}
	cfg      Config
	stopOnce sync.Once
}

// New returns a server with an empty registry and variable table.
func New(cfg Config) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		table:    storage.NewTable(),
		stop:     make(chan struct{}),
	}
}

// Registry exposes the node registry.
func (s *Server) Registry() *Registry { return s.registry }

// Table exposes the variable table.
func (s *Server) Table() *storage.Table { return s.table }

// Stopped is closed once a stop has been requested.
func (s *Server) Stopped() <-chan struct{} { return s.stop }

// RequestStop asks the process hosting the server to shut down.
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Close aborts every blocked acquire so in-flight requests can finish
// during shutdown.
func (s *Server) Close() {
	for _, m := range s.table.Mutexes() {
		m.Close()
	}
}

// Manifest lists the registered nodes in the dashboard format.
func (s *Server) Manifest() cluster.Manifest {
	return cluster.Manifest{Nodes: s.registry.List(), ParamServer: s.cfg.Endpoint}
}

// Register admits a node. Re-registering the same id replaces its descriptor.
func (s *Server) Register(d cluster.NodeDescriptor) error {
	replaced, err := s.registry.Register(d)
	if err != nil {
		return errors.Wrapf(err, "register node %d", d.ID)
	}
	if replaced {
		log.Printf("param server: node %d re-registered at %s", d.ID, d.HostPort())
	} else {
		log.Printf("param server: node %d registered at %s", d.ID, d.HostPort())
	}
	return nil
}

// Declare creates a variable eagerly. It is idempotent for a matching kind
// and shape.
func (s *Server) Declare(sender int, name string, kind variable.Kind, rows, cols int) error {
	if err := s.check(sender, name); err != nil {
		return err
	}
	if _, err := s.table.Declare(name, kind, rows, cols); err != nil {
		return errors.Wrapf(err, "declare %s", name)
	}
	s.logOp("node %d declared %s %s", sender, kind, name)
	return nil
}

// Increment adds delta to the counter name and returns the new value.
func (s *Server) Increment(sender int, name string, delta int32) (int32, error) {
	if err := s.check(sender, name); err != nil {
		return 0, err
	}
	c, err := s.table.Counter(name)
	if err != nil {
		return 0, errors.Wrap(err, "increment")
	}
	v := c.Increment(delta)
	s.logOp("node %d incremented %s by %d to %d", sender, name, delta, v)
	return v, nil
}

// Add adds delta to the accumulator name and returns the new value.
func (s *Server) Add(sender int, name string, delta float64) (float64, error) {
	if err := s.check(sender, name); err != nil {
		return 0, err
	}
	a, err := s.table.Accumulator(name)
	if err != nil {
		return 0, errors.Wrap(err, "add")
	}
	v, err := a.Add(delta)
	if err != nil {
		return 0, errors.Wrapf(err, "add to %s", name)
	}
	s.logOp("node %d added %g to %s, now %g", sender, delta, name, v)
	return v, nil
}

// Load returns the current value of a counter or accumulator.
func (s *Server) Load(sender int, name string) (protocol.LoadResult, error) {
	if err := s.check(sender, name); err != nil {
		return protocol.LoadResult{}, err
	}
	v, err := s.table.Get(name)
	if err != nil {
		return protocol.LoadResult{}, errors.Wrap(err, "load")
	}
	switch v := v.(type) {
	case *variable.Counter32:
		return protocol.LoadResult{Kind: v.Kind(), Int32: v.Load()}, nil
	case *variable.FloatAccumulator:
		return protocol.LoadResult{Kind: v.Kind(), Float: v.Load()}, nil
	default:
		return protocol.LoadResult{}, errors.Wrapf(variable.ErrKindMismatch, "load %s: %s has no scalar value", name, v.Kind())
	}
}

// Store overwrites an existing counter or accumulator with v. The variable
// must already exist and v.Kind must match it.
func (s *Server) Store(sender int, name string, v protocol.LoadResult) error {
	if err := s.check(sender, name); err != nil {
		return err
	}
	cur, err := s.table.Get(name)
	if err != nil {
		return errors.Wrap(err, "store")
	}
	if cur.Kind() != v.Kind {
		return errors.Wrapf(variable.ErrKindMismatch, "store %s value into %s %s", v.Kind, cur.Kind(), name)
	}
	switch cur := cur.(type) {
	case *variable.Counter32:
		cur.Store(v.Int32)
		s.logOp("node %d stored %d in %s", sender, v.Int32, name)
	case *variable.FloatAccumulator:
		if err := cur.Store(v.Float); err != nil {
			return errors.Wrapf(err, "store %s", name)
		}
		s.logOp("node %d stored %g in %s", sender, v.Float, name)
	default:
		return errors.Wrapf(variable.ErrKindMismatch, "store %s: %s has no scalar value", name, cur.Kind())
	}
	return nil
}

// Acquire blocks until sender holds the mutex name. If ctx ends first (the
// caller disconnected) the sender is dropped from the wait queue and
// variable.ErrDisconnected is returned.
func (s *Server) Acquire(ctx context.Context, sender int, name string) (variable.Grant, error) {
	if err := s.check(sender, name); err != nil {
		return "", err
	}
	m, err := s.table.Mutex(name)
	if err != nil {
		return "", errors.Wrap(err, "acquire")
	}
	g, err := m.Acquire(ctx, sender)
	if err != nil {
		log.Printf("param server: node %d stopped waiting for %s: %v", sender, name, err)
		return "", errors.Wrapf(err, "acquire %s", name)
	}
	s.logOp("node %d acquired %s", sender, name)
	return g, nil
}

// TryAcquire grants the mutex name if it is free and reports Busy otherwise.
func (s *Server) TryAcquire(sender int, name string) (variable.Grant, error) {
	if err := s.check(sender, name); err != nil {
		return "", err
	}
	m, err := s.table.Mutex(name)
	if err != nil {
		return "", errors.Wrap(err, "try acquire")
	}
	return m.TryAcquire(sender), nil
}

// Release releases the mutex name held by sender and grants it to the head
// of the wait queue.
func (s *Server) Release(sender int, name string) error {
	if err := s.check(sender, name); err != nil {
		return err
	}
	m, err := s.table.Mutex(name)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	if err := m.Release(sender); err != nil {
		return errors.Wrapf(err, "release %s by node %d", name, sender)
	}
	s.logOp("node %d released %s", sender, name)
	return nil
}

// WriteMatrix overwrites block of the matrix name with data.
func (s *Server) WriteMatrix(sender int, name string, block variable.Block, data [][]float64) error {
	if err := s.check(sender, name); err != nil {
		return err
	}
	m, err := s.table.Matrix(name)
	if err != nil {
		return errors.Wrap(err, "write matrix")
	}
	if err := m.Write(block, data); err != nil {
		return errors.Wrapf(err, "write matrix %s", name)
	}
	s.logOp("node %d wrote %dx%d block of %s at (%d,%d)", sender, block.Rows, block.Cols, name, block.Row, block.Col)
	return nil
}

// ReadMatrix returns a consistent snapshot of the matrix name.
func (s *Server) ReadMatrix(sender int, name string) (variable.Matrix, error) {
	if err := s.check(sender, name); err != nil {
		return variable.Matrix{}, err
	}
	m, err := s.table.Matrix(name)
	if err != nil {
		return variable.Matrix{}, errors.Wrap(err, "read matrix")
	}
	return m.Snapshot(), nil
}

// Delete removes the variable name.
func (s *Server) Delete(sender int, name string) error {
	if err := s.check(sender, name); err != nil {
		return err
	}
	if err := s.table.Delete(name); err != nil {
		return errors.Wrap(err, "delete")
	}
	log.Printf("param server: node %d deleted %s", sender, name)
	return nil
}

// Leave unregisters sender and gives up its mutex holdings.
func (s *Server) Leave(sender int) error {
	if !s.registry.IsRegistered(sender) {
		return errors.Wrapf(protocol.ErrNotRegistered, "node %d", sender)
	}
	s.Evict(sender)
	return nil
}

// Evict removes node id from the registry and every mutex: queued calls
// are aborted and held locks pass to the next waiter.
func (s *Server) Evict(id int) {
	removed := s.registry.Remove(id)
	for name, m := range s.table.Mutexes() {
		if m.Evict(id) {
			log.Printf("param server: evicted node %d from mutex %s", id, name)
		}
	}
	if removed {
		log.Printf("param server: node %d left the cluster", id)
	}
}

func (s *Server) check(sender int, name string) error {
	if !s.registry.IsRegistered(sender) {
		return errors.Wrapf(protocol.ErrNotRegistered, "node %d", sender)
	}
	if name == "" {
		return errors.Wrap(protocol.ErrBadRequest, "variable name required")
	}
	return nil
}

func (s *Server) logOp(format string, args ...any) {
	if s.cfg.LogOps {
		log.Printf("param server: %s", fmt.Sprintf(format, args...))
	}
}
