package paramserver

import (
	"cmp"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/protocol"
)

// Registry tracks the nodes that have registered with the param server and
// are therefore eligible to issue requests.
//
// Registration is keyed by node id:
//   - Registering a new id records its descriptor
//   - Registering a known id again (after a reconnect) replaces the stored
//     descriptor; there is never more than one entry per id
//   - Registering an address:port that another id already owns is rejected
//     with ErrDuplicateID, since two identities cannot share one endpoint
//
// Thread Safety:
// All methods are safe for concurrent use. Returned descriptors are copies.
type Registry struct {
	// nodes holds registered descriptors in id order.
	nodes []cluster.NodeDescriptor

	// mu protects nodes. Lookups use RLock.
	mu sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register records d, replacing any earlier registration of the same id.
// It reports whether an earlier registration was replaced.
//
// Errors:
//   - cluster.ErrInvalidTopology for a non-positive id, non-IPv4 address or
//     bad port
//   - protocol.ErrDuplicateID when another id owns d's endpoint
func (r *Registry) Register(d cluster.NodeDescriptor) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner := slices.IndexFunc(r.nodes, func(n cluster.NodeDescriptor) bool {
		return n.ID != d.ID && n.HostPort() == d.HostPort()
	})
	if owner >= 0 {
		return false, errors.Wrapf(protocol.ErrDuplicateID, "%s already registered as node %d", d.HostPort(), r.nodes[owner].ID)
	}

	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeDescriptor) bool { return n.ID == d.ID })
	if idx >= 0 {
		r.nodes[idx] = d
		return true, nil
	}
	r.nodes = append(r.nodes, d)
	slices.SortFunc(r.nodes, func(a, b cluster.NodeDescriptor) int { return cmp.Compare(a.ID, b.ID) })
	return false, nil
}

// Lookup returns the descriptor registered for id.
func (r *Registry) Lookup(id int) (cluster.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeDescriptor) bool { return n.ID == id })
	if idx < 0 {
		return cluster.NodeDescriptor{}, false
	}
	return r.nodes[idx], true
}

// IsRegistered reports whether id may issue requests.
func (r *Registry) IsRegistered(id int) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Remove forgets id and reports whether it was registered.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeDescriptor) bool { return n.ID == id })
	if idx < 0 {
		return false
	}
	r.nodes = slices.Delete(r.nodes, idx, idx+1)
	return true
}

// List returns all registered nodes ordered by id.
func (r *Registry) List() []cluster.NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]cluster.NodeDescriptor{}, r.nodes...)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
