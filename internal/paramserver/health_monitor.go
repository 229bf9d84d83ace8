package paramserver

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/dsm/internal/cluster"
)

// Liveness is the monitor's verdict on a node.
type Liveness string

const (
	LivenessUnknown Liveness = "unknown"
	LivenessAlive   Liveness = "alive"
	LivenessDead    Liveness = "dead"
)

// DefaultDeadAfter is the number of consecutive failed probes that marks a
// node dead.
const DefaultDeadAfter = 3

// NodeHealth is the probe history of one node.
type NodeHealth struct {
	LastProbe time.Time
	LastAlive time.Time
	Liveness  Liveness
	NodeID    int
	Failures  int
}

// Prober checks one node and returns nil if it answered.
type Prober func(ctx context.Context, node cluster.NodeDescriptor) error

// HTTPProber returns a Prober that expects 200 from GET <node>/health.
func HTTPProber(client *http.Client) Prober {
	return func(ctx context.Context, node cluster.NodeDescriptor) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL()+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "probe node %d", node.ID)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("probe node %d: status %d", node.ID, resp.StatusCode)
		}
		return nil
	}
}

// HealthMonitor probes the registered nodes each round and calls the dead
// callback once when a node fails DeadAfter probes in a row. The param
// server evicts such nodes so a crashed holder cannot wedge a mutex.
type HealthMonitor struct {
	probe     Prober
	onDead    func(id int)
	nodes     map[int]*NodeHealth
	stop      chan struct{}
	interval  time.Duration
	deadAfter int
	mu        sync.Mutex
	stopOnce  sync.Once
	running   sync.WaitGroup
}

// NewHealthMonitor returns a monitor probing every interval over HTTP with
// a 2s timeout per probe.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		probe:     HTTPProber(&http.Client{Timeout: 2 * time.Second}),
		nodes:     make(map[int]*NodeHealth),
		stop:      make(chan struct{}),
		interval:  interval,
		deadAfter: DefaultDeadAfter,
	}
}

// SetOnUnhealthy sets the callback run when a node is declared dead. It runs
// on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(fn func(id int)) { h.onDead = fn }

// SetProber replaces the HTTP probe.
func (h *HealthMonitor) SetProber(p Prober) { h.probe = p }

// Start runs probe rounds over members() until ctx ends or Stop is called.
// It blocks.
func (h *HealthMonitor) Start(ctx context.Context, members func() []cluster.NodeDescriptor) {
	h.running.Add(1)
	defer h.running.Done()

	log.Printf("param server: health monitor probing every %v", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.round(ctx, members())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.running.Wait()
}

// round probes every member concurrently and drops records of nodes that
// are no longer members.
func (h *HealthMonitor) round(ctx context.Context, members []cluster.NodeDescriptor) {
	var wg sync.WaitGroup
	for _, node := range members {
		wg.Add(1)
		go func(node cluster.NodeDescriptor) {
			defer wg.Done()
			h.record(node.ID, h.probe(ctx, node))
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !slices.ContainsFunc(members, func(n cluster.NodeDescriptor) bool { return n.ID == id }) {
			delete(h.nodes, id)
		}
	}
}

func (h *HealthMonitor) record(id int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	n, ok := h.nodes[id]
	if !ok {
		n = &NodeHealth{NodeID: id, Liveness: LivenessUnknown}
		h.nodes[id] = n
	}
	n.LastProbe = now

	if err == nil {
		if n.Liveness == LivenessDead {
			log.Printf("param server: node %d answers probes again", id)
		}
		n.Liveness, n.Failures, n.LastAlive = LivenessAlive, 0, now
		return
	}

	n.Failures++
	log.Printf("param server: probe %d/%d of node %d failed: %v", n.Failures, h.deadAfter, id, err)
	if n.Failures < h.deadAfter || n.Liveness == LivenessDead {
		return
	}
	n.Liveness = LivenessDead
	log.Printf("param server: node %d declared dead", id)
	if h.onDead != nil {
		go h.onDead(id)
	}
}

// Health returns a copy of the record for id.
func (h *HealthMonitor) Health(id int) (NodeHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		return NodeHealth{}, false
	}
	return *n, true
}

// Snapshot returns copies of every record keyed by node id.
func (h *HealthMonitor) Snapshot() map[int]NodeHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int]NodeHealth, len(h.nodes))
	for id, n := range h.nodes {
		out[id] = *n
	}
	return out
}

// Alive reports whether id answered its latest probe.
func (h *HealthMonitor) Alive(id int) bool {
	n, ok := h.Health(id)
	return ok && n.Liveness == LivenessAlive
}
