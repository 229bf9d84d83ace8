package peer

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
)

// State is the lifecycle phase of a Node.
type State string

const (
	StateIdle        State = "idle"
	StateRegistering State = "registering"
	StateRunning     State = "running"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Status is the JSON body served on /status.
type Status struct {
	Report *Report `json:"report,omitempty"`
	State  State   `json:"state"`
	Mode   string  `json:"mode"`
	Error  string  `json:"error,omitempty"`
	ID     int     `json:"id"`
	Peers  int     `json:"peers"`
}

// Node is one cluster participant: it registers with the param server, runs
// its mode and leaves.
//
// Lifecycle:
//
//	idle -> registering -> running -> done
//	              \            \
//	               `-----------`-> failed
//
// Status may be read concurrently with Run, e.g. from the /status handler.
type Node struct {
	client  *Client
	mode    Mode
	report  *Report
	err     error
	state   State
	cfg     cluster.ClusterConfig
	Backoff Backoff
	mu      sync.RWMutex
}

// NewNode returns a node for cfg that will run mode.
func NewNode(cfg cluster.ClusterConfig, mode Mode) *Node {
	return &Node{
		cfg:     cfg,
		mode:    mode,
		client:  NewClient(cfg.ParamServer, cfg.Self()),
		state:   StateIdle,
		Backoff: Backoff{MaxWait: 2 * time.Second, Attempts: 30},
	}
}

// Client returns the node's param server client.
func (n *Node) Client() *Client { return n.client }

// Run registers, runs the mode to completion and leaves the cluster. Leaving
// is attempted even when the mode fails so held locks are released.
func (n *Node) Run(ctx context.Context) (Report, error) {
	id := n.cfg.ID
	n.setState(StateRegistering)
	if err := Join(ctx, n.client, n.Backoff); err != nil {
		return Report{}, n.fail(err)
	}

	n.setState(StateRunning)
	log.Printf("node[%d] running %s mode with %d peers", id, n.mode.Name(), len(n.cfg.Peers))
	report, runErr := n.mode.Run(ctx, n.client)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.client.Leave(leaveCtx); err != nil {
		log.Printf("node[%d] leave failed: %v", id, err)
	}

	if runErr != nil {
		n.mu.Lock()
		n.report = &report
		n.mu.Unlock()
		return report, n.fail(errors.Wrapf(runErr, "%s mode", n.mode.Name()))
	}

	n.mu.Lock()
	n.report = &report
	n.state = StateDone
	n.mu.Unlock()
	log.Printf("node[%d] %s", id, report)
	return report, nil
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *Node) fail(err error) error {
	n.mu.Lock()
	n.state = StateFailed
	n.err = err
	n.mu.Unlock()
	log.Printf("node[%d] failed: %v", n.cfg.ID, err)
	return err
}

// Status returns a snapshot of the node's progress.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := Status{
		ID:    n.cfg.ID,
		Mode:  n.mode.Name(),
		State: n.state,
		Peers: len(n.cfg.Peers),
	}
	if n.report != nil {
		r := *n.report
		s.Report = &r
	}
	if n.err != nil {
		s.Error = n.err.Error()
	}
	return s
}

// Routes serves /health, probed by the param server's health monitor, and
// /status.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(n.Status()); err != nil {
			log.Printf("node[%d] error encoding status: %v", n.cfg.ID, err)
		}
	})
	return mux
}
