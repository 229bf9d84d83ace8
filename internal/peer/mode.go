package peer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/variable"
)

var (
	// ErrUnknownMode is returned by ParseMode for an unrecognized mode name.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrBadDelta is returned by ParseMode for a delta the mode cannot apply.
	ErrBadDelta = errors.New("bad delta")
)

// Mode names accepted by ParseMode.
const (
	ModeInt32  = "int32"
	ModeFloat  = "float"
	ModeMutex  = "mutex"
	ModeMatrix = "mat"
)

// Modes lists every mode name in the order they are documented.
var Modes = []string{ModeInt32, ModeFloat, ModeMutex, ModeMatrix}

// Mode is one coordination workload a node runs against the param server.
type Mode interface {
	Name() string
	Run(ctx context.Context, c *Client) (Report, error)
}

// Params configures a Mode. Zero values fall back to the defaults below.
type Params struct {
	Variable   string
	Iterations int
	Delta      float64
	// Matrix shape and the number of nodes sharing it.
	Rows, Cols int
	Nodes      int
	// PollInterval paces the matrix completion barrier.
	PollInterval time.Duration
}

// Defaults applied by ParseMode.
const (
	DefaultIterations   = 100
	DefaultRows         = 10
	DefaultCols         = 20
	DefaultPollInterval = 10 * time.Millisecond
)

func (p Params) withDefaults(mode string) Params {
	if p.Variable == "" {
		p.Variable = mode
	}
	if p.Iterations <= 0 {
		p.Iterations = DefaultIterations
	}
	if p.Delta == 0 {
		p.Delta = 1
	}
	if p.Rows <= 0 {
		p.Rows = DefaultRows
	}
	if p.Cols <= 0 {
		p.Cols = DefaultCols
	}
	if p.Nodes <= 0 {
		p.Nodes = 1
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	return p
}

// ParseMode selects the workload for name, which is one of Modes.
func ParseMode(name string, p Params) (Mode, error) {
	p = p.withDefaults(name)
	if math.IsInf(p.Delta, 0) || math.IsNaN(p.Delta) {
		return nil, errors.Wrapf(ErrBadDelta, "%g", p.Delta)
	}
	switch name {
	case ModeInt32:
		if p.Delta != math.Trunc(p.Delta) || p.Delta < math.MinInt32 || p.Delta > math.MaxInt32 {
			return nil, errors.Wrapf(ErrBadDelta, "%g is not a 32-bit integer", p.Delta)
		}
		return &CounterMode{Variable: p.Variable, Iterations: p.Iterations, Delta: int32(p.Delta)}, nil
	case ModeFloat:
		return &AccumulatorMode{Variable: p.Variable, Iterations: p.Iterations, Delta: p.Delta}, nil
	case ModeMutex:
		return &MutexMode{Variable: p.Variable, Iterations: p.Iterations}, nil
	case ModeMatrix:
		return &MatrixMode{
			Variable:     p.Variable,
			Rows:         p.Rows,
			Cols:         p.Cols,
			Nodes:        p.Nodes,
			PollInterval: p.PollInterval,
		}, nil
	}
	return nil, errors.Wrapf(ErrUnknownMode, "%q (want one of %v)", name, Modes)
}

// Report is what a node observed during its run.
type Report struct {
	Mode       string           `json:"mode"`
	Node       int              `json:"node"`
	Operations int              `json:"operations"`
	Retries    int              `json:"retries,omitempty"`
	Overlaps   int              `json:"overlaps,omitempty"`
	Int32      int32            `json:"int32,omitempty"`
	Float      float64          `json:"float,omitempty"`
	Matrix     *variable.Matrix `json:"matrix,omitempty"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// String renders the final value line printed when a run finishes.
func (r Report) String() string {
	switch r.Mode {
	case ModeInt32:
		return fmt.Sprintf("Result %d", r.Int32)
	case ModeFloat:
		return fmt.Sprintf("Result %g", r.Float)
	case ModeMutex:
		return fmt.Sprintf("Result %d (overlaps %d, retries %d)", r.Int32, r.Overlaps, r.Retries)
	case ModeMatrix:
		if r.Matrix == nil {
			return "Result <none>"
		}
		return fmt.Sprintf("Result %dx%d matrix", r.Matrix.Rows, r.Matrix.Cols)
	}
	return fmt.Sprintf("Result mode %q", r.Mode)
}
