package peer

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/protocol"
)

// CounterMode increments a shared int32 counter Iterations times.
type CounterMode struct {
	Variable   string
	Iterations int
	Delta      int32
}

func (m *CounterMode) Name() string { return ModeInt32 }

func (m *CounterMode) Run(ctx context.Context, c *Client) (r Report, err error) {
	r = Report{Mode: m.Name(), Node: c.ID()}
	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()

	for i := 0; i < m.Iterations; i++ {
		v, err := c.Increment(ctx, m.Variable, m.Delta)
		if err != nil {
			return r, errors.Wrapf(err, "increment %d of %d", i+1, m.Iterations)
		}
		r.Operations++
		r.Int32 = v
	}
	return r, nil
}

// AccumulatorMode adds Delta to a shared float Iterations times.
type AccumulatorMode struct {
	Variable   string
	Iterations int
	Delta      float64
}

func (m *AccumulatorMode) Name() string { return ModeFloat }

func (m *AccumulatorMode) Run(ctx context.Context, c *Client) (r Report, err error) {
	r = Report{Mode: m.Name(), Node: c.ID()}
	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()

	for i := 0; i < m.Iterations; i++ {
		v, err := c.Add(ctx, m.Variable, m.Delta)
		if err != nil {
			return r, errors.Wrapf(err, "add %d of %d", i+1, m.Iterations)
		}
		r.Operations++
		r.Float = v
	}
	return r, nil
}

// CriticalSection is the work done while holding the mutex.
type CriticalSection func(ctx context.Context, c *Client) error

// MutexMode runs Iterations acquire / critical section / release cycles on
// the mutex Variable.
//
// Around the critical section every node bumps the counter
// "<Variable>.holders" up and back down; seeing it above one means two nodes
// were inside at once, which is counted as an overlap. The default critical
// section increments "<Variable>.count", whose final value is reported.
type MutexMode struct {
	Critical CriticalSection
	Variable string
	// Backoff paces acquire retries. Zero retries up to 5 times.
	Backoff    Backoff
	Iterations int
}

func (m *MutexMode) Name() string { return ModeMutex }

func (m *MutexMode) holders() string { return m.Variable + ".holders" }
func (m *MutexMode) counter() string { return m.Variable + ".count" }

func (m *MutexMode) Run(ctx context.Context, c *Client) (r Report, err error) {
	r = Report{Mode: m.Name(), Node: c.ID()}
	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()

	critical := m.Critical
	if critical == nil {
		critical = func(ctx context.Context, c *Client) error {
			_, err := c.Increment(ctx, m.counter(), 1)
			return err
		}
	}

	b := m.Backoff
	if b.Attempts == 0 {
		b.Attempts = 5
	}
	b.MaxWait = max(b.MaxWait, 100*time.Millisecond)
	b.Report = func(err error) error {
		if permanent(err) || errors.Is(err, protocol.ErrNotRegistered) || ctx.Err() != nil {
			return err
		}
		r.Retries++
		log.Printf("node[%d] acquire %s failed, retrying: %v", c.ID(), m.Variable, err)
		return nil
	}

	for i := 0; i < m.Iterations; i++ {
		if err := b.Retry(ctx, func() error { return c.Acquire(ctx, m.Variable) }); err != nil {
			return r, errors.Wrapf(err, "acquire %s", m.Variable)
		}

		inside, err := c.Increment(ctx, m.holders(), 1)
		if err == nil {
			if inside != 1 {
				r.Overlaps++
			}
			err = critical(ctx, c)
			if _, derr := c.Increment(ctx, m.holders(), -1); err == nil {
				err = derr
			}
		}
		if rerr := c.Release(ctx, m.Variable); err == nil {
			err = rerr
		}
		if err != nil {
			return r, errors.Wrapf(err, "cycle %d of %d", i+1, m.Iterations)
		}
		r.Operations++
	}

	if m.Critical == nil {
		v, err := c.Load(ctx, m.counter())
		if err != nil {
			return r, err
		}
		r.Int32 = v.Int32
	}
	return r, nil
}
