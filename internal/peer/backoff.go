package peer

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/protocol"
)

// Backoff configures retry loops with random exponential backoff.
//
// Report, if non-nil, is called with every failed attempt and may return a
// non-nil error to stop retrying. If nil, failures are logged.
type Backoff struct {
	Report   func(error) error
	MaxWait  time.Duration // cap on a single wait, 0 for none
	Attempts int           // 0 retries until ctx ends
}

// Retry calls try until it succeeds, Report gives up, the attempts run out,
// or ctx is cancelled.
func (b Backoff) Retry(ctx context.Context, try func() error) error {
	if b.Report == nil {
		b.Report = func(err error) error {
			log.Println(err.Error())
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	wait := time.Millisecond
	for attempt := 1; ; attempt++ {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		if rerr := b.Report(err); rerr != nil {
			return rerr
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return errors.Wrapf(err, "giving up after %d attempts", attempt)
		}

		// The duration of an attempt is the floor for the next wait.
		if elapsed := time.Since(before); wait < elapsed {
			wait = elapsed
		}
		wait += time.Duration(rand.Int63n(int64(wait)))
		if b.MaxWait > 0 && wait > b.MaxWait {
			wait = b.MaxWait
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// permanent reports errors that no amount of retrying will fix.
func permanent(err error) bool {
	return errors.Is(err, protocol.ErrDuplicateID) ||
		errors.Is(err, protocol.ErrBadRequest) ||
		errors.Is(err, protocol.ErrUnsupportedVersion) ||
		errors.Is(err, cluster.ErrInvalidTopology)
}

// Join registers c with the param server, retrying while the server is not
// reachable yet.
func Join(ctx context.Context, c *Client, b Backoff) error {
	report := b.Report
	b.Report = func(err error) error {
		if permanent(err) {
			return err
		}
		if report != nil {
			return report(err)
		}
		log.Printf("node[%d] register retry: %v", c.ID(), err)
		return nil
	}
	if err := b.Retry(ctx, func() error { return c.Register(ctx) }); err != nil {
		return errors.Wrapf(err, "node %d register", c.ID())
	}
	log.Printf("node[%d] registered with param server", c.ID())
	return nil
}
