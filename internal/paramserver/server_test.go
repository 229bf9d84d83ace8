package paramserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dsm/internal/protocol"
	"github.com/dreamware/dsm/internal/variable"
)

func newTestServer(t *testing.T, ids ...int) *Server {
	t.Helper()
	s := New(Config{LogOps: true})
	for _, d := range testNodes(ids...) {
		require.NoError(t, s.Register(d))
	}
	return s
}

func TestServerRejectsUnregisteredSenders(t *testing.T) {
	s := newTestServer(t, 1)

	_, err := s.Increment(9, "c", 1)
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))

	_, err = s.Acquire(context.Background(), 9, "m")
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))

	assert.True(t, errors.Is(s.Leave(9), protocol.ErrNotRegistered))

	_, err = s.Increment(1, "", 1)
	assert.True(t, errors.Is(err, protocol.ErrBadRequest))
}

func TestServerCountersAndAccumulators(t *testing.T) {
	s := newTestServer(t, 1, 2, 3)

	var wg sync.WaitGroup
	for id := 1; id <= 3; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := s.Increment(id, "hits", 1)
				assert.NoError(t, err)
				_, err = s.Add(id, "sum", 0.5)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	v, err := s.Load(1, "hits")
	require.NoError(t, err)
	assert.Equal(t, variable.KindCounter32, v.Kind)
	assert.Equal(t, int32(300), v.Int32)

	f, err := s.Load(2, "sum")
	require.NoError(t, err)
	assert.Equal(t, variable.KindFloat, f.Kind)
	assert.InDelta(t, 150.0, f.Float, 1e-9)

	_, err = s.Add(1, "hits", 1)
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))

	_, err = s.Load(1, "missing")
	assert.True(t, errors.Is(err, variable.ErrUnknownVariable))
}

func TestServerStore(t *testing.T) {
	s := newTestServer(t, 1)
	_, err := s.Increment(1, "c", 5)
	require.NoError(t, err)
	_, err = s.Add(1, "f", 1.5)
	require.NoError(t, err)

	require.NoError(t, s.Store(1, "c", protocol.LoadResult{Kind: variable.KindCounter32, Int32: 40}))
	v, err := s.Increment(1, "c", 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	require.NoError(t, s.Store(1, "f", protocol.LoadResult{Kind: variable.KindFloat, Float: -1}))
	f, _ := s.Load(1, "f")
	assert.Equal(t, -1.0, f.Float)

	// Rejected stores leave the value alone.
	err = s.Store(1, "c", protocol.LoadResult{Kind: variable.KindFloat, Float: 9})
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))
	err = s.Store(1, "missing", protocol.LoadResult{Kind: variable.KindCounter32, Int32: 1})
	assert.True(t, errors.Is(err, variable.ErrUnknownVariable))
	c, _ := s.Load(1, "c")
	assert.Equal(t, int32(42), c.Int32)

	require.NoError(t, s.Declare(1, "m", variable.KindMutex, 0, 0))
	err = s.Store(1, "m", protocol.LoadResult{Kind: variable.KindMutex})
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))

	err = s.Store(9, "c", protocol.LoadResult{Kind: variable.KindCounter32})
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))
}

func TestServerLoadRejectsNonScalars(t *testing.T) {
	s := newTestServer(t, 1)
	require.NoError(t, s.Declare(1, "m", variable.KindMutex, 0, 0))

	_, err := s.Load(1, "m")
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))
}

func TestServerMutex(t *testing.T) {
	s := newTestServer(t, 1, 2)
	ctx := context.Background()

	g, err := s.Acquire(ctx, 1, "lock")
	require.NoError(t, err)
	assert.Equal(t, variable.Granted, g)

	g, err = s.TryAcquire(2, "lock")
	require.NoError(t, err)
	assert.Equal(t, variable.Busy, g)

	err = s.Release(2, "lock")
	assert.True(t, errors.Is(err, variable.ErrNotHolder))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Acquire(ctx, 2, "lock")
		assert.NoError(t, err)
	}()

	m, err := s.Table().Mutex("lock")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.State().Queue) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Release(1, "lock"))
	<-done
	assert.Equal(t, 2, m.State().Holder)
}

func TestServerAcquireCancelledLeavesQueue(t *testing.T) {
	s := newTestServer(t, 1, 2)
	_, err := s.Acquire(context.Background(), 1, "lock")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, 2, "lock")
		errc <- err
	}()

	m, _ := s.Table().Mutex("lock")
	require.Eventually(t, func() bool { return len(m.State().Queue) == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.True(t, errors.Is(<-errc, variable.ErrDisconnected))
	assert.Empty(t, m.State().Queue)
	assert.Equal(t, 1, m.State().Holder)
}

func TestServerLeaveReleasesHeldMutexes(t *testing.T) {
	s := newTestServer(t, 1, 2)
	ctx := context.Background()
	_, err := s.Acquire(ctx, 1, "a")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, 1, "b")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, 2, "a")
		done <- err
	}()
	ma, _ := s.Table().Mutex("a")
	require.Eventually(t, func() bool { return len(ma.State().Queue) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Leave(1))
	require.NoError(t, <-done)

	assert.Equal(t, 2, ma.State().Holder)
	mb, _ := s.Table().Mutex("b")
	assert.False(t, mb.State().Locked)
	assert.False(t, s.Registry().IsRegistered(1))

	_, err = s.Increment(1, "c", 1)
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))
}

func TestServerCloseAbortsWaiters(t *testing.T) {
	s := newTestServer(t, 1, 2)
	_, err := s.Acquire(context.Background(), 1, "lock")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background(), 2, "lock")
		errc <- err
	}()
	m, _ := s.Table().Mutex("lock")
	require.Eventually(t, func() bool { return len(m.State().Queue) == 1 }, time.Second, time.Millisecond)

	s.Close()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, variable.ErrDisconnected))
	case <-time.After(time.Second):
		t.Fatal("Close left the waiter blocked")
	}
	assert.Empty(t, m.State().Queue)
}

func TestServerMatrix(t *testing.T) {
	s := newTestServer(t, 1, 2)

	err := s.WriteMatrix(1, "grid", variable.FullBlock(1, 1), [][]float64{{1}})
	assert.True(t, errors.Is(err, variable.ErrUnknownVariable), "matrices must be declared first")

	require.NoError(t, s.Declare(1, "grid", variable.KindMatrix, 2, 3))
	require.NoError(t, s.Declare(2, "grid", variable.KindMatrix, 2, 3))
	err = s.Declare(2, "grid", variable.KindMatrix, 3, 3)
	assert.True(t, errors.Is(err, variable.ErrDimensionMismatch))

	require.NoError(t, s.WriteMatrix(1, "grid", variable.Block{Row: 0, Col: 0, Rows: 1, Cols: 3}, [][]float64{{1, 2, 3}}))
	require.NoError(t, s.WriteMatrix(2, "grid", variable.Block{Row: 1, Col: 0, Rows: 1, Cols: 3}, [][]float64{{4, 5, 6}}))

	err = s.WriteMatrix(2, "grid", variable.Block{Row: 1, Col: 1, Rows: 1, Cols: 3}, [][]float64{{4, 5, 6}})
	assert.True(t, errors.Is(err, variable.ErrDimensionMismatch))

	m, err := s.ReadMatrix(1, "grid")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, m.Data)
}

func TestServerDelete(t *testing.T) {
	s := newTestServer(t, 1)
	_, err := s.Increment(1, "c", 5)
	require.NoError(t, err)

	require.NoError(t, s.Delete(1, "c"))
	assert.True(t, errors.Is(s.Delete(1, "c"), variable.ErrUnknownVariable))

	v, err := s.Increment(1, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v, "a deleted counter starts over")
}

func TestServerManifestAndStop(t *testing.T) {
	s := New(Config{Endpoint: testEndpoint()})
	for _, d := range testNodes(2, 1) {
		require.NoError(t, s.Register(d))
	}

	m := s.Manifest()
	assert.Equal(t, testEndpoint(), m.ParamServer)
	require.Len(t, m.Nodes, 2)
	assert.Equal(t, 1, m.Nodes[0].ID)

	select {
	case <-s.Stopped():
		t.Fatal("server stopped before RequestStop")
	default:
	}
	s.RequestStop()
	s.RequestStop()
	<-s.Stopped()
}
