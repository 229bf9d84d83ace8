package peer

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/paramserver"
	"github.com/dreamware/dsm/internal/protocol"
	"github.com/dreamware/dsm/internal/variable"
)

func endpointOf(t *testing.T, ts *httptest.Server) cluster.Endpoint {
	t.Helper()
	ap, err := netip.ParseAddrPort(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	return cluster.Endpoint{Address: ap.Addr().String(), Port: int(ap.Port())}
}

// startParamServer runs a param server behind httptest and returns it with
// its endpoint.
func startParamServer(t *testing.T) (*paramserver.Server, cluster.Endpoint) {
	t.Helper()
	srv := paramserver.New(paramserver.Config{})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, endpointOf(t, ts)
}

// clusterConfigs builds n node configs from the default plan, pointed at ep.
func clusterConfigs(t *testing.T, n int, ep cluster.Endpoint) []cluster.ClusterConfig {
	t.Helper()
	book, err := cluster.BuildAddressBook(cluster.DefaultPlan(n))
	require.NoError(t, err)
	cfgs := book.Configs()
	for i := range cfgs {
		cfgs[i].ParamServer = ep
	}
	return cfgs
}

func newTestClient(t *testing.T, id int) (*paramserver.Server, *Client) {
	t.Helper()
	srv, ep := startParamServer(t)
	cfg := clusterConfigs(t, id, ep)[id-1]
	return srv, NewClient(ep, cfg.Self())
}

func TestClientRequiresRegistration(t *testing.T) {
	_, c := newTestClient(t, 1)
	ctx := context.Background()

	_, err := c.Increment(ctx, "c", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))

	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, protocol.CodeNotRegistered, remote.Code)

	require.NoError(t, c.Register(ctx))
	require.NoError(t, c.Register(ctx), "registration is idempotent")

	v, err := c.Increment(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)
}

func TestClientOperations(t *testing.T) {
	_, c := newTestClient(t, 1)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx))

	f, err := c.Add(ctx, "f", 1.25)
	require.NoError(t, err)
	assert.Equal(t, 1.25, f)

	l, err := c.Load(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, variable.KindFloat, l.Kind)
	assert.Equal(t, 1.25, l.Float)

	_, err = c.Increment(ctx, "f", 1)
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))

	require.NoError(t, c.Store(ctx, "f", protocol.LoadResult{Kind: variable.KindFloat, Float: -3.5}))
	l, err = c.Load(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, -3.5, l.Float)
	err = c.Store(ctx, "f", protocol.LoadResult{Kind: variable.KindCounter32, Int32: 1})
	assert.True(t, errors.Is(err, variable.ErrKindMismatch))
	err = c.Store(ctx, "absent", protocol.LoadResult{Kind: variable.KindCounter32, Int32: 1})
	assert.True(t, errors.Is(err, variable.ErrUnknownVariable))

	_, err = c.Add(ctx, "f", math.MaxFloat64)
	require.NoError(t, err)
	_, err = c.Add(ctx, "f", math.MaxFloat64)
	assert.True(t, errors.Is(err, variable.ErrOutOfRange))
	require.NoError(t, c.Store(ctx, "f", protocol.LoadResult{Kind: variable.KindFloat, Float: 1.25}))

	ok, err := c.TryAcquire(ctx, "m")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Acquire(ctx, "m"))
	require.NoError(t, c.Release(ctx, "m"))
	assert.True(t, errors.Is(c.Release(ctx, "m"), variable.ErrNotHolder))

	require.NoError(t, c.Declare(ctx, "grid", variable.KindMatrix, 2, 2))
	err = c.WriteMatrix(ctx, "grid", variable.FullBlock(2, 2), [][]float64{{1, 2}})
	assert.True(t, errors.Is(err, variable.ErrDimensionMismatch))
	require.NoError(t, c.WriteMatrix(ctx, "grid", variable.FullBlock(2, 2), [][]float64{{1, 2}, {3, 4}}))
	m, err := c.ReadMatrix(ctx, "grid")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, m.Data)

	require.NoError(t, c.Delete(ctx, "grid"))
	_, err = c.ReadMatrix(ctx, "grid")
	assert.True(t, errors.Is(err, variable.ErrUnknownVariable))

	require.NoError(t, c.Leave(ctx))
	_, err = c.Load(ctx, "f")
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))
}

func TestClientCorrelationIDs(t *testing.T) {
	_, c := newTestClient(t, 1)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx))

	var seen []uint64
	for i := 0; i < 3; i++ {
		_, err := c.Increment(ctx, "c", 1)
		require.NoError(t, err)
		seen = append(seen, c.seq.Load())
	}
	assert.Equal(t, []uint64{2, 3, 4}, seen)
}

func TestClientRejectsMismatchedCorrelation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":1,"correlation_id":999}`))
	}))
	defer ts.Close()

	c := NewClient(endpointOf(t, ts), cluster.NodeDescriptor{ID: 1, Address: "192.0.0.3", Port: 9090})
	err := c.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlation id 999")
}

func TestClientAcquireCancelled(t *testing.T) {
	srv, ep := startParamServer(t)
	cfgs := clusterConfigs(t, 2, ep)
	a := NewClient(ep, cfgs[0].Self())
	b := NewClient(ep, cfgs[1].Self())
	ctx := context.Background()
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))
	require.NoError(t, a.Acquire(ctx, "m"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Acquire(short, "m")
	assert.True(t, errors.Is(err, variable.ErrDisconnected), "got %v", err)

	m, err := srv.Table().Mutex("m")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.State().Queue) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, m.State().Holder)
}

func TestJoinRetriesUntilServerIsUp(t *testing.T) {
	srv := paramserver.New(paramserver.Config{})
	routes := srv.Routes()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		routes.ServeHTTP(w, r)
	}))
	defer ts.Close()

	cfg := clusterConfigs(t, 1, endpointOf(t, ts))[0]
	c := NewClient(endpointOf(t, ts), cfg.Self())

	var reported int
	err := Join(context.Background(), c, Backoff{
		MaxWait: 10 * time.Millisecond,
		Report:  func(error) error { reported++; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reported)
	assert.True(t, srv.Registry().IsRegistered(1))
}

func TestJoinStopsOnPermanentErrors(t *testing.T) {
	srv, ep := startParamServer(t)
	cfgs := clusterConfigs(t, 1, ep)
	_, err := srv.Registry().Register(cluster.NodeDescriptor{ID: 7, Address: cfgs[0].Address, Port: cfgs[0].Port})
	require.NoError(t, err)

	c := NewClient(ep, cfgs[0].Self())
	err = Join(context.Background(), c, Backoff{MaxWait: time.Millisecond})
	assert.True(t, errors.Is(err, protocol.ErrDuplicateID), "got %v", err)
}
