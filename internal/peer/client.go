package peer

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/protocol"
	"github.com/dreamware/dsm/internal/variable"
)

// Client issues protocol requests to the param server on behalf of one node.
// It is safe for concurrent use.
type Client struct {
	http *http.Client
	url  string
	self cluster.NodeDescriptor
	seq  atomic.Uint64
}

// NewClient returns a client speaking for self to the param server at
// paramServer. The HTTP client has no overall timeout because an acquire
// stays open until the lock is granted; callers bound calls with ctx.
func NewClient(paramServer cluster.Endpoint, self cluster.NodeDescriptor) *Client {
	return &Client{
		http: &http.Client{},
		url:  paramServer.URL() + "/rpc",
		self: self,
	}
}

// ID returns the node id the client sends as.
func (c *Client) ID() int { return c.self.ID }

// call sends one request and decodes the result into out. Error responses
// come back as *protocol.RemoteError values that match the sentinel errors.
func (c *Client) call(ctx context.Context, op protocol.Op, payload, out any) error {
	req, err := protocol.NewRequest(op, c.self.ID, c.seq.Add(1), payload)
	if err != nil {
		return err
	}

	var resp protocol.Response
	if err := cluster.PostJSONWith(ctx, c.http, c.url, req, &resp); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(variable.ErrDisconnected, "%s: %v", op, ctx.Err())
		}
		return errors.Wrapf(err, "%s", op)
	}
	if resp.CorrelationID != req.CorrelationID {
		return errors.Errorf("%s: response correlation id %d, want %d", op, resp.CorrelationID, req.CorrelationID)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Register announces the node to the param server once.
func (c *Client) Register(ctx context.Context) error {
	return c.call(ctx, protocol.OpRegister, protocol.RegisterPayload{Node: c.self}, nil)
}

// Declare creates a variable on the param server. Matrices need rows and
// cols; other kinds ignore them.
func (c *Client) Declare(ctx context.Context, name string, kind variable.Kind, rows, cols int) error {
	return c.call(ctx, protocol.OpDeclare, protocol.DeclarePayload{Name: name, Kind: kind, Rows: rows, Cols: cols}, nil)
}

// Increment adds delta to a counter and returns its new value.
func (c *Client) Increment(ctx context.Context, name string, delta int32) (int32, error) {
	var out protocol.Int32Result
	err := c.call(ctx, protocol.OpIncrement, protocol.IncrementPayload{Name: name, Delta: delta}, &out)
	return out.Value, err
}

// Add adds delta to an accumulator and returns its new value.
func (c *Client) Add(ctx context.Context, name string, delta float64) (float64, error) {
	var out protocol.FloatResult
	err := c.call(ctx, protocol.OpAdd, protocol.AddPayload{Name: name, Delta: delta}, &out)
	return out.Value, err
}

// Load reads a counter or accumulator.
func (c *Client) Load(ctx context.Context, name string) (protocol.LoadResult, error) {
	var out protocol.LoadResult
	err := c.call(ctx, protocol.OpLoad, protocol.NamePayload{Name: name}, &out)
	return out, err
}

// Store overwrites an existing counter or accumulator. v.Kind must match
// the variable.
func (c *Client) Store(ctx context.Context, name string, v protocol.LoadResult) error {
	return c.call(ctx, protocol.OpStore, protocol.StorePayload{Name: name, Value: v}, nil)
}

// Acquire blocks until the node holds the mutex name or ctx ends.
func (c *Client) Acquire(ctx context.Context, name string) error {
	var out protocol.GrantResult
	if err := c.call(ctx, protocol.OpAcquire, protocol.NamePayload{Name: name}, &out); err != nil {
		return err
	}
	if out.Grant != variable.Granted {
		return errors.Errorf("acquire %s: unexpected grant %q", name, out.Grant)
	}
	return nil
}

// TryAcquire takes the mutex name if it is free.
func (c *Client) TryAcquire(ctx context.Context, name string) (bool, error) {
	var out protocol.GrantResult
	if err := c.call(ctx, protocol.OpTryAcquire, protocol.NamePayload{Name: name}, &out); err != nil {
		return false, err
	}
	return out.Grant == variable.Granted, nil
}

// Release gives up the mutex name.
func (c *Client) Release(ctx context.Context, name string) error {
	return c.call(ctx, protocol.OpRelease, protocol.NamePayload{Name: name}, nil)
}

// WriteMatrix overwrites block of the matrix name.
func (c *Client) WriteMatrix(ctx context.Context, name string, block variable.Block, data [][]float64) error {
	return c.call(ctx, protocol.OpWriteMatrix, protocol.WriteMatrixPayload{Name: name, Block: block, Data: data}, nil)
}

// ReadMatrix returns a snapshot of the matrix name.
func (c *Client) ReadMatrix(ctx context.Context, name string) (variable.Matrix, error) {
	var out protocol.MatrixResult
	err := c.call(ctx, protocol.OpReadMatrix, protocol.NamePayload{Name: name}, &out)
	return out.Matrix, err
}

// Delete removes the variable name.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.call(ctx, protocol.OpDelete, protocol.NamePayload{Name: name}, nil)
}

// Leave unregisters the node, releasing any mutex it still holds.
func (c *Client) Leave(ctx context.Context) error {
	return c.call(ctx, protocol.OpLeave, nil, nil)
}
