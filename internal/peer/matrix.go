package peer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/variable"
)

// RowBlocks splits rows into parts contiguous row ranges whose sizes differ
// by at most one, larger blocks first (10 rows in 4 parts: 3,3,2,2). Parts
// beyond rows get empty blocks.
func RowBlocks(rows, parts int) []variable.Block {
	if parts <= 0 {
		return nil
	}
	blocks := make([]variable.Block, parts)
	base, extra := rows/parts, rows%parts
	row := 0
	for i := range blocks {
		n := base
		if i < extra {
			n++
		}
		blocks[i] = variable.Block{Row: row, Rows: n}
		row += n
	}
	return blocks
}

// MatrixCell is the value node owner writes at (i, j) of a matrix with cols
// columns.
func MatrixCell(owner, i, j, cols int) float64 {
	return float64(owner)*1e6 + float64(i*cols+j)
}

// blockData fills block with owner's cells.
func blockData(owner int, block variable.Block, cols int) [][]float64 {
	data := make([][]float64, block.Rows)
	for r := range data {
		data[r] = make([]float64, block.Cols)
		for c := range data[r] {
			data[r][c] = MatrixCell(owner, block.Row+r, block.Col+c, cols)
		}
	}
	return data
}

// ExpectedMatrix applies, in process, the writes nodes 1..nodes make in
// matrix mode and returns the resulting matrix.
func ExpectedMatrix(rows, cols, nodes int) variable.Matrix {
	m := variable.NewMatrixValue(rows, cols)
	for i, block := range RowBlocks(rows, nodes) {
		if block.Rows == 0 {
			continue
		}
		block.Cols = cols
		// Blocks come from RowBlocks and always fit.
		_ = m.Apply(block, blockData(i+1, block, cols))
	}
	return m
}

// MatrixMode shares one rows x cols matrix among Nodes nodes. Node id k
// writes row block k of RowBlocks, signals completion on the counter
// "<Variable>.done", waits until every node has done so, then reads the
// whole matrix.
type MatrixMode struct {
	Variable     string
	Rows, Cols   int
	Nodes        int
	PollInterval time.Duration
}

func (m *MatrixMode) Name() string { return ModeMatrix }

func (m *MatrixMode) done() string { return m.Variable + ".done" }

// Block returns the region node id writes.
func (m *MatrixMode) Block(id int) (variable.Block, error) {
	if id < 1 || id > m.Nodes {
		return variable.Block{}, errors.Errorf("node %d outside 1..%d", id, m.Nodes)
	}
	b := RowBlocks(m.Rows, m.Nodes)[id-1]
	b.Cols = m.Cols
	return b, nil
}

func (m *MatrixMode) Run(ctx context.Context, c *Client) (r Report, err error) {
	r = Report{Mode: m.Name(), Node: c.ID()}
	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()

	block, err := m.Block(c.ID())
	if err != nil {
		return r, err
	}
	if err := c.Declare(ctx, m.Variable, variable.KindMatrix, m.Rows, m.Cols); err != nil {
		return r, errors.Wrap(err, "declare matrix")
	}
	if err := c.Declare(ctx, m.done(), variable.KindCounter32, 0, 0); err != nil {
		return r, errors.Wrap(err, "declare barrier")
	}

	if block.Rows > 0 {
		if err := c.WriteMatrix(ctx, m.Variable, block, blockData(c.ID(), block, m.Cols)); err != nil {
			return r, errors.Wrapf(err, "write rows %d..%d", block.Row, block.Row+block.Rows-1)
		}
		r.Operations++
	}

	if _, err := c.Increment(ctx, m.done(), 1); err != nil {
		return r, errors.Wrap(err, "signal completion")
	}
	if err := m.barrier(ctx, c); err != nil {
		return r, err
	}

	mat, err := c.ReadMatrix(ctx, m.Variable)
	if err != nil {
		return r, errors.Wrap(err, "read matrix")
	}
	r.Operations++
	r.Matrix = &mat
	return r, nil
}

// barrier polls the completion counter until all nodes have written.
func (m *MatrixMode) barrier(ctx context.Context, c *Client) error {
	t := time.NewTicker(m.PollInterval)
	defer t.Stop()
	for {
		v, err := c.Load(ctx, m.done())
		if err != nil {
			return errors.Wrap(err, "barrier")
		}
		if int(v.Int32) >= m.Nodes {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "barrier at %d of %d", v.Int32, m.Nodes)
		}
	}
}
