package peer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dsm/internal/variable"
)

func TestRowBlocks(t *testing.T) {
	tests := []struct {
		rows, parts int
		want        []int
	}{
		{10, 4, []int{3, 3, 2, 2}},
		{10, 1, []int{10}},
		{8, 4, []int{2, 2, 2, 2}},
		{3, 5, []int{1, 1, 1, 0, 0}},
		{0, 2, []int{0, 0}},
	}

	for _, tt := range tests {
		blocks := RowBlocks(tt.rows, tt.parts)
		require.Len(t, blocks, tt.parts)

		next := 0
		for i, b := range blocks {
			assert.Equal(t, tt.want[i], b.Rows, "rows=%d parts=%d block %d", tt.rows, tt.parts, i)
			assert.Equal(t, next, b.Row, "blocks must be contiguous")
			next += b.Rows
		}
		assert.Equal(t, tt.rows, next, "blocks must cover every row")
	}

	assert.Nil(t, RowBlocks(10, 0))
}

func TestMatrixCellIsDistinctPerOwnerAndPosition(t *testing.T) {
	seen := map[float64]bool{}
	for owner := 1; owner <= 4; owner++ {
		for i := 0; i < 10; i++ {
			for j := 0; j < 20; j++ {
				v := MatrixCell(owner, i, j, 20)
				assert.False(t, seen[v], "duplicate value %v", v)
				seen[v] = true
			}
		}
	}
	assert.Equal(t, MatrixCell(2, 3, 4, 20), MatrixCell(2, 3, 4, 20))
}

func TestExpectedMatrix(t *testing.T) {
	m := ExpectedMatrix(10, 20, 4)
	require.Equal(t, 10, m.Rows)
	require.Equal(t, 20, m.Cols)

	// Rows 0-2 belong to node 1, 3-5 to node 2, 6-7 to node 3, 8-9 to node 4.
	owners := []int{1, 1, 1, 2, 2, 2, 3, 3, 4, 4}
	for i, owner := range owners {
		assert.Equal(t, MatrixCell(owner, i, 0, 20), m.Data[i][0], "row %d", i)
		assert.Equal(t, MatrixCell(owner, i, 19, 20), m.Data[i][19], "row %d", i)
	}
}

func TestMatrixModeBlock(t *testing.T) {
	m := &MatrixMode{Rows: 10, Cols: 20, Nodes: 4}

	b, err := m.Block(3)
	require.NoError(t, err)
	assert.Equal(t, variable.Block{Row: 6, Col: 0, Rows: 2, Cols: 20}, b)

	_, err = m.Block(0)
	assert.Error(t, err)
	_, err = m.Block(5)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name string
		want Mode
	}{
		{ModeInt32, &CounterMode{Variable: ModeInt32, Iterations: DefaultIterations, Delta: 1}},
		{ModeFloat, &AccumulatorMode{Variable: ModeFloat, Iterations: DefaultIterations, Delta: 1}},
		{ModeMutex, &MutexMode{Variable: ModeMutex, Iterations: DefaultIterations}},
		{ModeMatrix, &MatrixMode{Variable: ModeMatrix, Rows: DefaultRows, Cols: DefaultCols, Nodes: 1, PollInterval: DefaultPollInterval}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ParseMode(tt.name, Params{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
			assert.Equal(t, tt.name, mode.Name())
		})
	}

	mode, err := ParseMode(ModeFloat, Params{Variable: "acc", Iterations: 7, Delta: 0.5})
	require.NoError(t, err)
	assert.Equal(t, &AccumulatorMode{Variable: "acc", Iterations: 7, Delta: 0.5}, mode)

	mode, err = ParseMode(ModeInt32, Params{Delta: -3})
	require.NoError(t, err)
	assert.Equal(t, int32(-3), mode.(*CounterMode).Delta)

	_, err = ParseMode("int64", Params{})
	assert.True(t, errors.Is(err, ErrUnknownMode))

	bad := []struct {
		mode  string
		delta float64
	}{
		{ModeInt32, 0.5},
		{ModeInt32, 1 << 31},
		{ModeInt32, -(1 << 31) - 1},
		{ModeInt32, math.Inf(1)},
		{ModeFloat, math.NaN()},
		{ModeFloat, math.Inf(-1)},
	}
	for _, b := range bad {
		_, err := ParseMode(b.mode, Params{Delta: b.delta})
		assert.True(t, errors.Is(err, ErrBadDelta), "%s delta %g: got %v", b.mode, b.delta, err)
	}
}

func TestReportString(t *testing.T) {
	m := ExpectedMatrix(2, 3, 1)
	tests := []struct {
		report Report
		want   string
	}{
		{Report{Mode: ModeInt32, Int32: 300}, "Result 300"},
		{Report{Mode: ModeFloat, Float: 12.5}, "Result 12.5"},
		{Report{Mode: ModeMutex, Int32: 100, Overlaps: 0, Retries: 1}, "Result 100 (overlaps 0, retries 1)"},
		{Report{Mode: ModeMatrix, Matrix: &m}, "Result 2x3 matrix"},
		{Report{Mode: ModeMatrix}, "Result <none>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.report.String())
	}
}

func TestBackoffRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Backoff{MaxWait: time.Millisecond, Report: func(error) error { return nil }}.Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := Backoff{MaxWait: time.Millisecond, Attempts: 4, Report: func(error) error { return nil }}.Retry(context.Background(), func() error {
			calls++
			return errors.New("down")
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
	})

	t.Run("report aborts", func(t *testing.T) {
		stop := errors.New("permanent")
		calls := 0
		err := Backoff{Report: func(err error) error { return stop }}.Retry(context.Background(), func() error {
			calls++
			return errors.New("down")
		})
		assert.Equal(t, stop, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Backoff{}.Retry(ctx, func() error {
			t.Fatal("try must not run")
			return nil
		})
		assert.Equal(t, context.Canceled, err)
	})
}
