package variable

import (
	"sync"

	"github.com/pkg/errors"
)

// Block addresses a rectangular region of a matrix.
type Block struct {
	Row  int `json:"row"`
	Col  int `json:"col"`
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// FullBlock returns the block covering a whole rows x cols matrix.
func FullBlock(rows, cols int) Block {
	return Block{Rows: rows, Cols: cols}
}

// Matrix is a dense row-major snapshot.
type Matrix struct {
	Data [][]float64 `json:"data"`
	Rows int         `json:"rows"`
	Cols int         `json:"cols"`
}

// NewMatrixValue returns a zeroed rows x cols snapshot.
func NewMatrixValue(rows, cols int) Matrix {
	data := make([][]float64, rows)
	for i := range data {
		data[i] = make([]float64, cols)
	}
	return Matrix{Rows: rows, Cols: cols, Data: data}
}

// Equal reports whether both matrices have the same shape and elements.
func (m Matrix) Equal(o Matrix) bool {
	if m.Rows != o.Rows || m.Cols != o.Cols || len(m.Data) != len(o.Data) {
		return false
	}
	for i := range m.Data {
		if len(m.Data[i]) != len(o.Data[i]) {
			return false
		}
		for j := range m.Data[i] {
			if m.Data[i][j] != o.Data[i][j] {
				return false
			}
		}
	}
	return true
}

// SharedMatrix is a fixed-shape float64 matrix. Each Write replaces its
// block under an exclusive lock, so a concurrent Snapshot sees either all
// of a write or none of it.
type SharedMatrix struct {
	opCounter
	mu   sync.RWMutex
	data []float64
	rows int
	cols int
}

// MaxMatrixCells bounds the element count of a single matrix.
const MaxMatrixCells = 1 << 24

// NewSharedMatrix returns a zeroed rows x cols matrix.
func NewSharedMatrix(rows, cols int) (*SharedMatrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Wrapf(ErrDimensionMismatch, "matrix shape %dx%d", rows, cols)
	}
	if rows > MaxMatrixCells/cols {
		return nil, errors.Wrapf(ErrDimensionMismatch, "matrix shape %dx%d exceeds %d cells", rows, cols, MaxMatrixCells)
	}
	return &SharedMatrix{rows: rows, cols: cols, data: make([]float64, rows*cols)}, nil
}

func (m *SharedMatrix) Kind() Kind { return KindMatrix }

// Shape returns the fixed dimensions.
func (m *SharedMatrix) Shape() (rows, cols int) {
	return m.rows, m.cols
}

// Write overwrites block with data. Nothing is written unless the block
// lies inside the matrix and data has exactly the block's shape.
func (m *SharedMatrix) Write(block Block, data [][]float64) error {
	if err := CheckBlock(block, data, m.rows, m.cols); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range data {
		copy(m.data[(block.Row+i)*m.cols+block.Col:], row)
	}
	m.write()
	return nil
}

// Snapshot returns a copy of the whole matrix.
func (m *SharedMatrix) Snapshot() Matrix {
	out := NewMatrixValue(m.rows, m.cols)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range out.Data {
		copy(out.Data[i], m.data[i*m.cols:(i+1)*m.cols])
	}
	m.read()
	return out
}

// CheckBlock validates block against a rows x cols matrix and data against
// the block.
func CheckBlock(block Block, data [][]float64, rows, cols int) error {
	if block.Rows <= 0 || block.Cols <= 0 || block.Row < 0 || block.Col < 0 {
		return errors.Wrapf(ErrDimensionMismatch, "invalid block %+v", block)
	}
	// Subtract rather than add so huge offsets cannot overflow.
	if block.Rows > rows-block.Row || block.Cols > cols-block.Col {
		return errors.Wrapf(ErrDimensionMismatch, "block %+v exceeds %dx%d", block, rows, cols)
	}
	if len(data) != block.Rows {
		return errors.Wrapf(ErrDimensionMismatch, "data has %d rows, block has %d", len(data), block.Rows)
	}
	for i, row := range data {
		if len(row) != block.Cols {
			return errors.Wrapf(ErrDimensionMismatch, "data row %d has %d cols, block has %d", i, len(row), block.Cols)
		}
	}
	return nil
}

// Apply writes data into a local snapshot, using the same validation as
// SharedMatrix.Write. It is used to simulate writes in process.
func (m Matrix) Apply(block Block, data [][]float64) error {
	if err := CheckBlock(block, data, m.Rows, m.Cols); err != nil {
		return err
	}
	for i, row := range data {
		copy(m.Data[block.Row+i][block.Col:], row)
	}
	return nil
}
