package matrix

import (
	"github.com/danmuck/matrixstream/internal/protocol/distance"
)

// Matrix is a dense rows x cols grid of packed durations. Cells start out
// unreachable.
type Matrix struct {
	rows, cols int
	cells      []uint32
}

func NewMatrix(rows, cols int) *Matrix {
	cells := make([]uint32, rows*cols)
	for i := range cells {
		cells[i] = distance.Sentinel
	}
	return &Matrix{rows: rows, cols: cols, cells: cells}
}

func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

func (m *Matrix) At(row, col int) distance.Duration {
	return distance.Decode(m.cells[row*m.cols+col])
}

func (m *Matrix) Row(row int) []distance.Duration {
	out := make([]distance.Duration, m.cols)
	base := row * m.cols
	for c := range out {
		out[c] = distance.Decode(m.cells[base+c])
	}
	return out
}

// Packed returns the raw cell value, Sentinel for unreachable.
func (m *Matrix) Packed(row, col int) uint32 {
	return m.cells[row*m.cols+col]
}

func (m *Matrix) set(row, col int, v uint32) {
	m.cells[row*m.cols+col] = v
}
