package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/danmuck/matrixstream/internal/matrix"
	"github.com/danmuck/matrixstream/internal/protocol/distance"
)

// batchRows is how many cells are handed to the parquet writer at once.
const batchRows = 4096

var ErrNilMatrix = errors.New("export: nil matrix")

// Cell is one matrix entry. DurationMS is null when the pair is unreachable.
type Cell struct {
	Src        uint32  `parquet:"src"`
	Dst        uint32  `parquet:"dst"`
	DurationMS *uint32 `parquet:"duration_ms,optional"`
}

// WriteParquet writes every cell of m in row-major order and returns the
// number of rows written.
func WriteParquet(w io.Writer, m *matrix.Matrix) (int, error) {
	if m == nil {
		return 0, ErrNilMatrix
	}
	pw := parquet.NewGenericWriter[Cell](w)
	batch := make([]Cell, 0, batchRows)
	// reused per batch; Write copies row values into column buffers
	values := make([]uint32, batchRows)
	written := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := pw.Write(batch)
		written += n
		batch = batch[:0]
		return err
	}

	for i := range m.Rows() {
		for j := range m.Cols() {
			c := Cell{Src: uint32(i), Dst: uint32(j)}
			if v := m.Packed(i, j); v != distance.Sentinel {
				values[len(batch)] = v
				c.DurationMS = &values[len(batch)]
			}
			batch = append(batch, c)
			if len(batch) == batchRows {
				if err := flush(); err != nil {
					return written, fmt.Errorf("export: write rows: %w", err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return written, fmt.Errorf("export: write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return written, fmt.Errorf("export: close writer: %w", err)
	}
	return written, nil
}

// ReadParquet loads cells written by WriteParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]Cell, error) {
	cells, err := parquet.Read[Cell](r, size)
	if err != nil {
		return nil, fmt.Errorf("export: read rows: %w", err)
	}
	return cells, nil
}
