package matrix

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/matrixstream/internal/protocol/distance"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

var (
	ErrDuplicateTile     = errors.New("matrix: duplicate tile")
	ErrTileCountMismatch = errors.New("matrix: tile count mismatch")
)

// maxReportedMissing caps Report.Missing; MissingCount is always exact.
const maxReportedMissing = 64

// Order selects how an incoming tile is placed on the grid.
type Order int

const (
	// OrderByCoordinates places tiles by their carried origin, so blocks may
	// arrive in any order.
	OrderByCoordinates Order = iota
	// OrderByArrival assigns the next source-major slot to each tile and
	// ignores carried origins. Only valid for serial producers.
	OrderByArrival
)

func (o Order) String() string {
	switch o {
	case OrderByArrival:
		return "arrival"
	default:
		return "coordinates"
	}
}

type Option func(*Reassembler)

func WithOrder(o Order) Option {
	return func(r *Reassembler) { r.order = o }
}

// WithMatrix controls whether cells are materialized. Without it the
// reassembler only tracks coverage.
func WithMatrix(enabled bool) Option {
	return func(r *Reassembler) { r.materialize = enabled }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reassembler) { r.logger = l }
}

// Report is the coverage summary produced by Finish.
type Report struct {
	Expected     int
	Received     int
	Duplicates   int
	Rejected     int
	CoveredCells int
	TotalCells   int
	MissingCount int
	Missing      []int
}

// Reassembler maps decoded tiles back onto the logical matrix.
type Reassembler struct {
	grid        Grid
	order       Order
	materialize bool
	logger      zerolog.Logger

	seen       []bool
	next       int
	received   int
	duplicates int
	rejected   int
	covered    int
	matrix     *Matrix
}

func NewReassembler(grid Grid, opts ...Option) *Reassembler {
	r := &Reassembler{
		grid:        grid,
		materialize: true,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.seen = make([]bool, grid.TileCount())
	if r.materialize {
		r.matrix = NewMatrix(grid.Sources, grid.Destinations)
	}
	return r
}

func (r *Reassembler) Grid() Grid { return r.grid }

// Add places one tile. Rejected tiles leave the matrix untouched.
func (r *Reassembler) Add(t tile.Tile) error {
	idx, err := r.slot(t)
	if err != nil {
		r.rejected++
		return err
	}
	if r.order == OrderByArrival {
		// a rejected tile still consumes its slot
		r.next++
	}
	if r.seen[idx] {
		r.duplicates++
		return fmt.Errorf("%w: index %d (%s)", ErrDuplicateTile, idx, t)
	}
	rect := r.grid.Rect(idx)
	if int(t.SrcLen) != rect.Rows() || int(t.DstLen) != rect.Cols() {
		r.rejected++
		return fmt.Errorf("%w: %s, want %dx%d", ErrTileShape, t, rect.Rows(), rect.Cols())
	}
	if err := t.Validate(); err != nil {
		r.rejected++
		return fmt.Errorf("%w: %v", ErrTileShape, err)
	}

	r.seen[idx] = true
	r.received++
	r.covered += rect.Rows() * rect.Cols()
	if r.matrix != nil {
		cols := rect.Cols()
		for i := 0; i < rect.Rows(); i++ {
			for j := 0; j < cols; j++ {
				off := (i*cols + j) * distance.Width
				r.matrix.set(rect.Row0+i, rect.Col0+j, binary.LittleEndian.Uint32(t.Durations[off:]))
			}
		}
	}
	return nil
}

func (r *Reassembler) slot(t tile.Tile) (int, error) {
	if r.order == OrderByArrival {
		if r.next >= len(r.seen) {
			return 0, fmt.Errorf("%w: tile %d beyond %d expected", ErrTileOutOfGrid, r.next+1, len(r.seen))
		}
		return r.next, nil
	}
	return r.grid.Index(int(t.SrcStart), int(t.DstStart))
}

// Complete reports whether every grid tile has been received.
func (r *Reassembler) Complete() bool {
	return r.received == len(r.seen)
}

// Finish summarizes coverage. An incomplete grid yields ErrTileCountMismatch;
// the matrix is left as received, never padded or truncated.
func (r *Reassembler) Finish() (Report, error) {
	rep := Report{
		Expected:     len(r.seen),
		Received:     r.received,
		Duplicates:   r.duplicates,
		Rejected:     r.rejected,
		CoveredCells: r.covered,
		TotalCells:   r.grid.Cells(),
	}
	for i, ok := range r.seen {
		if ok {
			continue
		}
		rep.MissingCount++
		if len(rep.Missing) < maxReportedMissing {
			rep.Missing = append(rep.Missing, i)
		}
	}
	if rep.Received != rep.Expected || rep.CoveredCells != rep.TotalCells {
		r.logger.Warn().
			Int("expected", rep.Expected).
			Int("received", rep.Received).
			Int("missing", rep.MissingCount).
			Int("duplicates", rep.Duplicates).
			Int("rejected", rep.Rejected).
			Msg("matrix: incomplete reassembly")
		return rep, fmt.Errorf("%w: received %d of %d tiles", ErrTileCountMismatch, rep.Received, rep.Expected)
	}
	return rep, nil
}

// Matrix returns the materialized matrix, or nil when WithMatrix(false).
func (r *Reassembler) Matrix() *Matrix {
	return r.matrix
}
