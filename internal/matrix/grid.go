package matrix

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyGrid     = errors.New("matrix: grid has no sources or destinations")
	ErrTileOutOfGrid = errors.New("matrix: tile outside grid")
	ErrTileShape     = errors.New("matrix: tile shape does not match grid")
)

// Grid is the tiling of an N x M matrix into fixed-size tiles. Edge tiles are
// truncated to the matrix bounds.
type Grid struct {
	Sources      int
	Destinations int
	SrcTileSize  int
	DstTileSize  int
}

// Rect is a half-open cell range [Row0, Row1) x [Col0, Col1).
type Rect struct {
	Row0, Row1 int
	Col0, Col1 int
}

func (r Rect) Rows() int { return r.Row1 - r.Row0 }
func (r Rect) Cols() int { return r.Col1 - r.Col0 }

// NewGrid clamps tile sizes into [1, n] and [1, m], matching what the
// producer does with the request.
func NewGrid(n, m, srcTile, dstTile int) (Grid, error) {
	if n <= 0 || m <= 0 {
		return Grid{}, fmt.Errorf("%w: %dx%d", ErrEmptyGrid, n, m)
	}
	return Grid{
		Sources:      n,
		Destinations: m,
		SrcTileSize:  max(min(srcTile, n), 1),
		DstTileSize:  max(min(dstTile, m), 1),
	}, nil
}

func (g Grid) SrcTiles() int { return ceilDiv(g.Sources, g.srcTile()) }
func (g Grid) DstTiles() int { return ceilDiv(g.Destinations, g.dstTile()) }

// srcTile and dstTile read tile sizes below 1 as 1, so a Grid built
// without NewGrid never divides by zero.
func (g Grid) srcTile() int { return max(g.SrcTileSize, 1) }
func (g Grid) dstTile() int { return max(g.DstTileSize, 1) }

func (g Grid) TileCount() int {
	return g.SrcTiles() * g.DstTiles()
}

func (g Grid) Cells() int {
	return g.Sources * g.Destinations
}

// Rect returns the cell range of the tile at index, counted source-tile-major.
// An index outside the grid yields the empty Rect.
func (g Grid) Rect(index int) Rect {
	if index < 0 || index >= g.TileCount() {
		return Rect{}
	}
	si, di := index/g.DstTiles(), index%g.DstTiles()
	r := Rect{
		Row0: si * g.srcTile(),
		Col0: di * g.dstTile(),
	}
	r.Row1 = min(r.Row0+g.srcTile(), g.Sources)
	r.Col1 = min(r.Col0+g.dstTile(), g.Destinations)
	return r
}

// Index maps tile origin coordinates onto a tile index.
func (g Grid) Index(srcStart, dstStart int) (int, error) {
	if srcStart < 0 || srcStart >= g.Sources || dstStart < 0 || dstStart >= g.Destinations {
		return 0, fmt.Errorf("%w: origin (%d,%d) in %dx%d", ErrTileOutOfGrid, srcStart, dstStart, g.Sources, g.Destinations)
	}
	if srcStart%g.srcTile() != 0 || dstStart%g.dstTile() != 0 {
		return 0, fmt.Errorf("%w: origin (%d,%d) not aligned to %dx%d", ErrTileShape, srcStart, dstStart, g.srcTile(), g.dstTile())
	}
	return (srcStart/g.srcTile())*g.DstTiles() + dstStart/g.dstTile(), nil
}

// Rects lists every tile range in emission order.
func (g Grid) Rects() []Rect {
	out := make([]Rect, g.TileCount())
	for i := range out {
		out[i] = g.Rect(i)
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
