package tile

import (
	"errors"
	"fmt"

	"github.com/danmuck/matrixstream/internal/protocol/distance"
)

var (
	ErrEmptyTile     = errors.New("tile: zero-sized tile")
	ErrShapeMismatch = errors.New("tile: payload length does not match dimensions")
)

// Tile is one rectangular sub-block of the logical matrix.
// Durations holds SrcLen*DstLen packed values in source-major order.
type Tile struct {
	SrcStart  uint32
	DstStart  uint32
	SrcLen    uint32
	DstLen    uint32
	Durations []byte
}

// New packs values into a tile anchored at (srcStart, dstStart).
func New(srcStart, dstStart, srcLen, dstLen uint32, values []distance.Duration) (Tile, error) {
	if uint64(len(values)) != uint64(srcLen)*uint64(dstLen) {
		return Tile{}, fmt.Errorf("%w: %d values for %dx%d", ErrShapeMismatch, len(values), srcLen, dstLen)
	}
	blob, err := distance.Pack(values)
	if err != nil {
		return Tile{}, err
	}
	t := Tile{SrcStart: srcStart, DstStart: dstStart, SrcLen: srcLen, DstLen: dstLen, Durations: blob}
	return t, t.Validate()
}

// Unreachable returns a tile whose every cell has no route.
func Unreachable(srcStart, dstStart, srcLen, dstLen uint32) Tile {
	blob := make([]byte, PayloadLen(srcLen, dstLen))
	for i := range blob {
		blob[i] = 0xff
	}
	return Tile{SrcStart: srcStart, DstStart: dstStart, SrcLen: srcLen, DstLen: dstLen, Durations: blob}
}

// PayloadLen is the packed byte length of a srcLen x dstLen tile.
func PayloadLen(srcLen, dstLen uint32) uint64 {
	return uint64(distance.Width) * uint64(srcLen) * uint64(dstLen)
}

func (t Tile) Cells() int {
	return int(t.SrcLen) * int(t.DstLen)
}

func (t Tile) Validate() error {
	if t.SrcLen == 0 || t.DstLen == 0 {
		return ErrEmptyTile
	}
	if uint64(len(t.Durations)) != PayloadLen(t.SrcLen, t.DstLen) {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrShapeMismatch, len(t.Durations), t.SrcLen, t.DstLen)
	}
	return nil
}

// Values unpacks every cell of the tile.
func (t Tile) Values() ([]distance.Duration, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return distance.Unpack(t.Durations, t.Cells())
}

// At returns the cell at tile-local (row, col).
func (t Tile) At(row, col int) distance.Duration {
	return distance.At(t.Durations, row*int(t.DstLen)+col)
}

func (t Tile) String() string {
	return fmt.Sprintf("tile[%d+%d, %d+%d]", t.SrcStart, t.SrcLen, t.DstStart, t.DstLen)
}
