package block

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danmuck/matrixstream/internal/protocol/schema"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

var rowDescriptor = schema.TileRowDescriptor()

// Encode serializes tiles as one block using DefaultLimits.
func Encode(tiles []tile.Tile) ([]byte, error) {
	return AppendEncode(nil, tiles, DefaultLimits())
}

// EncodedLen returns the exact wire size of a block carrying tiles.
func EncodedLen(tiles []tile.Tile) int {
	n := PreambleLen + len(rowDescriptor) + 4 + ChecksumLen + TrailerLen
	for _, t := range tiles {
		n += RowHeaderLen + len(t.Durations)
	}
	return n
}

// AppendEncode appends one encoded block to dst.
func AppendEncode(dst []byte, tiles []tile.Tile, limits Limits) ([]byte, error) {
	if uint64(len(tiles)) > uint64(limits.MaxRows) {
		return dst, fmt.Errorf("%w: %d > %d", ErrTooManyRows, len(tiles), limits.MaxRows)
	}
	for i, t := range tiles {
		if err := t.Validate(); err != nil {
			return dst, fmt.Errorf("row %d: %w", i, err)
		}
		if uint64(len(t.Durations)) > limits.MaxBlobBytes {
			return dst, fmt.Errorf("row %d: %w: %d bytes", i, ErrBlobTooLarge, len(t.Durations))
		}
	}

	start := len(dst)
	if need := EncodedLen(tiles); cap(dst)-start < need {
		grown := make([]byte, start, start+need)
		copy(grown, dst)
		dst = grown
	}
	dst = binary.LittleEndian.AppendUint32(dst, StartMarker)
	dst = binary.LittleEndian.AppendUint32(dst, Magic)
	dst = binary.LittleEndian.AppendUint16(dst, Version)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(rowDescriptor)))
	dst = append(dst, rowDescriptor...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(tiles)))
	for _, t := range tiles {
		dst = binary.LittleEndian.AppendUint32(dst, t.SrcStart)
		dst = binary.LittleEndian.AppendUint32(dst, t.DstStart)
		dst = binary.LittleEndian.AppendUint32(dst, t.SrcLen)
		dst = binary.LittleEndian.AppendUint32(dst, t.DstLen)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t.Durations)))
		dst = append(dst, t.Durations...)
	}
	dst = binary.LittleEndian.AppendUint64(dst, Checksum(dst[start+4:]))
	dst = append(dst, EndMarker[:]...)
	return dst, nil
}

// WriteBlock encodes tiles and writes the block with a single Write call.
func WriteBlock(w io.Writer, tiles []tile.Tile, limits Limits) (int, error) {
	buf, err := AppendEncode(nil, tiles, limits)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Writer emits blocks onto a stream, reusing one encode buffer.
type Writer struct {
	w      io.Writer
	limits Limits
	buf    []byte

	blocks int
	tiles  int
	bytes  int64
}

func NewWriter(w io.Writer, limits Limits) *Writer {
	return &Writer{w: w, limits: limits}
}

// WriteTiles emits tiles as one block. An empty slice writes nothing.
func (bw *Writer) WriteTiles(tiles []tile.Tile) error {
	if len(tiles) == 0 {
		return nil
	}
	buf, err := AppendEncode(bw.buf[:0], tiles, bw.limits)
	if err != nil {
		return err
	}
	bw.buf = buf
	n, err := bw.w.Write(buf)
	bw.bytes += int64(n)
	if err != nil {
		return err
	}
	bw.blocks++
	bw.tiles += len(tiles)
	return nil
}

// Stats reports blocks, tiles and bytes written so far.
func (bw *Writer) Stats() (blocks, tiles int, bytes int64) {
	return bw.blocks, bw.tiles, bw.bytes
}
