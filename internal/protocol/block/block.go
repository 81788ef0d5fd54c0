package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dchest/siphash"

	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

const (
	// StartMarker opens every block. It equals the unreachable sentinel, so it
	// routinely appears inside durations payloads as well.
	StartMarker uint32 = 0xFFFFFFFF
	Magic       uint32 = 0x4B4C4254 // "TBLK"
	Version     uint16 = 1

	// PreambleLen covers marker, magic, version and schema_len.
	PreambleLen  = 12
	RowHeaderLen = 20
	ChecksumLen  = 8
	TrailerLen   = 8

	// MaxSchemaLen bounds the descriptor so a false candidate fails fast.
	MaxSchemaLen = 1024
)

// EndMarker closes every block: StartMarker followed by a zero word.
var EndMarker = [TrailerLen]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}

var (
	ErrIncomplete         = errors.New("block: incomplete")
	ErrBadMarker          = errors.New("block: missing start marker")
	ErrBadMagic           = errors.New("block: invalid magic")
	ErrUnsupportedVersion = errors.New("block: unsupported version")
	ErrSchemaTooLarge     = errors.New("block: schema descriptor too large")
	ErrRowShape           = errors.New("block: row shape invalid")
	ErrTooManyRows        = errors.New("block: too many rows")
	ErrBlobTooLarge       = errors.New("block: durations blob too large")
	ErrChecksum           = errors.New("block: checksum mismatch")
	ErrBadTrailer         = errors.New("block: missing end marker")
)

// NeedError reports a parse that ran out of bytes. Need is the minimum
// total length, counted from the start marker, known to be required.
type NeedError struct {
	Need int
}

func (e NeedError) Error() string {
	return fmt.Sprintf("block: incomplete, need at least %d bytes", e.Need)
}

func (e NeedError) Is(target error) bool {
	return target == ErrIncomplete
}

// Block is one decoded wire unit.
type Block struct {
	Tiles []tile.Tile
}

// Limits constrains block decode/encode memory use.
type Limits struct {
	MaxRows      uint32
	MaxBlobBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxRows:      64 * 1024,
		MaxBlobBytes: 256 * 1024 * 1024,
	}
}

// MaxBlockLen is the largest single-row block the limits admit.
func (l Limits) MaxBlockLen() uint64 {
	return PreambleLen + MaxSchemaLen + 4 + RowHeaderLen + l.MaxBlobBytes + ChecksumLen + TrailerLen
}

var checksumK0, checksumK1 uint64 = 0x6d61747269787374, 0x7265616d74696c65

// checksumKey is (k0, k1) in the little-endian layout siphash.New expects.
var checksumKey = binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(nil, checksumK0), checksumK1)

// Checksum is the siphash-2-4 digest stored before the end marker.
func Checksum(b []byte) uint64 {
	return siphash.Hash(checksumK0, checksumK1, b)
}
