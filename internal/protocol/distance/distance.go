package distance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sentinel is the packed value reserved for "no route found".
const Sentinel uint32 = 0xFFFFFFFF

// Width is the packed size of one duration.
const Width = 4

var (
	ErrDurationOverflow = errors.New("distance: duration not representable")
	ErrShortBlob        = errors.New("distance: blob shorter than value count")
	ErrNegativeCount    = errors.New("distance: negative value count")
)

// Duration is a travel time in milliseconds. The zero value is unreachable.
type Duration struct {
	Millis uint64
	OK     bool
}

// Unreachable marks a cell with no route.
var Unreachable = Duration{}

// Of returns a reachable duration of ms milliseconds.
func Of(ms uint64) Duration {
	return Duration{Millis: ms, OK: true}
}

// FromStd converts a time.Duration, truncating to whole milliseconds.
func FromStd(d time.Duration) Duration {
	if d < 0 {
		return Unreachable
	}
	return Of(uint64(d / time.Millisecond))
}

// Std returns the duration as a time.Duration and whether it is reachable.
func (d Duration) Std() (time.Duration, bool) {
	if !d.OK {
		return 0, false
	}
	return time.Duration(d.Millis) * time.Millisecond, true
}

func (d Duration) String() string {
	if !d.OK {
		return "unreachable"
	}
	return fmt.Sprintf("%dms", d.Millis)
}

// Encode returns the packed representation of d.
func Encode(d Duration) (uint32, error) {
	if !d.OK {
		return Sentinel, nil
	}
	if d.Millis >= uint64(Sentinel) {
		return 0, fmt.Errorf("%w: %d ms", ErrDurationOverflow, d.Millis)
	}
	return uint32(d.Millis), nil
}

// Decode maps a packed value back onto a Duration.
func Decode(v uint32) Duration {
	if v == Sentinel {
		return Unreachable
	}
	return Of(uint64(v))
}

func Pack(values []Duration) ([]byte, error) {
	return AppendPack(make([]byte, 0, len(values)*Width), values)
}

// AppendPack appends the packed form of values to dst.
// On error dst is returned unchanged.
func AppendPack(dst []byte, values []Duration) ([]byte, error) {
	start := len(dst)
	for i, d := range values {
		v, err := Encode(d)
		if err != nil {
			return dst[:start], fmt.Errorf("value %d: %w", i, err)
		}
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst, nil
}

func Unpack(blob []byte, n int) ([]Duration, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}
	if len(blob)/Width < n {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBlob, len(blob), n*Width)
	}
	out := make([]Duration, n)
	for i := range out {
		out[i] = Decode(binary.LittleEndian.Uint32(blob[i*Width:]))
	}
	return out, nil
}

// At decodes the i-th packed value of blob. The caller checks bounds.
func At(blob []byte, i int) Duration {
	return Decode(binary.LittleEndian.Uint32(blob[i*Width:]))
}
