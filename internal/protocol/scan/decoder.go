package scan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/danmuck/matrixstream/internal/protocol/block"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

// ReadChunkSize is the read size used by ReadFrom.
const ReadChunkSize = 64 * 1024

var ErrClosed = errors.New("scan: decoder closed")

var marker = binary.LittleEndian.AppendUint32(nil, block.StartMarker)

// Stats summarizes one decoded stream.
type Stats struct {
	BytesIn        int64
	Blocks         int
	Tiles          int
	FalsePositives int
	// UnattributedBytes counts input bytes not covered by an accepted block.
	UnattributedBytes int64
}

type Result struct {
	Tiles []tile.Tile
	Stats Stats
}

// TileHandler receives tiles as blocks are accepted. A non-nil error stops
// decoding and is returned from Write.
type TileHandler func(tile.Tile) error

type Option func(*Decoder)

func WithLimits(l block.Limits) Option {
	return func(d *Decoder) { d.limits = l }
}

// WithTileHandler streams tiles to h instead of retaining them.
func WithTileHandler(h TileHandler) Option {
	return func(d *Decoder) { d.handler = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

type state int

const (
	stateSeek state = iota
	stateCandidate
	stateClosed
)

// Decoder recovers blocks from a byte stream that has no outer framing.
//
// It is a two-state machine over an owned buffer. In stateSeek it looks for
// the start marker; in stateCandidate it speculatively parses a block at the
// cursor. A parse that runs out of bytes parks the candidate, with the
// parser's progress, until at least need bytes are buffered; any other
// failure rolls back to the candidate and resumes seeking one byte later.
// Feeding bytes in any chunking produces the same tiles and stats, and each
// candidate byte is validated once.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	limits  block.Limits
	handler TileHandler
	logger  zerolog.Logger

	buf    buffer
	state  state
	need   int
	parser *block.Parser
	err    error

	tiles []tile.Tile
	stats Stats
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		limits: block.DefaultLimits(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.parser = block.NewParser(d.limits)
	return d
}

// Write appends p to the stream and reports every block it completes.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.state == stateClosed {
		return 0, ErrClosed
	}
	if d.err != nil {
		return 0, d.err
	}
	d.stats.BytesIn += int64(len(p))
	d.buf.append(p)
	err := d.scan(false)
	d.buf.compact()
	return len(p), err
}

// ReadFrom feeds r into the decoder until EOF. Read errors are returned
// as-is; the decoder stays open so Close still reports what was recovered.
func (d *Decoder) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, ReadChunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if _, werr := d.Write(chunk[:n]); werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Close marks end of stream. A parked candidate can no longer complete, so it
// is treated as a false positive and scanning continues past it.
func (d *Decoder) Close() error {
	if d.state == stateClosed {
		return d.err
	}
	if d.err == nil {
		d.err = d.scan(true)
	}
	d.stats.UnattributedBytes += int64(d.buf.len())
	d.buf = buffer{}
	d.state = stateClosed

	ev := d.logger.Debug()
	if d.stats.UnattributedBytes > 0 {
		ev = d.logger.Warn()
	}
	ev.Int64("bytes_in", d.stats.BytesIn).
		Int("blocks", d.stats.Blocks).
		Int("tiles", d.stats.Tiles).
		Int("false_positives", d.stats.FalsePositives).
		Int64("unattributed_bytes", d.stats.UnattributedBytes).
		Msg("scan: stream closed")
	return d.err
}

// Tiles returns the accepted tiles in stream order. It is empty when a tile
// handler is installed.
func (d *Decoder) Tiles() []tile.Tile {
	return d.tiles
}

func (d *Decoder) Stats() Stats {
	return d.stats
}

func (d *Decoder) scan(final bool) error {
	for {
		rem := d.buf.remaining()
		switch d.state {
		case stateSeek:
			i := bytes.Index(rem, marker)
			if i < 0 {
				// a marker may straddle the next chunk
				keep := min(len(rem), len(marker)-1)
				if final {
					keep = 0
				}
				d.skip(len(rem) - keep)
				return nil
			}
			d.skip(i)
			d.state = stateCandidate
			d.need = 0
			d.parser.Reset()

		case stateCandidate:
			if !final && len(rem) < d.need {
				return nil
			}
			sp := d.buf.save()
			blk, n, err := d.parser.Next(rem)
			if err == nil {
				d.buf.advance(n)
				d.state = stateSeek
				if herr := d.accept(blk, n); herr != nil {
					return herr
				}
				continue
			}
			var need block.NeedError
			if !final && errors.As(err, &need) {
				d.need = need.Need
				return nil
			}
			d.buf.restore(sp)
			d.skip(1)
			d.stats.FalsePositives++
			d.state = stateSeek
			d.logger.Trace().Err(err).Int64("offset", d.offset()-1).Msg("scan: rejected candidate")

		default:
			return nil
		}
	}
}

func (d *Decoder) accept(blk block.Block, n int) error {
	d.stats.Blocks++
	d.stats.Tiles += len(blk.Tiles)
	d.logger.Trace().Int("tiles", len(blk.Tiles)).Int("bytes", n).Msg("scan: accepted block")
	if d.handler == nil {
		d.tiles = append(d.tiles, blk.Tiles...)
		return nil
	}
	for _, t := range blk.Tiles {
		if err := d.handler(t); err != nil {
			d.err = err
			return err
		}
	}
	return nil
}

func (d *Decoder) skip(n int) {
	d.buf.advance(n)
	d.stats.UnattributedBytes += int64(n)
}

// offset is the absolute stream position of the cursor.
func (d *Decoder) offset() int64 {
	return d.stats.BytesIn - int64(d.buf.len())
}

// Decode runs a single-shot decode over data.
func Decode(data []byte, opts ...Option) (Result, error) {
	d := NewDecoder(opts...)
	if _, err := d.Write(data); err != nil {
		return Result{Tiles: d.Tiles(), Stats: d.Stats()}, err
	}
	err := d.Close()
	return Result{Tiles: d.Tiles(), Stats: d.Stats()}, err
}

// DecodeReader reads r to EOF and closes the decoder. A transport error is
// returned together with whatever was recovered before it.
func DecodeReader(r io.Reader, opts ...Option) (Result, error) {
	d := NewDecoder(opts...)
	_, rerr := d.ReadFrom(r)
	cerr := d.Close()
	res := Result{Tiles: d.Tiles(), Stats: d.Stats()}
	if rerr != nil {
		return res, rerr
	}
	return res, cerr
}
