package block

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/dchest/siphash"

	"github.com/danmuck/matrixstream/internal/protocol/schema"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

type stage int

const (
	stageMarker stage = iota
	stageMagic
	stageVersion
	stageSchemaLen
	stageSchema
	stageRowCount
	stageRowHeader
	stageRowBlob
	stageChecksum
	stageTrailer
)

// rowSpan is a validated row header and where its payload starts,
// relative to the start marker.
type rowSpan struct {
	t       tile.Tile
	blobOff int
}

// Parser decodes one block across calls. Every field is checked for
// availability before it is read, so a malformed verdict on a prefix holds
// for every extension of that prefix, and an incomplete verdict keeps all
// progress made so far. Each call must pass the candidate from its start
// marker; bytes already validated are not examined again.
//
// A Parser that returned a non-incomplete error must be Reset before reuse.
type Parser struct {
	limits Limits

	stage     stage
	off       int
	schemaLen int
	rows      uint32
	blobLen   int
	cur       tile.Tile
	spans     []rowSpan

	digest hash.Hash64
	hashed int
}

func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits, digest: siphash.New(checksumKey)}
}

// Reset starts a new candidate, keeping allocated row storage.
func (p *Parser) Reset() {
	p.stage = stageMarker
	p.off = 0
	p.schemaLen = 0
	p.rows = 0
	p.blobLen = 0
	p.cur = tile.Tile{}
	p.spans = p.spans[:0]
	p.digest.Reset()
	p.hashed = 0
}

// Offset is how many candidate bytes have been validated.
func (p *Parser) Offset() int {
	return p.off
}

// take returns the next n bytes without consuming them.
func (p *Parser) take(buf []byte, n int) ([]byte, error) {
	if len(buf)-p.off < n {
		return nil, NeedError{Need: p.off + n}
	}
	return buf[p.off : p.off+n], nil
}

// hashTo feeds checksummed body bytes up to end into the running digest.
func (p *Parser) hashTo(buf []byte, end int) {
	if end > p.hashed {
		p.digest.Write(buf[p.hashed:end])
		p.hashed = end
	}
}

// Next continues parsing the candidate held in buf[0:]. On success it
// returns the block and the number of bytes it spans; tile payloads are
// copied out of buf. A NeedError (errors.Is ErrIncomplete) means buf is a
// valid prefix so far and Next may be called again with more bytes.
func (p *Parser) Next(buf []byte) (Block, int, error) {
	for {
		switch p.stage {
		case stageMarker:
			b, err := p.take(buf, 4)
			if err != nil {
				return Block{}, 0, err
			}
			if binary.LittleEndian.Uint32(b) != StartMarker {
				return Block{}, 0, ErrBadMarker
			}
			p.off += 4
			// the checksum covers everything after the marker
			p.hashed = p.off
			p.stage = stageMagic

		case stageMagic:
			b, err := p.take(buf, 4)
			if err != nil {
				return Block{}, 0, err
			}
			if binary.LittleEndian.Uint32(b) != Magic {
				return Block{}, 0, ErrBadMagic
			}
			p.off += 4
			p.stage = stageVersion

		case stageVersion:
			b, err := p.take(buf, 2)
			if err != nil {
				return Block{}, 0, err
			}
			if v := binary.LittleEndian.Uint16(b); v != Version {
				return Block{}, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			p.off += 2
			p.stage = stageSchemaLen

		case stageSchemaLen:
			b, err := p.take(buf, 2)
			if err != nil {
				return Block{}, 0, err
			}
			n := binary.LittleEndian.Uint16(b)
			if n > MaxSchemaLen {
				return Block{}, 0, ErrSchemaTooLarge
			}
			p.schemaLen = int(n)
			p.off += 2
			p.stage = stageSchema

		case stageSchema:
			desc, err := p.take(buf, p.schemaLen)
			if err != nil {
				return Block{}, 0, err
			}
			if err := schema.ValidateDescriptor(desc); err != nil {
				return Block{}, 0, err
			}
			p.off += p.schemaLen
			p.stage = stageRowCount

		case stageRowCount:
			b, err := p.take(buf, 4)
			if err != nil {
				return Block{}, 0, err
			}
			rows := binary.LittleEndian.Uint32(b)
			if rows > p.limits.MaxRows {
				return Block{}, 0, fmt.Errorf("%w: %d > %d", ErrTooManyRows, rows, p.limits.MaxRows)
			}
			p.rows = rows
			p.off += 4
			p.hashTo(buf, p.off)
			p.stage = stageRowHeader

		case stageRowHeader:
			if uint32(len(p.spans)) == p.rows {
				p.stage = stageChecksum
				continue
			}
			head, err := p.take(buf, RowHeaderLen)
			if err != nil {
				return Block{}, 0, err
			}
			t := tile.Tile{
				SrcStart: binary.LittleEndian.Uint32(head[0:4]),
				DstStart: binary.LittleEndian.Uint32(head[4:8]),
				SrcLen:   binary.LittleEndian.Uint32(head[8:12]),
				DstLen:   binary.LittleEndian.Uint32(head[12:16]),
			}
			blobLen := uint64(binary.LittleEndian.Uint32(head[16:20]))
			row := len(p.spans)
			if t.SrcLen == 0 || t.DstLen == 0 || blobLen != tile.PayloadLen(t.SrcLen, t.DstLen) {
				return Block{}, 0, fmt.Errorf("%w: row %d %dx%d with %d bytes", ErrRowShape, row, t.SrcLen, t.DstLen, blobLen)
			}
			if blobLen > p.limits.MaxBlobBytes {
				return Block{}, 0, fmt.Errorf("%w: row %d %d bytes", ErrBlobTooLarge, row, blobLen)
			}
			p.cur = t
			p.blobLen = int(blobLen)
			p.off += RowHeaderLen
			p.stage = stageRowBlob

		case stageRowBlob:
			if _, err := p.take(buf, p.blobLen); err != nil {
				return Block{}, 0, err
			}
			p.spans = append(p.spans, rowSpan{t: p.cur, blobOff: p.off})
			p.off += p.blobLen
			p.hashTo(buf, p.off)
			p.stage = stageRowHeader

		case stageChecksum:
			b, err := p.take(buf, ChecksumLen)
			if err != nil {
				return Block{}, 0, err
			}
			p.hashTo(buf, p.off)
			if binary.LittleEndian.Uint64(b) != p.digest.Sum64() {
				return Block{}, 0, ErrChecksum
			}
			p.off += ChecksumLen
			p.stage = stageTrailer

		case stageTrailer:
			b, err := p.take(buf, TrailerLen)
			if err != nil {
				return Block{}, 0, err
			}
			if [TrailerLen]byte(b) != EndMarker {
				return Block{}, 0, ErrBadTrailer
			}
			p.off += TrailerLen
			return p.block(buf), p.off, nil
		}
	}
}

func (p *Parser) block(buf []byte) Block {
	out := Block{Tiles: make([]tile.Tile, len(p.spans))}
	for i, s := range p.spans {
		n := int(tile.PayloadLen(s.t.SrcLen, s.t.DstLen))
		s.t.Durations = append([]byte(nil), buf[s.blobOff:s.blobOff+n]...)
		out.Tiles[i] = s.t
	}
	return out
}

// Parse speculatively decodes one block starting at buf[0] and returns it with
// the number of bytes it spans. Tile payloads are copied out of buf.
// A NeedError (errors.Is ErrIncomplete) means buf is a valid prefix so far.
func Parse(buf []byte, limits Limits) (Block, int, error) {
	return NewParser(limits).Next(buf)
}

// Decode parses exactly one block occupying all of b.
func Decode(b []byte) (Block, error) {
	blk, n, err := Parse(b, DefaultLimits())
	if err != nil {
		return Block{}, err
	}
	if n != len(b) {
		return Block{}, fmt.Errorf("block: %d trailing bytes", len(b)-n)
	}
	return blk, nil
}
