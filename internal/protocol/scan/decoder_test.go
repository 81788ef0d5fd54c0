package scan

import (
	"bytes"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"testing/iotest"
	"time"

	"github.com/danmuck/matrixstream/internal/protocol/block"
	"github.com/danmuck/matrixstream/internal/protocol/distance"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
	"github.com/danmuck/matrixstream/internal/testutil/testlog"
)

func randomTile(rng *rand.Rand, srcStart, dstStart uint32) tile.Tile {
	srcLen := uint32(1 + rng.Intn(6))
	dstLen := uint32(1 + rng.Intn(6))
	values := make([]distance.Duration, srcLen*dstLen)
	for i := range values {
		if rng.Intn(3) == 0 {
			values[i] = distance.Unreachable
			continue
		}
		values[i] = distance.Of(uint64(rng.Intn(3_600_000)))
	}
	t, err := tile.New(srcStart, dstStart, srcLen, dstLen, values)
	if err != nil {
		panic(err)
	}
	return t
}

func noise(rng *rand.Rand) []byte {
	out := make([]byte, rng.Intn(48))
	rng.Read(out)
	// runs of 0xff look like partial markers
	if len(out) > 4 && rng.Intn(2) == 0 {
		copy(out[len(out)-4:], []byte{0xff, 0xff, 0xff, 0xff})
	}
	return out
}

// buildStream encodes k blocks of 1-3 tiles each with noise between them.
func buildStream(t *testing.T, rng *rand.Rand, k int) ([]byte, []tile.Tile, int) {
	t.Helper()
	var stream bytes.Buffer
	var want []tile.Tile
	noiseBytes := 0
	for i := 0; i < k; i++ {
		n := stream.Len()
		stream.Write(noise(rng))
		noiseBytes += stream.Len() - n

		rows := 1 + rng.Intn(3)
		tiles := make([]tile.Tile, rows)
		for j := range tiles {
			tiles[j] = randomTile(rng, uint32(i), uint32(j))
		}
		if _, err := block.WriteBlock(&stream, tiles, block.DefaultLimits()); err != nil {
			t.Fatalf("write block %d: %v", i, err)
		}
		want = append(want, tiles...)
	}
	tail := noise(rng)
	stream.Write(tail)
	return stream.Bytes(), want, noiseBytes + len(tail)
}

func decodeChunked(t *testing.T, data []byte, chunk int) Result {
	t.Helper()
	d := NewDecoder()
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if _, err := d.Write(data[off:end]); err != nil {
			t.Fatalf("write chunk at %d: %v", off, err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return Result{Tiles: d.Tiles(), Stats: d.Stats()}
}

func TestResyncAcrossNoise(t *testing.T) {
	testlog.Start(t)
	for _, k := range []int{1, 2, 5, 50} {
		rng := rand.New(rand.NewSource(int64(k)))
		data, want, noiseBytes := buildStream(t, rng, k)

		res, err := Decode(data)
		if err != nil {
			t.Fatalf("k=%d decode: %v", k, err)
		}
		if !reflect.DeepEqual(res.Tiles, want) {
			t.Fatalf("k=%d: got %d tiles want %d (or contents differ)", k, len(res.Tiles), len(want))
		}
		if res.Stats.Blocks != k {
			t.Fatalf("k=%d: blocks=%d", k, res.Stats.Blocks)
		}
		if res.Stats.UnattributedBytes != int64(noiseBytes) {
			t.Fatalf("k=%d: unattributed=%d want %d", k, res.Stats.UnattributedBytes, noiseBytes)
		}
		if res.Stats.BytesIn != int64(len(data)) {
			t.Fatalf("k=%d: bytes_in=%d want %d", k, res.Stats.BytesIn, len(data))
		}
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(99))
	data, want, _ := buildStream(t, rng, 20)

	whole, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(whole.Tiles, want) {
		t.Fatalf("single-shot decode mismatch")
	}
	for _, chunk := range []int{1, 3, 17, 64 * 1024} {
		got := decodeChunked(t, data, chunk)
		if !reflect.DeepEqual(got.Tiles, whole.Tiles) {
			t.Fatalf("chunk=%d: tiles differ from single-shot decode", chunk)
		}
		if got.Stats != whole.Stats {
			t.Fatalf("chunk=%d: stats=%+v want %+v", chunk, got.Stats, whole.Stats)
		}
	}
}

func TestManyRowBlockFedByteByByteIsLinear(t *testing.T) {
	testlog.Start(t)
	const rows = 20000
	tiles := make([]tile.Tile, rows)
	for i := range tiles {
		// every payload is the marker value
		tiles[i] = tile.Unreachable(uint32(i), 0, 1, 1)
	}
	data, err := block.Encode(tiles)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	start := time.Now()
	got := decodeChunked(t, data, 1)
	elapsed := time.Since(start)

	if got.Stats.Blocks != 1 || got.Stats.Tiles != rows || got.Stats.UnattributedBytes != 0 {
		t.Fatalf("stats=%+v", got.Stats)
	}
	if got.Stats.FalsePositives != 0 {
		t.Fatalf("false positives=%d", got.Stats.FalsePositives)
	}
	// a re-walking parser needs tens of seconds here
	if elapsed > 5*time.Second {
		t.Fatalf("%d rows fed one byte at a time took %s", rows, elapsed)
	}
}

func TestMarkerInPayloadDoesNotSplit(t *testing.T) {
	testlog.Start(t)
	inner, err := block.Encode([]tile.Tile{tile.Unreachable(7, 7, 2, 2)})
	if err != nil {
		t.Fatalf("encode inner: %v", err)
	}
	// a payload that is itself a complete, valid block
	payload := append([]byte(nil), inner...)
	for len(payload)%distance.Width != 0 {
		payload = append(payload, 0)
	}
	outer := tile.Tile{
		SrcStart:  0,
		DstStart:  0,
		SrcLen:    1,
		DstLen:    uint32(len(payload) / distance.Width),
		Durations: payload,
	}
	data, err := block.Encode([]tile.Tile{outer, tile.Unreachable(1, 0, 3, 3)})
	if err != nil {
		t.Fatalf("encode outer: %v", err)
	}

	for _, chunk := range []int{1, len(data)} {
		got := decodeChunked(t, data, chunk)
		if got.Stats.Blocks != 1 || len(got.Tiles) != 2 {
			t.Fatalf("chunk=%d: blocks=%d tiles=%d", chunk, got.Stats.Blocks, len(got.Tiles))
		}
		if !bytes.Equal(got.Tiles[0].Durations, payload) {
			t.Fatalf("chunk=%d: payload altered", chunk)
		}
		if got.Stats.FalsePositives != 0 || got.Stats.UnattributedBytes != 0 {
			t.Fatalf("chunk=%d: unexpected diagnostics %+v", chunk, got.Stats)
		}
	}
}

func TestTruncatedTailIsUnattributed(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(3))
	first := []tile.Tile{randomTile(rng, 0, 0)}
	second := []tile.Tile{randomTile(rng, 1, 0)}
	a, _ := block.Encode(first)
	b, _ := block.Encode(second)
	cut := len(b) / 2
	data := append(append([]byte(nil), a...), b[:cut]...)

	for _, chunk := range []int{1, len(data)} {
		got := decodeChunked(t, data, chunk)
		if !reflect.DeepEqual(got.Tiles, first) {
			t.Fatalf("chunk=%d: expected only the first block's tiles", chunk)
		}
		if got.Stats.UnattributedBytes != int64(cut) {
			t.Fatalf("chunk=%d: unattributed=%d want %d", chunk, got.Stats.UnattributedBytes, cut)
		}
		if got.Stats.FalsePositives == 0 {
			t.Fatalf("chunk=%d: truncated candidate not counted", chunk)
		}
	}
}

func TestNoiseOnlyKeepsBufferBounded(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(11))
	d := NewDecoder()
	total := 0
	for i := 0; i < 200; i++ {
		chunk := make([]byte, 512)
		rng.Read(chunk)
		for j := range chunk {
			if chunk[j] == 0xff {
				chunk[j] = 0
			}
		}
		total += len(chunk)
		if _, err := d.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
		if d.buf.len() > len(marker)-1 {
			t.Fatalf("buffer retained %d bytes of noise", d.buf.len())
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st := d.Stats()
	if st.Tiles != 0 || st.UnattributedBytes != int64(total) {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTileHandlerPassThrough(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(5))
	data, want, _ := buildStream(t, rng, 5)

	var got []tile.Tile
	d := NewDecoder(WithTileHandler(func(tl tile.Tile) error {
		got = append(got, tl)
		return nil
	}))
	if _, err := d.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("handler saw %d tiles want %d", len(got), len(want))
	}
	if len(d.Tiles()) != 0 {
		t.Fatalf("tiles retained with handler installed")
	}
	if _, err := d.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTileHandlerErrorStops(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(6))
	data, _, _ := buildStream(t, rng, 3)
	boom := errors.New("sink full")
	d := NewDecoder(WithTileHandler(func(tile.Tile) error { return boom }))
	if _, err := d.Write(data); !errors.Is(err, boom) {
		t.Fatalf("expected handler error from Write, got %v", err)
	}
	if _, err := d.Write([]byte{0}); !errors.Is(err, boom) {
		t.Fatalf("expected sticky handler error, got %v", err)
	}
	if err := d.Close(); !errors.Is(err, boom) {
		t.Fatalf("expected handler error from Close, got %v", err)
	}
}

func TestDecodeReader(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(8))
	data, want, _ := buildStream(t, rng, 4)

	res, err := DecodeReader(iotest.OneByteReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("decode reader: %v", err)
	}
	if !reflect.DeepEqual(res.Tiles, want) {
		t.Fatalf("reader decode mismatch")
	}

	cut := iotest.TimeoutReader(bytes.NewReader(data))
	res, err = DecodeReader(cut)
	if !errors.Is(err, iotest.ErrTimeout) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if res.Stats.BytesIn == 0 {
		t.Fatalf("expected bytes recovered before transport failure")
	}
}
