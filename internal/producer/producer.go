package producer

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/matrixstream/internal/engine"
	"github.com/danmuck/matrixstream/internal/matrix"
	"github.com/danmuck/matrixstream/internal/protocol"
	"github.com/danmuck/matrixstream/internal/protocol/block"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

// resultBuffer bounds tiles computed ahead of the writer, per worker.
const resultBuffer = 8

// Producer computes a matrix tile by tile and streams the tiles as blocks.
type Producer struct {
	Engine engine.Engine
	// Workers is the number of concurrent tile computations; 0 means
	// GOMAXPROCS. With one worker blocks leave in source-major order.
	Workers int
	// TilesPerBlock groups up to this many finished tiles per block.
	TilesPerBlock int
	Limits        block.Limits
	Logger        zerolog.Logger
}

// Summary describes one produced stream.
type Summary struct {
	Grid   matrix.Grid
	Blocks int
	Tiles  int
	Bytes  int64
}

func New(eng engine.Engine) *Producer {
	return &Producer{
		Engine:        eng,
		TilesPerBlock: 1,
		Limits:        block.DefaultLimits(),
		Logger:        zerolog.Nop(),
	}
}

// Plan validates req and returns its mode and grid without computing anything.
func Plan(req protocol.TableStreamRequest, maxPoints int) (engine.Mode, matrix.Grid, error) {
	req = req.WithDefaults()
	if err := req.Validate(maxPoints); err != nil {
		return "", matrix.Grid{}, err
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		return "", matrix.Grid{}, err
	}
	grid, err := matrix.NewGrid(len(req.Sources), len(req.Destinations), req.SrcTileSize, req.DstTileSize)
	if err != nil {
		return "", matrix.Grid{}, err
	}
	return mode, grid, nil
}

// Stream writes every tile of req to w in completion order. flush, when
// non-nil, runs after each block so the transport can push it out.
func (p *Producer) Stream(ctx context.Context, req protocol.TableStreamRequest, w io.Writer, flush func()) (Summary, error) {
	mode, grid, err := Plan(req, 0)
	if err != nil {
		return Summary{}, err
	}
	sources := toCoords(req.Sources)
	destinations := toCoords(req.Destinations)

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, grid.TileCount())
	perBlock := max(p.TilesPerBlock, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := range grid.TileCount() {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	outs := make([]<-chan tile.Tile, workers)
	for i := range outs {
		out := make(chan tile.Tile, resultBuffer)
		outs[i] = out
		g.Go(func() error {
			defer close(out)
			return p.work(ctx, mode, grid, sources, destinations, jobs, out)
		})
	}

	bw := block.NewWriter(w, p.Limits)
	batch := make([]tile.Tile, 0, perBlock)
	emit := func() error {
		if err := bw.WriteTiles(batch); err != nil {
			return fmt.Errorf("producer: write block: %w", err)
		}
		batch = batch[:0]
		if flush != nil {
			flush()
		}
		return nil
	}

	var writeErr error
	for t := range merge(outs) {
		if writeErr != nil {
			continue
		}
		batch = append(batch, t)
		if len(batch) < perBlock {
			continue
		}
		if writeErr = emit(); writeErr != nil {
			cancel()
		}
	}
	if writeErr == nil && len(batch) > 0 {
		writeErr = emit()
	}
	err = g.Wait()

	blocks, tiles, n := bw.Stats()
	sum := Summary{Grid: grid, Blocks: blocks, Tiles: tiles, Bytes: n}
	if writeErr != nil {
		err = writeErr
	}
	ev := p.Logger.Debug()
	if err != nil {
		ev = p.Logger.Warn().Err(err)
	}
	ev.Str("mode", string(mode)).
		Int("tiles", tiles).
		Int("expected_tiles", grid.TileCount()).
		Int("blocks", blocks).
		Int64("bytes", n).
		Int("workers", workers).
		Msg("producer: stream finished")
	return sum, err
}

func (p *Producer) work(ctx context.Context, mode engine.Mode, grid matrix.Grid, sources, destinations []engine.Coord, jobs <-chan int, out chan<- tile.Tile) error {
	for idx := range jobs {
		r := grid.Rect(idx)
		values, err := p.Engine.Durations(ctx, mode, sources[r.Row0:r.Row1], destinations[r.Col0:r.Col1])
		if err != nil {
			return fmt.Errorf("producer: tile %d: %w", idx, err)
		}
		t, err := tile.New(uint32(r.Row0), uint32(r.Col0), uint32(r.Rows()), uint32(r.Cols()), values)
		if err != nil {
			return fmt.Errorf("producer: tile %d: %w", idx, err)
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// merge fans per-worker result channels into the single collector.
func merge(outs []<-chan tile.Tile) <-chan tile.Tile {
	merged := make(chan tile.Tile)
	var wg sync.WaitGroup
	wg.Add(len(outs))
	for _, out := range outs {
		go func() {
			defer wg.Done()
			for t := range out {
				merged <- t
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

func toCoords(in [][2]float64) []engine.Coord {
	out := make([]engine.Coord, len(in))
	for i, c := range in {
		out[i] = engine.Coord(c)
	}
	return out
}
