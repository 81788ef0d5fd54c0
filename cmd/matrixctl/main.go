package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/matrixstream/internal/client"
	"github.com/danmuck/matrixstream/internal/config"
	"github.com/danmuck/matrixstream/internal/engine"
	"github.com/danmuck/matrixstream/internal/export"
	"github.com/danmuck/matrixstream/internal/matrix"
	"github.com/danmuck/matrixstream/internal/observability"
	"github.com/danmuck/matrixstream/internal/protocol"
	"github.com/danmuck/matrixstream/internal/protocol/scan"
)

type options struct {
	configPath string
	endpoint   string
	sources    int
	dests      int
	mode       string
	srcTile    int
	dstTile    int
	seed       int64
	arrival    bool
	parquet    string
	compress   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "client config path (defaults are used when empty)")
	flag.StringVar(&opts.endpoint, "endpoint", "", "server base URL, overrides config")
	flag.IntVar(&opts.sources, "sources", 100, "number of random source points")
	flag.IntVar(&opts.dests, "destinations", 100, "number of random destination points")
	flag.StringVar(&opts.mode, "mode", "car", "travel mode: car|bike|foot")
	flag.IntVar(&opts.srcTile, "src-tile", 0, "source tile size (0 lets the server decide)")
	flag.IntVar(&opts.dstTile, "dst-tile", 0, "destination tile size (0 lets the server decide)")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed (0 uses the clock)")
	flag.BoolVar(&opts.arrival, "arrival", false, "place tiles by arrival order instead of coordinates")
	flag.StringVar(&opts.parquet, "parquet", "", "write the reassembled matrix to this parquet file")
	flag.BoolVar(&opts.compress, "zstd", false, "request a zstd-compressed stream")
	flag.Parse()

	observability.InitLogger("matrixctl")
	if err := run(context.Background(), opts); err != nil {
		log.Fatal().Err(err).Msg("matrixctl failed")
	}
}

func run(ctx context.Context, opts options) error {
	cfg := config.DefaultClientConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadClientConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.endpoint != "" {
		cfg.Endpoint = opts.endpoint
	}
	if opts.compress {
		cfg.Compression = true
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	req := protocol.TableStreamRequest{
		Sources:      randomPoints(rng, engine.Belgium, opts.sources),
		Destinations: randomPoints(rng, engine.Belgium, opts.dests),
		Mode:         opts.mode,
		SrcTileSize:  opts.srcTile,
		DstTileSize:  opts.dstTile,
	}

	c := client.New(cfg.Endpoint)
	c.HTTP.Timeout = cfg.Timeout
	c.Compression = cfg.Compression
	c.ChunkSize = cfg.ChunkSize
	c.Limits = cfg.Limits()
	c.Logger = log.Logger

	order := matrix.OrderByCoordinates
	if opts.arrival {
		order = matrix.OrderByArrival
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Int("sources", opts.sources).
		Int("destinations", opts.dests).
		Str("mode", opts.mode).
		Int64("seed", seed).
		Str("order", order.String()).
		Msg("requesting matrix")

	start := time.Now()
	r, st, err := c.Fetch(ctx, req, matrix.WithOrder(order))
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	rep, ferr := r.Finish()
	printReport(os.Stdout, rep, st, elapsed)
	if ferr != nil && !errors.Is(ferr, matrix.ErrTileCountMismatch) {
		return ferr
	}

	if opts.parquet != "" {
		if err := writeParquet(opts.parquet, r.Matrix()); err != nil {
			return err
		}
	}
	if ferr != nil {
		return ferr
	}
	return nil
}

// randomPoints draws n [lon, lat] pairs uniformly inside b.
func randomPoints(rng *rand.Rand, b engine.BBox, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{
			b.MinLon + rng.Float64()*(b.MaxLon-b.MinLon),
			b.MinLat + rng.Float64()*(b.MaxLat-b.MinLat),
		}
	}
	return out
}

func printReport(w io.Writer, rep matrix.Report, st scan.Stats, elapsed time.Duration) {
	coverage := 0.0
	if rep.TotalCells > 0 {
		coverage = 100 * float64(rep.CoveredCells) / float64(rep.TotalCells)
	}
	fmt.Fprintf(w, "tiles       %d/%d (duplicates %d, rejected %d)\n", rep.Received, rep.Expected, rep.Duplicates, rep.Rejected)
	fmt.Fprintf(w, "coverage    %d/%d cells (%.1f%%)\n", rep.CoveredCells, rep.TotalCells, coverage)
	fmt.Fprintf(w, "stream      %d bytes, %d blocks, %d false positives, %d unattributed bytes\n",
		st.BytesIn, st.Blocks, st.FalsePositives, st.UnattributedBytes)
	fmt.Fprintf(w, "elapsed     %s\n", elapsed.Round(time.Millisecond))
	if rep.MissingCount > 0 {
		fmt.Fprintf(w, "missing     %d tiles, first %v\n", rep.MissingCount, rep.Missing)
	}
}

func writeParquet(path string, m *matrix.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	n, err := export.WriteParquet(f, m)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Info().Str("path", path).Int("rows", n).Msg("wrote parquet export")
	return nil
}
