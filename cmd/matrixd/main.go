package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/matrixstream/internal/config"
	"github.com/danmuck/matrixstream/internal/engine"
	"github.com/danmuck/matrixstream/internal/observability"
	"github.com/danmuck/matrixstream/internal/producer"
	"github.com/danmuck/matrixstream/internal/server"
)

func main() {
	configPath := flag.String("config", "", "server config path (defaults are used when empty)")
	flag.Parse()

	observability.InitLogger("matrixd")
	gin.SetMode(gin.ReleaseMode)

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load server config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded server config")
	}

	eng, err := engine.New(cfg.Engine.Kind, cfg.Engine.BBox)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}
	p := producer.New(eng)
	p.Workers = cfg.Workers
	p.TilesPerBlock = cfg.TilesPerBlock
	p.Logger = log.Logger.With().Str("component", "producer").Logger()

	srv := server.New(server.Options{
		Name:            cfg.Name,
		Addr:            cfg.Addr,
		CorsOrigins:     cfg.CorsOrigins,
		MaxPoints:       cfg.MaxPoints,
		Compression:     cfg.Compression,
		DefaultTileSize: cfg.DefaultTileSize,
	}, p)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("name", srv.Name).
		Str("addr", srv.Addr).
		Str("engine", cfg.Engine.Kind).
		Int("workers", cfg.Workers).
		Int("tiles_per_block", cfg.TilesPerBlock).
		Bool("compression", cfg.Compression).
		Msg("matrixd started")
	if err := srv.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("matrixd stopped")
	}
	log.Info().Msg("matrixd stopped")
}
