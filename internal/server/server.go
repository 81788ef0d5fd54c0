package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/matrixstream/internal/observability"
	"github.com/danmuck/matrixstream/internal/producer"
	"github.com/danmuck/matrixstream/internal/protocol"
)

const shutdownGrace = 10 * time.Second

// Options configures a Server. Zero values fall back to the defaults in New.
type Options struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// MaxPoints caps sources and destinations per request; 0 disables it.
	MaxPoints int
	// Compression allows zstd responses for clients that ask for them.
	Compression bool
	// DefaultTileSize replaces tile sizes a request leaves at 0.
	DefaultTileSize int
}

// Server answers table stream requests over HTTP.
type Server struct {
	Name        string
	Addr        string
	MaxPoints   int
	Compression bool
	TileSize    int
	Producer    *producer.Producer
	Appeared    time.Time

	router *gin.Engine
	logger zerolog.Logger
}

func New(opts Options, p *producer.Producer) *Server {
	if opts.Name == "" {
		opts.Name = "matrixd"
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CorsOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept-Encoding", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Encoding", protocol.HeaderRequestID, protocol.HeaderSrcTileSize, protocol.HeaderDstTileSize},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		Name:        opts.Name,
		Addr:        opts.Addr,
		MaxPoints:   opts.MaxPoints,
		Compression: opts.Compression,
		TileSize:    opts.DefaultTileSize,
		Producer:    p,
		Appeared:    time.Now(),
		router:      r,
		logger:      log.Logger.With().Str("node", opts.Name).Logger(),
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve registers routes and blocks until ctx is done, then drains
// in-flight streams for up to shutdownGrace.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Info().Msg("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
