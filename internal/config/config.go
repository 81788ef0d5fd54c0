package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/matrixstream/internal/engine"
	"github.com/danmuck/matrixstream/internal/protocol"
	"github.com/danmuck/matrixstream/internal/protocol/block"
)

type EngineConfig struct {
	Kind string      `toml:"kind"`
	BBox engine.BBox `toml:"bbox"`
}

type ServerConfig struct {
	Name            string       `toml:"name"`
	Addr            string       `toml:"addr"`
	CorsOrigins     []string     `toml:"cors_origins"`
	Workers         int          `toml:"workers"`
	TilesPerBlock   int          `toml:"tiles_per_block"`
	DefaultTileSize int          `toml:"default_tile_size"`
	MaxPoints       int          `toml:"max_points"`
	Compression     bool         `toml:"compression"`
	Engine          EngineConfig `toml:"engine"`
}

type ClientConfig struct {
	Endpoint     string        `toml:"endpoint"`
	Timeout      time.Duration `toml:"timeout"`
	ChunkSize    int           `toml:"chunk_size"`
	Compression  bool          `toml:"compression"`
	MaxBlobBytes uint64        `toml:"max_blob_bytes"`
	MaxRows      uint32        `toml:"max_rows"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:            "matrixd",
		Addr:            ":8080",
		CorsOrigins:     []string{"http://localhost:3000"},
		Workers:         runtime.GOMAXPROCS(0),
		TilesPerBlock:   1,
		DefaultTileSize: protocol.DefaultTileSize,
		MaxPoints:       25_000,
		Engine: EngineConfig{
			Kind: "haversine",
			BBox: engine.Belgium,
		},
	}
}

func DefaultClientConfig() ClientConfig {
	limits := block.DefaultLimits()
	return ClientConfig{
		Endpoint:     "http://localhost:8080",
		Timeout:      5 * time.Minute,
		ChunkSize:    64 * 1024,
		MaxBlobBytes: limits.MaxBlobBytes,
		MaxRows:      limits.MaxRows,
	}
}

// Limits returns the decoder limits the client config asks for.
func (c ClientConfig) Limits() block.Limits {
	return block.Limits{MaxRows: c.MaxRows, MaxBlobBytes: c.MaxBlobBytes}
}

// LoadServerConfig decodes path over DefaultServerConfig and validates the result.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("config: unknown key ignored")
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("server config workers must be >= 0, got %d", cfg.Workers)
	}
	if cfg.TilesPerBlock < 1 {
		return fmt.Errorf("server config tiles_per_block must be >= 1, got %d", cfg.TilesPerBlock)
	}
	if cfg.DefaultTileSize < 1 {
		return fmt.Errorf("server config default_tile_size must be >= 1, got %d", cfg.DefaultTileSize)
	}
	if cfg.MaxPoints < 0 {
		return fmt.Errorf("server config max_points must be >= 0, got %d", cfg.MaxPoints)
	}
	if _, err := engine.New(cfg.Engine.Kind, cfg.Engine.BBox); err != nil {
		return fmt.Errorf("server config engine: %w", err)
	}
	b := cfg.Engine.BBox
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("server config engine bbox is empty: %+v", b)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("client config missing endpoint")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("client config endpoint must be an http(s) URL: %q", endpoint)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("client config timeout must be >= 0, got %s", cfg.Timeout)
	}
	if cfg.ChunkSize < 1 {
		return fmt.Errorf("client config chunk_size must be >= 1, got %d", cfg.ChunkSize)
	}
	if cfg.MaxRows == 0 || cfg.MaxBlobBytes == 0 {
		return fmt.Errorf("client config max_rows and max_blob_bytes must be > 0")
	}
	return nil
}
