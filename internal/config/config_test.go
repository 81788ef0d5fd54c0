package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/matrixstream/internal/engine"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestServerTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrixd.toml")
	if err := WriteTemplate(path, "server", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "matrixd" || cfg.Addr != ":8080" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Workers != 4 || cfg.TilesPerBlock != 2 || cfg.DefaultTileSize != 1000 {
		t.Fatalf("unexpected producer settings: %+v", cfg)
	}
	if !cfg.Compression {
		t.Fatalf("expected compression enabled")
	}
	if cfg.Engine.Kind != "haversine" || cfg.Engine.BBox != engine.Belgium {
		t.Fatalf("unexpected engine: %+v", cfg.Engine)
	}
}

func TestClientTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrixctl.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeout != 5*time.Minute {
		t.Fatalf("timeout=%s", cfg.Timeout)
	}
	limits := cfg.Limits()
	if limits.MaxRows != 65536 || limits.MaxBlobBytes != 256<<20 {
		t.Fatalf("limits=%+v", limits)
	}
}

func TestServerDefaultsFillMissingKeys(t *testing.T) {
	cfg, err := LoadServerConfig(writeFile(t, "addr = \":9999\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultServerConfig()
	if cfg.Addr != ":9999" || cfg.Name != def.Name || cfg.TilesPerBlock != def.TilesPerBlock {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Engine.BBox != engine.Belgium {
		t.Fatalf("bbox=%+v", cfg.Engine.BBox)
	}
}

func TestServerConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"tiles":  "tiles_per_block = 0\n",
		"tile":   "default_tile_size = -5\n",
		"engine": "[engine]\nkind = \"osrm\"\n",
		"bbox":   "[engine.bbox]\nmin_lon = 7.0\nmax_lon = 6.0\n",
		"name":   "name = \"  \"\n",
		"syntax": "addr = \n",
	}
	for name, body := range cases {
		if _, err := LoadServerConfig(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestClientConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"endpoint": "endpoint = \"localhost:8080\"\n",
		"chunk":    "chunk_size = 0\n",
		"rows":     "max_rows = 0\n",
	}
	for name, body := range cases {
		if _, err := LoadClientConfig(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestWriteTemplateRespectsOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteTemplate(path, "client", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "server", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
