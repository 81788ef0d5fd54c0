package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "matrixd"
addr = ":8080"
cors_origins = ["http://localhost:3000"]
workers = 4
tiles_per_block = 2
default_tile_size = 1000
max_points = 25000
compression = true

[engine]
kind = "haversine"

[engine.bbox]
min_lon = 2.5
max_lon = 6.4
min_lat = 49.5
max_lat = 51.5
`

const clientTemplate = `endpoint = "http://localhost:8080"
timeout = "5m"
chunk_size = 65536
compression = true
max_blob_bytes = 268435456
max_rows = 65536
`
