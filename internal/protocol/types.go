package protocol

import (
	"fmt"
	"math"
)

const (
	// ContentType labels a response body made of concatenated blocks.
	ContentType = "application/x-matrix-tiles"

	// StreamPath is the route answering a TableStreamRequest with blocks.
	StreamPath = "/table/stream"

	HeaderRequestID = "X-Request-ID"

	// Tile sizes the server used for a stream, after defaults and clamping.
	HeaderSrcTileSize = "X-Matrix-Src-Tile-Size"
	HeaderDstTileSize = "X-Matrix-Dst-Tile-Size"

	DefaultTileSize = 1000
)

// TableStreamRequest asks for the full sources x destinations matrix.
// Coordinates are [lon, lat].
type TableStreamRequest struct {
	Sources      [][2]float64 `json:"sources"`
	Destinations [][2]float64 `json:"destinations"`
	Mode         string       `json:"mode"`
	SrcTileSize  int          `json:"src_tile_size,omitempty"`
	DstTileSize  int          `json:"dst_tile_size,omitempty"`
}

// ErrorResponse is the JSON body of every non-200 answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WithDefaults fills unset tile sizes.
func (r TableStreamRequest) WithDefaults() TableStreamRequest {
	if r.SrcTileSize == 0 {
		r.SrcTileSize = DefaultTileSize
	}
	if r.DstTileSize == 0 {
		r.DstTileSize = DefaultTileSize
	}
	return r
}

// Validate checks shape only; mode is resolved by the engine. maxPoints <= 0
// disables the size check.
func (r TableStreamRequest) Validate(maxPoints int) error {
	if len(r.Sources) == 0 {
		return ErrEmptySources
	}
	if len(r.Destinations) == 0 {
		return ErrEmptyDestinations
	}
	if maxPoints > 0 && (len(r.Sources) > maxPoints || len(r.Destinations) > maxPoints) {
		return fmt.Errorf("%w: %d sources, %d destinations, limit %d", ErrTooManyPoints, len(r.Sources), len(r.Destinations), maxPoints)
	}
	if r.SrcTileSize < 0 || r.DstTileSize < 0 {
		return ErrInvalidTileSize
	}
	for i, c := range r.Sources {
		if !validCoord(c) {
			return fmt.Errorf("%w: sources[%d]=%v", ErrInvalidCoordinate, i, c)
		}
	}
	for i, c := range r.Destinations {
		if !validCoord(c) {
			return fmt.Errorf("%w: destinations[%d]=%v", ErrInvalidCoordinate, i, c)
		}
	}
	return nil
}

func validCoord(c [2]float64) bool {
	lon, lat := c[0], c[1]
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
