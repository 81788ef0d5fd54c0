package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/matrixstream/internal/protocol/distance"
)

var (
	ErrUnknownMode = errors.New("engine: unknown mode")
	ErrUnknownKind = errors.New("engine: unknown engine kind")
)

type Mode string

const (
	ModeCar  Mode = "car"
	ModeBike Mode = "bike"
	ModeFoot Mode = "foot"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeCar, ModeBike, ModeFoot:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (expected car, bike, or foot)", ErrUnknownMode, raw)
	}
}

// Coord is a [lon, lat] pair in degrees.
type Coord [2]float64

func (c Coord) Lon() float64 { return c[0] }
func (c Coord) Lat() float64 { return c[1] }

// Engine computes one block of the distance matrix. The result is
// len(sources)*len(destinations) durations in source-major order.
type Engine interface {
	Durations(ctx context.Context, mode Mode, sources, destinations []Coord) ([]distance.Duration, error)
}

// BBox bounds the area an engine can route in.
type BBox struct {
	MinLon float64 `toml:"min_lon"`
	MaxLon float64 `toml:"max_lon"`
	MinLat float64 `toml:"min_lat"`
	MaxLat float64 `toml:"max_lat"`
}

func (b BBox) Contains(c Coord) bool {
	return c.Lon() >= b.MinLon && c.Lon() <= b.MaxLon && c.Lat() >= b.MinLat && c.Lat() <= b.MaxLat
}

// Belgium is the default coverage area.
var Belgium = BBox{MinLon: 2.5, MaxLon: 6.4, MinLat: 49.5, MaxLat: 51.5}

// World covers every valid coordinate.
var World = BBox{MinLon: -180, MaxLon: 180, MinLat: -90, MaxLat: 90}

const earthRadiusM = 6_371_000.0

// Haversine is a synthetic engine: great-circle distance at a fixed speed
// per mode. Points outside Coverage have no route.
type Haversine struct {
	Coverage BBox
}

func NewHaversine(coverage BBox) *Haversine {
	return &Haversine{Coverage: coverage}
}

// speeds in metres per second
var speeds = map[Mode]float64{
	ModeCar:  50.0 / 3.6,
	ModeBike: 15.0 / 3.6,
	ModeFoot: 5.0 / 3.6,
}

func (h *Haversine) Durations(ctx context.Context, mode Mode, sources, destinations []Coord) ([]distance.Duration, error) {
	speed, ok := speeds[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	out := make([]distance.Duration, 0, len(sources)*len(destinations))
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, d := range destinations {
			if !h.Coverage.Contains(s) || !h.Coverage.Contains(d) {
				out = append(out, distance.Unreachable)
				continue
			}
			out = append(out, travelTime(GreatCircle(s, d), speed))
		}
	}
	return out, nil
}

// travelTime converts metres at speed into a duration. Trips too long for
// the wire format have no usable route and come back unreachable.
func travelTime(metres, speed float64) distance.Duration {
	ms := math.Round(metres / speed * 1000)
	if ms >= float64(distance.Sentinel) {
		return distance.Unreachable
	}
	return distance.Of(uint64(ms))
}

// GreatCircle returns the haversine distance between a and b in metres.
func GreatCircle(a, b Coord) float64 {
	lat1, lat2 := radians(a.Lat()), radians(b.Lat())
	dLat := lat2 - lat1
	dLon := radians(b.Lon() - a.Lon())
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// New builds an engine by kind name.
func New(kind string, coverage BBox) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "haversine":
		return NewHaversine(coverage), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
