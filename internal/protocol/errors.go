package protocol

import "errors"

var (
	ErrEmptySources      = errors.New("protocol: sources cannot be empty")
	ErrEmptyDestinations = errors.New("protocol: destinations cannot be empty")
	ErrTooManyPoints     = errors.New("protocol: too many points")
	ErrInvalidTileSize   = errors.New("protocol: tile size must be positive")
	ErrInvalidCoordinate = errors.New("protocol: invalid coordinate")
)
