// Package protocol owns the tiled matrix wire contract.
//
// Ownership boundary:
// - request/response schema shared by server and client
// - distance codec (distance)
// - tile and row schema model (tile, schema)
// - block encoder and speculative parser (block)
// - resynchronizing stream decoder (scan)
package protocol
