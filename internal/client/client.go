package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/danmuck/matrixstream/internal/matrix"
	"github.com/danmuck/matrixstream/internal/observability"
	"github.com/danmuck/matrixstream/internal/protocol"
	"github.com/danmuck/matrixstream/internal/protocol/block"
	"github.com/danmuck/matrixstream/internal/protocol/scan"
	"github.com/danmuck/matrixstream/internal/protocol/tile"
)

const maxErrorBody = 64 * 1024

// StatusError is returned when the server answers anything but 200.
type StatusError struct {
	Code    int
	Message string
}

func (e StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: server returned %d", e.Code)
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Code, e.Message)
}

// Client requests table streams and decodes them as they arrive.
type Client struct {
	// Endpoint is the server base URL, e.g. http://localhost:8080.
	Endpoint string
	HTTP     *http.Client
	// Compression asks the server for a zstd body.
	Compression bool
	Limits      block.Limits
	// ChunkSize is the read size fed to the decoder; 0 means scan.ReadChunkSize.
	ChunkSize int
	Logger    zerolog.Logger
}

func New(endpoint string) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
		Limits:   block.DefaultLimits(),
		Logger:   zerolog.Nop(),
	}
}

// Fetch streams req into a reassembler sized from the grid the server
// reports in its response headers. Tile sizes left at 0 are chosen by the
// server. Tiles the reassembler rejects are counted in its report, they do
// not abort the stream. The caller decides what an incomplete Finish means.
func (c *Client) Fetch(ctx context.Context, req protocol.TableStreamRequest, opts ...matrix.Option) (*matrix.Reassembler, scan.Stats, error) {
	if err := req.Validate(0); err != nil {
		return nil, scan.Stats{}, err
	}
	var r *matrix.Reassembler
	st, err := c.stream(ctx, req, func(h http.Header) (scan.TileHandler, error) {
		grid, err := matrix.NewGrid(len(req.Sources), len(req.Destinations),
			tileSize(h, protocol.HeaderSrcTileSize, req.SrcTileSize),
			tileSize(h, protocol.HeaderDstTileSize, req.DstTileSize))
		if err != nil {
			return nil, err
		}
		r = matrix.NewReassembler(grid, append([]matrix.Option{matrix.WithLogger(c.Logger)}, opts...)...)
		return func(t tile.Tile) error {
			if err := r.Add(t); err != nil {
				c.Logger.Warn().Err(err).Msg("client: tile rejected")
			}
			return nil
		}, nil
	})
	return r, st, err
}

// Stream posts req and hands every decoded tile to handler. A handler error
// stops reading and is returned wrapped.
func (c *Client) Stream(ctx context.Context, req protocol.TableStreamRequest, handler scan.TileHandler) (scan.Stats, error) {
	return c.stream(ctx, req, func(http.Header) (scan.TileHandler, error) {
		return handler, nil
	})
}

// stream runs one request. setup sees the response headers before any
// body byte is decoded and returns the tile handler to use.
func (c *Client) stream(ctx context.Context, req protocol.TableStreamRequest, setup func(http.Header) (scan.TileHandler, error)) (scan.Stats, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return scan.Stats{}, fmt.Errorf("client: encode request: %w", err)
	}
	url := c.Endpoint + protocol.StreamPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return scan.Stats{}, fmt.Errorf("client: build request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", protocol.ContentType)
	httpReq.Header.Set(protocol.HeaderRequestID, requestID)
	if c.Compression {
		httpReq.Header.Set("Accept-Encoding", "zstd")
	}

	logger := c.Logger.With().Str("request_id", requestID).Logger()
	start := time.Now()
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return scan.Stats{}, fmt.Errorf("client: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scan.Stats{}, readStatusError(resp)
	}
	handler, err := setup(resp.Header)
	if err != nil {
		return scan.Stats{}, fmt.Errorf("client: response grid: %w", err)
	}

	var src io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return scan.Stats{}, fmt.Errorf("client: zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	dec := scan.NewDecoder(
		scan.WithLimits(c.limits()),
		scan.WithTileHandler(handler),
		scan.WithLogger(logger),
	)
	rerr := c.feed(dec, src)
	cerr := dec.Close()
	st := dec.Stats()
	observability.RecordDecode(observability.DecodeStats{
		Blocks:            st.Blocks,
		Tiles:             st.Tiles,
		FalsePositives:    st.FalsePositives,
		UnattributedBytes: st.UnattributedBytes,
	})
	logger.Debug().
		Int64("bytes_in", st.BytesIn).
		Int("blocks", st.Blocks).
		Int("tiles", st.Tiles).
		Dur("duration", time.Since(start)).
		Msg("client: stream done")

	if rerr != nil {
		return st, fmt.Errorf("client: read stream: %w", rerr)
	}
	if cerr != nil {
		return st, fmt.Errorf("client: decode stream: %w", cerr)
	}
	return st, nil
}

// tileSize prefers the size the server announced, then the requested one,
// then the protocol default.
func tileSize(h http.Header, key string, requested int) int {
	if n, err := strconv.Atoi(h.Get(key)); err == nil && n > 0 {
		return n
	}
	if requested > 0 {
		return requested
	}
	return protocol.DefaultTileSize
}

func (c *Client) feed(dec *scan.Decoder, r io.Reader) error {
	if c.ChunkSize <= 0 {
		_, err := dec.ReadFrom(r)
		return err
	}
	chunk := make([]byte, c.ChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := dec.Write(chunk[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) limits() block.Limits {
	if c.Limits == (block.Limits{}) {
		return block.DefaultLimits()
	}
	return c.Limits
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body protocol.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return StatusError{Code: resp.StatusCode, Message: body.Error}
}
