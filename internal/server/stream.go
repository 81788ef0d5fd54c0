package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/matrixstream/internal/observability"
	"github.com/danmuck/matrixstream/internal/producer"
	"github.com/danmuck/matrixstream/internal/protocol"
)

// EncodingZstd is the only content coding the stream route offers.
const EncodingZstd = "zstd"

func (s *Server) handleTableStream(c *gin.Context) {
	var req protocol.TableStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if s.TileSize > 0 {
		if req.SrcTileSize == 0 {
			req.SrcTileSize = s.TileSize
		}
		if req.DstTileSize == 0 {
			req.DstTileSize = s.TileSize
		}
	}
	mode, grid, err := producer.Plan(req, s.MaxPoints)
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return
	}
	if s.Producer == nil || s.Producer.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "no routing engine configured"})
		return
	}

	var (
		w     io.Writer = c.Writer
		flush           = c.Writer.Flush
	)
	c.Header("Content-Type", protocol.ContentType)
	c.Header(protocol.HeaderSrcTileSize, strconv.Itoa(grid.SrcTileSize))
	c.Header(protocol.HeaderDstTileSize, strconv.Itoa(grid.DstTileSize))
	if s.Compression && acceptsZstd(c.GetHeader("Accept-Encoding")) {
		enc, err := zstd.NewWriter(c.Writer, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error()})
			return
		}
		defer enc.Close()
		c.Header("Content-Encoding", EncodingZstd)
		w = enc
		flush = func() {
			_ = enc.Flush()
			c.Writer.Flush()
		}
	}
	c.Status(http.StatusOK)

	logger := s.logger.With().
		Str("request_id", observability.RequestIDFrom(c)).
		Str("mode", string(mode)).
		Int("sources", len(req.Sources)).
		Int("destinations", len(req.Destinations)).
		Int("tiles", grid.TileCount()).
		Logger()
	logger.Debug().Msg("table stream started")

	start := time.Now()
	sum, err := s.Producer.Stream(c.Request.Context(), req, w, flush)
	elapsed := time.Since(start)
	observability.RecordStream(s.Name, string(mode), sum.Blocks, sum.Tiles, elapsed, err == nil)
	if err != nil {
		// Headers are gone; the client sees a short stream and reports the missing tiles.
		logger.Error().Err(err).
			Int("tiles_sent", sum.Tiles).
			Int("blocks_sent", sum.Blocks).
			Msg("table stream aborted")
		return
	}
	logger.Info().
		Int("blocks", sum.Blocks).
		Int64("bytes", sum.Bytes).
		Dur("duration", elapsed).
		Msg("table stream finished")
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), EncodingZstd) {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
