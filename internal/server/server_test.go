package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/matrixstream/internal/engine"
	"github.com/danmuck/matrixstream/internal/matrix"
	"github.com/danmuck/matrixstream/internal/producer"
	"github.com/danmuck/matrixstream/internal/protocol"
	"github.com/danmuck/matrixstream/internal/protocol/scan"
	"github.com/danmuck/matrixstream/internal/testutil/testlog"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	p := producer.New(engine.NewHaversine(engine.Belgium))
	p.Workers = 3
	p.TilesPerBlock = 2
	s := New(opts, p)
	s.RegisterRoutes()
	return s
}

func belgianRequest(n, m, tileSize int) protocol.TableStreamRequest {
	req := protocol.TableStreamRequest{Mode: "car", SrcTileSize: tileSize, DstTileSize: tileSize}
	for i := range n {
		req.Sources = append(req.Sources, [2]float64{3.0 + float64(i)*0.05, 50.5})
	}
	for j := range m {
		req.Destinations = append(req.Destinations, [2]float64{4.0, 50.0 + float64(j)*0.05})
	}
	return req
}

func post(t *testing.T, s *Server, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, protocol.StreamPath, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func reassemble(t *testing.T, body []byte, req protocol.TableStreamRequest) matrix.Report {
	t.Helper()
	res, err := scan.Decode(body)
	require.NoError(t, err)
	require.Zero(t, res.Stats.UnattributedBytes)

	req = req.WithDefaults()
	grid, err := matrix.NewGrid(len(req.Sources), len(req.Destinations), req.SrcTileSize, req.DstTileSize)
	require.NoError(t, err)
	r := matrix.NewReassembler(grid)
	for _, tl := range res.Tiles {
		require.NoError(t, r.Add(tl))
	}
	rep, err := r.Finish()
	require.NoError(t, err)
	return rep
}

func TestTableStreamReturnsBlocks(t *testing.T) {
	s := newTestServer(t, Options{Name: "matrixd-test"})
	req := belgianRequest(12, 17, 5)

	rr := post(t, s, req, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, protocol.ContentType, rr.Header().Get("Content-Type"))
	require.Empty(t, rr.Header().Get("Content-Encoding"))
	require.NotEmpty(t, rr.Header().Get(protocol.HeaderRequestID))

	rep := reassemble(t, rr.Body.Bytes(), req)
	require.Equal(t, 12, rep.Expected)
	require.Equal(t, 12*17, rep.CoveredCells)
}

func TestTableStreamZstd(t *testing.T) {
	s := newTestServer(t, Options{Compression: true})
	req := belgianRequest(30, 30, 7)

	rr := post(t, s, req, http.Header{"Accept-Encoding": {"gzip, zstd"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, EncodingZstd, rr.Header().Get("Content-Encoding"))

	dec, err := zstd.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer dec.Close()
	var plain bytes.Buffer
	_, err = plain.ReadFrom(dec)
	require.NoError(t, err)

	rep := reassemble(t, plain.Bytes(), req)
	require.Equal(t, 25, rep.Expected)
}

func TestTableStreamIgnoresZstdWhenDisabled(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := post(t, s, belgianRequest(2, 2, 1), http.Header{"Accept-Encoding": {"zstd"}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("Content-Encoding"))
}

func TestTableStreamBadRequests(t *testing.T) {
	s := newTestServer(t, Options{MaxPoints: 10})

	bad := belgianRequest(2, 2, 1)
	bad.Mode = "boat"
	tooMany := belgianRequest(11, 2, 1)
	empty := belgianRequest(0, 2, 1)

	for name, body := range map[string]any{
		"mode":     bad,
		"tooMany":  tooMany,
		"empty":    empty,
		"notJSON":  "sources",
		"negative": protocol.TableStreamRequest{Sources: [][2]float64{{4, 50}}, Destinations: [][2]float64{{4, 50}}, Mode: "car", SrcTileSize: -1},
	} {
		rr := post(t, s, body, nil)
		require.Equal(t, http.StatusBadRequest, rr.Code, name)
		var resp protocol.ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), name)
		require.NotEmpty(t, resp.Error, name)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t, Options{})
	const id = "3f9c1a52-7d0e-4c43-9a51-2b8f7c3e0d11"
	rr := post(t, s, belgianRequest(1, 1, 1), http.Header{protocol.HeaderRequestID: {id}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, id, rr.Header().Get(protocol.HeaderRequestID))
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t, Options{Name: "matrixd-health"})
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		s.HTTPRouter().ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, path)
	}

	s.Producer = nil
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAcceptsZstd(t *testing.T) {
	for header, want := range map[string]bool{
		"":               false,
		"gzip":           false,
		"zstd":           true,
		"gzip, ZSTD":     true,
		"zstd;q=0":       false,
		"zstd; q=0.5":    true,
		"br, zstd ; q=0": false,
	} {
		require.Equal(t, want, acceptsZstd(header), header)
	}
}

func TestTableStreamAppliesDefaultTileSize(t *testing.T) {
	s := newTestServer(t, Options{DefaultTileSize: 4})
	req := belgianRequest(12, 17, 0)

	rr := post(t, s, req, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "4", rr.Header().Get(protocol.HeaderSrcTileSize))
	require.Equal(t, "4", rr.Header().Get(protocol.HeaderDstTileSize))
	res, err := scan.Decode(rr.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, res.Tiles, 3*5)
	for _, tl := range res.Tiles {
		require.LessOrEqual(t, tl.SrcLen, uint32(4))
		require.LessOrEqual(t, tl.DstLen, uint32(4))
	}
}

func TestTableStreamReportsClampedTileSize(t *testing.T) {
	s := newTestServer(t, Options{})
	req := belgianRequest(12, 17, 1000)

	rr := post(t, s, req, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "12", rr.Header().Get(protocol.HeaderSrcTileSize))
	require.Equal(t, "17", rr.Header().Get(protocol.HeaderDstTileSize))
}
