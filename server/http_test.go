package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/go-kit/log"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/filetree"
	"github.com/akhenakh/tileseed/tile"
)

var roads = tile.Tileset{
	ID:         "roads",
	Format:     tile.MVT,
	MinZoom:    0,
	MaxZoom:    6,
	Compressed: true,
	Bounds:     orb.Bound{Min: orb.Point{-10, 40}, Max: orb.Point{10, 55}},
}

func newLayer(t *testing.T, src source.Source) *Layer {
	store, err := filetree.NewStorage(log.NewNopLogger(), t.TempDir(), storage.OptionsFromTileset(roads, grid.WebMercatorQuad))
	require.NoError(t, err)
	return &Layer{Tileset: roads, Grid: grid.WebMercatorQuad, Store: store, Source: src}
}

func newTestServer(t *testing.T, mode Mode, l *Layer, hs *health.Server) *httptest.Server {
	s, err := New("tileserved", mode, []*Layer{l}, log.NewNopLogger(), hs)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router(nil))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	// keep the gzip body as is
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServeHTTP_Cache(t *testing.T) {
	l := newLayer(t, nil)
	addr := tile.Address{Tileset: "roads", Z: 3, X: 4, Y: 2}
	require.NoError(t, l.Store.Put(context.Background(), &tile.Tile{
		Address: addr, Data: []byte("gzipped"), ContentType: "application/x-protobuf", Compressed: true,
	}))

	srv := newTestServer(t, Cache, l, nil)

	resp, body := get(t, srv.URL+"/tiles/roads/3/4/2.pbf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzipped", body)
	require.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	tests := []struct {
		name string
		path string
		code int
	}{
		{"miss", "/tiles/roads/3/4/3.pbf", http.StatusNotFound},
		{"unknown tileset", "/tiles/rivers/3/4/2.pbf", http.StatusNotFound},
		{"other format", "/tiles/roads/3/4/2.png", http.StatusNotFound},
		{"beyond maxzoom", "/tiles/roads/7/4/2.pbf", http.StatusNotFound},
		{"outside the matrix", "/tiles/roads/3/8/2.pbf", http.StatusBadRequest},
		{"zoom overflow", "/tiles/roads/300/8/2.pbf", http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			resp, _ := get(t, srv.URL+tt.path)
			require.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestServeHTTP_Generate(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := source.Func(func(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
		calls.Add(1)
		<-release
		if addr.Z == 0 {
			return nil, source.ErrNoContent
		}
		return &tile.Tile{Address: addr, Data: []byte(addr.String()), ContentType: "application/x-protobuf", Compressed: true}, nil
	})

	l := newLayer(t, src)
	srv := newTestServer(t, Generate, l, nil)

	var wg sync.WaitGroup
	bodies := make([]string, 8)
	for i := range bodies {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, body := get(t, srv.URL+"/tiles/roads/2/1/1.pbf")
			if resp.StatusCode == http.StatusOK {
				bodies[i] = body
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		require.Equal(t, "roads/2/1/1", b)
	}
	require.Equal(t, int32(1), calls.Load())

	// cached now
	out, err := l.Store.Get(context.Background(), tile.Address{Tileset: "roads", Z: 2, X: 1, Y: 1})
	require.NoError(t, err)
	require.Equal(t, "roads/2/1/1", string(out.Data))

	resp, _ := get(t, srv.URL+"/tiles/roads/0/0/0.pbf")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServeHTTP_GenerateTimeout(t *testing.T) {
	var calls atomic.Int32
	src := source.Func(func(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, source.NewError(source.Timeout, addr, ctx.Err())
	})

	l := newLayer(t, src)
	s, err := New("tileserved", Generate, []*Layer{l}, log.NewNopLogger(), nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router(nil))
	defer srv.Close()

	resp, _ := get(t, srv.URL+"/tiles/roads/2/1/1.pbf")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	// the hung call released its key, the next miss calls the source again
	resp, _ = get(t, srv.URL+"/tiles/roads/2/1/1.pbf")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, int32(2), calls.Load())

	_, err = l.Store.Get(context.Background(), tile.Address{Tileset: "roads", Z: 2, X: 1, Y: 1})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNew_Invalid(t *testing.T) {
	l := newLayer(t, nil)
	_, err := New("tileserved", Generate, []*Layer{l}, log.NewNopLogger(), nil)
	require.Error(t, err)

	_, err = New("tileserved", Cache, []*Layer{l, l}, log.NewNopLogger(), nil)
	require.Error(t, err)

	_, err = ParseMode("proxy")
	require.Error(t, err)
}

func TestTileJSONHandler(t *testing.T) {
	srv := newTestServer(t, Cache, newLayer(t, nil), nil)

	resp, body := get(t, srv.URL+"/tilesets/roads.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc storage.Document
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	require.Equal(t, []string{srv.URL + "/tiles/roads/{z}/{x}/{y}.pbf"}, doc.Tiles)
	require.Equal(t, [4]float64{-10, 40, 10, 55}, doc.Bounds)
	require.Equal(t, "xyz", doc.Scheme)
	require.Equal(t, uint8(6), doc.MaxZoom)

	resp, _ = get(t, srv.URL+"/tilesets/rivers.json")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthHandler(t *testing.T) {
	hs := health.NewServer()
	srv := newTestServer(t, Cache, newLayer(t, nil), hs)

	hs.SetServingStatus("grpc.health.v1.tileserved", healthpb.HealthCheckResponse_SERVING)
	resp, body := get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"SERVING"}`, body)

	hs.SetServingStatus("grpc.health.v1.tileserved", healthpb.HealthCheckResponse_NOT_SERVING)
	resp, _ = get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
