package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	log "github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/tile"
)

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const serviceException = `<?xml version="1.0" encoding="UTF-8"?>
<ServiceExceptionReport version="1.3.0" xmlns="http://www.opengis.net/ogc">
<ServiceException code="LayerNotDefined">layer not defined</ServiceException>
</ServiceExceptionReport>`

func newSource(t *testing.T, tms *grid.TileMatrixSet, srvURL string, client *http.Client) *Source {
	s, err := New(log.NewNopLogger(), tms, "ne", Config{
		URL:    srvURL + "/qgis?MAP=/data/ne.qgs",
		Layers: []string{"country", "rivers"},
		Format: tile.PNG,
	}, client)
	require.NoError(t, err)
	return s
}

func TestRequestURL(t *testing.T) {
	s := newSource(t, grid.WebMercatorQuad, "http://renderer", nil)

	u, err := url.Parse(s.RequestURL(tile.Address{Tileset: "ne", Z: 1, X: 0, Y: 0}))
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "/data/ne.qgs", q.Get("MAP"))
	require.Equal(t, "GetMap", q.Get("REQUEST"))
	require.Equal(t, "EPSG:3857", q.Get("CRS"))
	require.Equal(t, "country,rivers", q.Get("LAYERS"))
	require.Equal(t, "image/png", q.Get("FORMAT"))
	require.Equal(t, "256", q.Get("WIDTH"))
	require.Equal(t, "-20037508.342789244,0,0,20037508.342789244", q.Get("BBOX"))

	geo := newSource(t, grid.WorldCRS84Quad, "http://renderer", nil)
	u, err = url.Parse(geo.RequestURL(tile.Address{Tileset: "ne", Z: 0, X: 1, Y: 0}))
	require.NoError(t, err)
	require.Equal(t, "EPSG:4326", u.Query().Get("CRS"))
	// latitude first
	require.Equal(t, "-90,0,90,180", u.Query().Get("BBOX"))
}

func TestNew_Invalid(t *testing.T) {
	for _, cfg := range []Config{
		{URL: "renderer", Layers: []string{"a"}},
		{URL: "http://renderer"},
		{URL: "http://renderer", Layers: []string{"a"}, Format: tile.MVT},
	} {
		_, err := New(log.NewNopLogger(), grid.WebMercatorQuad, "ne", cfg, nil)
		var cerr *tile.ConfigError
		require.True(t, errors.As(err, &cerr), "%+v", cfg)
	}
}

func TestFetch(t *testing.T) {
	img := pngBytes(t)

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		kind      source.Kind
		retryable bool
	}{
		{
			"exception with 200",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/xml")
				w.Write([]byte(serviceException))
			},
			source.RendererFailure, false,
		},
		{
			"bad request",
			func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "invalid BBOX", http.StatusBadRequest)
			},
			source.MalformedQuery, false,
		},
		{
			"unavailable",
			func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			source.Unavailable, true,
		},
		{
			"throttled",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			source.Unavailable, true,
		},
		{
			"empty",
			func(w http.ResponseWriter, r *http.Request) {},
			source.RendererFailure, false,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := newSource(t, grid.WebMercatorQuad, srv.URL, srv.Client())
			_, err := s.Fetch(context.Background(), tile.Address{Tileset: "ne", Z: 2, X: 1, Y: 1})

			var serr *source.Error
			require.True(t, errors.As(err, &serr), "got %v", err)
			require.Equal(t, tt.kind, serr.Kind)
			require.Equal(t, tt.retryable, source.IsRetryable(err))
		})
	}

	t.Run("image", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "WMS", r.URL.Query().Get("SERVICE"))
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		}))
		defer srv.Close()

		s := newSource(t, grid.WebMercatorQuad, srv.URL, srv.Client())
		addr := tile.Address{Tileset: "ne", Z: 2, X: 1, Y: 1}
		out, err := s.Fetch(context.Background(), addr)
		require.NoError(t, err)
		require.Equal(t, addr, out.Address)
		require.Equal(t, img, out.Data)
		require.Equal(t, "image/png", out.ContentType)
		require.False(t, out.Compressed)
	})

	t.Run("oversized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
			w.Write(make([]byte, 1024))
		}))
		defer srv.Close()

		s, err := New(log.NewNopLogger(), grid.WebMercatorQuad, "ne", Config{
			URL:      srv.URL,
			Layers:   []string{"country"},
			MaxBytes: int64(len(img) + 512),
		}, srv.Client())
		require.NoError(t, err)

		out, err := s.Fetch(context.Background(), tile.Address{Tileset: "ne", Z: 2, X: 1, Y: 1})
		require.Nil(t, out)
		var serr *source.Error
		require.True(t, errors.As(err, &serr), "got %v", err)
		require.Equal(t, source.RendererFailure, serr.Kind)
		require.False(t, source.IsRetryable(err))
	})

	t.Run("exact limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		}))
		defer srv.Close()

		s, err := New(log.NewNopLogger(), grid.WebMercatorQuad, "ne", Config{
			URL:      srv.URL,
			Layers:   []string{"country"},
			MaxBytes: int64(len(img)),
		}, srv.Client())
		require.NoError(t, err)

		out, err := s.Fetch(context.Background(), tile.Address{Tileset: "ne", Z: 2, X: 1, Y: 1})
		require.NoError(t, err)
		require.Equal(t, img, out.Data)
	})

	t.Run("timeout", func(t *testing.T) {
		done := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-done:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(done)

		s := newSource(t, grid.WebMercatorQuad, srv.URL, srv.Client())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := s.Fetch(ctx, tile.Address{Tileset: "ne", Z: 2, X: 1, Y: 1})
		var serr *source.Error
		require.True(t, errors.As(err, &serr))
		require.Equal(t, source.Timeout, serr.Kind)
		require.True(t, source.IsRetryable(err))
	})
}
