// Package raster fetches raster tiles from a WMS renderer.
package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/tile"
)

// DefaultMaxBytes caps the size of a rendered image.
const DefaultMaxBytes = 32 << 20

// Config describes the GetMap requests sent for a tileset.
type Config struct {
	// URL of the WMS endpoint, it may already carry parameters such as MAP.
	URL         string
	Layers      []string
	Styles      []string
	Version     string
	Format      tile.Format
	Transparent bool
	// Params are added verbatim to every request.
	Params map[string]string
	// MaxBytes rejects larger responses, 0 means DefaultMaxBytes.
	MaxBytes int64
}

// Source renders tiles through WMS GetMap, image bytes are returned verbatim.
type Source struct {
	cfg     Config
	base    *url.URL
	tms     *grid.TileMatrixSet
	tileset string
	client  *http.Client
	logger  log.Logger
}

// New validates cfg, a nil client uses http.DefaultClient.
func New(logger log.Logger, tms *grid.TileMatrixSet, tileset string, cfg Config, client *http.Client) (*Source, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &tile.ConfigError{Tileset: tileset, Field: "datasource.url", Msg: fmt.Sprintf("invalid WMS url %q", cfg.URL)}
	}
	if len(cfg.Layers) == 0 {
		return nil, &tile.ConfigError{Tileset: tileset, Field: "datasource.layers", Msg: "no WMS layer"}
	}
	if cfg.Version == "" {
		cfg.Version = "1.3.0"
	}
	if cfg.Format == "" {
		cfg.Format = tile.PNG
	}
	if cfg.Format.IsVector() {
		return nil, &tile.ConfigError{Tileset: tileset, Field: "datasource.format", Msg: "WMS renders raster formats only"}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Source{
		cfg:     cfg,
		base:    base,
		tms:     tms,
		tileset: tileset,
		client:  client,
		logger:  log.With(logger, "component", "wms", "tileset", tileset),
	}, nil
}

// RequestURL builds the GetMap URL of addr.
func (s *Source) RequestURL(addr tile.Address) string {
	b := s.tms.TileBound(addr.Z, addr.X, addr.Y)
	bbox := []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}

	q := s.base.Query()
	for k, v := range s.cfg.Params {
		q.Set(k, v)
	}
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetMap")
	q.Set("VERSION", s.cfg.Version)
	q.Set("LAYERS", strings.Join(s.cfg.Layers, ","))
	q.Set("STYLES", strings.Join(s.cfg.Styles, ","))
	q.Set("FORMAT", s.cfg.Format.ContentType())
	q.Set("WIDTH", strconv.Itoa(s.tms.TileSize))
	q.Set("HEIGHT", strconv.Itoa(s.tms.TileSize))
	if s.cfg.Transparent {
		q.Set("TRANSPARENT", "TRUE")
	}

	if s.cfg.Version == "1.3.0" {
		q.Set("CRS", s.tms.CRS)
		// geographic CRS use latitude first from 1.3.0 on
		if s.tms.CRS == "EPSG:4326" {
			bbox = []float64{b.Min[1], b.Min[0], b.Max[1], b.Max[0]}
		}
	} else {
		q.Set("SRS", s.tms.CRS)
	}

	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	q.Set("BBOX", strings.Join(parts, ","))

	u := *s.base
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch requests the tile from the renderer.
func (s *Source) Fetch(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	start := time.Now()
	reqURL := s.RequestURL(addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, source.NewError(source.MalformedQuery, addr, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, source.NewError(classify(err), addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, source.NewError(classify(err), addr, fmt.Errorf("reading response: %w", err))
	}
	if int64(len(body)) > s.cfg.MaxBytes {
		return nil, source.NewError(source.RendererFailure, addr,
			fmt.Errorf("renderer response larger than %d bytes", s.cfg.MaxBytes))
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, source.NewError(source.Timeout, addr, fmt.Errorf("renderer status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, source.NewError(source.Unavailable, addr, fmt.Errorf("renderer status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, source.NewError(source.MalformedQuery, addr, fmt.Errorf("renderer status %d: %s", resp.StatusCode, excerpt(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, source.NewError(source.RendererFailure, addr, fmt.Errorf("renderer status %d", resp.StatusCode))
	}

	if len(body) == 0 {
		return nil, source.NewError(source.RendererFailure, addr, errors.New("empty image"))
	}

	// renderers answer errors as XML service exceptions with a 200 status
	mt := mimetype.Detect(body)
	if !mt.Is(s.cfg.Format.ContentType()) {
		return nil, source.NewError(source.RendererFailure, addr,
			fmt.Errorf("renderer returned %s instead of %s: %s", mt.String(), s.cfg.Format.ContentType(), excerpt(body)))
	}

	level.Debug(s.logger).Log(
		"msg", "tile rendered",
		"tile", addr,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	return &tile.Tile{
		Address:     addr,
		Data:        body,
		ContentType: s.cfg.Format.ContentType(),
	}, nil
}

func classify(err error) source.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return source.Timeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return source.Timeout
	}
	return source.Unavailable
}

func excerpt(b []byte) string {
	const n = 200
	if mimetype.Detect(b).Is("application/octet-stream") {
		return fmt.Sprintf("%d binary bytes", len(b))
	}
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}

var _ source.Source = (*Source)(nil)
