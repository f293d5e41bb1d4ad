package server

import (
	"fmt"
	"time"

	log "github.com/go-kit/log"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/health"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// Mode tells what happens on a store miss.
type Mode string

const (
	// Cache answers 404 on a miss.
	Cache Mode = "cache"
	// Generate produces the tile, stores it and returns it.
	Generate Mode = "generate"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Cache, Generate:
		return m, nil
	}
	return "", &tile.ConfigError{Field: "server.mode", Msg: fmt.Sprintf("unknown mode %q", s)}
}

// Layer is a tileset served from a store, Source is only used in Generate mode.
type Layer struct {
	Tileset tile.Tileset
	Grid    *grid.TileMatrixSet
	Store   storage.TileStore
	Source  source.Source
}

// DefaultTimeout bounds a source call made to generate a missing tile.
const DefaultTimeout = 30 * time.Second

// Server exposes the tiles of the layers
type Server struct {
	appName      string
	mode         Mode
	layers       map[string]*Layer
	logger       log.Logger
	healthServer *health.Server
	inflight     singleflight.Group
	timeout      time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithTimeout sets the per call timeout of the sources, values <= 0 keep the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a Server
func New(appName string, mode Mode, layers []*Layer, logger log.Logger, healthServer *health.Server, opts ...Option) (*Server, error) {
	logger = log.With(logger, "component", "server")

	s := &Server{
		appName:      appName,
		mode:         mode,
		layers:       make(map[string]*Layer, len(layers)),
		logger:       logger,
		healthServer: healthServer,
		timeout:      DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}

	for _, l := range layers {
		if l.Store == nil || l.Grid == nil {
			return nil, &tile.ConfigError{Tileset: l.Tileset.ID, Field: "cache", Msg: "layer without store"}
		}
		if mode == Generate && l.Source == nil {
			return nil, &tile.ConfigError{Tileset: l.Tileset.ID, Field: "datasource", Msg: "generate mode needs a source"}
		}
		if _, ok := s.layers[l.Tileset.ID]; ok {
			return nil, &tile.ConfigError{Tileset: l.Tileset.ID, Field: "id", Msg: "duplicate tileset"}
		}
		s.layers[l.Tileset.ID] = l
	}

	return s, nil
}
