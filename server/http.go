package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// Router returns the routes of the server, tiles are wrapped by mw when not nil.
func (s *Server) Router(mw func(http.Handler) http.Handler) *mux.Router {
	var tiles http.Handler = s
	if mw != nil {
		tiles = mw(s)
	}

	r := mux.NewRouter()
	r.Handle("/tiles/{tileset}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.{ext}", tiles).Methods(http.MethodGet)
	r.HandleFunc("/tilesets/{tileset}.json", s.TileJSONHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HealthHandler)

	return r
}

func parseAddress(vars map[string]string) (tile.Address, error) {
	z, err := strconv.ParseUint(vars["z"], 10, 8)
	if err != nil {
		return tile.Address{}, err
	}
	x, err := strconv.ParseUint(vars["x"], 10, 32)
	if err != nil {
		return tile.Address{}, err
	}
	y, err := strconv.ParseUint(vars["y"], 10, 32)
	if err != nil {
		return tile.Address{}, err
	}
	return tile.Address{Tileset: vars["tileset"], Z: uint8(z), X: uint32(x), Y: uint32(y)}, nil
}

// ServeHTTP serves tiles for URL such as /tiles/osm/11/618/722.pbf
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger := log.With(s.logger, "component", "tile_server")
	vars := mux.Vars(req)

	l, ok := s.layers[vars["tileset"]]
	if !ok {
		http.NotFound(w, req)

		return
	}

	if f, err := tile.ParseFormat(vars["ext"]); err != nil || f != l.Tileset.Format {
		http.NotFound(w, req)

		return
	}

	addr, err := parseAddress(vars)
	if err != nil || l.Grid.Check(addr) != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)

		return
	}

	if addr.Z < l.Tileset.MinZoom || addr.Z > l.Tileset.MaxZoom {
		http.NotFound(w, req)

		return
	}

	t, err := l.Store.Get(req.Context(), addr)
	if errors.Is(err, storage.ErrNotFound) && s.mode == Generate {
		t, err = s.generate(req.Context(), logger, l, addr)
	}

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		level.Debug(logger).Log("msg", "tile not found", "tile", addr)
		http.NotFound(w, req)

		return
	case errors.Is(err, source.ErrNoContent):
		w.WriteHeader(http.StatusNoContent)

		return
	case isTimeout(err):
		level.Warn(logger).Log("msg", "tile generation timed out", "tile", addr, "error", err)
		http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)

		return
	default:
		level.Error(logger).Log("msg", "can't serve tile", "tile", addr, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	if len(t.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	ct := t.ContentType
	if ct == "" {
		ct = l.Tileset.Format.ContentType()
	}
	w.Header().Set("Content-Type", ct)
	if t.Compressed {
		w.Header().Set("Content-Encoding", "gzip")
	}
	_, _ = w.Write(t.Data)
}

func isTimeout(err error) bool {
	var serr *source.Error
	if errors.As(err, &serr) && serr.Kind == source.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// generate produces a missing tile and caches it, identical concurrent misses share one call.
func (s *Server) generate(ctx context.Context, logger log.Logger, l *Layer, addr tile.Address) (*tile.Tile, error) {
	v, err, shared := s.inflight.Do(addr.String(), func() (interface{}, error) {
		// the first caller going away must not fail the others
		ctx := context.WithoutCancel(ctx)

		fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		t, err := l.Source.Fetch(fetchCtx, addr)
		cancel()
		if err != nil {
			return nil, err
		}

		if err := l.Store.Put(ctx, t); err != nil {
			level.Warn(logger).Log("msg", "can't cache generated tile", "tile", addr, "error", err)
		}

		return t, nil
	})
	if err != nil {
		return nil, err
	}

	level.Debug(logger).Log("msg", "tile generated", "tile", addr, "shared", shared)

	return v.(*tile.Tile), nil
}

// TileJSONHandler serves the TileJSON document of a tileset.
func (s *Server) TileJSONHandler(w http.ResponseWriter, req *http.Request) {
	l, ok := s.layers[mux.Vars(req)["tileset"]]
	if !ok {
		http.NotFound(w, req)

		return
	}

	proto := "http"
	if req.Header.Get("X-Forwarded-Proto") == "https" {
		proto = "https"
	}

	doc := storage.NewDocument(tile.MetadataFromTileset(l.Tileset, l.Grid.WGS84Bounds), tile.XYZ)
	doc.Tiles = []string{
		fmt.Sprintf("%s://%s/tiles/%s/{z}/{x}/{y}.%s", proto, req.Host, l.Tileset.ID, l.Tileset.Format.Ext()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		level.Error(s.logger).Log("msg", "can't encode tilejson", "error", err)
	}
}

// HealthHandler reports the serving status of the grpc health server.
func (s *Server) HealthHandler(w http.ResponseWriter, req *http.Request) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.healthServer != nil {
		resp, err := s.healthServer.Check(req.Context(), &healthpb.HealthCheckRequest{
			Service: fmt.Sprintf("grpc.health.v1.%s", s.appName),
		})
		if err != nil {
			status = healthpb.HealthCheckResponse_UNKNOWN
		} else {
			status = resp.Status
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status.String()})
}
