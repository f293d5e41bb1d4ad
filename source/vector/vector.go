// Package vector builds Mapbox vector tiles from SQL spatial queries.
package vector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
	_ "modernc.org/sqlite"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/tile"
)

// OpenDB opens a feature database, driver is "postgres" (PostGIS) or "sqlite".
func OpenDB(ctx context.Context, driverName, dsn string) (*sql.DB, error) {
	switch driverName {
	case "postgres", "postgis", "pgx":
		driverName = "pgx"
	case "sqlite", "sqlite3", "gpkg":
		driverName = "sqlite"
	default:
		return nil, &tile.ConfigError{Field: "datasource.driver", Msg: fmt.Sprintf("unknown driver %q", driverName)}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't reach %s database: %w", driverName, err)
	}
	return db, nil
}

// Source queries every layer of a tile and encodes the result.
type Source struct {
	db      *sql.DB
	cfg     Config
	tms     *grid.TileMatrixSet
	tileset string
	logger  log.Logger
}

// New validates cfg. The database is shared and owned by the caller.
func New(logger log.Logger, db *sql.DB, tms *grid.TileMatrixSet, tileset string, cfg Config) (*Source, error) {
	cfg.setDefaults()
	if err := cfg.validate(tileset); err != nil {
		return nil, err
	}

	return &Source{
		db:      db,
		cfg:     cfg,
		tms:     tms,
		tileset: tileset,
		logger:  log.With(logger, "component", "vector", "tileset", tileset),
	}, nil
}

// LayerNames lists the layers in encoding order.
func (s *Source) LayerNames() []string {
	names := make([]string, 0, len(s.cfg.Layers))
	for _, l := range s.cfg.Layers {
		names = append(names, l.Name)
	}
	return names
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExpandQuery substitutes the tile tokens of a layer query.
func ExpandQuery(query string, b orb.Bound, z uint8, pixelWidth float64) string {
	return strings.NewReplacer(
		"!minx!", formatFloat(b.Min[0]),
		"!miny!", formatFloat(b.Min[1]),
		"!maxx!", formatFloat(b.Max[0]),
		"!maxy!", formatFloat(b.Max[1]),
		"!zoom!", strconv.Itoa(int(z)),
		"!pixel_width!", formatFloat(pixelWidth),
	).Replace(query)
}

// toTile maps grid coordinates of bound b into the tile extent, y pointing down.
func toTile(b orb.Bound, extent float64) orb.Projection {
	sx := extent / (b.Max[0] - b.Min[0])
	sy := extent / (b.Max[1] - b.Min[1])
	return func(p orb.Point) orb.Point {
		return orb.Point{
			math.Round((p[0] - b.Min[0]) * sx),
			math.Round((b.Max[1] - p[1]) * sy),
		}
	}
}

// Fetch runs the queries of the layers visible at the tile zoom.
func (s *Source) Fetch(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	start := time.Now()
	b := s.tms.TileBound(addr.Z, addr.X, addr.Y)
	extent := float64(s.cfg.Extent)
	proj := toTile(b, extent)

	var layers mvt.Layers
	features := 0
	for _, l := range s.cfg.Layers {
		if addr.Z < l.MinZoom || addr.Z > l.MaxZoom {
			continue
		}

		layer, err := s.queryLayer(ctx, l, addr, b, proj)
		if err != nil {
			return nil, err
		}

		buffer := float64(l.Buffer) * extent / float64(s.tms.TileSize)
		layer.Clip(orb.Bound{Min: orb.Point{-buffer, -buffer}, Max: orb.Point{extent + buffer, extent + buffer}})
		if l.Tolerance > 0 {
			layer.Simplify(simplify.DouglasPeucker(l.Tolerance * extent / float64(s.tms.TileSize)))
		}

		layers = append(layers, layer)
	}
	layers.RemoveEmpty(0, 0)

	for _, l := range layers {
		features += len(l.Features)
	}

	if features == 0 && s.cfg.Empty == EmptySkip {
		return nil, source.ErrNoContent
	}

	if s.cfg.Diagnostics {
		diag, err := diagnosticsLayers(layers, addr, b, s.cfg.Extent, s.cfg.DiagnosticsReferenceSize)
		if err != nil {
			return nil, source.EncodingError(addr, err)
		}
		layers = append(layers, diag...)
	}

	var data []byte
	var err error
	if s.cfg.Compress {
		data, err = mvt.MarshalGzipped(layers)
	} else {
		data, err = mvt.Marshal(layers)
	}
	if err != nil {
		return nil, source.EncodingError(addr, err)
	}

	level.Debug(s.logger).Log(
		"msg", "tile encoded",
		"tile", addr,
		"layers", len(layers),
		"features", features,
		"bytes", len(data),
		"duration", time.Since(start),
	)

	return &tile.Tile{
		Address:     addr,
		Data:        data,
		ContentType: tile.MVT.ContentType(),
		Compressed:  s.cfg.Compress,
	}, nil
}

func (s *Source) queryLayer(ctx context.Context, l Layer, addr tile.Address, b orb.Bound, proj orb.Projection) (*mvt.Layer, error) {
	q := ExpandQuery(l.Query, b, addr.Z, s.tms.Resolution(addr.Z))

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, source.NewError(classify(err), addr, fmt.Errorf("layer %s: %w", l.Name, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, source.NewError(classify(err), addr, err)
	}

	geomIdx := -1
	for i, c := range cols {
		if c == l.GeomColumn {
			geomIdx = i
		}
	}
	if geomIdx < 0 {
		return nil, source.NewError(source.MalformedQuery, addr,
			fmt.Errorf("layer %s: query returns no %q column", l.Name, l.GeomColumn))
	}

	layer := &mvt.Layer{Name: l.Name, Version: 2, Extent: s.cfg.Extent}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, source.NewError(classify(err), addr, err)
		}

		raw, ok := values[geomIdx].([]byte)
		if !ok || len(raw) == 0 {
			continue
		}
		g, err := wkb.Unmarshal(raw)
		if err != nil {
			return nil, source.EncodingError(addr, fmt.Errorf("layer %s: %w", l.Name, err))
		}

		f := geojson.NewFeature(project.Geometry(g, proj))
		for i, c := range cols {
			if i == geomIdx {
				continue
			}
			if v := property(values[i]); v != nil {
				f.Properties[c] = v
			}
		}
		layer.Features = append(layer.Features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, source.NewError(classify(err), addr, err)
	}

	return layer, nil
}

// property converts a scanned column into a value MVT can carry.
func property(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case string, bool, int64, float64, int32, float32:
		return t
	}
	return fmt.Sprint(v)
}

// classify tells connection failures, which are retried, from query failures.
func classify(err error) source.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return source.Timeout
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return source.Unavailable
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return source.Timeout
		}
		return source.Unavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			// query_canceled, statement timeout
			return source.Timeout
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
			return source.Unavailable
		}
	}
	if pgconn.SafeToRetry(err) {
		return source.Unavailable
	}

	return source.MalformedQuery
}

var _ source.Source = (*Source)(nil)
