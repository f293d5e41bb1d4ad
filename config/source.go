package config

import (
	"context"
	"fmt"
	"io"
	"net/http"

	log "github.com/go-kit/log"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/source/raster"
	"github.com/akhenakh/tileseed/source/vector"
	"github.com/akhenakh/tileseed/tile"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenSource builds the data source of a tileset. The closer releases the database
// a vector source holds.
func (c *Conf) OpenSource(ctx context.Context, logger log.Logger, def Tileset, ts tile.Tileset, tms *grid.TileMatrixSet) (source.Source, io.Closer, error) {
	ds, err := c.Datasource(def)
	if err != nil {
		return nil, nil, err
	}

	switch ds.Type {
	case "wms":
		client := &http.Client{Timeout: ds.Timeout}
		src, err := raster.New(logger, tms, ts.ID, raster.Config{
			URL:         ds.URL,
			Layers:      ds.Layers,
			Styles:      ds.Styles,
			Version:     ds.Version,
			Format:      ts.Format,
			Transparent: ds.Transparent,
			Params:      ds.Params,
		}, client)
		if err != nil {
			return nil, nil, err
		}
		return src, nopCloser{}, nil

	case "postgis", "postgres", "sqlite", "gpkg":
		if !ts.Format.IsVector() {
			return nil, nil, &tile.ConfigError{Tileset: ts.ID, Field: "format", Msg: fmt.Sprintf("%s datasource produces vector tiles", ds.Type)}
		}

		cfg := vector.Config{
			Compress:    def.Compress,
			Empty:       vector.EmptyPolicy(def.Empty),
			Diagnostics: def.Diagnostics,
		}
		for _, l := range def.Layers {
			cfg.Layers = append(cfg.Layers, vector.Layer{
				Name:       l.Name,
				Query:      l.Query,
				GeomColumn: l.GeomColumn,
				MinZoom:    l.MinZoom,
				MaxZoom:    l.MaxZoom,
				Tolerance:  l.Tolerance,
				Buffer:     l.Buffer,
			})
		}

		db, err := vector.OpenDB(ctx, ds.Type, ds.DSN)
		if err != nil {
			return nil, nil, err
		}
		src, err := vector.New(logger, db, tms, ts.ID, cfg)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return src, db, nil
	}

	return nil, nil, &tile.ConfigError{Tileset: ts.ID, Field: "datasource.type", Msg: fmt.Sprintf("unknown datasource type %q", ds.Type)}
}
