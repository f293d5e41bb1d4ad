package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/go-kit/log"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source/raster"
	"github.com/akhenakh/tileseed/source/vector"
	"github.com/akhenakh/tileseed/storage/target"
	"github.com/akhenakh/tileseed/tile"
)

const confYAML = `
seed:
  workers: 8
  timeout: 5s
cache:
  type: files
  path: /var/cache/tiles/
datasources:
  osm:
    type: sqlite
    dsn: DBPATH
  relief:
    type: wms
    url: http://qgis/ows?MAP=/data/relief.qgs
    layers: [hillshade]
    timeout: 20s
tilesets:
  - id: roads
    format: mvt
    minzoom: 2
    maxzoom: 14
    bounds: [-10, 40, 10, 55]
    center: [2.35, 48.85, 6]
    datasource: osm
    compress: true
    empty: emit
    layers:
      - name: roads
        query: SELECT geom, name FROM roads
        maxzoom: 12
        buffer: 8
  - id: relief
    format: png
    maxzoom: 8
    mask: MASKPATH
    datasource: relief
    cache:
      type: mbtiles
      path: /data/relief.mbtiles
`

const maskGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[[[[20,20],[30,20],[30,30],[20,20]]]]}}
]}`

func writeConf(t *testing.T) string {
	dir := t.TempDir()
	mask := filepath.Join(dir, "mask.geojson")
	require.NoError(t, os.WriteFile(mask, []byte(maskGeoJSON), 0o644))

	db, err := vector.OpenDB(context.Background(), "sqlite", filepath.Join(dir, "osm.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	conf := strings.NewReplacer("DBPATH", filepath.Join(dir, "osm.sqlite"), "MASKPATH", mask).Replace(confYAML)

	path := filepath.Join(dir, "tileseed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TILESEED_SEED_QUEUESIZE", "12")

	conf, err := Load(writeConf(t))
	require.NoError(t, err)
	require.Equal(t, 8, conf.Seed.Workers)
	require.Equal(t, 12, conf.Seed.QueueSize)
	require.Equal(t, 3, conf.Seed.MaxRetries)
	require.Equal(t, 5*time.Second, conf.Seed.Timeout)
	require.Equal(t, "cache", conf.Server.Mode)
	require.Len(t, conf.Tilesets, 2)

	def, err := conf.Lookup("roads")
	require.NoError(t, err)
	require.Equal(t, uint8(12), def.Layers[0].MaxZoom)

	ts, err := def.Tileset()
	require.NoError(t, err)
	require.Equal(t, tile.MVT, ts.Format)
	require.True(t, ts.Compressed)
	require.Equal(t, orb.Bound{Min: orb.Point{-10, 40}, Max: orb.Point{10, 55}}, ts.Bounds)
	require.Equal(t, orb.Point{2.35, 48.85}, *ts.Center)
	require.Equal(t, uint8(6), *ts.CenterZoom)
	require.Equal(t, []string{"roads"}, ts.VectorLayers)

	tgt, ok, err := conf.Target(def)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, target.Target{Kind: target.FileTree, Path: "/var/cache/tiles/roads"}, tgt)

	relief, err := conf.Lookup("relief")
	require.NoError(t, err)
	ts, err = relief.Tileset()
	require.NoError(t, err)
	mp, ok := ts.Mask.(orb.MultiPolygon)
	require.True(t, ok, "mask is %T", ts.Mask)
	require.Len(t, mp, 2)

	tgt, _, err = conf.Target(relief)
	require.NoError(t, err)
	require.Equal(t, target.Target{Kind: target.MBTiles, Path: "/data/relief.mbtiles"}, tgt)

	_, err = conf.Lookup("missing")
	var cerr *tile.ConfigError
	require.True(t, errors.As(err, &cerr))
}

func TestOpenSource(t *testing.T) {
	ctx := context.Background()
	conf, err := Load(writeConf(t))
	require.NoError(t, err)

	for _, id := range []string{"roads", "relief"} {
		def, err := conf.Lookup(id)
		require.NoError(t, err)
		ts, err := def.Tileset()
		require.NoError(t, err)

		src, closer, err := conf.OpenSource(ctx, log.NewNopLogger(), def, ts, grid.WebMercatorQuad)
		require.NoError(t, err)
		require.NoError(t, closer.Close())

		switch id {
		case "roads":
			require.IsType(t, &vector.Source{}, src)
		case "relief":
			require.IsType(t, &raster.Source{}, src)
		}
	}

	def, _ := conf.Lookup("roads")
	def.Format = "png"
	ts, err := def.Tileset()
	require.NoError(t, err)
	_, _, err = conf.OpenSource(ctx, log.NewNopLogger(), def, ts, grid.WebMercatorQuad)
	var cerr *tile.ConfigError
	require.True(t, errors.As(err, &cerr))
}

func TestTileset_Invalid(t *testing.T) {
	for _, def := range []Tileset{
		{ID: "a", Format: "gif"},
		{ID: "a", Format: "png", Bounds: []float64{1, 2, 3}},
		{ID: "a", Format: "png", Center: []float64{1}},
		{ID: "a", Format: "png", MinZoom: 4, MaxZoom: 2},
		{ID: "a", Format: "png", Mask: "/does/not/exist.geojson"},
	} {
		_, err := def.Tileset()
		var cerr *tile.ConfigError
		require.True(t, errors.As(err, &cerr), "%+v", def)
	}
}

func TestLoadMask(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    orb.Geometry
		err     bool
	}{
		{
			"feature",
			`{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`,
			orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
			false,
		},
		{
			"geometry",
			`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`,
			orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
			false,
		},
		{"point", `{"type":"Point","coordinates":[1,2]}`, nil, true},
		{"garbage", `not json`, nil, true},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".geojson")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			got, err := LoadMask(path)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
