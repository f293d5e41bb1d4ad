package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	log "github.com/go-kit/log"
	"github.com/namsral/flag"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/seed"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/bbolt"
	"github.com/akhenakh/tileseed/storage/storagetest"
	"github.com/akhenakh/tileseed/tile"
)

func TestApplySeedFlags_Overwrite(t *testing.T) {
	defer func(v bool) { *overwrite = v }(*overwrite)

	tests := []struct {
		name   string
		config bool
		flag   bool
		set    bool
		want   bool
	}{
		{"config kept when unset", true, false, false, true},
		{"flag disables config", true, false, true, false},
		{"flag enables", false, true, true, true},
		{"default", false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := seed.DefaultConfig()
			cfg.Overwrite = tt.config
			*overwrite = tt.flag

			applySeedFlags(&cfg, map[string]bool{"overwrite": tt.set})
			require.Equal(t, tt.want, cfg.Overwrite)
		})
	}
}

func TestApplyZoomFlags(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
		wantMin  uint8
		wantMax  uint8
		invalid  bool
	}{
		{"unset", -1, -1, 2, 10, false},
		{"both", 0, 14, 0, 14, false},
		{"deepest", -1, tile.MaxZoom, 2, tile.MaxZoom, false},
		{"maxzoom wraps", -1, 256, 0, 0, true},
		{"minzoom too deep", 25, -1, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := tile.Tileset{ID: "osm", MinZoom: 2, MaxZoom: 10}
			err := applyZoomFlags(&ts, tt.min, tt.max)
			if tt.invalid {
				var cerr *tile.ConfigError
				require.True(t, errors.As(err, &cerr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantMin, ts.MinZoom)
			require.Equal(t, tt.wantMax, ts.MaxZoom)
		})
	}
}

func TestPrepare_ClosesArchiveOnError(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNopLogger()

	ts := tile.Tileset{ID: "relief", Format: tile.PNG, MaxZoom: 2}
	opts := storage.OptionsFromTileset(ts, grid.WebMercatorQuad)
	path := filepath.Join(t.TempDir(), "relief.db")

	kv, err := bbolt.NewStorage(logger, path, opts)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, storagetest.Tile(opts, tile.Address{Tileset: "relief"})))
	require.NoError(t, kv.Finalize(ctx, tile.MetadataFromTileset(ts, grid.WebMercatorQuad.WGS84Bounds)))
	require.NoError(t, kv.Close())

	defer func(z int, ns bool) { *maxZoom, *noStore = z, ns }(*maxZoom, *noStore)
	*maxZoom = 256
	*noStore = true
	require.NoError(t, flag.CommandLine.Parse([]string{path}))

	_, _, err = prepare(ctx, logger)
	var cerr *tile.ConfigError
	require.True(t, errors.As(err, &cerr), "got %v", err)

	// the read only archive released its lock, a writer can open the file
	kv, err = bbolt.NewStorage(logger, path, opts)
	require.NoError(t, err)
	require.NoError(t, kv.Close())
}
