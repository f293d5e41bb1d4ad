package filetree

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	log "github.com/go-kit/log"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/storagetest"
	"github.com/akhenakh/tileseed/tile"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, opts storage.Options) storage.TileStore {
		s, err := NewStorage(log.NewNopLogger(), t.TempDir(), opts)
		require.NoError(t, err)
		return s
	})
}

func TestLayout(t *testing.T) {
	root := t.TempDir()
	opts := storagetest.Options(tile.MVT)
	s, err := NewStorage(log.NewNopLogger(), root, opts)
	require.NoError(t, err)

	addr := tile.Address{Tileset: "suite", Z: 4, X: 3, Y: 12}
	require.NoError(t, s.Put(context.Background(), storagetest.Tile(opts, addr)))

	b, err := os.ReadFile(filepath.Join(root, "4", "3", "12.pbf"))
	require.NoError(t, err)
	require.Equal(t, "content of suite/4/3/12", string(b))

	// no temporary file is left next to the tile
	entries, err := os.ReadDir(filepath.Join(root, "4", "3"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFinalize(t *testing.T) {
	root := t.TempDir()
	s, err := NewStorage(log.NewNopLogger(), root, storagetest.Options(tile.PNG))
	require.NoError(t, err)

	md := tile.Metadata{
		Name:    "hawaii",
		Format:  tile.PNG,
		Bounds:  orb.Bound{Min: orb.Point{-160.2471, 18.9117}, Max: orb.Point{-154.8066, 22.2356}},
		MinZoom: 0,
		MaxZoom: 11,
	}
	require.NoError(t, s.Finalize(context.Background(), md))

	b, err := os.ReadFile(filepath.Join(root, MetadataFile))
	require.NoError(t, err)

	var doc storage.Document
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Equal(t, md.Bounds, doc.Metadata().Bounds)
	require.Equal(t, "xyz", doc.Scheme)
	require.Equal(t, "png", doc.Format)
}
