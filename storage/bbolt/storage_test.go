package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	log "github.com/go-kit/log"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/storagetest"
	"github.com/akhenakh/tileseed/tile"
)

func setup(t *testing.T, opts storage.Options) (*Storage, string) {
	path := filepath.Join(t.TempDir(), "kvtiles.db")
	s, err := NewStorage(log.NewNopLogger(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, opts storage.Options) storage.TileStore {
		s, _ := setup(t, opts)
		return s
	})
}

func countBlobs(t *testing.T, s *Storage) int {
	n := 0
	require.NoError(t, s.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(MapKey()).Cursor()
		for k, _ := c.Seek([]byte{TilesPrefix}); k != nil && k[0] == TilesPrefix; k, _ = c.Next() {
			n++
		}
		return nil
	}))
	return n
}

func TestStorage_Dedup(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, _ := setup(t, opts)

	for x := uint32(0); x < 4; x++ {
		require.NoError(t, s.Put(ctx, opts.Tile(tile.Address{Z: 2, X: x, Y: 0}, []byte("ocean"))))
	}
	require.Equal(t, 1, countBlobs(t, s))

	// overwriting with new content leaves an orphan until finalize
	require.NoError(t, s.Put(ctx, opts.Tile(tile.Address{Z: 0}, []byte("world"))))
	require.NoError(t, s.Put(ctx, opts.Tile(tile.Address{Z: 0}, []byte("world v2"))))
	require.Equal(t, 3, countBlobs(t, s))

	require.NoError(t, s.Finalize(ctx, tile.Metadata{Name: "ocean", Format: tile.PNG}))
	require.Equal(t, 2, countBlobs(t, s))

	out, err := s.Get(ctx, tile.Address{Z: 2, X: 3, Y: 0})
	require.NoError(t, err)
	require.Equal(t, "ocean", string(out.Data))
}

func TestStorage_MapInfos(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.MVT)
	s, path := setup(t, opts)

	_, ok, err := s.LoadMapInfos()
	require.NoError(t, err)
	require.False(t, ok)

	md := tile.Metadata{
		Name:       "hawaii",
		Format:     tile.MVT,
		Compressed: true,
		Bounds:     orb.Bound{Min: orb.Point{-160.2471, 18.9117}, Max: orb.Point{-154.8066, 22.2356}},
		Center:     orb.Point{-157.858093, 21.315603},
		CenterZoom: 9,
		MaxZoom:    11,
	}
	addr := tile.Address{Tileset: "suite", Z: 11, X: 124, Y: 900}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, addr)))
	require.NoError(t, s.Finalize(ctx, md))
	require.NoError(t, s.Close())

	ro, err := NewROStorage(log.NewNopLogger(), path)
	require.NoError(t, err)
	defer ro.Close()

	infos, ok, err := ro.LoadMapInfos()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "suite", infos.Region)
	require.Equal(t, md, infos.Metadata())

	out, err := ro.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, storagetest.Tile(opts, addr), out)

	_, err = ro.Get(ctx, tile.Address{Tileset: "suite", Z: 12, X: 124, Y: 900})
	require.True(t, errors.Is(err, storage.ErrNotFound))

	err = ro.Put(ctx, storagetest.Tile(opts, addr))
	require.True(t, errors.Is(err, storage.ErrReadOnly))
}

func TestNewROStorage_NotFinalized(t *testing.T) {
	s, path := setup(t, storagetest.Options(tile.PNG))
	require.NoError(t, s.Close())

	_, err := NewROStorage(log.NewNopLogger(), path)
	require.True(t, errors.Is(err, storage.ErrOpen))
}
