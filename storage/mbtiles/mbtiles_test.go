package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	log "github.com/go-kit/log"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/storagetest"
	"github.com/akhenakh/tileseed/tile"
)

func newStorage(t *testing.T, opts storage.Options, options ...Option) (*Storage, string) {
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	s, err := NewStorage(context.Background(), log.NewNopLogger(), path, opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, opts storage.Options) storage.TileStore {
		s, _ := newStorage(t, opts, WithBatchSize(7))
		return s
	})
}

func TestStorage_TMSRow(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, path := newStorage(t, opts)

	addr := tile.Address{Tileset: "suite", Z: 1, X: 0, Y: 0}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, addr)))
	require.NoError(t, s.Flush())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var row int
	err = db.QueryRow("SELECT tile_row FROM tiles WHERE zoom_level = 1 AND tile_column = 0").Scan(&row)
	require.NoError(t, err)
	require.Equal(t, 1, row)

	out, err := s.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "content of suite/1/0/0", string(out.Data))

	_, err = s.Get(ctx, tile.Address{Tileset: "suite", Z: 1, X: 0, Y: 1})
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStorage_PendingVisible(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, path := newStorage(t, opts, WithBatchSize(100))

	addr := tile.Address{Tileset: "suite", Z: 2, X: 1, Y: 1}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, addr)))

	ok, err := s.Exists(ctx, addr)
	require.NoError(t, err)
	require.True(t, ok)

	// not committed yet, an independent reader can't see it
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	require.Equal(t, 0, n)

	require.NoError(t, s.Flush())
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	require.Equal(t, 1, n)
}

func TestStorage_Metadata(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.MVT)
	s, path := newStorage(t, opts)

	md := tile.Metadata{
		Name:         "hawaii",
		Attribution:  "© OpenStreetMap contributors",
		Format:       tile.MVT,
		Compressed:   true,
		Bounds:       orb.Bound{Min: orb.Point{-160.2471, 18.9117}, Max: orb.Point{-154.8066, 22.2356}},
		Center:       orb.Point{-157.858093, 21.315603},
		CenterZoom:   9,
		MinZoom:      0,
		MaxZoom:      11,
		VectorLayers: []string{"roads", "water"},
	}

	addr := tile.Address{Tileset: "suite", Z: 3, X: 0, Y: 3}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, addr)))
	require.NoError(t, s.Finalize(ctx, md))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	var bounds, format string
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE name = 'bounds'").Scan(&bounds))
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&format))
	require.NoError(t, db.Close())
	require.Equal(t, "-160.2471,18.9117,-154.8066,22.2356", bounds)
	require.Equal(t, "pbf", format)

	ro, err := NewROStorage(ctx, log.NewNopLogger(), path)
	require.NoError(t, err)
	defer ro.Close()

	got, err := ro.ReadMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, md, got)
	require.Equal(t, tile.MVT, ro.Format())

	out, err := ro.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "content of suite/3/0/3", string(out.Data))
	require.True(t, out.Compressed)

	err = ro.Put(ctx, storagetest.Tile(opts, addr))
	require.True(t, errors.Is(err, storage.ErrReadOnly))

	var addrs []tile.Address
	require.NoError(t, ro.Tiles(ctx, func(a tile.Address) error {
		addrs = append(addrs, a)
		return nil
	}))
	require.Equal(t, []tile.Address{{Tileset: "hawaii", Z: 3, X: 0, Y: 3}}, addrs)
}

func TestStorage_Reopen(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, path := newStorage(t, opts)

	addr := tile.Address{Tileset: "suite", Z: 4, X: 5, Y: 6}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, addr)))
	require.NoError(t, s.Close())

	s2, err := NewStorage(ctx, log.NewNopLogger(), path, opts)
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.Exists(ctx, addr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStorage_BatchFailure(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, path := newStorage(t, opts, WithBatchSize(10))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	// sqlite rolls back the whole transaction, as it does on SQLITE_FULL
	_, err = db.Exec(`CREATE TRIGGER full_disk BEFORE INSERT ON tiles WHEN NEW.zoom_level = 2
		BEGIN SELECT RAISE(ROLLBACK, 'database or disk is full'); END`)
	require.NoError(t, err)

	a := tile.Address{Tileset: "suite", Z: 1, X: 0, Y: 0}
	b := tile.Address{Tileset: "suite", Z: 2, X: 1, Y: 1}
	c := tile.Address{Tileset: "suite", Z: 1, X: 1, Y: 0}

	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, a)))
	require.Error(t, s.Put(ctx, storagetest.Tile(opts, b)))
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, c)))

	// c went into a fresh transaction, not in autocommit
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	require.Equal(t, 0, n)

	require.NoError(t, s.Flush())
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	require.Equal(t, 2, n)

	for _, addr := range []tile.Address{a, c} {
		out, err := s.Get(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, storagetest.Tile(opts, addr).Data, out.Data)
	}
	_, err = s.Get(ctx, b)
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStorage_ReplayAfterFailure(t *testing.T) {
	ctx := context.Background()
	opts := storagetest.Options(tile.PNG)
	s, path := newStorage(t, opts, WithBatchSize(2))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TRIGGER full_disk BEFORE INSERT ON tiles WHEN NEW.zoom_level = 2
		BEGIN SELECT RAISE(ROLLBACK, 'database or disk is full'); END`)
	require.NoError(t, err)

	a := tile.Address{Tileset: "suite", Z: 1, X: 0, Y: 0}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, a)))
	require.Error(t, s.Put(ctx, storagetest.Tile(opts, tile.Address{Tileset: "suite", Z: 2, X: 0, Y: 0})))

	// the disk is back, the acknowledged tile is replayed and committed
	_, err = db.Exec("DROP TRIGGER full_disk")
	require.NoError(t, err)

	b := tile.Address{Tileset: "suite", Z: 2, X: 0, Y: 0}
	require.NoError(t, s.Put(ctx, storagetest.Tile(opts, b)))

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM tiles").Scan(&n))
	require.Equal(t, 2, n)
}
