// Package storagetest holds the behaviour every persistent TileStore must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// Opener returns a fresh empty store for opts.
type Opener func(t *testing.T, opts storage.Options) storage.TileStore

// Options returns the store options used by the suite.
func Options(format tile.Format) storage.Options {
	return storage.Options{
		Tileset:    "suite",
		Format:     format,
		Compressed: format.IsVector(),
		Grid:       grid.WebMercatorQuad,
	}
}

// Tile returns deterministic content for addr.
func Tile(opts storage.Options, addr tile.Address) *tile.Tile {
	return opts.Tile(addr, []byte(fmt.Sprintf("content of %s", addr)))
}

// Run exercises round trip, overwrite, miss and concurrent writes.
func Run(t *testing.T, open Opener) {
	for _, format := range []tile.Format{tile.MVT, tile.PNG} {
		opts := Options(format)

		t.Run(string(format), func(t *testing.T) {
			t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, opts, open(t, opts)) })
			t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, opts, open(t, opts)) })
			t.Run("Miss", func(t *testing.T) { testMiss(t, opts, open(t, opts)) })
			t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, opts, open(t, opts)) })
		})
	}
}

func testRoundTrip(t *testing.T, opts storage.Options, s storage.TileStore) {
	ctx := context.Background()

	for _, addr := range []tile.Address{
		{Tileset: opts.Tileset, Z: 0, X: 0, Y: 0},
		{Tileset: opts.Tileset, Z: 1, X: 0, Y: 0},
		{Tileset: opts.Tileset, Z: 1, X: 1, Y: 0},
		{Tileset: opts.Tileset, Z: 11, X: 125, Y: 900},
	} {
		_, err := s.Get(ctx, addr)
		require.True(t, errors.Is(err, storage.ErrNotFound), "expected a miss before put, got %v", err)

		in := Tile(opts, addr)
		require.NoError(t, s.Put(ctx, in))

		ok, err := s.Exists(ctx, addr)
		require.NoError(t, err)
		require.True(t, ok)

		out, err := s.Get(ctx, addr)
		require.NoError(t, err)
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("round trip of %s mismatch (-want +got):\n%s", addr, diff)
		}
	}
}

func testOverwrite(t *testing.T, opts storage.Options, s storage.TileStore) {
	ctx := context.Background()
	addr := tile.Address{Tileset: opts.Tileset, Z: 3, X: 2, Y: 5}

	require.NoError(t, s.Put(ctx, opts.Tile(addr, []byte("first"))))
	require.NoError(t, s.Put(ctx, opts.Tile(addr, []byte("second version"))))

	out, err := s.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "second version", string(out.Data))
}

func testMiss(t *testing.T, opts storage.Options, s storage.TileStore) {
	ctx := context.Background()
	addr := tile.Address{Tileset: opts.Tileset, Z: 5, X: 7, Y: 9}

	ok, err := s.Exists(ctx, addr)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, addr)
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func testConcurrent(t *testing.T, opts storage.Options, s storage.TileStore) {
	ctx := context.Background()

	var addrs []tile.Address
	for y := uint32(0); y < 8; y++ {
		for x := uint32(0); x < 8; x++ {
			addrs = append(addrs, tile.Address{Tileset: opts.Tileset, Z: 3, X: x, Y: y})
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(addrs))
	for _, addr := range addrs {
		addr := addr

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, opts.Tile(addr, []byte(addr.String())))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	want := make([]string, 0, len(addrs))
	got := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out, err := s.Get(ctx, addr)
		require.NoError(t, err)
		got = append(got, string(out.Data))
		want = append(want, addr.String())
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("concurrent puts mismatch (-want +got):\n%s", diff)
	}
}
