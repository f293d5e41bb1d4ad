// Package null is a store discarding every tile, used to measure generation throughput.
package null

import (
	"context"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// Storage accepts and forgets tiles. Exists is always false so nothing is ever skipped.
type Storage struct{}

// NewStorage returns a null store.
func NewStorage() *Storage {
	return &Storage{}
}

func (*Storage) Scheme() tile.Scheme { return tile.XYZ }

func (*Storage) Exists(context.Context, tile.Address) (bool, error) { return false, nil }

func (*Storage) Get(context.Context, tile.Address) (*tile.Tile, error) {
	return nil, storage.ErrNotFound
}

func (*Storage) Put(context.Context, *tile.Tile) error { return nil }

func (*Storage) Finalize(context.Context, tile.Metadata) error { return nil }

func (*Storage) Close() error { return nil }

var _ storage.TileStore = (*Storage)(nil)
