package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/tile"
)

var (
	// ErrNotFound is returned by Get when the store holds no tile at the address.
	ErrNotFound = errors.New("tile not found")
	// ErrReadOnly is returned by writes to a store opened for reading.
	ErrReadOnly = errors.New("store is read only")
	// ErrOpen marks a store that cannot be opened or created, fatal for a run.
	ErrOpen = errors.New("can't open store")
)

// TileStore persists and retrieves tiles. Every backend is safe for concurrent use
// and owns its synchronization.
type TileStore interface {
	// Scheme is the row convention persisted by the backend, addresses are always XYZ.
	Scheme() tile.Scheme
	Exists(ctx context.Context, addr tile.Address) (bool, error)
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, addr tile.Address) (*tile.Tile, error)
	// Put overwrites any existing tile at the same address.
	Put(ctx context.Context, t *tile.Tile) error
	// Finalize is called once after the last Put of a run.
	Finalize(ctx context.Context, md tile.Metadata) error
	Close() error
}

// Options are the tileset properties a backend needs to lay tiles out.
type Options struct {
	Tileset    string
	Format     tile.Format
	Compressed bool
	Grid       *grid.TileMatrixSet
}

// OptionsFromTileset builds backend options for a validated tileset.
func OptionsFromTileset(ts tile.Tileset, tms *grid.TileMatrixSet) Options {
	return Options{
		Tileset:    ts.ID,
		Format:     ts.Format,
		Compressed: ts.Compressed,
		Grid:       tms,
	}
}

// Tile builds the tile a backend returns for stored bytes.
func (o Options) Tile(addr tile.Address, data []byte) *tile.Tile {
	return &tile.Tile{
		Address:     addr,
		Data:        data,
		ContentType: o.Format.ContentType(),
		Compressed:  o.Compressed,
	}
}

// Error is an I/O failure of a backend operation, retried by the scheduler.
type Error struct {
	Op   string
	Addr tile.Address
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == (tile.Address{}) {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is false for conditions that will not change by trying again.
func (e *Error) Retryable() bool {
	return !errors.Is(e.Err, ErrReadOnly) &&
		!errors.Is(e.Err, tile.ErrInvalidAddress) &&
		!errors.Is(e.Err, context.Canceled)
}

// NewError wraps err as a backend failure, a nil err returns nil.
func NewError(op string, addr tile.Address, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Addr: addr, Err: err}
}

// OpenError marks err as a fatal open failure.
func OpenError(backend, path string, err error) error {
	return fmt.Errorf("%w %s at %s: %w", ErrOpen, backend, path, err)
}
