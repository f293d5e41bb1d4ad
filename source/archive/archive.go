// Package archive reads tiles back out of an existing container, to repack it
// into another store.
package archive

import (
	"context"
	"errors"
	"fmt"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/bbolt"
	"github.com/akhenakh/tileseed/storage/target"
	"github.com/akhenakh/tileseed/tile"
)

// Source serves the tiles of a store, a missing tile is no content.
type Source struct {
	store  storage.TileStore
	md     tile.Metadata
	logger log.Logger
}

// Open opens the archive at path read only and reads its metadata.
func Open(ctx context.Context, logger log.Logger, path string) (*Source, error) {
	store, err := target.OpenArchive(ctx, logger, path)
	if err != nil {
		return nil, err
	}

	md, err := ReadMetadata(ctx, store)
	if err != nil {
		store.Close()
		return nil, storage.OpenError("archive", path, err)
	}
	if md.Format == "" {
		store.Close()
		return nil, storage.OpenError("archive", path, errors.New("no tile format in metadata"))
	}

	return New(logger, store, md), nil
}

// New wraps an opened store, the source owns it from now on.
func New(logger log.Logger, store storage.TileStore, md tile.Metadata) *Source {
	return &Source{
		store:  store,
		md:     md,
		logger: log.With(logger, "component", "archive"),
	}
}

// ReadMetadata reads the self describing part of the stores that have one.
func ReadMetadata(ctx context.Context, store storage.TileStore) (tile.Metadata, error) {
	switch s := store.(type) {
	case interface {
		ReadMetadata(context.Context) (tile.Metadata, error)
	}:
		return s.ReadMetadata(ctx)
	case interface {
		Metadata(context.Context) (tile.Metadata, error)
	}:
		return s.Metadata(ctx)
	case *bbolt.Storage:
		infos, ok, err := s.LoadMapInfos()
		if err != nil {
			return tile.Metadata{}, err
		}
		if !ok {
			return tile.Metadata{}, errors.New("no map infos")
		}
		return infos.Metadata(), nil
	}
	return tile.Metadata{}, fmt.Errorf("%T has no metadata", store)
}

// Metadata is the metadata read at open.
func (s *Source) Metadata() tile.Metadata {
	return s.md
}

// Tileset describes the archive content as tileset id.
func (s *Source) Tileset(id string) tile.Tileset {
	ts := tile.Tileset{
		ID:           id,
		Name:         s.md.Name,
		Description:  s.md.Description,
		Attribution:  s.md.Attribution,
		Format:       s.md.Format,
		MinZoom:      s.md.MinZoom,
		MaxZoom:      s.md.MaxZoom,
		Bounds:       s.md.Bounds,
		Compressed:   s.md.Compressed,
		VectorLayers: s.md.VectorLayers,
	}
	if s.md.Center != [2]float64{} {
		c, z := s.md.Center, s.md.CenterZoom
		ts.Center, ts.CenterZoom = &c, &z
	}
	return ts
}

// Fetch reads the tile at addr.
func (s *Source) Fetch(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	t, err := s.store.Get(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, source.ErrNoContent
	}
	if err != nil {
		level.Debug(s.logger).Log("msg", "can't read tile", "tile", addr, "error", err)
		return nil, source.NewError(source.Unavailable, addr, err)
	}

	out := *t
	out.Address = addr
	return &out, nil
}

// Close closes the underlying store.
func (s *Source) Close() error {
	return s.store.Close()
}

var _ source.Source = (*Source)(nil)
