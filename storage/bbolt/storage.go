// Package bbolt stores tiles in a single bbolt file, identical tiles are stored once.
package bbolt

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/paulmach/orb"
	"go.etcd.io/bbolt"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

const (
	mapKey byte = 'm'
	// reserved T & t for tiles
	TilesURLPrefix byte = 't'
	TilesPrefix    byte = 'T'
)

// MapKey returns the key of the bucket and of the map entry inside it
func MapKey() []byte {
	return []byte{mapKey}
}

// MapInfos used to store information about the map in DB
type MapInfos struct {
	CenterLat  float64    `cbor:"1,keyasint,omitempty"`
	CenterLng  float64    `cbor:"2,keyasint,omitempty"`
	MaxZoom    int        `cbor:"3,keyasint,omitempty"`
	Region     string     `cbor:"4,keyasint,omitempty"`
	IndexTime  time.Time  `cbor:"5,keyasint,omitempty"`
	TMS        bool       `cbor:"6,keyasint,omitempty"`
	MinZoom    int        `cbor:"7,keyasint,omitempty"`
	CenterZoom int        `cbor:"8,keyasint,omitempty"`
	Format     string     `cbor:"9,keyasint,omitempty"`
	Compressed bool       `cbor:"10,keyasint,omitempty"`
	Bounds     [4]float64 `cbor:"11,keyasint,omitempty"`
	Name       string     `cbor:"12,keyasint,omitempty"`
}

// Metadata converts the stored infos.
func (m MapInfos) Metadata() tile.Metadata {
	return tile.Metadata{
		Name:       m.Name,
		Format:     tile.Format(m.Format),
		Compressed: m.Compressed,
		Bounds: orb.Bound{
			Min: orb.Point{m.Bounds[0], m.Bounds[1]},
			Max: orb.Point{m.Bounds[2], m.Bounds[3]},
		},
		Center:     orb.Point{m.CenterLng, m.CenterLat},
		CenterZoom: uint8(m.CenterZoom),
		MinZoom:    uint8(m.MinZoom),
		MaxZoom:    uint8(m.MaxZoom),
	}
}

// Storage is a bbolt backed store, bbolt serializes writers itself.
type Storage struct {
	*bbolt.DB
	opts     storage.Options
	logger   log.Logger
	readOnly bool
}

// NewStorage returns a storage using bboltdb, the file is created if needed
func NewStorage(logger log.Logger, path string, opts storage.Options) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, storage.OpenError("bbolt", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(MapKey())
		return err
	})
	if err != nil {
		db.Close()
		return nil, storage.OpenError("bbolt", path, err)
	}

	return &Storage{
		DB:     db,
		opts:   opts,
		logger: log.With(logger, "component", "bbolt", "path", path),
	}, nil
}

// NewROStorage returns a read only storage using bboltdb, its options come from the stored map infos
func NewROStorage(logger log.Logger, path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, storage.OpenError("bbolt", path, fmt.Errorf("failed to open DB for reading: %w", err))
	}

	s := &Storage{
		DB:       db,
		logger:   log.With(logger, "component", "bbolt", "path", path),
		readOnly: true,
	}

	infos, ok, err := s.LoadMapInfos()
	if err != nil {
		db.Close()
		return nil, storage.OpenError("bbolt", path, err)
	}
	if !ok {
		db.Close()
		return nil, storage.OpenError("bbolt", path, fmt.Errorf("no map infos, the store was never finalized"))
	}

	s.opts = storage.Options{
		Tileset:    infos.Region,
		Format:     tile.Format(infos.Format),
		Compressed: infos.Compressed,
		Grid:       grid.WebMercatorQuad,
	}

	level.Debug(s.logger).Log("msg", "storage opened", "region", infos.Region, "indexed", infos.IndexTime)

	return s, nil
}

// LoadMapInfos loads map infos from the DB if any
func (s *Storage) LoadMapInfos() (*MapInfos, bool, error) {
	var mapInfos *MapInfos
	err := s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MapKey())
		if b == nil {
			return nil
		}
		value := b.Get(MapKey())
		if value == nil {
			return nil
		}
		mapInfos = &MapInfos{}
		return cbor.Unmarshal(value, mapInfos)
	})
	if err != nil {
		return nil, false, err
	}

	if mapInfos == nil {
		return nil, false, nil
	}

	return mapInfos, true, nil
}

// Finalize drops blobs no tile points to anymore and writes the map infos.
func (s *Storage) Finalize(ctx context.Context, md tile.Metadata) error {
	if s.readOnly {
		return storage.ErrReadOnly
	}

	removed, err := s.collect(ctx)
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	infos := &MapInfos{
		Name:       md.Name,
		CenterLat:  md.Center.Lat(),
		CenterLng:  md.Center.Lon(),
		CenterZoom: int(md.CenterZoom),
		MinZoom:    int(md.MinZoom),
		MaxZoom:    int(md.MaxZoom),
		Region:     s.opts.Tileset,
		IndexTime:  time.Now().UTC(),
		Format:     string(md.Format),
		Compressed: md.Compressed,
		Bounds:     [4]float64{md.Bounds.Min.Lon(), md.Bounds.Min.Lat(), md.Bounds.Max.Lon(), md.Bounds.Max.Lat()},
	}

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	infoBytes, err := em.Marshal(infos)
	if err != nil {
		return fmt.Errorf("failed encoding MapInfos: %w", err)
	}

	err = s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(MapKey()).Put(MapKey(), infoBytes)
	})
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, fmt.Errorf("failed writing MapInfos to DB: %w", err))
	}

	level.Info(s.logger).Log("msg", "map infos written", "region", infos.Region, "orphans_removed", removed)

	return nil
}

func (s *Storage) Close() error {
	return s.DB.Close()
}

var _ storage.TileStore = (*Storage)(nil)
