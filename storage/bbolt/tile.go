package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.etcd.io/bbolt"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

func urlKey(z uint8, x, y uint32) []byte {
	return []byte(fmt.Sprintf("%c%d/%d/%d", TilesURLPrefix, z, x, y))
}

func blobKey(hash []byte) []byte {
	tk := []byte{TilesPrefix}
	return append(tk, hash...)
}

func (s *Storage) Scheme() tile.Scheme { return tile.XYZ }

// Format is the tile format of the store.
func (s *Storage) Format() tile.Format { return s.opts.Format }

func (s *Storage) Exists(_ context.Context, addr tile.Address) (bool, error) {
	var ok bool
	err := s.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(MapKey()).Get(urlKey(addr.Z, addr.X, addr.Y)) != nil
		return nil
	})
	if err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	return ok, nil
}

// ReadTileData returns []bytes from a tile, nil when missing
func (s *Storage) ReadTileData(z uint8, x, y uint32) ([]byte, error) {
	var v []byte
	err := s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MapKey())

		h := b.Get(urlKey(z, x, y))
		if h == nil {
			return nil
		}

		blob := b.Get(blobKey(h))
		if blob == nil {
			return errors.New("can't find blob at existing entry")
		}
		// bbolt values are only valid during the transaction
		v = append([]byte(nil), blob...)
		return nil
	})

	return v, err
}

func (s *Storage) Get(_ context.Context, addr tile.Address) (*tile.Tile, error) {
	b, err := s.ReadTileData(addr.Z, addr.X, addr.Y)
	if err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	if b == nil {
		return nil, storage.ErrNotFound
	}
	return s.opts.Tile(addr, b), nil
}

// Put stores the content under its hash, concurrent puts are coalesced by db.Batch.
func (s *Storage) Put(_ context.Context, t *tile.Tile) error {
	if s.readOnly {
		return storage.NewError("put", t.Address, storage.ErrReadOnly)
	}

	hash := make([]byte, 8)
	binary.BigEndian.PutUint64(hash, xxhash.Sum64(t.Data))

	err := s.Batch(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MapKey())
		if b.Get(blobKey(hash)) == nil {
			if err := b.Put(blobKey(hash), t.Data); err != nil {
				return err
			}
		}
		return b.Put(urlKey(t.Z, t.X, t.Y), hash)
	})
	if err != nil {
		return storage.NewError("put", t.Address, err)
	}
	return nil
}

// collect removes blobs left behind by overwritten tiles.
func (s *Storage) collect(ctx context.Context) (int, error) {
	removed := 0
	err := s.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MapKey())

		used := make(map[string]struct{})
		c := b.Cursor()
		prefix := []byte{TilesURLPrefix}
		for k, v := c.Seek(prefix); k != nil && k[0] == TilesURLPrefix; k, v = c.Next() {
			used[string(v)] = struct{}{}
		}

		var orphans [][]byte
		prefix = []byte{TilesPrefix}
		for k, _ := c.Seek(prefix); k != nil && k[0] == TilesPrefix; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, ok := used[string(k[1:])]; !ok {
				orphans = append(orphans, append([]byte(nil), k...))
			}
		}

		for _, k := range orphans {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(orphans)
		return nil
	})
	return removed, err
}
