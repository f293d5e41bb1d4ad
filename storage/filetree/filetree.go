// Package filetree stores tiles as plain files under {root}/{z}/{x}/{y}.{ext}.
package filetree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// MetadataFile is written at the root by Finalize.
const MetadataFile = "metadata.json"

// Storage is a directory tree, every tile is an independent file so no lock is shared.
type Storage struct {
	root   string
	opts   storage.Options
	logger log.Logger
}

// NewStorage creates root if needed.
func NewStorage(logger log.Logger, root string, opts storage.Options) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storage.OpenError("filetree", root, err)
	}

	return &Storage{
		root:   root,
		opts:   opts,
		logger: log.With(logger, "component", "filetree", "root", root),
	}, nil
}

// Path returns the file holding addr.
func (s *Storage) Path(addr tile.Address) string {
	return filepath.Join(
		s.root,
		strconv.Itoa(int(addr.Z)),
		strconv.FormatUint(uint64(addr.X), 10),
		strconv.FormatUint(uint64(addr.Y), 10)+"."+s.opts.Format.Ext(),
	)
}

func (s *Storage) Scheme() tile.Scheme { return tile.XYZ }

func (s *Storage) Exists(ctx context.Context, addr tile.Address) (bool, error) {
	_, err := os.Stat(s.Path(addr))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	return true, nil
}

func (s *Storage) Get(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	b, err := os.ReadFile(s.Path(addr))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	return s.opts.Tile(addr, b), nil
}

// Put writes into a temporary file of the same directory then renames it in place,
// readers never observe a partial tile.
func (s *Storage) Put(ctx context.Context, t *tile.Tile) error {
	p := s.Path(t.Address)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return storage.NewError("put", t.Address, err)
	}
	if err := writeAtomic(p, t.Data); err != nil {
		return storage.NewError("put", t.Address, err)
	}
	return nil
}

// Finalize writes a metadata.json document describing the tree.
func (s *Storage) Finalize(ctx context.Context, md tile.Metadata) error {
	b, err := json.MarshalIndent(storage.NewDocument(md, tile.XYZ), "", "  ")
	if err != nil {
		return fmt.Errorf("can't encode metadata: %w", err)
	}

	if err := writeAtomic(filepath.Join(s.root, MetadataFile), b); err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	level.Debug(s.logger).Log("msg", "metadata written", "name", md.Name)

	return nil
}

func (s *Storage) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}

	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

var _ storage.TileStore = (*Storage)(nil)
