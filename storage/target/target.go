// Package target selects and opens the TileStore a run writes into.
package target

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/go-kit/log"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/bbolt"
	"github.com/akhenakh/tileseed/storage/filetree"
	"github.com/akhenakh/tileseed/storage/mbtiles"
	"github.com/akhenakh/tileseed/storage/null"
	"github.com/akhenakh/tileseed/storage/objectstore"
	"github.com/akhenakh/tileseed/storage/pmtiles"
	"github.com/akhenakh/tileseed/tile"
)

// Kind names a backend.
type Kind string

const (
	FileTree Kind = "files"
	MBTiles  Kind = "mbtiles"
	PMTiles  Kind = "pmtiles"
	S3       Kind = "s3"
	KV       Kind = "kv"
	Null     Kind = "null"
)

// ParseKind accepts backend names used in config files.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case FileTree, MBTiles, PMTiles, S3, KV, Null:
		return k, nil
	case "filetree", "file", "dir":
		return FileTree, nil
	case "nostore", "none":
		return Null, nil
	}
	return "", fmt.Errorf("unknown store kind %q", s)
}

// Target is a backend and its location.
type Target struct {
	Kind Kind
	Path string
}

func (t Target) String() string {
	if t.Path == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Path
}

// Flags are the target selectors of the seeding command line.
type Flags struct {
	TilePath string
	MBPath   string
	PMPath   string
	S3Path   string
	KVPath   string
	NoStore  bool
}

// Select resolves the command line selectors. NoStore always selects the Null backend,
// whatever path is also given. Two paths are ambiguous and rejected.
// ok is false when nothing was selected and the caller must fall back to its config.
func Select(f Flags) (t Target, ok bool, err error) {
	if f.NoStore {
		return Target{Kind: Null}, true, nil
	}

	var selected []Target
	for _, c := range []Target{
		{FileTree, f.TilePath},
		{MBTiles, f.MBPath},
		{PMTiles, f.PMPath},
		{S3, f.S3Path},
		{KV, f.KVPath},
	} {
		if c.Path != "" {
			selected = append(selected, c)
		}
	}

	switch len(selected) {
	case 0:
		return Target{}, false, nil
	case 1:
		return selected[0], true, nil
	}

	names := make([]string, len(selected))
	for i, s := range selected {
		names[i] = s.String()
	}
	return Target{}, false, &tile.ConfigError{
		Field: "target",
		Msg:   "more than one target selected: " + strings.Join(names, ", "),
	}
}

// Open opens or creates the store t points to, failures wrap storage.ErrOpen.
func Open(ctx context.Context, logger log.Logger, t Target, opts storage.Options) (storage.TileStore, error) {
	if t.Kind != Null && t.Path == "" {
		return nil, &tile.ConfigError{Tileset: opts.Tileset, Field: "target", Msg: fmt.Sprintf("missing path for %s store", t.Kind)}
	}

	switch t.Kind {
	case Null:
		return null.NewStorage(), nil
	case FileTree:
		return filetree.NewStorage(logger, t.Path, opts)
	case MBTiles:
		return mbtiles.NewStorage(ctx, logger, t.Path, opts)
	case PMTiles:
		return pmtiles.NewStorage(ctx, logger, t.Path, opts)
	case S3:
		return objectstore.NewStorage(ctx, logger, t.Path, opts)
	case KV:
		return bbolt.NewStorage(logger, t.Path, opts)
	}
	return nil, &tile.ConfigError{Tileset: opts.Tileset, Field: "target", Msg: fmt.Sprintf("unknown store kind %q", t.Kind)}
}

// OpenArchive opens an existing single file container for reading, the kind is
// guessed from the extension.
func OpenArchive(ctx context.Context, logger log.Logger, path string) (storage.TileStore, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mbtiles":
		return mbtiles.NewROStorage(ctx, logger, path)
	case ".pmtiles":
		return pmtiles.NewReader(ctx, logger, path)
	case ".db", ".kv", ".bolt":
		return bbolt.NewROStorage(logger, path)
	}
	return nil, storage.OpenError("archive", path, fmt.Errorf("unknown archive extension %q", filepath.Ext(path)))
}
