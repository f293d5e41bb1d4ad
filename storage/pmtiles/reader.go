package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// metadataJSON is the JSON metadata block of archives written by this package.
type metadataJSON struct {
	Name         string                `json:"name"`
	Description  string                `json:"description,omitempty"`
	Attribution  string                `json:"attribution,omitempty"`
	Type         string                `json:"type,omitempty"`
	VectorLayers []storage.VectorLayer `json:"vector_layers,omitempty"`
}

// Reader serves tiles of an archive through range requests, it is read only.
type Reader struct {
	bucket *blob.Bucket
	key    string
	header HeaderV3
	root   []EntryV3
	opts   storage.Options
	logger log.Logger
	closer func() error

	mu     sync.Mutex
	leaves map[uint64][]EntryV3
}

// splitURL turns an archive location into a bucket URL and a key,
// plain paths are served from the local filesystem.
func splitURL(loc string) (string, string, error) {
	if !strings.Contains(loc, "://") {
		abs, err := filepath.Abs(loc)
		if err != nil {
			return "", "", err
		}
		return "file://" + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
	}

	u, err := url.Parse(loc)
	if err != nil {
		return "", "", err
	}
	key := path.Base(u.Path)
	dir := path.Dir(u.Path)
	if dir == "." || dir == "/" {
		dir = ""
	}
	if u.Scheme == "file" && dir == "" {
		dir = "/"
	}
	u.Path = dir
	return u.String(), key, nil
}

// NewReader opens the archive at loc, a local path or any gocloud blob URL
// such as s3://bucket/tiles/world.pmtiles?region=eu-west-1.
func NewReader(ctx context.Context, logger log.Logger, loc string) (*Reader, error) {
	bucketURL, key, err := splitURL(loc)
	if err != nil {
		return nil, storage.OpenError("pmtiles", loc, err)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, storage.OpenError("pmtiles", loc, err)
	}

	r, err := NewBucketReader(ctx, logger, bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	r.closer = bucket.Close

	return r, nil
}

// NewBucketReader opens the archive stored under key, the bucket stays owned by the caller.
func NewBucketReader(ctx context.Context, logger log.Logger, bucket *blob.Bucket, key string) (*Reader, error) {
	r := &Reader{
		bucket: bucket,
		key:    key,
		logger: log.With(logger, "component", "pmtiles", "key", key),
		leaves: make(map[uint64][]EntryV3),
	}

	b, err := r.readRange(ctx, 0, HeaderV3Len)
	if err != nil {
		return nil, storage.OpenError("pmtiles", key, err)
	}

	header, err := deserializeHeader(b)
	if err != nil {
		return nil, storage.OpenError("pmtiles", key, err)
	}
	r.header = header

	b, err = r.readRange(ctx, header.RootOffset, header.RootLength)
	if err != nil {
		return nil, storage.OpenError("pmtiles", key, err)
	}
	r.root, err = deserializeEntries(b)
	if err != nil {
		return nil, storage.OpenError("pmtiles", key, err)
	}

	r.opts = storage.Options{
		Tileset:    strings.TrimSuffix(key, path.Ext(key)),
		Format:     header.TileType.Format(),
		Compressed: header.TileCompression == Gzip,
		Grid:       grid.WebMercatorQuad,
	}

	level.Debug(r.logger).Log("msg", "storage opened", "tile_type", header.TileType, "entries", header.TileEntriesCount)

	return r, nil
}

func (r *Reader) readRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	rr, err := r.bucket.NewRangeReader(ctx, r.key, int64(offset), int64(length), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", r.key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("range reader error: %w", err)
	}
	defer rr.Close()

	b, err := io.ReadAll(rr)
	if err != nil {
		return nil, fmt.Errorf("can't read bucket: %w", err)
	}
	if uint64(len(b)) != length {
		return nil, fmt.Errorf("short read at %d: got %d bytes, want %d", offset, len(b), length)
	}
	return b, nil
}

func (r *Reader) leaf(ctx context.Context, e EntryV3) ([]EntryV3, error) {
	r.mu.Lock()
	dir, ok := r.leaves[e.Offset]
	r.mu.Unlock()
	if ok {
		return dir, nil
	}

	b, err := r.readRange(ctx, r.header.LeafDirectoryOffset+e.Offset, uint64(e.Length))
	if err != nil {
		return nil, err
	}
	dir, err = deserializeEntries(b)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.leaves[e.Offset] = dir
	r.mu.Unlock()

	return dir, nil
}

func (r *Reader) lookup(ctx context.Context, tileID uint64) (EntryV3, bool, error) {
	dir := r.root
	for depth := 0; depth <= 3; depth++ {
		entry, ok := findTile(dir, tileID)
		if !ok {
			return EntryV3{}, false, nil
		}
		if entry.RunLength > 0 {
			return entry, true, nil
		}

		var err error
		dir, err = r.leaf(ctx, entry)
		if err != nil {
			return EntryV3{}, false, err
		}
	}
	return EntryV3{}, false, nil
}

// Header returns the archive header.
func (r *Reader) Header() HeaderV3 { return r.header }

// Format is the tile format of the archive.
func (r *Reader) Format() tile.Format { return r.opts.Format }

func (r *Reader) Scheme() tile.Scheme { return tile.XYZ }

func (r *Reader) Exists(ctx context.Context, addr tile.Address) (bool, error) {
	if addr.Z < r.header.MinZoom || addr.Z > r.header.MaxZoom || r.opts.Grid.Check(addr) != nil {
		return false, nil
	}
	_, ok, err := r.lookup(ctx, pmtiles.ZxyToId(addr.Z, addr.X, addr.Y))
	if err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	return ok, nil
}

// ReadTileData returns the stored bytes of a tile.
func (r *Reader) ReadTileData(ctx context.Context, addr tile.Address) ([]byte, error) {
	if addr.Z < r.header.MinZoom || addr.Z > r.header.MaxZoom || r.opts.Grid.Check(addr) != nil {
		return nil, storage.ErrNotFound
	}

	entry, ok, err := r.lookup(ctx, pmtiles.ZxyToId(addr.Z, addr.X, addr.Y))
	if err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	if !ok {
		return nil, storage.ErrNotFound
	}

	b, err := r.readRange(ctx, r.header.TileDataOffset+entry.Offset, uint64(entry.Length))
	if err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	return b, nil
}

func (r *Reader) Get(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	b, err := r.ReadTileData(ctx, addr)
	if err != nil {
		return nil, err
	}
	return r.opts.Tile(addr, b), nil
}

func (r *Reader) Put(_ context.Context, t *tile.Tile) error {
	return storage.NewError("put", t.Address, storage.ErrReadOnly)
}

func (r *Reader) Finalize(context.Context, tile.Metadata) error {
	return storage.ErrReadOnly
}

func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

// Metadata combines the header and the JSON metadata block.
func (r *Reader) Metadata(ctx context.Context) (tile.Metadata, error) {
	md := tile.Metadata{
		Format:     r.opts.Format,
		Compressed: r.opts.Compressed,
		Bounds:     r.header.Bounds(),
		Center:     r.header.Center(),
		CenterZoom: r.header.CenterZoom,
		MinZoom:    r.header.MinZoom,
		MaxZoom:    r.header.MaxZoom,
	}
	if r.header.MetadataLength == 0 {
		return md, nil
	}

	b, err := r.readRange(ctx, r.header.MetadataOffset, r.header.MetadataLength)
	if err != nil {
		return md, err
	}

	var rd io.Reader = bytes.NewReader(b)
	if r.header.InternalCompression == Gzip {
		gz, err := gzip.NewReader(rd)
		if err != nil {
			return md, fmt.Errorf("invalid metadata: %w", err)
		}
		defer gz.Close()
		rd = gz
	}

	var doc metadataJSON
	if err := json.NewDecoder(rd).Decode(&doc); err != nil {
		return md, fmt.Errorf("invalid metadata: %w", err)
	}

	md.Name = doc.Name
	md.Description = doc.Description
	md.Attribution = doc.Attribution
	for _, l := range doc.VectorLayers {
		md.VectorLayers = append(md.VectorLayers, l.ID)
	}

	return md, nil
}

// Walk calls fn for every tile entry in tile id order.
func (r *Reader) Walk(ctx context.Context, fn func(e EntryV3) error) error {
	return r.walk(ctx, r.root, 0, fn)
}

func (r *Reader) walk(ctx context.Context, dir []EntryV3, depth int, fn func(e EntryV3) error) error {
	if depth > 3 {
		return fmt.Errorf("directory nesting too deep")
	}
	for _, e := range dir {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.RunLength > 0 {
			if err := fn(e); err != nil {
				return err
			}
			continue
		}

		leaf, err := r.leaf(ctx, e)
		if err != nil {
			return err
		}
		if err := r.walk(ctx, leaf, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Tiles calls fn for every addressed tile, runs are expanded.
func (r *Reader) Tiles(ctx context.Context, fn func(addr tile.Address) error) error {
	return r.Walk(ctx, func(e EntryV3) error {
		for i := uint64(0); i < uint64(e.RunLength); i++ {
			z, x, y := pmtiles.IdToZxy(e.TileId + i)
			if err := fn(tile.Address{Tileset: r.opts.Tileset, Z: z, X: x, Y: y}); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ storage.TileStore = (*Reader)(nil)
