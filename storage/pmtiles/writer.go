package pmtiles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"gocloud.dev/blob/fileblob"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// staged locates the content of a tile inside the spill file.
type staged struct {
	offset int64
	length uint32
	hash   uint64
}

// Storage builds an archive in two phases: puts append content to a spill file and
// index it by tile id, Finalize sorts, dedups and writes the archive.
// The archive file only appears at path once Finalize succeeded.
type Storage struct {
	path   string
	opts   storage.Options
	logger log.Logger

	mu      sync.Mutex
	spill   *os.File
	size    int64
	entries map[uint64]staged
}

// NewStorage prepares a builder for path. An existing archive is loaded into the
// staging area so a new run can skip and extend it.
func NewStorage(ctx context.Context, logger log.Logger, path string, opts storage.Options) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storage.OpenError("pmtiles", path, err)
	}

	spill, err := os.CreateTemp(dir, ".spill-"+filepath.Base(path)+"-*")
	if err != nil {
		return nil, storage.OpenError("pmtiles", path, err)
	}

	s := &Storage{
		path:    path,
		opts:    opts,
		logger:  log.With(logger, "component", "pmtiles", "path", path),
		spill:   spill,
		entries: make(map[uint64]staged),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(ctx); err != nil {
			s.Close()
			return nil, storage.OpenError("pmtiles", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.Close()
		return nil, storage.OpenError("pmtiles", path, err)
	}

	return s, nil
}

func (s *Storage) load(ctx context.Context) error {
	bucket, err := fileblob.OpenBucket(filepath.Dir(s.path), nil)
	if err != nil {
		return err
	}
	defer bucket.Close()

	r, err := NewBucketReader(ctx, s.logger, bucket, filepath.Base(s.path))
	if err != nil {
		return err
	}

	if f := r.Format(); f != "" && f != s.opts.Format {
		return fmt.Errorf("existing archive holds %s tiles, not %s", f, s.opts.Format)
	}

	var count int
	err = r.Walk(ctx, func(e EntryV3) error {
		b, err := r.readRange(ctx, r.header.TileDataOffset+e.Offset, uint64(e.Length))
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		st, err := s.appendLocked(b)
		if err != nil {
			return err
		}
		for i := uint64(0); i < uint64(e.RunLength); i++ {
			s.entries[e.TileId+i] = st
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	level.Info(s.logger).Log("msg", "existing archive loaded", "tiles", count)

	return nil
}

func (s *Storage) appendLocked(data []byte) (staged, error) {
	n, err := s.spill.WriteAt(data, s.size)
	if err != nil {
		return staged{}, err
	}

	st := staged{offset: s.size, length: uint32(n), hash: xxhash.Sum64(data)}
	s.size += int64(n)
	return st, nil
}

func (s *Storage) Scheme() tile.Scheme { return tile.XYZ }

// Format is the tile format of the archive.
func (s *Storage) Format() tile.Format { return s.opts.Format }

func (s *Storage) Exists(_ context.Context, addr tile.Address) (bool, error) {
	if err := s.opts.Grid.Check(addr); err != nil {
		return false, storage.NewError("exists", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[pmtiles.ZxyToId(addr.Z, addr.X, addr.Y)]
	return ok, nil
}

func (s *Storage) Get(_ context.Context, addr tile.Address) (*tile.Tile, error) {
	if err := s.opts.Grid.Check(addr); err != nil {
		return nil, storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[pmtiles.ZxyToId(addr.Z, addr.X, addr.Y)]
	if !ok {
		return nil, storage.ErrNotFound
	}

	b := make([]byte, st.length)
	if _, err := s.spill.ReadAt(b, st.offset); err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	return s.opts.Tile(addr, b), nil
}

// Put stages the tile, a previous content for the same address is forgotten.
func (s *Storage) Put(_ context.Context, t *tile.Tile) error {
	if err := s.opts.Grid.Check(t.Address); err != nil {
		return storage.NewError("put", t.Address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.appendLocked(t.Data)
	if err != nil {
		return storage.NewError("put", t.Address, err)
	}
	s.entries[pmtiles.ZxyToId(t.Z, t.X, t.Y)] = st

	return nil
}

type content struct {
	offset int64
	length uint32
}

// layout orders staged tiles by tile id, which follows zoom then Hilbert order,
// merges identical consecutive contents into runs and dedups repeated contents.
func (s *Storage) layout() (entries []EntryV3, contents []content, dataLen uint64) {
	ids := make([]uint64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type seenKey struct {
		hash   uint64
		length uint32
	}
	seen := make(map[seenKey]uint64)

	for _, id := range ids {
		st := s.entries[id]
		k := seenKey{st.hash, st.length}

		offset, ok := seen[k]
		if !ok {
			offset = dataLen
			seen[k] = offset
			contents = append(contents, content{st.offset, st.length})
			dataLen += uint64(st.length)
		}

		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if last.Offset == offset && last.TileId+uint64(last.RunLength) == id {
				last.RunLength++
				continue
			}
		}
		entries = append(entries, EntryV3{TileId: id, Offset: offset, Length: st.length, RunLength: 1})
	}

	return entries, contents, dataLen
}

func encodeMetadata(md tile.Metadata) ([]byte, error) {
	doc := metadataJSON{
		Name:        md.Name,
		Description: md.Description,
		Attribution: md.Attribution,
		Type:        "baselayer",
	}
	for _, l := range md.VectorLayers {
		doc.VectorLayers = append(doc.VectorLayers, storage.VectorLayer{ID: l, Fields: map[string]string{}})
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Finalize writes header, root directory, metadata, leaf directories then tile data
// into a temporary file renamed over path.
func (s *Storage) Finalize(ctx context.Context, md tile.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, contents, dataLen := s.layout()

	root, leaves, numLeaves, err := optimizeDirectories(entries, maxRootLen-HeaderV3Len)
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, fmt.Errorf("can't build directories: %w", err))
	}

	meta, err := encodeMetadata(md)
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, fmt.Errorf("can't encode metadata: %w", err))
	}

	h := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3Len,
		RootLength:          uint64(len(root)),
		MetadataOffset:      HeaderV3Len + uint64(len(root)),
		MetadataLength:      uint64(len(meta)),
		LeafDirectoryLength: uint64(len(leaves)),
		TileDataLength:      dataLen,
		AddressedTilesCount: uint64(len(s.entries)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(contents)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     NoCompression,
		TileType:            tileTypeOf(s.opts.Format),
	}
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	if s.opts.Compressed {
		h.TileCompression = Gzip
	}
	h.setMetadata(md)

	if err := s.writeArchive(ctx, h, root, meta, leaves, contents); err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	level.Info(s.logger).Log(
		"msg", "archive written",
		"addressed", h.AddressedTilesCount,
		"entries", h.TileEntriesCount,
		"contents", h.TileContentsCount,
		"leaves", numLeaves,
	)

	return nil
}

func (s *Storage) writeArchive(ctx context.Context, h HeaderV3, root, meta, leaves []byte, contents []content) error {
	f, err := os.CreateTemp(filepath.Dir(s.path), ".tmp-"+filepath.Base(s.path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	w := bufio.NewWriterSize(f, 1<<20)
	for _, b := range [][]byte{serializeHeader(h), root, meta, leaves} {
		if _, err := w.Write(b); err != nil {
			return fail(err)
		}
	}

	var buf []byte
	for i, c := range contents {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		if cap(buf) < int(c.length) {
			buf = make([]byte, c.length)
		}
		buf = buf[:c.length]
		if _, err := s.spill.ReadAt(buf, c.offset); err != nil {
			return fail(err)
		}
		if _, err := w.Write(buf); err != nil {
			return fail(err)
		}
	}

	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Close discards the staging area.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spill == nil {
		return nil
	}
	name := s.spill.Name()
	err := s.spill.Close()
	s.spill = nil
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}

var _ storage.TileStore = (*Storage)(nil)
