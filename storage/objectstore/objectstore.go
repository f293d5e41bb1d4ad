// Package objectstore stores tiles as independent objects of an S3 compatible bucket
// under {prefix}/{tileset}/{z}/{x}/{y}.{ext}.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// MetadataKey is the object written by Finalize next to the tiles.
const MetadataKey = "metadata.json"

// Storage puts every tile with its own request, no local lock is shared.
// A Get right after a Put may not observe it on eventually consistent stores.
type Storage struct {
	bucket *blob.Bucket
	prefix string
	opts   storage.Options
	logger log.Logger
	closer func() error
}

// ParseURL splits s3://bucket/some/prefix?region=x into a bucket URL and a key prefix.
func ParseURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("invalid object store url %q", raw)
	}
	prefix := strings.Trim(u.Path, "/")
	u.Path = ""
	return u.String(), prefix, nil
}

// NewStorage opens the bucket named by rawURL.
func NewStorage(ctx context.Context, logger log.Logger, rawURL string, opts storage.Options) (*Storage, error) {
	bucketURL, prefix, err := ParseURL(rawURL)
	if err != nil {
		return nil, storage.OpenError("objectstore", rawURL, err)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, storage.OpenError("objectstore", rawURL, err)
	}

	ok, err := bucket.IsAccessible(ctx)
	if err != nil || !ok {
		bucket.Close()
		if err == nil {
			err = fmt.Errorf("bucket %s not accessible", bucketURL)
		}
		return nil, storage.OpenError("objectstore", rawURL, err)
	}

	s := NewBucketStorage(logger, bucket, prefix, opts)
	s.closer = bucket.Close

	return s, nil
}

// NewBucketStorage uses an already opened bucket, which stays owned by the caller.
func NewBucketStorage(logger log.Logger, bucket *blob.Bucket, prefix string, opts storage.Options) *Storage {
	prefix = strings.Trim(prefix, "/")
	return &Storage{
		bucket: bucket,
		prefix: prefix,
		opts:   opts,
		logger: log.With(logger, "component", "objectstore", "prefix", prefix),
	}
}

// Key returns the object key of addr.
func (s *Storage) Key(addr tile.Address) string {
	return path.Join(
		s.prefix,
		s.opts.Tileset,
		strconv.Itoa(int(addr.Z)),
		strconv.FormatUint(uint64(addr.X), 10),
		strconv.FormatUint(uint64(addr.Y), 10)+"."+s.opts.Format.Ext(),
	)
}

func (s *Storage) Scheme() tile.Scheme { return tile.XYZ }

func (s *Storage) Exists(ctx context.Context, addr tile.Address) (bool, error) {
	ok, err := s.bucket.Exists(ctx, s.Key(addr))
	if err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	return ok, nil
}

func (s *Storage) Get(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	b, err := s.bucket.ReadAll(ctx, s.Key(addr))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewError("get", addr, err)
	}
	return s.opts.Tile(addr, b), nil
}

func (s *Storage) writerOptions() *blob.WriterOptions {
	wo := &blob.WriterOptions{ContentType: s.opts.Format.ContentType()}
	if s.opts.Compressed {
		wo.ContentEncoding = "gzip"
	}
	return wo
}

func (s *Storage) Put(ctx context.Context, t *tile.Tile) error {
	if err := s.bucket.WriteAll(ctx, s.Key(t.Address), t.Data, s.writerOptions()); err != nil {
		return storage.NewError("put", t.Address, err)
	}
	return nil
}

// Finalize writes a TileJSON document under {prefix}/{tileset}/metadata.json.
func (s *Storage) Finalize(ctx context.Context, md tile.Metadata) error {
	b, err := json.Marshal(storage.NewDocument(md, tile.XYZ))
	if err != nil {
		return fmt.Errorf("can't encode metadata: %w", err)
	}

	key := path.Join(s.prefix, s.opts.Tileset, MetadataKey)
	if err := s.bucket.WriteAll(ctx, key, b, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	level.Debug(s.logger).Log("msg", "metadata written", "key", key)

	return nil
}

// ReadMetadata reads back the document written by Finalize.
func (s *Storage) ReadMetadata(ctx context.Context) (tile.Metadata, error) {
	b, err := s.bucket.ReadAll(ctx, path.Join(s.prefix, s.opts.Tileset, MetadataKey))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return tile.Metadata{}, storage.ErrNotFound
		}
		return tile.Metadata{}, err
	}

	var doc storage.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return tile.Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return doc.Metadata(), nil
}

func (s *Storage) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

var _ storage.TileStore = (*Storage)(nil)
