// Package mbtiles stores tiles in a single SQLite file following the MBTiles 1.3 layout.
// Rows are persisted TMS style, the conversion happens at this package boundary.
package mbtiles

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// DefaultBatchSize is the number of puts grouped in one transaction.
const DefaultBatchSize = 512

const schema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS metadata_name ON metadata (name);
CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

type key struct {
	z    uint8
	x, y uint32
}

// Storage is an MBTiles container. Puts go through a single writer guarded by mu,
// reads run concurrently against the WAL.
type Storage struct {
	db       *sql.DB
	opts     storage.Options
	logger   log.Logger
	path     string
	readOnly bool

	batchSize int

	mu      sync.Mutex
	conn    *sql.Conn
	tx      *sql.Tx
	insert  *sql.Stmt
	pending map[key][]byte
}

// Option configures a Storage.
type Option func(*Storage)

// WithBatchSize sets how many puts are committed together.
func WithBatchSize(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func dsn(path string, readOnly bool) string {
	if readOnly {
		return "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// NewStorage opens or creates the container at path for writing.
func NewStorage(ctx context.Context, logger log.Logger, path string, opts storage.Options, options ...Option) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, storage.OpenError("mbtiles", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, storage.OpenError("mbtiles", path, err)
	}

	s := &Storage{
		db:        db,
		opts:      opts,
		logger:    log.With(logger, "component", "mbtiles", "path", path),
		path:      path,
		batchSize: DefaultBatchSize,
		pending:   make(map[key][]byte),
	}
	for _, o := range options {
		o(s)
	}

	return s, nil
}

// NewROStorage opens an existing container for reading, format and compression are
// taken from its metadata table.
func NewROStorage(ctx context.Context, logger log.Logger, path string) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, storage.OpenError("mbtiles", path, err)
	}

	s := &Storage{
		db:       db,
		logger:   log.With(logger, "component", "mbtiles", "path", path),
		path:     path,
		readOnly: true,
		pending:  make(map[key][]byte),
	}

	md, err := s.ReadMetadata(ctx)
	if err != nil {
		db.Close()
		return nil, storage.OpenError("mbtiles", path, err)
	}

	s.opts = storage.Options{
		Tileset:    md.Name,
		Format:     md.Format,
		Compressed: md.Compressed,
		Grid:       grid.WebMercatorQuad,
	}

	level.Debug(s.logger).Log("msg", "storage opened", "format", md.Format, "maxzoom", md.MaxZoom)

	return s, nil
}

func (s *Storage) Scheme() tile.Scheme { return tile.TMS }

// Format is the tile format stored in the container.
func (s *Storage) Format() tile.Format { return s.opts.Format }

func (s *Storage) row(addr tile.Address) uint32 {
	return s.opts.Grid.FlipY(addr.Z, addr.Y)
}

func (s *Storage) lookupPending(addr tile.Address) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.pending[key{addr.Z, addr.X, addr.Y}]
	return b, ok
}

func (s *Storage) Exists(ctx context.Context, addr tile.Address) (bool, error) {
	if err := s.opts.Grid.Check(addr); err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	if _, ok := s.lookupPending(addr); ok {
		return true, nil
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		addr.Z, addr.X, s.row(addr),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.NewError("exists", addr, err)
	}
	return true, nil
}

func (s *Storage) Get(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	if err := s.opts.Grid.Check(addr); err != nil {
		return nil, storage.ErrNotFound
	}
	if b, ok := s.lookupPending(addr); ok {
		return s.opts.Tile(addr, b), nil
	}

	var b []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		addr.Z, addr.X, s.row(addr),
	).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewError("get", addr, err)
	}
	return s.opts.Tile(addr, b), nil
}

// Put inserts or replaces the tile in the current batch, the batch is committed
// once it reaches the batch size. An acknowledged tile stays in memory until its
// batch commits, a failed batch is replayed into the next transaction.
func (s *Storage) Put(ctx context.Context, t *tile.Tile) error {
	if s.readOnly {
		return storage.NewError("put", t.Address, storage.ErrReadOnly)
	}
	if err := s.opts.Grid.Check(t.Address); err != nil {
		return storage.NewError("put", t.Address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(); err != nil {
		return storage.NewError("put", t.Address, err)
	}

	k := key{t.Z, t.X, t.Y}
	if _, err := s.insert.ExecContext(ctx, t.Z, t.X, s.row(t.Address), t.Data); err != nil {
		// sqlite may have rolled back the whole transaction on its own
		s.abortLocked()
		return storage.NewError("put", t.Address, err)
	}
	prev, replaced := s.pending[k]
	s.pending[k] = t.Data

	if len(s.pending) >= s.batchSize {
		if err := s.commitLocked(); err != nil {
			// this put is reported as failed, the rest of the batch is kept for replay
			if replaced {
				s.pending[k] = prev
			} else {
				delete(s.pending, k)
			}
			return storage.NewError("put", t.Address, err)
		}
	}
	return nil
}

// Flush commits the pending batch.
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked()
}

// beginLocked opens the batch transaction on the writer connection and replays
// the tiles acknowledged but not yet committed.
func (s *Storage) beginLocked() error {
	if s.tx != nil {
		return nil
	}

	// the batch outlives the put that opens it, so it must not follow its ctx
	ctx := context.Background()
	if s.conn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("can't get writer connection: %w", err)
		}
		s.conn = conn
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("can't begin tiles batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("can't prepare tiles batch: %w", err)
	}
	s.tx, s.insert = tx, stmt

	for k, data := range s.pending {
		if _, err := stmt.ExecContext(ctx, k.z, k.x, s.opts.Grid.FlipY(k.z, k.y), data); err != nil {
			s.abortLocked()
			return fmt.Errorf("can't replay tiles batch: %w", err)
		}
	}
	if len(s.pending) > 0 {
		level.Debug(s.logger).Log("msg", "batch replayed", "count", len(s.pending))
	}

	return nil
}

// abortLocked drops the current transaction, pending tiles are kept.
func (s *Storage) abortLocked() {
	if s.tx == nil {
		return
	}
	s.insert.Close()
	s.tx.Rollback()
	s.tx, s.insert = nil, nil
	s.resetConnLocked()
}

// resetConnLocked makes sure no transaction is left open on the writer
// connection, a failed commit can keep it open.
func (s *Storage) resetConnLocked() {
	_, err := s.conn.ExecContext(context.Background(), "ROLLBACK")
	switch {
	case err == nil:
		level.Debug(s.logger).Log("msg", "dangling transaction rolled back")
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Storage) commitLocked() error {
	if s.tx == nil && len(s.pending) == 0 {
		return nil
	}
	if err := s.beginLocked(); err != nil {
		return err
	}

	s.insert.Close()
	if err := s.tx.Commit(); err != nil {
		s.insert = nil
		s.tx.Rollback()
		s.tx = nil
		s.resetConnLocked()
		level.Warn(s.logger).Log("msg", "batch commit failed", "count", len(s.pending), "err", err)
		return fmt.Errorf("can't commit tiles batch: %w", err)
	}
	s.tx, s.insert = nil, nil

	level.Debug(s.logger).Log("msg", "batch committed", "count", len(s.pending))
	s.pending = make(map[key][]byte)

	return nil
}

// Finalize commits the last batch and writes the metadata table.
func (s *Storage) Finalize(ctx context.Context, md tile.Metadata) error {
	if s.readOnly {
		return storage.ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commitLocked(); err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	rows, err := metadataRows(md)
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", r[0], r[1]); err != nil {
			tx.Rollback()
			return storage.NewError("finalize", tile.Address{}, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError("finalize", tile.Address{}, err)
	}

	level.Info(s.logger).Log("msg", "metadata written", "name", md.Name)

	return nil
}

// Close commits any pending batch and closes the database.
func (s *Storage) Close() error {
	var err error
	if !s.readOnly {
		err = s.Flush()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func metadataRows(md tile.Metadata) ([][2]string, error) {
	rows := [][2]string{
		{"name", md.Name},
		{"format", md.Format.Ext()},
		{"bounds", strings.Join([]string{
			formatFloat(md.Bounds.Min.Lon()), formatFloat(md.Bounds.Min.Lat()),
			formatFloat(md.Bounds.Max.Lon()), formatFloat(md.Bounds.Max.Lat()),
		}, ",")},
		{"center", strings.Join([]string{
			formatFloat(md.Center.Lon()), formatFloat(md.Center.Lat()), strconv.Itoa(int(md.CenterZoom)),
		}, ",")},
		{"minzoom", strconv.Itoa(int(md.MinZoom))},
		{"maxzoom", strconv.Itoa(int(md.MaxZoom))},
		{"type", "baselayer"},
	}
	if md.Description != "" {
		rows = append(rows, [2]string{"description", md.Description})
	}
	if md.Attribution != "" {
		rows = append(rows, [2]string{"attribution", md.Attribution})
	}
	if md.Compressed {
		rows = append(rows, [2]string{"compression", "gzip"})
	}

	if md.Format.IsVector() {
		layers := make([]storage.VectorLayer, 0, len(md.VectorLayers))
		for _, l := range md.VectorLayers {
			layers = append(layers, storage.VectorLayer{ID: l, Fields: map[string]string{}})
		}
		b, err := json.Marshal(struct {
			VectorLayers []storage.VectorLayer `json:"vector_layers"`
		}{layers})
		if err != nil {
			return nil, err
		}
		rows = append(rows, [2]string{"json", string(b)})
	}

	return rows, nil
}

// ReadMetadata parses the metadata table.
func (s *Storage) ReadMetadata(ctx context.Context) (tile.Metadata, error) {
	var md tile.Metadata

	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return md, fmt.Errorf("can't read metadata: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return md, fmt.Errorf("can't read metadata: %w", err)
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return md, fmt.Errorf("can't read metadata: %w", err)
	}

	md.Name = values["name"]
	md.Description = values["description"]
	md.Attribution = values["attribution"]
	md.Compressed = values["compression"] == "gzip"

	if f, ok := values["format"]; ok {
		format, err := tile.ParseFormat(f)
		if err != nil {
			return md, fmt.Errorf("invalid metadata format: %w", err)
		}
		md.Format = format
	}
	// vector tiles in mbtiles are gzip encoded unless told otherwise
	if md.Format.IsVector() && values["compression"] == "" {
		md.Compressed = true
	}

	if v, ok := values["bounds"]; ok {
		f, err := parseFloats(v, 4)
		if err != nil {
			return md, fmt.Errorf("invalid metadata bounds %q: %w", v, err)
		}
		md.Bounds = orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}
	}
	if v, ok := values["center"]; ok {
		f, err := parseFloats(v, 3)
		if err != nil {
			return md, fmt.Errorf("invalid metadata center %q: %w", v, err)
		}
		md.Center = orb.Point{f[0], f[1]}
		md.CenterZoom = uint8(f[2])
	}
	if v, ok := values["minzoom"]; ok {
		z, err := strconv.Atoi(v)
		if err != nil {
			return md, fmt.Errorf("invalid metadata minzoom %q: %w", v, err)
		}
		md.MinZoom = uint8(z)
	}
	if v, ok := values["maxzoom"]; ok {
		z, err := strconv.Atoi(v)
		if err != nil {
			return md, fmt.Errorf("invalid metadata maxzoom %q: %w", v, err)
		}
		md.MaxZoom = uint8(z)
	}
	if v, ok := values["json"]; ok {
		var doc struct {
			VectorLayers []storage.VectorLayer `json:"vector_layers"`
		}
		if err := json.Unmarshal([]byte(v), &doc); err == nil {
			for _, l := range doc.VectorLayers {
				md.VectorLayers = append(md.VectorLayers, l.ID)
			}
		}
	}

	return md, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Tiles calls fn for every stored tile with its XYZ address, in zoom, column, row order.
func (s *Storage) Tiles(ctx context.Context, fn func(addr tile.Address) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT zoom_level, tile_column, tile_row FROM tiles ORDER BY zoom_level, tile_column, tile_row")
	if err != nil {
		return fmt.Errorf("can't list tiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var z uint8
		var x, y uint32
		if err := rows.Scan(&z, &x, &y); err != nil {
			return fmt.Errorf("can't list tiles: %w", err)
		}
		addr := tile.Address{Tileset: s.opts.Tileset, Z: z, X: x, Y: s.opts.Grid.FlipY(z, y)}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ storage.TileStore = (*Storage)(nil)
