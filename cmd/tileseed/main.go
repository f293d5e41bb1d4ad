package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/akhenakh/tileseed/config"
	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/loglevel"
	"github.com/akhenakh/tileseed/seed"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/source/archive"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/target"
	"github.com/akhenakh/tileseed/tile"
)

const appName = "tileseed"

var (
	version = "no version from LDFLAGS"

	logLevel   = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")
	configPath = flag.String("config", "", "tilesets and datasources config file")
	tilesetID  = flag.String("tileset", "", "tileset id to seed, defaults to the archive name")
	minZoom    = flag.Int("minzoom", -1, "override the tileset minzoom")
	maxZoom    = flag.Int("maxzoom", -1, "override the tileset maxzoom")

	tilePath = flag.String("tile-path", "", "write into a directory tree")
	mbPath   = flag.String("mb-path", "", "write into an MBTiles file")
	pmPath   = flag.String("pm-path", "", "write into a PMTiles archive")
	s3Path   = flag.String("s3-path", "", "write into a bucket, s3://bucket/prefix")
	kvPath   = flag.String("kv-path", "", "write into a bbolt file")
	noStore  = flag.Bool("no-store", false, "discard tiles, overrides any target path")

	overwrite  = flag.Bool("overwrite", false, "regenerate tiles already stored")
	workers    = flag.Int("workers", 0, "concurrent workers")
	queueSize  = flag.Int("queue-size", 0, "pending addresses buffered ahead of the workers")
	maxRetries = flag.Int("max-retries", 0, "attempts per tile")
	timeout    = flag.Duration("timeout", 0, "timeout of a source call")
	progress   = flag.Bool("progress", true, "display a progress bar")
)

// job is everything a run needs, closers are released once it is done.
type job struct {
	seed    seed.Job
	target  target.Target
	closers []io.Closer
}

func (j *job) close() {
	for _, c := range j.closers {
		c.Close()
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [archive.mbtiles|archive.pmtiles]\n", appName)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	// cancellation drains the run and still finalizes the store
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, cfg, err := prepare(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't prepare run", "error", err)
		os.Exit(2)
	}
	defer j.close()

	j.seed.Open = func(ctx context.Context, opts storage.Options) (storage.TileStore, error) {
		return target.Open(ctx, logger, j.target, opts)
	}

	opts := []seed.Option{seed.WithMetrics(seed.NewMetrics(prometheus.DefaultRegisterer))}
	var bar *pb.ProgressBar
	if *progress {
		var once sync.Once
		opts = append(opts, seed.WithProgress(func(c seed.Counts) {
			once.Do(func() {
				bar = pb.New64(int64(c.Total)).Prefix(j.seed.Tileset.ID + " ")
				bar.Output = os.Stderr
				bar.SetRefreshRate(time.Second)
				bar.Start()
			})
			bar.Set64(int64(c.Processed()))
		}))
	}

	level.Info(logger).Log("msg", "seeding", "tileset", j.seed.Tileset.ID, "target", j.target)

	run, err := seed.New(logger, cfg, opts...).Seed(ctx, j.seed)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		level.Error(logger).Log("msg", "run aborted", "error", err)
		os.Exit(2)
	}

	c := run.Counts()
	fmt.Printf("run %s tileset %s: total %d generated %d skipped %d failed %d in %s\n",
		run.ID, run.Tileset, c.Total, c.Generated, c.Skipped, c.Failed, run.Duration().Round(time.Millisecond))

	if c.Failed > 0 {
		os.Exit(1)
	}
}

// prepare resolves the tileset, its source and the target from the flags and config.
func prepare(ctx context.Context, logger log.Logger) (_ *job, cfg seed.Config, err error) {
	j := &job{}
	cfg = seed.DefaultConfig()
	defer func() {
		if err != nil {
			j.close()
		}
	}()

	var conf *config.Conf
	if *configPath != "" {
		conf, err = config.Load(*configPath)
		if err != nil {
			return nil, cfg, err
		}
		cfg.Workers = conf.Seed.Workers
		cfg.QueueSize = conf.Seed.QueueSize
		cfg.MaxAttempts = conf.Seed.MaxRetries
		cfg.Timeout = conf.Seed.Timeout
		cfg.Overwrite = conf.Seed.Overwrite
	}
	applySeedFlags(&cfg, setFlags())

	t, selected, err := target.Select(target.Flags{
		TilePath: *tilePath,
		MBPath:   *mbPath,
		PMPath:   *pmPath,
		S3Path:   *s3Path,
		KVPath:   *kvPath,
		NoStore:  *noStore,
	})
	if err != nil {
		return nil, cfg, err
	}

	var def config.Tileset
	switch {
	case flag.NArg() > 1:
		return nil, cfg, &tile.ConfigError{Field: "archive", Msg: "a single archive is accepted"}

	case flag.NArg() == 1:
		path := flag.Arg(0)
		var src *archive.Source
		src, err = archive.Open(ctx, logger, path)
		if err != nil {
			return nil, cfg, err
		}
		j.closers = append(j.closers, src)

		id := *tilesetID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		j.seed.Tileset = src.Tileset(id)
		j.seed.Source = src

	default:
		if conf == nil {
			return nil, cfg, &tile.ConfigError{Field: "config", Msg: "a config file or an archive is needed"}
		}
		def, err = conf.Lookup(*tilesetID)
		if err != nil {
			return nil, cfg, err
		}
		var ts tile.Tileset
		ts, err = def.Tileset()
		if err != nil {
			return nil, cfg, err
		}
		var tms *grid.TileMatrixSet
		tms, err = grid.ForTileset(ts)
		if err != nil {
			return nil, cfg, err
		}
		var src source.Source
		var closer io.Closer
		src, closer, err = conf.OpenSource(ctx, logger, def, ts, tms)
		if err != nil {
			return nil, cfg, err
		}
		j.closers = append(j.closers, closer)
		j.seed.Tileset = ts
		j.seed.Source = src
	}

	if err = applyZoomFlags(&j.seed.Tileset, *minZoom, *maxZoom); err != nil {
		return nil, cfg, err
	}

	if !selected && conf != nil && def.ID != "" {
		t, selected, err = conf.Target(def)
		if err != nil {
			return nil, cfg, err
		}
	}
	if !selected {
		return nil, cfg, &tile.ConfigError{Tileset: j.seed.Tileset.ID, Field: "target", Msg: "no target selected and no cache configured"}
	}
	j.target = t

	return j, cfg, nil
}

// setFlags lists the flags given on the command line or through the environment.
func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyZoomFlags overrides the tileset zoom range, negative values keep it.
func applyZoomFlags(ts *tile.Tileset, minZ, maxZ int) error {
	for _, z := range []struct {
		name  string
		value int
		dst   *uint8
	}{{"minzoom", minZ, &ts.MinZoom}, {"maxzoom", maxZ, &ts.MaxZoom}} {
		if z.value < 0 {
			continue
		}
		if z.value > tile.MaxZoom {
			return &tile.ConfigError{Tileset: ts.ID, Field: z.name, Msg: fmt.Sprintf("zoom %d above %d", z.value, tile.MaxZoom)}
		}
		*z.dst = uint8(z.value)
	}
	return nil
}

func applySeedFlags(cfg *seed.Config, set map[string]bool) {
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *queueSize > 0 {
		cfg.QueueSize = *queueSize
	}
	if *maxRetries > 0 {
		cfg.MaxAttempts = *maxRetries
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if set["overwrite"] {
		cfg.Overwrite = *overwrite
	}
}
