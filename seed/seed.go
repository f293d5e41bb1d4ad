// Package seed walks the pyramid of a tileset and writes what a source produces
// into a store, with a bounded pool of workers.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/source"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/tile"
)

// Config tunes a Seeder.
type Config struct {
	Workers   int
	QueueSize int
	// MaxAttempts is the number of tries per tile, the first one included.
	MaxAttempts int
	// Timeout bounds each call to the source.
	Timeout   time.Duration
	Overwrite bool

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the settings used when a field is left to zero.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       64,
		MaxAttempts:     3,
		Timeout:         30 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = max(d.MaxInterval, c.InitialInterval)
	}
}

// Job is what a run seeds: the tileset, where content comes from and how to open
// the store it goes to.
type Job struct {
	Tileset tile.Tileset
	Source  source.Source
	Open    func(ctx context.Context, opts storage.Options) (storage.TileStore, error)
}

// Option configures a Seeder.
type Option func(*Seeder)

// WithMetrics records tile outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Seeder) { s.metrics = m }
}

// WithProgress calls fn once the total is known and after every processed tile.
// fn is called concurrently from the workers.
func WithProgress(fn func(c Counts)) Option {
	return func(s *Seeder) { s.progress = fn }
}

// Seeder runs seeding jobs.
type Seeder struct {
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
	progress func(c Counts)
}

// New returns a Seeder, zero config fields take their default.
func New(logger log.Logger, cfg Config, opts ...Option) *Seeder {
	cfg.setDefaults()
	s := &Seeder{
		cfg:    cfg,
		logger: log.With(logger, "component", "seed"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type outcome string

const (
	generated outcome = "generated"
	skipped   outcome = "skipped"
	failed    outcome = "failed"
	abandoned outcome = "abandoned"
)

// Seed runs job until the pyramid is exhausted or ctx is cancelled.
// Cancelling ctx stops dispatching, lets in flight tiles finish and finalizes the store.
// An error is returned only for a run that could not start or could not finalize,
// failed tiles are reported through the counts.
func (s *Seeder) Seed(ctx context.Context, job Job) (*Run, error) {
	run := &Run{
		ID:        shortid.MustGenerate(),
		Tileset:   job.Tileset.ID,
		Overwrite: s.cfg.Overwrite,
		Started:   time.Now(),
	}
	logger := log.With(s.logger, "run", run.ID, "tileset", run.Tileset)

	abort := func(err error) (*Run, error) {
		run.setState(Aborted)
		run.finished.Store(time.Now().UnixNano())
		level.Error(logger).Log("msg", "run aborted", "error", err)
		return run, err
	}

	tms, err := grid.ForTileset(job.Tileset)
	if err != nil {
		return abort(err)
	}
	if job.Source == nil || job.Open == nil {
		return abort(&tile.ConfigError{Tileset: job.Tileset.ID, Field: "source", Msg: "missing source or store"})
	}

	store, err := job.Open(ctx, storage.OptionsFromTileset(job.Tileset, tms))
	if err != nil {
		if !errors.Is(err, storage.ErrOpen) {
			var cerr *tile.ConfigError
			if !errors.As(err, &cerr) {
				err = fmt.Errorf("%w: %w", storage.ErrOpen, err)
			}
		}
		return abort(err)
	}

	walker := grid.NewWalker(tms, job.Tileset)
	run.total.Store(walker.Count())
	run.setState(Running)

	level.Info(logger).Log(
		"msg", "run started",
		"total", run.total.Load(),
		"minzoom", job.Tileset.MinZoom,
		"maxzoom", job.Tileset.MaxZoom,
		"workers", s.cfg.Workers,
		"overwrite", s.cfg.Overwrite,
	)
	s.report(run)

	queue := make(chan tile.Address, s.cfg.QueueSize)

	var g errgroup.Group

	g.Go(func() error {
		defer close(queue)
		defer run.setState(Draining)

		for addr, ok := walker.Next(); ok; addr, ok = walker.Next() {
			select {
			case <-ctx.Done():
				level.Warn(logger).Log("msg", "run cancelled, draining")
				return nil
			case queue <- addr:
			}
		}
		return nil
	})

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for addr := range queue {
				// queued addresses are dropped once cancelled
				if ctx.Err() != nil {
					continue
				}
				s.process(ctx, logger, run, job.Source, store, addr)
			}
			return nil
		})
	}

	_ = g.Wait()

	md := tile.MetadataFromTileset(job.Tileset, tms.WGS84Bounds)
	if err := store.Finalize(context.WithoutCancel(ctx), md); err != nil {
		store.Close()
		return abort(fmt.Errorf("can't finalize store: %w", err))
	}
	if err := store.Close(); err != nil {
		return abort(fmt.Errorf("can't close store: %w", err))
	}

	run.setState(Completed)
	run.finished.Store(time.Now().UnixNano())

	c := run.Counts()
	level.Info(logger).Log(
		"msg", "run completed",
		"total", c.Total,
		"generated", c.Generated,
		"skipped", c.Skipped,
		"failed", c.Failed,
		"cancelled", ctx.Err() != nil,
		"duration", run.Duration(),
	)

	return run, nil
}

func (s *Seeder) report(run *Run) {
	if s.progress != nil {
		s.progress(run.Counts())
	}
}

func (s *Seeder) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialInterval
	exp.MaxInterval = s.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.MaxAttempts-1)), ctx)
}

// process takes one address to an outcome. Attempts run detached from ctx so a
// write is never interrupted, ctx only stops further retries.
func (s *Seeder) process(ctx context.Context, logger log.Logger, run *Run, src source.Source, store storage.TileStore, addr tile.Address) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.inflight.Inc()
		defer s.metrics.inflight.Dec()
	}

	result := failed
	attempts := 0
	attemptCtx := context.WithoutCancel(ctx)

	op := func() error {
		attempts++
		if s.metrics != nil {
			s.metrics.attempts.WithLabelValues(run.Tileset).Inc()
		}

		r, err := s.attempt(attemptCtx, src, store, addr)
		if err != nil {
			if !source.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	notify := func(err error, next time.Duration) {
		level.Debug(logger).Log("msg", "retrying tile", "tile", addr, "attempt", attempts, "next", next, "error", err)
	}

	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// retries abandoned on cancellation, the tile stays missing
		result = abandoned
		level.Debug(logger).Log("msg", "tile abandoned", "tile", addr, "attempts", attempts)
	default:
		result = failed
		level.Warn(logger).Log("msg", "tile failed", "tile", addr, "attempts", attempts, "error", err)
	}

	switch result {
	case generated:
		run.generated.Add(1)
	case skipped:
		run.skipped.Add(1)
	case failed:
		run.failed.Add(1)
	}

	if s.metrics != nil && result != abandoned {
		s.metrics.tiles.WithLabelValues(run.Tileset, string(result)).Inc()
		s.metrics.duration.WithLabelValues(run.Tileset).Observe(time.Since(start).Seconds())
	}

	s.report(run)
}

// attempt runs the skip check, the source and the write once.
func (s *Seeder) attempt(ctx context.Context, src source.Source, store storage.TileStore, addr tile.Address) (outcome, error) {
	if !s.cfg.Overwrite {
		ok, err := store.Exists(ctx, addr)
		if err != nil {
			return failed, err
		}
		if ok {
			return skipped, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	t, err := src.Fetch(fctx, addr)
	cancel()
	if errors.Is(err, source.ErrNoContent) {
		return skipped, nil
	}
	if err != nil {
		return failed, err
	}
	if t == nil {
		return failed, source.EncodingError(addr, errors.New("source returned no tile"))
	}

	if err := store.Put(ctx, t); err != nil {
		return failed, err
	}

	return generated, nil
}
