package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/handlers"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/tileseed/config"
	"github.com/akhenakh/tileseed/grid"
	"github.com/akhenakh/tileseed/loglevel"
	"github.com/akhenakh/tileseed/server"
	"github.com/akhenakh/tileseed/storage"
	"github.com/akhenakh/tileseed/storage/target"
	"github.com/akhenakh/tileseed/tile"
)

const appName = "tileserved"

var (
	version = "no version from LDFLAGS"

	logLevel        = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")
	configPath      = flag.String("config", "tileseed.yaml", "tilesets, datasources and cache config file")
	mode            = flag.String("mode", "", "cache|generate, overrides server.mode of the config")
	httpMetricsPort = flag.Int("httpMetricsPort", 8088, "http port")
	httpAPIPort     = flag.Int("httpAPIPort", 8080, "http API port")
	healthPort      = flag.Int("healthPort", 6666, "grpc health port")
	allowOrigin     = flag.String("allowOrigin", "*", "Access-Control-Allow-Origin")

	httpServer        *http.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
)

// openStore opens the cache of a layer. Single file containers are opened read only
// unless tiles are generated into them.
func openStore(ctx context.Context, logger log.Logger, m server.Mode, t target.Target, opts storage.Options) (storage.TileStore, error) {
	if m == server.Cache {
		switch t.Kind {
		case target.MBTiles, target.PMTiles, target.KV:
			return target.OpenArchive(ctx, logger, t.Path)
		}
	}
	return target.Open(ctx, logger, t, opts)
}

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	conf, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "can't load config", "error", err)
		os.Exit(2)
	}

	modeName := conf.Server.Mode
	if *mode != "" {
		modeName = *mode
	}
	m, err := server.ParseMode(modeName)
	if err != nil {
		level.Error(logger).Log("msg", "invalid mode", "error", err)
		os.Exit(2)
	}

	var layers []*server.Layer
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, def := range conf.Tilesets {
		ts, err := def.Tileset()
		if err != nil {
			level.Error(logger).Log("msg", "invalid tileset", "error", err)
			os.Exit(2)
		}
		tms, err := grid.ForTileset(ts)
		if err != nil {
			level.Error(logger).Log("msg", "invalid tileset", "error", err)
			os.Exit(2)
		}

		t, ok, err := conf.Target(def)
		if err != nil || !ok {
			level.Error(logger).Log("msg", "tileset without cache", "tileset", ts.ID, "error", err)
			os.Exit(2)
		}

		store, err := openStore(ctx, logger, m, t, storage.OptionsFromTileset(ts, tms))
		if err != nil {
			level.Error(logger).Log("msg", "can't open storage", "tileset", ts.ID, "error", err)
			os.Exit(2)
		}

		l := &server.Layer{Tileset: ts, Grid: tms, Store: store}
		if m == server.Generate {
			src, closer, err := conf.OpenSource(ctx, logger, def, ts, tms)
			if err != nil {
				level.Error(logger).Log("msg", "can't open datasource", "tileset", ts.ID, "error", err)
				os.Exit(2)
			}
			closers = append(closers, closer)
			l.Source = src
		}

		layers = append(layers, l)
		tilesetsGauge.WithLabelValues(ts.ID, t.String(), string(m)).Set(1)
	}

	// gRPC Health Server
	healthServer := health.NewServer()
	g.Go(func() error {
		grpcHealthServer = grpc.NewServer()

		healthpb.RegisterHealthServer(grpcHealthServer, healthServer)

		haddr := fmt.Sprintf(":%d", *healthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			level.Error(logger).Log("msg", "gRPC Health server: failed to listen", "error", err)
			os.Exit(2)
		}
		level.Info(logger).Log("msg", fmt.Sprintf("gRPC health server listening at %s", haddr))

		return grpcHealthServer.Serve(hln)
	})

	// server
	srv, err := server.New(appName, m, layers, logger, healthServer, server.WithTimeout(conf.Seed.Timeout))
	if err != nil {
		level.Error(logger).Log("msg", "can't get a working server", "error", err)
		os.Exit(2)
	}

	// web server metrics
	g.Go(func() error {
		httpMetricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpMetricsPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server listening at :%d", *httpMetricsPort))

		versionGauge.WithLabelValues(version).Add(1)

		// Register Prometheus metrics handler.
		http.Handle("/metrics", promhttp.Handler())

		if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// web server
	g.Go(func() error {
		// metrics middleware.
		metricsMwr := middleware.New(middleware.Config{
			Recorder: metrics.NewRecorder(metrics.Config{Prefix: appName}),
		})

		r := srv.Router(func(h http.Handler) http.Handler {
			return std.Handler("/tiles/", metricsMwr, h)
		})

		r.HandleFunc("/version", func(w http.ResponseWriter, request *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			ids := make([]string, 0, len(layers))
			for _, l := range layers {
				ids = append(ids, l.Tileset.ID)
			}
			resp := map[string]interface{}{"version": version, "mode": m, "tilesets": ids}
			b, _ := json.Marshal(resp)
			w.Write(b)
		})

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpAPIPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{*allowOrigin}),
				handlers.AllowedMethods([]string{"GET"}))(r),
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP API server listening at :%d", *httpAPIPort))

		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	healthServer.SetServingStatus(fmt.Sprintf("grpc.health.v1.%s", appName), healthpb.HealthCheckResponse_SERVING)
	level.Info(logger).Log("msg", "serving status to SERVING")

	select {
	case <-interrupt:
		cancel()

		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	healthServer.SetServingStatus(fmt.Sprintf("grpc.health.v1.%s", appName), healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		_ = httpMetricsServer.Shutdown(shutdownCtx)
	}

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// generated tiles are committed into their container
	for _, l := range layers {
		if m == server.Generate {
			md := tile.MetadataFromTileset(l.Tileset, l.Grid.WGS84Bounds)
			if err := l.Store.Finalize(context.Background(), md); err != nil {
				level.Error(logger).Log("msg", "can't finalize storage", "tileset", l.Tileset.ID, "error", err)
			}
		}
		l.Store.Close()
	}

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		os.Exit(2)
	}
}
