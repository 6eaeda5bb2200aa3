package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/umbra/internal/config"
	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/keys"
	"github.com/ssd-technologies/umbra/internal/remote"
	"github.com/ssd-technologies/umbra/internal/replication"
	"github.com/ssd-technologies/umbra/internal/server"
	"github.com/ssd-technologies/umbra/internal/storage"
)

const keyCacheSize = 1024

func main() {
	fs := flag.NewFlagSet("umbra", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("UMBRA_CONFIG"), "JSON config file (UMBRA_CONFIG)")
	flags := config.Flags{}
	flags.Bind(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg)

	shown := cfg
	shown.Secret = "<redacted>"
	logger.Debug().Interface("config", shown).Msg("effective config")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Fatal().Err(err).Msg("create data dir")
	}
	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "umbra.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := server.NewHub(logger.With().Str("component", "events").Logger())
	cache, err := filecache.New(cfg.Cache(),
		filecache.WithLogger(logger.With().Str("component", "filecache").Logger()),
		filecache.WithMetrics(filecache.NewMetrics(reg)),
		filecache.WithEventHook(hub.Publish),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cache")
	}

	ring, err := keys.NewRing(db, cfg.Secret, keyCacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("open key ring")
	}
	store, err := remote.NewShardStore(cfg.RemotePath, cfg.DataShards, cfg.ParityShards,
		logger.With().Str("component", "remote").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("open remote store")
	}
	repl := replication.New(cache, db, ring, store, replication.Config{
		Workers:     cfg.ReplicationWorkers,
		ReadTimeout: time.Duration(cfg.ReadTimeout),
	}, logger.With().Str("component", "replication").Logger(), replication.NewMetrics(reg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The startup scan indexes every entry as evictable.
	pinned, err := repl.PinUnreplicated(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("pin unreplicated files")
	}
	logger.Info().Int("pinned", pinned).Msg("unreplicated files pinned")

	srv := server.New(server.Deps{
		DB:         db,
		Cache:      cache,
		Keys:       ring,
		Remote:     store,
		Replicator: repl,
	},
		server.WithLogger(logger.With().Str("component", "server").Logger()),
		server.WithHub(hub),
		server.WithRegistry(reg),
		server.WithUploadLimit(cfg.UploadsPerMinute, time.Minute),
		server.WithReplicationInterval(time.Duration(cfg.ReplicationInterval)),
	)
	srv.StartWorkers(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	stats := cache.Stats()
	logger.Info().
		Str("listen", cfg.Listen).
		Str("cache", cfg.CachePath).
		Str("size", filecache.FormatSize(stats.Size)).
		Str("used", filecache.FormatSize(stats.Used)).
		Int("entries", stats.Entries).
		Msg("umbra running")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
