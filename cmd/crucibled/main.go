// Package main provides the crucible session server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/robotjaol/crucible/internal/config"
	"github.com/robotjaol/crucible/internal/httpapi"
	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/persistence"
	"github.com/robotjaol/crucible/internal/recovery"
	"github.com/robotjaol/crucible/internal/scenario"
	"github.com/robotjaol/crucible/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "crucible.yaml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("version", Version).Str("addr", cfg.HTTPAddr).Msg("Starting crucible")

	// Sync channel: Redis when configured, otherwise an in-process bus.
	var channel notify.Channel
	var publisher notify.Publisher
	var channelCloser interface{ Close() error }
	if cfg.RedisAddr != "" {
		rc := notify.NewRedisChannel(cfg.RedisAddr)
		channel, publisher, channelCloser = rc, rc, rc
		log.Info().Str("redis", cfg.RedisAddr).Msg("Using Redis sync channel")
	} else {
		bus := notify.NewBus()
		channel, publisher, channelCloser = bus, bus, bus
	}
	defer channelCloser.Close()

	st, err := store.NewGormStore(store.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		LogLevel: logger.Silent,
	}, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer st.Close()

	registry, err := scenario.NewRegistry(cfg.ScenariosDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ScenariosDir).Msg("Failed to load scenarios")
	}
	log.Info().Int("scenarios", len(registry.IDs())).Msg("Scenarios loaded")

	watcher, err := scenario.NewWatcher(registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scenario watcher")
	}
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Scenario watcher disabled")
	}
	defer watcher.Stop()

	persist := persistence.New(st, channel, log.Logger, persistence.Options{
		AutoSave:        cfg.AutoSave,
		FlushInterval:   cfg.FlushInterval(),
		FlushMaxRetries: cfg.FlushMaxRetries,
	})

	rec := recovery.NewService(st, registry, log.Logger)

	svc := httpapi.NewService(st, persist, rec, registry, channel, log.Logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		persist.Cleanup(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Shutdown complete")
}
