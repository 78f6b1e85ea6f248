package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	pgstore "github.com/arenalab/chess-telemetry/internal/adapters/postgres"
	"github.com/arenalab/chess-telemetry/internal/adapters/sqlite"
	"github.com/arenalab/chess-telemetry/internal/backup"
	"github.com/arenalab/chess-telemetry/internal/cache"
	"github.com/arenalab/chess-telemetry/internal/collector"
	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/monitoring"
	"github.com/arenalab/chess-telemetry/internal/ports"
	"github.com/arenalab/chess-telemetry/internal/retention"
	"github.com/arenalab/chess-telemetry/internal/stats"
	"github.com/arenalab/chess-telemetry/internal/storage"
	transporthttp "github.com/arenalab/chess-telemetry/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	var backend ports.Backend
	switch cfg.Database.Backend {
	case config.BackendPooled:
		backend = pgstore.New(pgstore.Config{
			ConnString:     cfg.Database.ConnString(),
			PoolSize:       cfg.Database.PoolSize,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
	default:
		backend = sqlite.New(cfg.Database.Path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	if err := backend.Connect(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("backend connect failed")
	}
	if err := backend.InitSchema(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("schema migration failed")
	}
	cancel()
	log.WithField("backend", cfg.Database.Backend).Info("storage ready")

	store := storage.NewManager(backend, log)

	statCache, err := cache.New(cfg.Stats.CacheSize)
	if err != nil {
		log.WithError(err).Fatal("cache init failed")
	}
	engine := stats.NewEngine(store, statCache, cfg.Stats, log)
	store.OnGameCompleted(engine.HandleGameCompleted)

	var col *collector.Collector
	if cfg.Collector.Enabled {
		metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
		sink := collector.NewStorageSink(store, cfg.Collector, log)
		col = collector.New(cfg.Collector, sink, metrics, log)
	}

	cleaner := retention.New(store, cfg.Retention, log)
	cleaner.Start()

	archiver := backup.New(store, log)
	stopBackups := make(chan struct{})
	if cfg.Backup.Enabled && cfg.Backup.Interval > 0 {
		go backupLoop(archiver, cfg.Backup, log, stopBackups)
	}

	h := transporthttp.NewHandlers(store, engine, col, log)
	e := transporthttp.New(h)
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil {
			log.WithError(err).Info("http server stopped")
		}
	}()
	log.WithField("port", cfg.Port).Info("listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if col != nil {
		if err := col.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("collector drain incomplete")
		}
	}
	close(stopBackups)
	cleaner.Stop()
	if err := store.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("storage shutdown")
	}
	log.Info("bye")
}

// backupLoop writes periodic snapshots and prunes old ones.
func backupLoop(archiver *backup.Service, cfg config.BackupConfig, log *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			path := fmt.Sprintf("%s/backup-%s.json", cfg.Path, time.Now().UTC().Format("20060102-150405"))
			_, err := archiver.Export(context.Background(), path, backup.Options{
				IncludeMoves:       true,
				IncludePlayerStats: true,
				Compress:           cfg.Compression,
			})
			if err != nil {
				log.WithError(err).Error("scheduled backup failed")
				continue
			}
			if _, err := archiver.Prune(cfg.Path, cfg.RetentionDays); err != nil {
				log.WithError(err).Warn("backup prune failed")
			}
		case <-stop:
			return
		}
	}
}
