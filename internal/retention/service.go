// Package retention runs periodic age-based cleanup of stored games.
package retention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

// Service deletes games older than the configured age on an interval.
// Moves and rethink attempts cascade; player aggregates survive.
type Service struct {
	store *storage.Manager
	cfg   config.RetentionConfig
	log   *logrus.Logger
	stop  chan struct{}
	done  chan struct{}
}

// New builds the cleanup service. Call Start to begin the loop.
func New(store *storage.Manager, cfg config.RetentionConfig, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store: store,
		cfg:   cfg,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the periodic cleanup loop. It is a no-op when auto cleanup
// is disabled or no age limit is set.
func (s *Service) Start() {
	if !s.cfg.AutoCleanupEnabled || s.cfg.MaxGameAgeDays <= 0 {
		close(s.done)
		return
	}
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	go s.loop(interval)
}

func (s *Service) loop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.log.WithError(err).Error("retention cleanup failed")
			}
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single cleanup pass and returns the number of games
// removed.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.MaxGameAgeDays)
	n, err := s.store.DeleteGamesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("retention pass completed")
	}
	return n, nil
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}
