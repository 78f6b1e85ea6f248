package collector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

// StorageSink writes dispatched events through the storage manager,
// honoring the collection toggles: LLM response capture, timing capture and
// rethink capture can each be switched off, and games outside the
// configured length bounds are discarded at completion.
type StorageSink struct {
	store *storage.Manager
	cfg   config.CollectorConfig
	log   *logrus.Logger
}

// NewStorageSink builds the production sink.
func NewStorageSink(store *storage.Manager, cfg config.CollectorConfig, log *logrus.Logger) *StorageSink {
	if log == nil {
		log = logrus.New()
	}
	return &StorageSink{store: store, cfg: cfg, log: log}
}

// GameStarted persists the new game record.
func (s *StorageSink) GameStarted(ctx context.Context, p GameStartPayload) error {
	g := p.Game
	if g.InitialFEN == "" {
		g.InitialFEN = game.InitialFEN
	}
	_, err := s.store.CreateGame(ctx, &g)
	if storage.IsDuplicate(err) {
		// Harness restarts can replay the start event.
		s.log.WithField("game_id", g.ID).Debug("game already recorded")
		return nil
	}
	return err
}

// MoveRecorded persists one ply, stripped per the capture toggles.
func (s *StorageSink) MoveRecorded(ctx context.Context, gameID string, p MovePayload) error {
	if !s.cfg.CollectMoveData {
		return nil
	}
	m := p.Move
	m.GameID = gameID
	if !s.cfg.CollectLLMResponses {
		m.PromptText = ""
		m.RawResponse = ""
		for i := range m.RethinkAttempts {
			m.RethinkAttempts[i].PromptText = ""
			m.RethinkAttempts[i].RawResponse = ""
		}
	}
	if !s.cfg.CollectTimingData {
		m.ThinkingTimeMS = 0
		m.APICallTimeMS = 0
		m.ParsingTimeMS = 0
	}
	if !s.cfg.CollectRethinkData {
		m.RethinkAttempts = nil
	}
	return s.store.AddMove(ctx, &m)
}

// GameEnded completes the game, or discards it when its length falls
// outside the configured bounds.
func (s *StorageSink) GameEnded(ctx context.Context, gameID string, p GameEndPayload) error {
	if s.outOfBounds(p.TotalMoves) {
		s.log.WithFields(logrus.Fields{
			"game_id":     gameID,
			"total_moves": p.TotalMoves,
		}).Debug("game outside length bounds, discarding")
		err := s.store.DeleteGame(ctx, gameID)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	return s.store.CompleteGame(ctx, gameID, p.Outcome, p.FinalFEN, p.TotalMoves)
}

func (s *StorageSink) outOfBounds(totalMoves int) bool {
	if s.cfg.MinGameLength > 0 && totalMoves < s.cfg.MinGameLength {
		return true
	}
	if s.cfg.MaxGameLength > 0 && totalMoves > s.cfg.MaxGameLength {
		return true
	}
	return false
}

// RethinkRecorded appends one re-prompt cycle to its move.
func (s *StorageSink) RethinkRecorded(ctx context.Context, gameID string, p RethinkPayload) error {
	if !s.cfg.CollectRethinkData {
		return nil
	}
	att := p.Attempt
	if !s.cfg.CollectLLMResponses {
		att.PromptText = ""
		att.RawResponse = ""
	}
	return s.store.AddRethinkAttempt(ctx, gameID, p.MoveNumber, p.Player, att)
}

// ErrorOccurred records a harness failure in the log only; errors carry no
// durable state.
func (s *StorageSink) ErrorOccurred(_ context.Context, gameID string, p ErrorPayload) {
	s.log.WithFields(logrus.Fields{
		"game_id":    gameID,
		"error_type": p.ErrorType,
		"context":    p.Context,
	}).Error(fmt.Sprintf("harness error: %s", p.Message))
}
