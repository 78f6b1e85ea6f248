// Package storage implements the storage manager: the single entry point for
// all writes and most reads. It validates inputs, enforces the business
// invariants the schema cannot express, and coordinates derived-aggregate
// refreshes after game completion.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// CompletionHook is invoked after a game completion commits. Failures are
// logged, never propagated: a stats refresh must not undo a committed game.
type CompletionHook func(ctx context.Context, g *game.Game) error

// Manager wraps a backend behind the validated write/read surface.
type Manager struct {
	backend ports.Backend
	log     *logrus.Logger

	hook CompletionHook

	// activeTx tracks in-flight compound writes by id, for diagnostics and
	// so shutdown can wait for them.
	mu       sync.Mutex
	activeTx map[string]time.Time

	orphans *orphanBuffer
}

// NewManager creates a Manager over the given backend.
func NewManager(backend ports.Backend, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		backend:  backend,
		log:      log,
		activeTx: make(map[string]time.Time),
		orphans:  newOrphanBuffer(defaultOrphanTTL),
	}
}

// OnGameCompleted registers the derived-aggregate refresh hook. Set once at
// wiring time, before traffic.
func (m *Manager) OnGameCompleted(hook CompletionHook) {
	m.hook = hook
}

// Backend exposes the underlying store for operational snapshots.
func (m *Manager) Backend() ports.Backend { return m.backend }

func (m *Manager) beginTx(op string) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.activeTx[id] = time.Now()
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"tx": id, "op": op}).Debug("transaction started")
	return id
}

func (m *Manager) endTx(id string) {
	m.mu.Lock()
	delete(m.activeTx, id)
	m.mu.Unlock()
}

// ActiveTransactions returns the number of in-flight compound writes.
func (m *Manager) ActiveTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeTx)
}

// CreateGame validates and persists a new game.
func (m *Manager) CreateGame(ctx context.Context, g *game.Game) (string, error) {
	if g == nil {
		return "", validationErr("game is nil")
	}
	if err := g.Validate(); err != nil {
		return "", validationErr("%v", err)
	}
	if err := m.backend.CreateGame(ctx, g); err != nil {
		return "", storageErr("create game", err)
	}
	m.log.WithField("game_id", g.ID).Debug("game created")
	return g.ID, nil
}

// GetGame returns the game or ports.ErrNotFound.
func (m *Manager) GetGame(ctx context.Context, id string) (*game.Game, error) {
	g, err := m.backend.GetGame(ctx, id)
	if err != nil {
		return nil, storageErr("get game", err)
	}
	return g, nil
}

// UpdateGame validates the applicable fields and patches the game.
func (m *Manager) UpdateGame(ctx context.Context, id string, fields map[string]any) error {
	if err := validateGameFields(fields); err != nil {
		return err
	}
	if v, ok := fields["end_time"]; ok {
		end, ok := v.(time.Time)
		if !ok {
			return validationErr("end_time must be a time.Time, got %T", v)
		}
		g, err := m.backend.GetGame(ctx, id)
		if err != nil {
			return storageErr("update game: load", err)
		}
		if end.Before(g.StartTime) {
			return validationErr("%v", game.ErrEndBeforeStart)
		}
	}
	if err := m.backend.UpdateGame(ctx, id, fields); err != nil {
		return storageErr("update game", err)
	}
	return nil
}

// validateGameFields checks the update field map against the invariants that
// apply without loading the row.
func validateGameFields(fields map[string]any) error {
	if v, ok := fields["outcome_result"]; ok {
		r, ok := v.(string)
		if !ok || !game.ValidResult(game.Result(r)) {
			return validationErr("invalid outcome_result %v", v)
		}
	}
	if v, ok := fields["outcome_termination"]; ok {
		t, ok := v.(string)
		if !ok || !game.ValidTermination(game.Termination(t)) {
			return validationErr("invalid outcome_termination %v", v)
		}
	}
	if v, ok := fields["total_moves"]; ok {
		n, ok := v.(int)
		if !ok || n < 0 {
			return validationErr("total_moves must be a non-negative int, got %v", v)
		}
	}
	return nil
}

// CompleteGame is the compound write: patch the terminal fields in one
// backend update, then refresh per-player aggregates and ELO best-effort.
// The completion commit always wins; a failed refresh is logged and left to
// a later recompute pass.
func (m *Manager) CompleteGame(ctx context.Context, id string, outcome game.Outcome, finalFEN string, totalMoves int) error {
	if err := outcome.Validate(); err != nil {
		return validationErr("%v", err)
	}
	if totalMoves < 0 {
		return validationErr("total_moves must be non-negative")
	}

	txID := m.beginTx("complete_game")
	defer m.endTx(txID)

	g, err := m.backend.GetGame(ctx, id)
	if err != nil {
		return storageErr("complete game: load", err)
	}

	now := time.Now().UTC()
	if now.Before(g.StartTime) {
		now = g.StartTime
	}
	duration := now.Sub(g.StartTime).Seconds()
	fields := map[string]any{
		"end_time":            now,
		"final_fen":           finalFEN,
		"outcome_result":      string(outcome.Result),
		"outcome_termination": string(outcome.Termination),
		"total_moves":         totalMoves,
		"duration_seconds":    duration,
	}
	if outcome.Winner != nil {
		fields["outcome_winner"] = *outcome.Winner
	}
	if err := m.backend.UpdateGame(ctx, id, fields); err != nil {
		return storageErr("complete game: patch", err)
	}

	// Re-read so the hook sees the committed terminal state.
	completed, err := m.backend.GetGame(ctx, id)
	if err != nil {
		m.log.WithError(err).WithField("game_id", id).Warn("completed game reload failed; stats refresh skipped")
		return nil
	}
	if m.hook != nil {
		if err := m.hook(ctx, completed); err != nil {
			m.log.WithError(err).WithField("game_id", id).Warn("post-completion stats refresh failed")
		}
	}
	m.log.WithFields(logrus.Fields{
		"game_id": id,
		"result":  outcome.Result,
	}).Info("game completed")
	return nil
}

// DeleteGame removes a game; moves and rethink attempts cascade at the
// backend, player aggregates survive.
func (m *Manager) DeleteGame(ctx context.Context, id string) error {
	if err := m.backend.DeleteGame(ctx, id); err != nil {
		return storageErr("delete game", err)
	}
	return nil
}

// QueryGames returns the filtered page.
func (m *Manager) QueryGames(ctx context.Context, f ports.GameFilters, limit, offset int) ([]game.Game, error) {
	out, err := m.backend.QueryGames(ctx, f, limit, offset)
	if err != nil {
		return nil, storageErr("query games", err)
	}
	return out, nil
}

// CountGames counts the filtered set.
func (m *Manager) CountGames(ctx context.Context, f ports.GameFilters) (int64, error) {
	n, err := m.backend.CountGames(ctx, f)
	if err != nil {
		return 0, storageErr("count games", err)
	}
	return n, nil
}

// UpdatePlayerStats validates and upserts the aggregate row.
func (m *Manager) UpdatePlayerStats(ctx context.Context, st *game.PlayerStats) error {
	if st == nil {
		return validationErr("player stats is nil")
	}
	if err := st.Validate(); err != nil {
		return validationErr("%v", err)
	}
	if err := m.backend.UpsertPlayerStats(ctx, st); err != nil {
		return storageErr("upsert player stats", err)
	}
	return nil
}

// GetPlayerStats returns the aggregate row or ports.ErrNotFound.
func (m *Manager) GetPlayerStats(ctx context.Context, playerID string) (*game.PlayerStats, error) {
	st, err := m.backend.GetPlayerStats(ctx, playerID)
	if err != nil {
		return nil, storageErr("get player stats", err)
	}
	return st, nil
}

// ListPlayerStats returns every stored aggregate row.
func (m *Manager) ListPlayerStats(ctx context.Context) ([]game.PlayerStats, error) {
	out, err := m.backend.ListPlayerStats(ctx)
	if err != nil {
		return nil, storageErr("list player stats", err)
	}
	return out, nil
}

// ListPlayerIDs enumerates every player id seen in games or aggregates.
func (m *Manager) ListPlayerIDs(ctx context.Context) ([]string, error) {
	out, err := m.backend.ListPlayerIDs(ctx)
	if err != nil {
		return nil, storageErr("list player ids", err)
	}
	return out, nil
}

// DeleteGamesOlderThan removes games started before the cutoff and returns
// the count removed.
func (m *Manager) DeleteGamesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := m.backend.DeleteGamesBefore(ctx, cutoff)
	if err != nil {
		return 0, storageErr("delete old games", err)
	}
	if n > 0 {
		m.log.WithField("deleted", n).Info("old games cleaned up")
	}
	return n, nil
}

// BackendStats returns the operational snapshot.
func (m *Manager) BackendStats(ctx context.Context) (ports.BackendStats, error) {
	return m.backend.Stats(ctx)
}

// Shutdown waits briefly for in-flight compound writes, then closes the
// backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		if m.ActiveTransactions() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n := m.ActiveTransactions(); n > 0 {
		m.log.WithField("active", n).Warn("closing backend with transactions still in flight")
	}
	return m.backend.Close(ctx)
}
