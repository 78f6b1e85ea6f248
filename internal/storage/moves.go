package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// MoveFilters is the closed predicate set for GetMovesFiltered. Nil fields
// are ignored; set fields compose with AND. HasRethink is derived from the
// attempt list length.
type MoveFilters struct {
	IsLegal        *bool
	ParsingSuccess *bool
	HasRethink     *bool
	Blunder        *bool
	MinThinkingMS  *int64
	MaxThinkingMS  *int64
	Player         *int
}

func (f MoveFilters) match(m *game.Move) bool {
	if f.IsLegal != nil && m.IsLegal != *f.IsLegal {
		return false
	}
	if f.ParsingSuccess != nil && m.ParsingSuccess != *f.ParsingSuccess {
		return false
	}
	if f.HasRethink != nil && (len(m.RethinkAttempts) > 0) != *f.HasRethink {
		return false
	}
	if f.Blunder != nil && m.Blunder != *f.Blunder {
		return false
	}
	if f.MinThinkingMS != nil && m.ThinkingTimeMS < *f.MinThinkingMS {
		return false
	}
	if f.MaxThinkingMS != nil && m.ThinkingTimeMS > *f.MaxThinkingMS {
		return false
	}
	if f.Player != nil && m.Player != *f.Player {
		return false
	}
	return true
}

// AddMove validates and appends one move. Buffered orphan rethink attempts
// for the same (game, number, player) are folded in before the write.
func (m *Manager) AddMove(ctx context.Context, mv *game.Move) error {
	if mv == nil {
		return validationErr("move is nil")
	}
	if err := mv.Validate(); err != nil {
		return validationErr("%v", err)
	}

	if buffered := m.orphans.take(mv.GameID, mv.MoveNumber, mv.Player); len(buffered) > 0 {
		mv.RethinkAttempts = mergeRethinks(mv.RethinkAttempts, buffered)
		m.log.WithFields(logrus.Fields{
			"game_id":     mv.GameID,
			"move_number": mv.MoveNumber,
			"attached":    len(buffered),
		}).Debug("orphan rethink attempts attached to arriving move")
	}

	if _, err := m.backend.InsertMove(ctx, mv); err != nil {
		return storageErr("add move", err)
	}
	return nil
}

// AddMovesBatch appends many moves and returns the success count. A bad
// move is skipped and counted, never aborting the rest: the stream is
// append-only and progress beats completeness here.
func (m *Manager) AddMovesBatch(ctx context.Context, moves []game.Move) (int, error) {
	txID := m.beginTx("add_moves_batch")
	defer m.endTx(txID)

	ok := 0
	for i := range moves {
		if err := m.AddMove(ctx, &moves[i]); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"game_id":     moves[i].GameID,
				"move_number": moves[i].MoveNumber,
				"player":      moves[i].Player,
			}).Warn("batch move skipped")
			continue
		}
		ok++
	}
	return ok, nil
}

// GetMoves returns the game's moves in (move_number, player) order. A copy
// is returned; callers cannot mutate stored state.
func (m *Manager) GetMoves(ctx context.Context, gameID string, limit int) ([]game.Move, error) {
	moves, err := m.backend.ListMoves(ctx, gameID, limit)
	if err != nil {
		return nil, storageErr("get moves", err)
	}
	return moves, nil
}

// GetMove returns a single move by its identity tuple.
func (m *Manager) GetMove(ctx context.Context, gameID string, moveNumber, player int) (*game.Move, error) {
	mv, err := m.backend.GetMove(ctx, gameID, moveNumber, player)
	if err != nil {
		return nil, storageErr("get move", err)
	}
	return mv, nil
}

// GetMovesFiltered loads the game's moves and applies the closed filter set.
func (m *Manager) GetMovesFiltered(ctx context.Context, gameID string, f MoveFilters) ([]game.Move, error) {
	moves, err := m.backend.ListMoves(ctx, gameID, 0)
	if err != nil {
		return nil, storageErr("get moves", err)
	}
	out := moves[:0:0]
	for i := range moves {
		if f.match(&moves[i]) {
			out = append(out, moves[i])
		}
	}
	return out, nil
}

// AddRethinkAttempt appends one attempt to its parent move. When the parent
// has not arrived yet (the agent rethought before the final move was
// recorded), the attempt is buffered in memory and attached when the move
// lands.
//
// TODO: surface expired orphan counts in the integrity report instead of
// only logging them.
func (m *Manager) AddRethinkAttempt(ctx context.Context, gameID string, moveNumber, player int, att game.RethinkAttempt) error {
	if att.AttemptNumber < 1 {
		return validationErr("attempt number must be >= 1")
	}
	err := m.backend.AppendRethink(ctx, gameID, moveNumber, player, att)
	if errors.Is(err, ports.ErrNotFound) {
		dropped := m.orphans.put(gameID, moveNumber, player, att)
		if dropped > 0 {
			m.log.WithField("dropped", dropped).Warn("expired orphan rethink attempts dropped")
		}
		m.log.WithFields(logrus.Fields{
			"game_id":     gameID,
			"move_number": moveNumber,
			"player":      player,
		}).Debug("rethink attempt buffered; parent move not yet recorded")
		return nil
	}
	if err != nil {
		return storageErr("add rethink attempt", err)
	}
	return nil
}

// mergeRethinks combines recorded and buffered attempts, ordered and
// renumbered 1..N so the gap-free invariant holds after the merge.
func mergeRethinks(existing, buffered []game.RethinkAttempt) []game.RethinkAttempt {
	all := append(append([]game.RethinkAttempt{}, existing...), buffered...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].AttemptNumber < all[j].AttemptNumber
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	for i := range all {
		all[i].AttemptNumber = i + 1
	}
	return all
}

const defaultOrphanTTL = 5 * time.Minute

type orphanKey struct {
	gameID     string
	moveNumber int
	player     int
}

type orphanEntry struct {
	attempts []game.RethinkAttempt
	storedAt time.Time
}

// orphanBuffer holds rethink attempts that arrived before their parent move,
// bounded by a TTL so abandoned games do not leak memory.
type orphanBuffer struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[orphanKey]*orphanEntry
}

func newOrphanBuffer(ttl time.Duration) *orphanBuffer {
	return &orphanBuffer{ttl: ttl, m: make(map[orphanKey]*orphanEntry)}
}

// put buffers an attempt and returns how many expired entries were evicted.
func (b *orphanBuffer) put(gameID string, moveNumber, player int, att game.RethinkAttempt) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	now := time.Now()
	for k, e := range b.m {
		if now.Sub(e.storedAt) > b.ttl {
			dropped += len(e.attempts)
			delete(b.m, k)
		}
	}

	k := orphanKey{gameID, moveNumber, player}
	e, ok := b.m[k]
	if !ok {
		e = &orphanEntry{storedAt: now}
		b.m[k] = e
	}
	e.attempts = append(e.attempts, att)
	return dropped
}

// take removes and returns the buffered attempts for a move.
func (b *orphanBuffer) take(gameID string, moveNumber, player int) []game.RethinkAttempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := orphanKey{gameID, moveNumber, player}
	e, ok := b.m[k]
	if !ok {
		return nil
	}
	delete(b.m, k)
	return e.attempts
}
