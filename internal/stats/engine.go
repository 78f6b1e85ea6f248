// Package stats derives analytics from stored telemetry: per-player
// aggregates, ELO ratings, head-to-head records, trends and leaderboards.
// Derived results are cached with dependency tags so a game completion
// invalidates exactly the entries it staled.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/cache"
	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

const queryPageSize = 500

// tagLeaderboard marks cache entries staled by any rating or aggregate
// change.
const tagLeaderboard = "leaderboard"

func tagPlayer(id string) string { return "player:" + id }

// Engine computes derived statistics over the storage manager.
type Engine struct {
	store *storage.Manager
	cache *cache.Cache
	cfg   config.StatsConfig
	elo   EloCalculator
	log   *logrus.Logger
}

// NewEngine wires the engine over the manager and cache.
func NewEngine(store *storage.Manager, c *cache.Cache, cfg config.StatsConfig, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		store: store,
		cache: c,
		cfg:   cfg,
		elo:   EloCalculator{K: cfg.KFactor, Default: cfg.DefaultRating},
		log:   log,
	}
}

// ComputePlayerStatistics derives the player's aggregate from completed
// games and their moves. The ELO rating is carried over from the stored
// aggregate (ratings only change through game completions), defaulting for
// unrated players. Results are cached per player.
func (e *Engine) ComputePlayerStatistics(ctx context.Context, playerID string) (*game.PlayerStats, error) {
	key := "player_stats:" + playerID
	if v, ok := e.cache.Get(key); ok {
		st := v.(game.PlayerStats)
		return &st, nil
	}
	st, err := e.computePlayerStats(ctx, playerID)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, *st, e.cfg.CacheTTL, tagPlayer(playerID))
	return st, nil
}

func (e *Engine) computePlayerStats(ctx context.Context, playerID string) (*game.PlayerStats, error) {
	st := &game.PlayerStats{
		PlayerID:    playerID,
		ELORating:   e.cfg.DefaultRating,
		LastUpdated: time.Now().UTC(),
	}
	if stored, err := e.store.GetPlayerStats(ctx, playerID); err == nil {
		st.ELORating = stored.ELORating
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	var (
		totalMoves    int
		illegalMoves  int
		thinkingSumMS float64
	)
	err := e.forEachGame(ctx, ports.GameFilters{PlayerID: &playerID}, func(g *game.Game) error {
		if !g.Completed() {
			return nil
		}
		pos := g.PositionOf(playerID)
		if pos < 0 {
			return nil
		}
		st.GamesPlayed++
		switch game.ScoreFor(g.Outcome.Result, pos) {
		case 1:
			st.Wins++
		case 0.5:
			st.Draws++
		default:
			st.Losses++
		}

		moves, err := e.store.GetMoves(ctx, g.ID, 0)
		if err != nil {
			return fmt.Errorf("moves for game %s: %w", g.ID, err)
		}
		for i := range moves {
			if moves[i].Player != pos {
				continue
			}
			totalMoves++
			if !moves[i].IsLegal {
				illegalMoves++
			}
			thinkingSumMS += float64(moves[i].ThinkingTimeMS)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if totalMoves > 0 {
		st.IllegalMoveRate = float64(illegalMoves) / float64(totalMoves)
		st.AvgThinkingTimeMS = thinkingSumMS / float64(totalMoves)
	}
	return st, nil
}

// CalculateAndUpdatePlayerStats recomputes the player's aggregate and
// persists it, invalidating the player's cached entries.
func (e *Engine) CalculateAndUpdatePlayerStats(ctx context.Context, playerID string) (*game.PlayerStats, error) {
	st, err := e.computePlayerStats(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdatePlayerStats(ctx, st); err != nil {
		return nil, err
	}
	e.cache.Invalidate(tagPlayer(playerID))
	e.cache.Invalidate(tagLeaderboard)
	return st, nil
}

// UpdateELORatings applies one completed game to both players' ratings. The
// update is zero-sum and performed exactly once per completion.
func (e *Engine) UpdateELORatings(ctx context.Context, g *game.Game) error {
	if !g.Completed() {
		return fmt.Errorf("game %s is not completed", g.ID)
	}
	white := g.Players[game.White].PlayerID
	black := g.Players[game.Black].PlayerID

	rw, err := e.currentRating(ctx, white)
	if err != nil {
		return err
	}
	rb, err := e.currentRating(ctx, black)
	if err != nil {
		return err
	}

	scoreWhite := game.ScoreFor(g.Outcome.Result, game.White)
	newW, newB := e.elo.Update(rw, rb, scoreWhite)

	if err := e.storeRating(ctx, white, newW); err != nil {
		return err
	}
	if err := e.storeRating(ctx, black, newB); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"game_id": g.ID,
		"white":   fmt.Sprintf("%s %.0f->%.0f", white, rw, newW),
		"black":   fmt.Sprintf("%s %.0f->%.0f", black, rb, newB),
	}).Debug("elo ratings updated")
	return nil
}

func (e *Engine) currentRating(ctx context.Context, playerID string) (float64, error) {
	st, err := e.store.GetPlayerStats(ctx, playerID)
	if storage.IsNotFound(err) {
		return e.cfg.DefaultRating, nil
	}
	if err != nil {
		return 0, err
	}
	return st.ELORating, nil
}

func (e *Engine) storeRating(ctx context.Context, playerID string, rating float64) error {
	st, err := e.store.GetPlayerStats(ctx, playerID)
	if storage.IsNotFound(err) {
		st = &game.PlayerStats{PlayerID: playerID}
	} else if err != nil {
		return err
	}
	st.ELORating = rating
	st.LastUpdated = time.Now().UTC()
	return e.store.UpdatePlayerStats(ctx, st)
}

// HandleGameCompleted is the post-completion refresh, registered as the
// storage manager's completion hook. Ratings are applied first so the
// recomputed aggregates carry them, then both players' aggregates are
// rebuilt and stale cache entries dropped.
func (e *Engine) HandleGameCompleted(ctx context.Context, g *game.Game) error {
	if err := e.UpdateELORatings(ctx, g); err != nil {
		return fmt.Errorf("elo update: %w", err)
	}
	for _, p := range []string{g.Players[game.White].PlayerID, g.Players[game.Black].PlayerID} {
		if _, err := e.CalculateAndUpdatePlayerStats(ctx, p); err != nil {
			return fmt.Errorf("recompute %s: %w", p, err)
		}
	}
	return nil
}

// forEachGame pages through the filtered games, invoking fn per game.
func (e *Engine) forEachGame(ctx context.Context, f ports.GameFilters, fn func(*game.Game) error) error {
	for offset := 0; ; offset += queryPageSize {
		page, err := e.store.QueryGames(ctx, f, queryPageSize, offset)
		if err != nil {
			return err
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < queryPageSize {
			return nil
		}
	}
}
