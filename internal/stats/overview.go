package stats

import (
	"context"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// Overview is the dashboard summary of the stored telemetry.
type Overview struct {
	TotalGames     int64              `json:"total_games"`
	CompletedGames int64              `json:"completed_games"`
	GamesByResult  map[string]int64   `json:"games_by_result"`
	TotalMoves     int64              `json:"total_moves"`
	TotalPlayers   int64              `json:"total_players"`
	TopPlayers     []LeaderboardEntry `json:"top_players"`
	Backend        ports.BackendStats `json:"backend"`
}

// ComputeOverview assembles the summary from backend counters, per-result
// game counts and the top of the rating leaderboard.
func (e *Engine) ComputeOverview(ctx context.Context) (*Overview, error) {
	key := "overview"
	if v, ok := e.cache.Get(key); ok {
		ov := v.(Overview)
		return &ov, nil
	}

	bs, err := e.store.BackendStats(ctx)
	if err != nil {
		return nil, err
	}
	ov := &Overview{
		TotalGames:    bs.Games,
		TotalMoves:    bs.Moves,
		TotalPlayers:  bs.Players,
		GamesByResult: make(map[string]int64),
		Backend:       bs,
	}

	for _, r := range []game.Result{game.ResultWhiteWins, game.ResultBlackWins, game.ResultDraw, game.ResultOngoing} {
		res := r
		n, err := e.store.CountGames(ctx, ports.GameFilters{Result: &res})
		if err != nil {
			return nil, err
		}
		ov.GamesByResult[string(r)] = n
		if r != game.ResultOngoing {
			ov.CompletedGames += n
		}
	}

	top, err := e.Leaderboard(ctx, SortByELO, 0, 10)
	if err != nil {
		return nil, err
	}
	ov.TopPlayers = top

	e.cache.Put(key, *ov, e.cfg.CacheTTL, tagLeaderboard)
	return ov, nil
}
