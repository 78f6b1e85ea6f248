package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
)

// Leaderboard sort keys.
const (
	SortByELO         = "elo_rating"
	SortByWinRate     = "win_rate"
	SortByGamesPlayed = "games_played"
)

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank              int       `json:"rank"`
	PlayerID          string    `json:"player_id"`
	GamesPlayed       int       `json:"games_played"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	Draws             int       `json:"draws"`
	WinRate           float64   `json:"win_rate"`
	IllegalMoveRate   float64   `json:"illegal_move_rate"`
	AvgThinkingTimeMS float64   `json:"avg_thinking_time_ms"`
	ELORating         float64   `json:"elo_rating"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Leaderboard ranks stored player aggregates. sortBy must be one of the
// SortBy constants; minGames drops players with thin records; limit caps
// the result (0 means all).
func (e *Engine) Leaderboard(ctx context.Context, sortBy string, minGames, limit int) ([]LeaderboardEntry, error) {
	switch sortBy {
	case SortByELO, SortByWinRate, SortByGamesPlayed:
	case "":
		sortBy = SortByELO
	default:
		return nil, fmt.Errorf("unknown leaderboard sort key %q", sortBy)
	}

	key := fmt.Sprintf("leaderboard:%s:%d:%d", sortBy, minGames, limit)
	if v, ok := e.cache.Get(key); ok {
		return v.([]LeaderboardEntry), nil
	}

	all, err := e.store.ListPlayerStats(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(all))
	for _, st := range all {
		if st.GamesPlayed < minGames {
			continue
		}
		entries = append(entries, toEntry(st))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		switch sortBy {
		case SortByWinRate:
			if entries[i].WinRate != entries[j].WinRate {
				return entries[i].WinRate > entries[j].WinRate
			}
		case SortByGamesPlayed:
			if entries[i].GamesPlayed != entries[j].GamesPlayed {
				return entries[i].GamesPlayed > entries[j].GamesPlayed
			}
		default:
			if entries[i].ELORating != entries[j].ELORating {
				return entries[i].ELORating > entries[j].ELORating
			}
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}

	e.cache.Put(key, entries, e.cfg.CacheTTL, tagLeaderboard)
	return entries, nil
}

func toEntry(st game.PlayerStats) LeaderboardEntry {
	e := LeaderboardEntry{
		PlayerID:          st.PlayerID,
		GamesPlayed:       st.GamesPlayed,
		Wins:              st.Wins,
		Losses:            st.Losses,
		Draws:             st.Draws,
		IllegalMoveRate:   st.IllegalMoveRate,
		AvgThinkingTimeMS: st.AvgThinkingTimeMS,
		ELORating:         st.ELORating,
		LastUpdated:       st.LastUpdated,
	}
	if st.GamesPlayed > 0 {
		e.WinRate = float64(st.Wins) / float64(st.GamesPlayed)
	}
	return e
}
