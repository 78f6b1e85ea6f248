// Package backup archives the telemetry database to a JSON snapshot and
// restores from one. Snapshots are self-contained: games with their moves
// and the player aggregates.
package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

const snapshotVersion = "1"

// Metadata describes a snapshot.
type Metadata struct {
	BackupTimestamp    time.Time `json:"backup_timestamp"`
	Version            string    `json:"version"`
	IncludesMoveData   bool      `json:"includes_move_data"`
	IncludesPlayerData bool      `json:"includes_player_stats"`
	GameCount          int       `json:"game_count"`
}

// Snapshot is the archive document.
type Snapshot struct {
	Metadata    Metadata               `json:"metadata"`
	Games       []game.Game            `json:"games"`
	Moves       map[string][]game.Move `json:"moves,omitempty"`
	PlayerStats []game.PlayerStats     `json:"player_stats,omitempty"`
}

// Options tune an export.
type Options struct {
	IncludeMoves       bool
	IncludePlayerStats bool
	Compress           bool
}

// RestoreOptions tune a restore.
type RestoreOptions struct {
	// OverwriteExisting replaces games already present; otherwise they are
	// skipped.
	OverwriteExisting bool
}

// RestoreResult counts the restore outcome.
type RestoreResult struct {
	GamesRestored   int `json:"games_restored"`
	GamesSkipped    int `json:"games_skipped"`
	MovesRestored   int `json:"moves_restored"`
	PlayersRestored int `json:"players_restored"`
}

// Service reads and writes snapshots through the storage manager.
type Service struct {
	store *storage.Manager
	log   *logrus.Logger
}

// New builds the backup service.
func New(store *storage.Manager, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{store: store, log: log}
}

// Export writes a snapshot to path. A ".gz" suffix is appended when
// compressing and the path does not already carry one.
func (s *Service) Export(ctx context.Context, path string, opts Options) (string, error) {
	snap, err := s.build(ctx, opts)
	if err != nil {
		return "", err
	}

	if opts.Compress && !strings.HasSuffix(path, ".gz") {
		path += ".gz"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if opts.Compress {
		gz = gzip.NewWriter(f)
		w = gz
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("flush gzip: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync backup: %w", err)
	}
	s.log.WithFields(logrus.Fields{"path": path, "games": snap.Metadata.GameCount}).Info("backup written")
	return path, nil
}

func (s *Service) build(ctx context.Context, opts Options) (*Snapshot, error) {
	snap := &Snapshot{
		Metadata: Metadata{
			BackupTimestamp:    time.Now().UTC(),
			Version:            snapshotVersion,
			IncludesMoveData:   opts.IncludeMoves,
			IncludesPlayerData: opts.IncludePlayerStats,
		},
	}
	if opts.IncludeMoves {
		snap.Moves = make(map[string][]game.Move)
	}

	const page = 500
	for offset := 0; ; offset += page {
		games, err := s.store.QueryGames(ctx, ports.GameFilters{}, page, offset)
		if err != nil {
			return nil, fmt.Errorf("load games: %w", err)
		}
		for i := range games {
			snap.Games = append(snap.Games, games[i])
			if opts.IncludeMoves {
				moves, err := s.store.GetMoves(ctx, games[i].ID, 0)
				if err != nil {
					return nil, fmt.Errorf("load moves for %s: %w", games[i].ID, err)
				}
				if len(moves) > 0 {
					snap.Moves[games[i].ID] = moves
				}
			}
		}
		if len(games) < page {
			break
		}
	}
	snap.Metadata.GameCount = len(snap.Games)

	if opts.IncludePlayerStats {
		stats, err := s.store.ListPlayerStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("load player stats: %w", err)
		}
		snap.PlayerStats = stats
	}
	return snap, nil
}

// Restore loads a snapshot file (gzip detected by suffix) and writes its
// contents through the storage manager.
func (s *Service) Restore(ctx context.Context, path string, opts RestoreOptions) (*RestoreResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	res := &RestoreResult{}
	for i := range snap.Games {
		g := snap.Games[i]
		_, err := s.store.CreateGame(ctx, &g)
		if storage.IsDuplicate(err) {
			if !opts.OverwriteExisting {
				res.GamesSkipped++
				continue
			}
			if err := s.store.DeleteGame(ctx, g.ID); err != nil {
				return nil, fmt.Errorf("replace game %s: %w", g.ID, err)
			}
			if _, err := s.store.CreateGame(ctx, &g); err != nil {
				return nil, fmt.Errorf("recreate game %s: %w", g.ID, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("restore game %s: %w", g.ID, err)
		}
		res.GamesRestored++

		for _, m := range snap.Moves[g.ID] {
			mv := m
			if err := s.store.AddMove(ctx, &mv); err != nil {
				if storage.IsDuplicate(err) {
					continue
				}
				return nil, fmt.Errorf("restore move %s/%d: %w", g.ID, m.MoveNumber, err)
			}
			res.MovesRestored++
		}
	}

	for i := range snap.PlayerStats {
		st := snap.PlayerStats[i]
		if err := s.store.UpdatePlayerStats(ctx, &st); err != nil {
			return nil, fmt.Errorf("restore stats for %s: %w", st.PlayerID, err)
		}
		res.PlayersRestored++
	}

	s.log.WithFields(logrus.Fields{
		"path":    path,
		"games":   res.GamesRestored,
		"skipped": res.GamesSkipped,
	}).Info("snapshot restored")
	return res, nil
}

// Prune removes snapshot files in dir older than retentionDays, returning
// the count removed.
func (s *Service) Prune(dir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read backup dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "backup-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
