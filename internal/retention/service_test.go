package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/chess-telemetry/internal/adapters/sqlite"
	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/retention"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

func newStore(t *testing.T) *storage.Manager {
	t.Helper()
	ctx := context.Background()

	s := sqlite.New(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, s.InitSchema(ctx))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return storage.NewManager(s, log)
}

func seedGame(t *testing.T, store *storage.Manager, id string, start time.Time) {
	t.Helper()
	g := &game.Game{
		ID:        id,
		StartTime: start,
		Players: map[int]game.PlayerInfo{
			game.Black: {PlayerID: "claude"},
			game.White: {PlayerID: "gpt"},
		},
		InitialFEN: game.InitialFEN,
	}
	_, err := store.CreateGame(context.Background(), g)
	require.NoError(t, err)
}

func TestRunOnceDeletesOnlyOldGames(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	seedGame(t, store, "ancient", now.AddDate(0, 0, -90))
	seedGame(t, store, "recent", now.AddDate(0, 0, -1))

	svc := retention.New(store, config.RetentionConfig{MaxGameAgeDays: 30}, nil)
	n, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetGame(context.Background(), "ancient")
	assert.True(t, storage.IsNotFound(err))
	_, err = store.GetGame(context.Background(), "recent")
	assert.NoError(t, err)
}

func TestStartDisabledIsNoop(t *testing.T) {
	store := newStore(t)
	svc := retention.New(store, config.RetentionConfig{AutoCleanupEnabled: false}, nil)
	svc.Start()
	// Stop must not block when the loop never started.
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a disabled service")
	}
}

func TestPeriodicLoopRuns(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	seedGame(t, store, "old", now.AddDate(0, 0, -10))

	svc := retention.New(store, config.RetentionConfig{
		AutoCleanupEnabled: true,
		MaxGameAgeDays:     5,
		CleanupInterval:    20 * time.Millisecond,
	}, nil)
	svc.Start()
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetGame(context.Background(), "old"); storage.IsNotFound(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("old game not cleaned up by the loop")
}
