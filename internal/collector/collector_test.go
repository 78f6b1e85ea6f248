package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/monitoring"
)

// fakeSink records dispatched events and can fail on demand.
type fakeSink struct {
	mu       sync.Mutex
	starts   int
	moves    int
	ends     int
	rethinks int
	failures int // fail this many calls before succeeding
}

func (f *fakeSink) maybeFail() error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient sink failure")
	}
	return nil
}

func (f *fakeSink) GameStarted(context.Context, GameStartPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.starts++
	return nil
}

func (f *fakeSink) MoveRecorded(context.Context, string, MovePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.moves++
	return nil
}

func (f *fakeSink) GameEnded(context.Context, string, GameEndPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.ends++
	return nil
}

func (f *fakeSink) RethinkRecorded(context.Context, string, RethinkPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rethinks++
	return nil
}

func (f *fakeSink) ErrorOccurred(context.Context, string, ErrorPayload) {}

func (f *fakeSink) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.moves, f.ends
}

func (f *fakeSink) rethinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rethinks
}

func baseConfig() config.CollectorConfig {
	return config.CollectorConfig{
		Enabled:             true,
		CollectMoveData:     true,
		CollectRethinkData:  true,
		CollectTimingData:   true,
		CollectLLMResponses: true,
		AsyncProcessing:     true,
		QueueSize:           16,
		WorkerThreads:       1,
		SampleRate:          1,
		MoveSampleRate:      1,
		MaxRetryAttempts:    3,
		RetryDelay:          time.Millisecond,
	}
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func startEvent(gameID string) Event {
	return Event{
		Kind:   KindGameStart,
		GameID: gameID,
		Payload: GameStartPayload{Game: game.Game{
			ID:        gameID,
			StartTime: time.Now().UTC(),
			Players: map[int]game.PlayerInfo{
				game.Black: {PlayerID: "claude"},
				game.White: {PlayerID: "gpt"},
			},
		}},
	}
}

func moveEvent(gameID string, number int) Event {
	return Event{
		Kind:   KindMoveMade,
		GameID: gameID,
		Payload: MovePayload{Move: game.Move{
			GameID:          gameID,
			MoveNumber:      number,
			Player:          game.White,
			FENBefore:       game.InitialFEN,
			FENAfter:        game.InitialFEN,
			ParsingAttempts: 1,
		}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSynchronousProcessing(t *testing.T) {
	cfg := baseConfig()
	cfg.AsyncProcessing = false
	sink := &fakeSink{}
	c := New(cfg, sink, nil, quietLog())

	ok, err := c.Submit(context.Background(), startEvent("g-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	starts, _, _ := sink.counts()
	assert.Equal(t, 1, starts)
}

func TestQueueOverflowDropsWithoutBlocking(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 2
	cfg.WorkerThreads = 0 // nothing drains the queue
	cfg.ContinueOnCollectionErr = true
	c := New(cfg, &fakeSink{}, nil, quietLog())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := c.Submit(ctx, moveEvent("g-1", i+1))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	done := make(chan struct{})
	go func() {
		ok, err := c.Submit(ctx, moveEvent("g-1", 3))
		assert.False(t, ok)
		assert.NoError(t, err) // swallowed per configuration
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full queue")
	}

	st := c.Status()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.QueueDepth)
}

func TestQueueOverflowSurfacesErrorWhenConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 1
	cfg.WorkerThreads = 0
	cfg.ContinueOnCollectionErr = false
	c := New(cfg, &fakeSink{}, nil, quietLog())

	ctx := context.Background()
	_, err := c.Submit(ctx, moveEvent("g-1", 1))
	require.NoError(t, err)
	_, err = c.Submit(ctx, moveEvent("g-1", 2))
	assert.Error(t, err)
}

func TestRetryThenSuccess(t *testing.T) {
	cfg := baseConfig()
	sink := &fakeSink{failures: 2}
	c := New(cfg, sink, nil, quietLog())

	ok, err := c.Submit(context.Background(), moveEvent("g-1", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	waitFor(t, func() bool {
		_, moves, _ := sink.counts()
		return moves == 1
	})
	st := c.Status()
	assert.Equal(t, uint64(2), st.Retried)
	assert.Zero(t, st.Failed)
}

func TestRetriesExhausted(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetryAttempts = 1
	sink := &fakeSink{failures: 10}
	c := New(cfg, sink, nil, quietLog())

	_, err := c.Submit(context.Background(), moveEvent("g-1", 1))
	require.NoError(t, err)

	waitFor(t, func() bool { return c.Status().Failed == 1 })
	st := c.Status()
	assert.Equal(t, uint64(1), st.Retried)
	assert.NotEmpty(t, st.RecentErrors)
}

func TestSamplingSkipsWholeGame(t *testing.T) {
	cfg := baseConfig()
	cfg.SampleRate = 0 // sample nothing
	sink := &fakeSink{}
	c := New(cfg, sink, nil, quietLog())
	ctx := context.Background()

	ok, err := c.Submit(ctx, startEvent("g-1"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Later events for the sampled-out game are dropped too.
	ok, err = c.Submit(ctx, moveEvent("g-1", 1))
	require.NoError(t, err)
	assert.False(t, ok)

	// The end event clears the skip entry.
	ok, err = c.Submit(ctx, Event{Kind: KindGameEnd, GameID: "g-1", Payload: GameEndPayload{
		Outcome: game.Outcome{Result: game.ResultDraw}, TotalMoves: 1,
	}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Status().SampledOutGames)

	starts, moves, ends := sink.counts()
	assert.Zero(t, starts+moves+ends)
}

func TestValidationRejectsMalformedEvents(t *testing.T) {
	cfg := baseConfig()
	cfg.ContinueOnCollectionErr = false
	c := New(cfg, &fakeSink{}, nil, quietLog())
	ctx := context.Background()

	_, err := c.Submit(ctx, Event{Kind: KindMoveMade, GameID: "g-1", Payload: "not a move"})
	assert.Error(t, err)

	_, err = c.Submit(ctx, Event{Kind: "bogus", GameID: "g-1"})
	assert.Error(t, err)

	_, err = c.Submit(ctx, Event{Kind: KindGameStart, Payload: GameStartPayload{}})
	assert.Error(t, err) // missing game id

	mv := moveEvent("g-1", 1)
	p := mv.Payload.(MovePayload)
	p.Move.FENBefore = ""
	mv.Payload = p
	_, err = c.Submit(ctx, mv)
	assert.Error(t, err)
}

func TestDisabledCollectorAcceptsNothing(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	c := New(cfg, &fakeSink{}, nil, quietLog())

	ok, err := c.Submit(context.Background(), startEvent("g-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShutdownDrainsQueue(t *testing.T) {
	cfg := baseConfig()
	cfg.WorkerThreads = 2
	sink := &fakeSink{}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	c := New(cfg, sink, metrics, quietLog())
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		ok, err := c.Submit(ctx, moveEvent("g-1", i+1))
		require.NoError(t, err)
		require.True(t, ok)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))

	_, moves, _ := sink.counts()
	assert.Equal(t, n, moves)
	assert.Equal(t, uint64(n), c.Status().Processed)

	// Submissions after shutdown are refused.
	ok, err := c.Submit(ctx, moveEvent("g-1", 99))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitDuringShutdownDoesNotPanic(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 4
	cfg.WorkerThreads = 2
	cfg.ContinueOnCollectionErr = true
	c := New(cfg, &fakeSink{}, nil, quietLog())
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				_, _ = c.Submit(ctx, moveEvent("g-1", p*200+i+1))
			}
		}(p)
	}
	close(start)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
	wg.Wait()

	ok, err := c.Submit(ctx, moveEvent("g-1", 9999))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProducersTrackActiveGames(t *testing.T) {
	cfg := baseConfig()
	cfg.AsyncProcessing = false
	sink := &fakeSink{}
	c := New(cfg, sink, nil, quietLog())
	ctx := context.Background()

	g := startEvent("g-1").Payload.(GameStartPayload).Game
	ok, err := c.RecordGameStart(ctx, g)
	require.NoError(t, err)
	require.True(t, ok)
	for i := 1; i <= 2; i++ {
		mv := moveEvent("g-1", i).Payload.(MovePayload).Move
		ok, err = c.RecordMove(ctx, "g-1", mv)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err = c.RecordError(ctx, "g-1", "api_timeout", "provider stalled", nil)
	require.NoError(t, err)
	require.True(t, ok)

	st := c.Status()
	assert.Equal(t, map[string]int{"g-1": 2}, st.ActiveGames)

	ok, err = c.RecordGameEnd(ctx, "g-1", game.Outcome{Result: game.ResultDraw, Termination: game.TermStalemate}, game.InitialFEN, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, c.Status().ActiveGames)

	starts, moves, ends := sink.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, moves)
	assert.Equal(t, 1, ends)
}

func TestRethinkSkippedWhenCollectionDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.AsyncProcessing = false
	cfg.CollectRethinkData = false
	sink := &fakeSink{}
	c := New(cfg, sink, nil, quietLog())

	att := game.RethinkAttempt{AttemptNumber: 1, Timestamp: time.Now().UTC()}
	ok, err := c.RecordRethinkAttempt(context.Background(), "g-1", 1, game.White, att)
	require.NoError(t, err)
	assert.False(t, ok)

	// Skipped before the queue: not received, not dispatched.
	assert.Zero(t, c.Status().Received)
	assert.Zero(t, sink.rethinkCount())
}

func TestSlowHandlerWarnsAboveLatencyCeiling(t *testing.T) {
	cfg := baseConfig()
	cfg.AsyncProcessing = false
	cfg.MaxCollectionLatency = time.Nanosecond
	log, hook := logtest.NewNullLogger()
	c := New(cfg, &fakeSink{}, nil, log)

	ok, err := c.Submit(context.Background(), startEvent("g-1"))
	require.NoError(t, err)
	require.True(t, ok)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "handler duration above configured ceiling" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestConcurrentSubmission(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 1024
	cfg.WorkerThreads = 4
	sink := &fakeSink{}
	c := New(cfg, sink, nil, quietLog())
	ctx := context.Background()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, _ = c.Submit(ctx, moveEvent("g-1", p*perProducer+i+1))
			}
		}(p)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))

	_, moves, _ := sink.counts()
	assert.Equal(t, producers*perProducer, moves)
}
