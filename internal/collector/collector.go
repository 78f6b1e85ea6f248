// Package collector is the async ingestion pipeline between the game
// harness and storage. Producers submit events without blocking; a bounded
// queue and a small worker pool absorb bursts, retry transient failures and
// drain on shutdown.
package collector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/config"
	"github.com/arenalab/chess-telemetry/internal/monitoring"
)

const (
	durationWindow = 1000
	errorTailSize  = 100
)

// Sink consumes dispatched events. The storage-backed implementation lives
// in handlers.go; tests substitute their own.
type Sink interface {
	GameStarted(ctx context.Context, p GameStartPayload) error
	MoveRecorded(ctx context.Context, gameID string, p MovePayload) error
	GameEnded(ctx context.Context, gameID string, p GameEndPayload) error
	RethinkRecorded(ctx context.Context, gameID string, p RethinkPayload) error
	ErrorOccurred(ctx context.Context, gameID string, p ErrorPayload)
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	Enabled         bool     `json:"enabled"`
	QueueDepth      int      `json:"queue_depth"`
	QueueCapacity   int      `json:"queue_capacity"`
	Workers         int      `json:"workers"`
	Received        uint64   `json:"received"`
	Processed       uint64   `json:"processed"`
	Failed          uint64   `json:"failed"`
	Dropped         uint64   `json:"dropped"`
	Retried         uint64   `json:"retried"`
	SampledOutGames int      `json:"sampled_out_games"`
	AvgProcessingMS float64  `json:"avg_processing_ms"`
	RecentErrors    []string `json:"recent_errors,omitempty"`
	// ActiveGames maps each started, not-yet-ended game id to the number of
	// move events accepted for it.
	ActiveGames map[string]int `json:"active_games,omitempty"`
}

// Collector owns the queue and workers.
type Collector struct {
	cfg     config.CollectorConfig
	sink    Sink
	log     *logrus.Logger
	metrics *monitoring.Metrics

	queue chan Event
	wg    sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	skipped   map[string]struct{}
	active    map[string]int
	durations []time.Duration
	durIdx    int
	errTail   []string
	received  uint64
	processed uint64
	failed    uint64
	dropped   uint64
	retried   uint64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New builds a collector and starts its workers.
func New(cfg config.CollectorConfig, sink Sink, metrics *monitoring.Metrics, log *logrus.Logger) *Collector {
	if log == nil {
		log = logrus.New()
	}
	c := &Collector{
		cfg:     cfg,
		sink:    sink,
		log:     log,
		metrics: metrics,
		queue:   make(chan Event, cfg.QueueSize),
		skipped: make(map[string]struct{}),
		active:  make(map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	workers := cfg.WorkerThreads
	if !cfg.AsyncProcessing {
		workers = 0
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Submit offers an event to the pipeline without blocking. It reports
// whether the event was accepted; an error is returned only when the
// configuration demands failures propagate to the producer.
func (c *Collector) Submit(ctx context.Context, ev Event) (bool, error) {
	if !c.cfg.Enabled {
		return false, nil
	}
	if ev.Kind == KindRethink && !c.cfg.CollectRethinkData {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.validate(); err != nil {
		return false, c.reject(ev, fmt.Errorf("invalid event: %w", err))
	}
	if c.sampledOut(ev) {
		c.count(&c.dropped)
		if c.metrics != nil {
			c.metrics.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		}
		return false, nil
	}

	if !c.cfg.AsyncProcessing {
		c.mu.Lock()
		c.received++
		c.trackLocked(ev)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()
		}
		if err := c.process(ctx, ev); err != nil {
			return false, c.reject(ev, err)
		}
		return true, nil
	}

	// The send shares c.mu with Shutdown's close so a producer can never
	// send on the closed queue.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, c.reject(ev, fmt.Errorf("collector is shut down"))
	}
	accepted := false
	select {
	case c.queue <- ev:
		accepted = true
		c.received++
		c.trackLocked(ev)
	default:
		c.dropped++
	}
	depth := len(c.queue)
	c.mu.Unlock()

	if accepted {
		if c.metrics != nil {
			c.metrics.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()
			c.metrics.QueueDepth.Set(float64(depth))
		}
		return true, nil
	}
	if c.metrics != nil {
		c.metrics.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
	}
	c.log.WithFields(logrus.Fields{"kind": ev.Kind, "game_id": ev.GameID}).
		Warn("collection queue full, event dropped")
	return false, c.reject(ev, fmt.Errorf("collection queue full"))
}

// trackLocked maintains the active-game index: the id set of games with a
// recorded start and, per game, the count of move events accepted so far.
// Caller holds c.mu.
func (c *Collector) trackLocked(ev Event) {
	switch ev.Kind {
	case KindGameStart:
		c.active[ev.GameID] = 0
	case KindMoveMade:
		c.active[ev.GameID]++
	case KindGameEnd:
		delete(c.active, ev.GameID)
	}
}

// reject routes a submission failure per configuration: swallowed and
// logged, or surfaced to the producer.
func (c *Collector) reject(ev Event, err error) error {
	c.recordError(err)
	if c.cfg.ContinueOnCollectionErr {
		c.log.WithError(err).WithFields(logrus.Fields{"kind": ev.Kind, "game_id": ev.GameID}).
			Debug("event rejected")
		return nil
	}
	return err
}

// sampledOut applies game and move sampling. A game sampled out at start is
// remembered so its later events are dropped too.
func (c *Collector) sampledOut(ev Event) bool {
	switch ev.Kind {
	case KindGameStart:
		if c.cfg.SampleRate >= 1 {
			return false
		}
		if c.roll() < c.cfg.SampleRate {
			return false
		}
		c.mu.Lock()
		c.skipped[ev.GameID] = struct{}{}
		c.mu.Unlock()
		return true
	case KindGameEnd:
		c.mu.Lock()
		_, skip := c.skipped[ev.GameID]
		delete(c.skipped, ev.GameID)
		c.mu.Unlock()
		return skip
	case KindError:
		return false
	default:
		c.mu.Lock()
		_, skip := c.skipped[ev.GameID]
		c.mu.Unlock()
		if skip {
			return true
		}
		if ev.Kind == KindMoveMade && c.cfg.MoveSampleRate < 1 {
			return c.roll() >= c.cfg.MoveSampleRate
		}
		return false
	}
}

func (c *Collector) roll() float64 {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Float64()
}

func (c *Collector) worker() {
	defer c.wg.Done()
	ctx := context.Background()
	for ev := range c.queue {
		if c.metrics != nil {
			c.metrics.QueueDepth.Set(float64(len(c.queue)))
		}
		c.handleWithRetry(ctx, ev)
	}
}

// handleWithRetry processes one event, retrying transient failures in place
// with a fixed delay between attempts.
func (c *Collector) handleWithRetry(ctx context.Context, ev Event) {
	for {
		err := c.process(ctx, ev)
		if err == nil {
			return
		}
		if ev.retries >= c.cfg.MaxRetryAttempts {
			c.count(&c.failed)
			if c.metrics != nil {
				c.metrics.EventsFailed.WithLabelValues(string(ev.Kind)).Inc()
			}
			c.recordError(err)
			c.log.WithError(err).WithFields(logrus.Fields{"kind": ev.Kind, "game_id": ev.GameID}).
				Error("event dropped after retries")
			return
		}
		ev.retries++
		c.count(&c.retried)
		if c.metrics != nil {
			c.metrics.EventsRetried.WithLabelValues(string(ev.Kind)).Inc()
		}
		time.Sleep(c.cfg.RetryDelay)
	}
}

// process dispatches one event to the sink and records timing.
func (c *Collector) process(ctx context.Context, ev Event) error {
	start := time.Now()
	var err error
	switch p := ev.Payload.(type) {
	case GameStartPayload:
		err = c.sink.GameStarted(ctx, p)
	case MovePayload:
		err = c.sink.MoveRecorded(ctx, ev.GameID, p)
	case GameEndPayload:
		err = c.sink.GameEnded(ctx, ev.GameID, p)
	case RethinkPayload:
		err = c.sink.RethinkRecorded(ctx, ev.GameID, p)
	case ErrorPayload:
		c.sink.ErrorOccurred(ctx, ev.GameID, p)
	default:
		err = errUnknownKind
	}
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.HandlerDuration.WithLabelValues(string(ev.Kind)).Observe(elapsed.Seconds())
	}
	c.observeDuration(elapsed)
	if err == nil {
		c.count(&c.processed)
		if c.metrics != nil {
			c.metrics.EventsProcessed.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
	return err
}

// observeDuration feeds the rolling latency window and warns when a handler
// run exceeds the configured ceiling.
func (c *Collector) observeDuration(d time.Duration) {
	c.mu.Lock()
	if len(c.durations) < durationWindow {
		c.durations = append(c.durations, d)
	} else {
		c.durations[c.durIdx] = d
		c.durIdx = (c.durIdx + 1) % durationWindow
	}
	avg := c.avgDurationLocked()
	c.mu.Unlock()

	if c.cfg.MaxCollectionLatency > 0 && d > c.cfg.MaxCollectionLatency {
		c.log.WithFields(logrus.Fields{
			"duration_ms": d.Milliseconds(),
			"avg_ms":      avg.Milliseconds(),
			"ceiling_ms":  c.cfg.MaxCollectionLatency.Milliseconds(),
		}).Warn("handler duration above configured ceiling")
	}
}

func (c *Collector) avgDurationLocked() time.Duration {
	if len(c.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.durations {
		sum += d
	}
	return sum / time.Duration(len(c.durations))
}

func (c *Collector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := time.Now().UTC().Format(time.RFC3339) + " " + err.Error()
	c.errTail = append(c.errTail, line)
	if len(c.errTail) > errorTailSize {
		c.errTail = c.errTail[len(c.errTail)-errorTailSize:]
	}
}

func (c *Collector) count(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Status snapshots the pipeline counters.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Enabled:         c.cfg.Enabled,
		QueueDepth:      len(c.queue),
		QueueCapacity:   cap(c.queue),
		Workers:         c.cfg.WorkerThreads,
		Received:        c.received,
		Processed:       c.processed,
		Failed:          c.failed,
		Dropped:         c.dropped,
		Retried:         c.retried,
		SampledOutGames: len(c.skipped),
		RecentErrors:    append([]string(nil), c.errTail...),
	}
	if len(c.active) > 0 {
		st.ActiveGames = make(map[string]int, len(c.active))
		for id, n := range c.active {
			st.ActiveGames[id] = n
		}
	}
	if avg := c.avgDurationLocked(); avg > 0 {
		st.AvgProcessingMS = float64(avg.Microseconds()) / 1000
	}
	return st
}

// Shutdown stops accepting events and waits for the queue to drain, up to
// the context deadline.
func (c *Collector) Shutdown(ctx context.Context) error {
	// Closing under c.mu serializes with the sends in Submit.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.log.WithField("remaining", len(c.queue)).Warn("shutdown deadline hit with events still queued")
		return ctx.Err()
	}
}
