package stats

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// BatchResult summarizes a bulk recompute pass.
type BatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RecomputeAll rebuilds every player's aggregate from the raw game record,
// fanning out over the given number of workers. Individual failures are
// logged and counted, never aborting the pass; this is the recovery path
// when post-completion refreshes were lost.
func (e *Engine) RecomputeAll(ctx context.Context, workers int) (BatchResult, error) {
	if workers < 1 {
		workers = 1
	}
	ids, err := e.store.ListPlayerIDs(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Total: len(ids)}
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan string)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_, err := e.CalculateAndUpdatePlayerStats(ctx, id)
				mu.Lock()
				if err != nil {
					res.Failed++
				} else {
					res.Succeeded++
				}
				mu.Unlock()
				if err != nil {
					e.log.WithError(err).WithField("player_id", id).Warn("player recompute failed")
				}
			}
		}()
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return res, ctx.Err()
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()

	e.log.WithFields(logrus.Fields{
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	}).Info("player aggregates recomputed")
	return res, nil
}
