package worker

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Pool runs several stage workers inside one process. Each worker must
// own its own bus connection; the pool only coordinates lifecycles.
// The first worker failure cancels the rest.
type Pool struct {
	workers []*Worker
}

// NewPool creates a pool from pre-built workers.
func NewPool(workers ...*Worker) *Pool {
	return &Pool{workers: workers}
}

// Run starts all workers and blocks until every one has stopped.
// Returns the first worker error, or nil on clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return fmt.Errorf("pool has no workers")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.WithField("workers", len(p.workers)).Info("Starting worker pool")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, worker := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("worker %s: %w", w.stage, err)
				}
				mu.Unlock()
				cancel()
			}
		}(worker)
	}
	wg.Wait()

	log.Info("Worker pool stopped")
	return firstErr
}
