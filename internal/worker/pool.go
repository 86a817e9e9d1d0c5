// Package worker runs queued dispatches on a fixed set of goroutines.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Job asks for one execution of a run.
type Job struct {
	RunID     string
	RetryOnly bool
}

// Runner executes a run. dispatch.Executor is the production implementation.
type Runner interface {
	Execute(ctx context.Context, runID string, retryOnly bool) error
}

func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs <-chan Job,
	runner Runner,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-jobs:
					if !ok {
						logger.Info("job channel closed", zap.Int("worker_id", id))
						return
					}

					// ----------------------------
					// Execute Run
					// ----------------------------
					if err := runner.Execute(ctx, job.RunID, job.RetryOnly); err != nil {
						logger.Error("dispatch failed",
							zap.Int("worker_id", id),
							zap.String("run_id", job.RunID),
							zap.Error(err),
						)
						continue
					}

					logger.Debug("dispatch complete",
						zap.Int("worker_id", id),
						zap.String("run_id", job.RunID),
					)
				}
			}
		}(i)
	}
}
