package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"MailRun/internal/worker"
)

// Memory runs executions on an in-process worker pool. Jobs still buffered
// when the process exits are lost; their runs stay queued until retried.
type Memory struct {
	jobs    chan worker.Job
	runner  worker.Runner
	workers int
	log     *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewMemory(runner worker.Runner, workers, buffer int, logger *zap.Logger) *Memory {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Memory{
		jobs:    make(chan worker.Job, buffer),
		runner:  runner,
		workers: workers,
		log:     logger,
	}
}

// Enqueue never blocks; a full buffer is reported as ErrQueueFull.
func (m *Memory) Enqueue(_ context.Context, runID string, retryOnly bool) error {
	select {
	case m.jobs <- worker.Job{RunID: runID, RetryOnly: retryOnly}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	worker.StartPool(ctx, &m.wg, m.workers, m.jobs, m.runner, m.log)
	return nil
}

// Stop cancels in-flight executions and waits for the workers to return or
// ctx to expire.
func (m *Memory) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
