package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"MailRun/internal/worker"
)

// DispatchArgs is the River payload of one run execution.
type DispatchArgs struct {
	RunID     string `json:"run_id" river:"unique"`
	RetryOnly bool   `json:"retry_only"`
}

func (DispatchArgs) Kind() string { return "dispatch_run" }

// InsertOpts keeps at most one live job per run. Completed jobs do not count,
// so a later retry can be scheduled.
func (DispatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRunning,
				rivertype.JobStateRetryable,
				rivertype.JobStateScheduled,
			},
		},
	}
}

type dispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	runner worker.Runner
	log    *zap.Logger
}

func (w *dispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) error {
	w.log.Debug("executing dispatch job",
		zap.Int64("job_id", job.ID),
		zap.String("run_id", job.Args.RunID),
		zap.Bool("retry_only", job.Args.RetryOnly),
	)
	return w.runner.Execute(ctx, job.Args.RunID, job.Args.RetryOnly)
}

// Timeout disables River's default job deadline; a run takes as long as its
// recipient list.
func (w *dispatchWorker) Timeout(*river.Job[DispatchArgs]) time.Duration { return -1 }

// River schedules executions through Postgres.
type River struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	log    *zap.Logger
}

func NewRiver(pool *pgxpool.Pool, runner worker.Runner, workers int, logger *zap.Logger) (*River, error) {
	workerSet := river.NewWorkers()
	river.AddWorker(workerSet, &dispatchWorker{runner: runner, log: logger})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: workers},
		},
		Workers: workerSet,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &River{pool: pool, client: client, log: logger}, nil
}

// Migrate creates or upgrades River's own tables.
func (r *River) Migrate(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(r.pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	for _, v := range res.Versions {
		r.log.Info("river migration applied", zap.Int("version", v.Version))
	}
	return nil
}

func (r *River) Enqueue(ctx context.Context, runID string, retryOnly bool) error {
	res, err := r.client.Insert(ctx, DispatchArgs{RunID: runID, RetryOnly: retryOnly}, nil)
	if err != nil {
		return fmt.Errorf("insert dispatch job: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		return fmt.Errorf("%w: %s", ErrDuplicate, runID)
	}
	return nil
}

func (r *River) Start(ctx context.Context) error {
	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}
	return nil
}

// Stop waits for running jobs to finish, then cancels whatever is left when
// ctx expires.
func (r *River) Stop(ctx context.Context) error {
	err := r.client.Stop(ctx)
	if err == nil {
		return nil
	}
	r.log.Warn("graceful queue stop timed out, cancelling jobs", zap.Error(err))
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.StopAndCancel(cancelCtx)
}
