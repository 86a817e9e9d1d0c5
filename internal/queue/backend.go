package queue

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"MailRun/internal/config"
	"MailRun/internal/worker"
)

// New builds the backend named by cfg.QueueBackend.
func New(cfg *config.Config, pool *pgxpool.Pool, runner worker.Runner, logger *zap.Logger) (Backend, error) {
	switch cfg.QueueBackend {
	case config.QueueRiver:
		return NewRiver(pool, runner, cfg.WorkerCount, logger)
	case config.QueueMemory:
		return NewMemory(runner, cfg.WorkerCount, 0, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.QueueBackend)
	}
}
