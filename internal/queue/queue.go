// Package queue schedules run executions, either durably through River or
// on an in-process worker pool.
package queue

import (
	"context"
	"errors"
)

var (
	ErrQueueFull      = errors.New("dispatch queue is full")
	ErrUnknownBackend = errors.New("unknown queue backend")
	ErrDuplicate      = errors.New("run already has a live dispatch job")
)

// Backend accepts executions and runs them until stopped.
type Backend interface {
	Enqueue(ctx context.Context, runID string, retryOnly bool) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
