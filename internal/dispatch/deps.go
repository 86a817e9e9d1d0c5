// Package dispatch drives send runs: the executor that delivers one run and
// the service the HTTP layer calls to create, cancel and retry runs.
package dispatch

import (
	"context"
	"io/fs"
	"time"

	"MailRun/internal/assets"
	"MailRun/internal/models"
)

// Ledger is the durable record of runs and recipient rows. db.Store is the
// production implementation.
type Ledger interface {
	CreateRun(ctx context.Context, nr models.NewRun) (*models.SendRun, error)
	RecordAttempt(ctx context.Context, runID, email string, o models.Outcome) error
	RefreshCounts(ctx context.Context, runID string) error
	Transition(ctx context.Context, runID string, status models.RunStatus, startedAt, finishedAt *time.Time) error
	BeginRun(ctx context.Context, runID string, now time.Time) (bool, error)
	RequestCancel(ctx context.Context, runID string) (models.RunStatus, bool, error)
	RearmRun(ctx context.Context, runID string) (models.RunStatus, bool, error)
	RunStatus(ctx context.Context, runID string) (models.RunStatus, error)
	MarkUnresolvedFailed(ctx context.Context, runID, errText string, at time.Time) (int64, error)
	TargetRecipients(ctx context.Context, runID string, retryOnly bool) ([]models.RecipientDelivery, error)
	GetRun(ctx context.Context, runID string) (*models.SendRun, error)
	FetchSummary(ctx context.Context, runID string) (models.RunSummary, error)
	FetchDetail(ctx context.Context, runID string) (*models.RunDetail, error)
	ListSummaries(ctx context.Context, limit int) ([]models.RunSummary, error)
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	SaveTemplate(ctx context.Context, t *models.Template) error
	ListTemplates(ctx context.Context) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// Assets resolves and opens the inline assets of a template.
type Assets interface {
	Lookup(templateID, html string) ([]assets.Asset, []string)
	Open(path string) (fs.File, error)
}

// Enqueuer schedules an asynchronous execution of a run.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID string, retryOnly bool) error
}
