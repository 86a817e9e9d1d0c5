// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"MailRun/internal/db"
	"MailRun/internal/models"
	"MailRun/internal/recipients"
)

// Ledger is an in-memory run ledger with the same contracts as db.Store.
type Ledger struct {
	mu   sync.Mutex
	runs map[string]*models.SendRun
	rows map[string][]*models.RecipientDelivery
	seq  int

	// Hooks let tests interleave with an execution.
	OnRecordAttempt func(runID, email string)
	FailRecord      error
}

func NewLedger() *Ledger {
	return &Ledger{
		runs: make(map[string]*models.SendRun),
		rows: make(map[string][]*models.RecipientDelivery),
	}
}

func (l *Ledger) CreateRun(_ context.Context, nr models.NewRun) (*models.SendRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	run := &models.SendRun{
		ID:           uuid.NewString(),
		TemplateID:   nr.TemplateID,
		Title:        nr.Title,
		Subject:      nr.Subject,
		FromEmail:    nr.FromEmail,
		HTMLSnapshot: nr.HTMLSnapshot,
		Status:       models.RunQueued,
		// seq keeps creation order stable within one clock tick.
		CreatedAt: time.Now().UTC().Add(time.Duration(l.seq) * time.Microsecond),
	}
	l.runs[run.ID] = run
	l.insertLocked(run.ID, nr.Recipients)
	l.refreshLocked(run.ID)

	cp := *run
	return &cp, nil
}

func (l *Ledger) InsertRecipients(_ context.Context, runID string, addrs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.runs[runID]; !ok {
		return db.ErrRunNotFound
	}
	l.insertLocked(runID, addrs)
	l.refreshLocked(runID)
	return nil
}

func (l *Ledger) insertLocked(runID string, addrs []string) {
	existing := make(map[string]bool, len(l.rows[runID]))
	for _, r := range l.rows[runID] {
		existing[r.Email] = true
	}
	for _, a := range recipients.Dedup(addrs) {
		if existing[a] {
			continue
		}
		l.rows[runID] = append(l.rows[runID], &models.RecipientDelivery{
			RunID:     runID,
			Email:     a,
			Status:    models.DeliveryPending,
			UpdatedAt: time.Now(),
		})
	}
}

func (l *Ledger) RecordAttempt(_ context.Context, runID, email string, o models.Outcome) error {
	if l.OnRecordAttempt != nil {
		l.OnRecordAttempt(runID, email)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailRecord != nil {
		return l.FailRecord
	}
	row := l.findLocked(runID, email)
	if row == nil {
		return fmt.Errorf("%w: %s", db.ErrRecipientNotFound, email)
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	row.AttemptCount++
	row.UpdatedAt = at
	if o.Sent {
		row.Status = models.DeliverySent
		row.SentAt = &at
		row.LastError = nil
	} else {
		msg := o.Err
		row.Status = models.DeliveryFailed
		row.SentAt = nil
		row.LastError = &msg
	}
	return nil
}

func (l *Ledger) findLocked(runID, email string) *models.RecipientDelivery {
	for _, r := range l.rows[runID] {
		if r.Email == email {
			return r
		}
	}
	return nil
}

func (l *Ledger) RefreshCounts(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.runs[runID]; !ok {
		return db.ErrRunNotFound
	}
	l.refreshLocked(runID)
	return nil
}

func (l *Ledger) refreshLocked(runID string) {
	run := l.runs[runID]
	run.TotalCount, run.SuccessCount, run.FailCount = 0, 0, 0
	for _, r := range l.rows[runID] {
		run.TotalCount++
		switch r.Status {
		case models.DeliverySent:
			run.SuccessCount++
		case models.DeliveryFailed:
			run.FailCount++
		}
	}
}

func (l *Ledger) Transition(_ context.Context, runID string, status models.RunStatus, startedAt, finishedAt *time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return db.ErrRunNotFound
	}
	run.Status = status
	if run.StartedAt == nil && startedAt != nil {
		t := *startedAt
		run.StartedAt = &t
	}
	if finishedAt != nil {
		t := *finishedAt
		run.FinishedAt = &t
	}
	return nil
}

func (l *Ledger) BeginRun(_ context.Context, runID string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok || run.Status != models.RunQueued {
		return false, nil
	}
	run.Status = models.RunRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	return true, nil
}

func (l *Ledger) RequestCancel(_ context.Context, runID string) (models.RunStatus, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return "", false, db.ErrRunNotFound
	}
	if !run.Status.CanCancel() {
		return run.Status, false, nil
	}
	run.Status = models.RunCancelRequested
	return run.Status, true, nil
}

func (l *Ledger) RearmRun(_ context.Context, runID string) (models.RunStatus, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return "", false, db.ErrRunNotFound
	}
	if !run.Status.CanRetry() {
		return run.Status, false, nil
	}
	run.Status = models.RunQueued
	run.StartedAt = nil
	run.FinishedAt = nil
	return run.Status, true, nil
}

func (l *Ledger) RunStatus(_ context.Context, runID string) (models.RunStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return "", db.ErrRunNotFound
	}
	return run.Status, nil
}

func (l *Ledger) MarkUnresolvedFailed(_ context.Context, runID, errText string, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, r := range l.rows[runID] {
		if r.Status == models.DeliverySent {
			continue
		}
		msg := errText
		r.Status = models.DeliveryFailed
		r.AttemptCount++
		r.LastError = &msg
		r.SentAt = nil
		r.UpdatedAt = at
		n++
	}
	return n, nil
}

func (l *Ledger) TargetRecipients(_ context.Context, runID string, retryOnly bool) ([]models.RecipientDelivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.RecipientDelivery, 0, len(l.rows[runID]))
	for _, r := range l.rows[runID] {
		if retryOnly && r.Status == models.DeliverySent {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (l *Ledger) GetRun(_ context.Context, runID string) (*models.SendRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return nil, db.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (l *Ledger) FetchSummary(ctx context.Context, runID string) (models.RunSummary, error) {
	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return models.RunSummary{}, err
	}
	return run.Summary(), nil
}

func (l *Ledger) FetchDetail(ctx context.Context, runID string) (*models.RunDetail, error) {
	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunDetail{Run: *run, Recipients: l.Recipients(runID)}, nil
}

func (l *Ledger) ListSummaries(_ context.Context, limit int) ([]models.RunSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.RunSummary, 0, len(l.runs))
	for _, r := range l.runs {
		out = append(out, r.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recipients returns a copy of the rows of a run in insertion order.
func (l *Ledger) Recipients(runID string) []models.RecipientDelivery {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.RecipientDelivery, 0, len(l.rows[runID]))
	for _, r := range l.rows[runID] {
		out = append(out, *r)
	}
	return out
}

// Recipient returns one row, or the zero value when absent.
func (l *Ledger) Recipient(runID, email string) models.RecipientDelivery {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r := l.findLocked(runID, email); r != nil {
		return *r
	}
	return models.RecipientDelivery{}
}

// SetStatus forces a run status, bypassing transition rules.
func (l *Ledger) SetStatus(runID string, status models.RunStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if run, ok := l.runs[runID]; ok {
		run.Status = status
	}
}
