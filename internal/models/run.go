package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunFinished        RunStatus = "finished"
	RunFailed          RunStatus = "failed"
	RunCanceled        RunStatus = "canceled"
	RunCancelRequested RunStatus = "cancel_requested"
)

// ParseRunStatus rejects anything outside the closed status domain.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunQueued, RunRunning, RunFinished, RunFailed, RunCanceled, RunCancelRequested:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

func (s RunStatus) IsTerminal() bool {
	return s == RunFinished || s == RunFailed || s == RunCanceled
}

// CanRetry reports whether a retry may re-arm a run in this status.
func (s RunStatus) CanRetry() bool { return s.IsTerminal() }

// CanCancel reports whether a cancel request applies to a run in this status.
func (s RunStatus) CanCancel() bool { return s == RunQueued || s == RunRunning }

// CancelObserved reports whether an executor must finalize the run as canceled.
func (s RunStatus) CancelObserved() bool {
	return s == RunCancelRequested || s == RunCanceled
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch st := DeliveryStatus(s); st {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// SendRun is one dispatch campaign. HTMLSnapshot is frozen at creation so later
// template edits never change a campaign retroactively.
type SendRun struct {
	ID           string  `json:"id"`
	TemplateID   *string `json:"template_id"`
	Title        string  `json:"title"`
	Subject      string  `json:"subject"`
	FromEmail    string  `json:"from_email"`
	HTMLSnapshot string  `json:"html_snapshot,omitempty"`

	Status       RunStatus `json:"status"`
	TotalCount   int       `json:"total_count"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// TemplateRef returns the template id, or "" when the run is detached.
func (r *SendRun) TemplateRef() string {
	if r.TemplateID == nil {
		return ""
	}
	return *r.TemplateID
}

type RecipientDelivery struct {
	RunID        string         `json:"run_id"`
	Email        string         `json:"recipient_email"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    *string        `json:"last_error"`
	SentAt       *time.Time     `json:"sent_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Sent bool
	Err  string
	At   time.Time
}

type RunSummary struct {
	ID         string     `json:"id"`
	TemplateID *string    `json:"template_id"`
	Title      string     `json:"title"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Success    int        `json:"success"`
	Fail       int        `json:"fail"`
	Pending    int        `json:"pending"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (r *SendRun) Summary() RunSummary {
	return RunSummary{
		ID:         r.ID,
		TemplateID: r.TemplateID,
		Title:      r.Title,
		Status:     r.Status,
		Total:      r.TotalCount,
		Success:    r.SuccessCount,
		Fail:       r.FailCount,
		Pending:    max(r.TotalCount-r.SuccessCount-r.FailCount, 0),
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

type RunDetail struct {
	Run        SendRun             `json:"run"`
	Recipients []RecipientDelivery `json:"recipients"`
}

// NewRun carries everything the ledger needs to create a run.
type NewRun struct {
	TemplateID   *string
	Title        string
	Subject      string
	FromEmail    string
	HTMLSnapshot string
	Recipients   []string
}
