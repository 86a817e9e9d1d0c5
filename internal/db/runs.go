package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"MailRun/internal/models"
	"MailRun/internal/recipients"
)

const runColumns = `id, template_id, title, subject, from_email, html_snapshot,
	created_at, started_at, finished_at, status, total_count, success_count, fail_count`

// CreateRun inserts a queued run and one pending row per distinct address.
func (s *Store) CreateRun(ctx context.Context, nr models.NewRun) (*models.SendRun, error) {
	addrs := recipients.Dedup(nr.Recipients)
	run := &models.SendRun{
		ID:           uuid.NewString(),
		TemplateID:   nr.TemplateID,
		Title:        nr.Title,
		Subject:      nr.Subject,
		FromEmail:    nr.FromEmail,
		HTMLSnapshot: nr.HTMLSnapshot,
		Status:       models.RunQueued,
		CreatedAt:    s.now().UTC(),
	}

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO send_runs
			 (id, template_id, title, subject, from_email, html_snapshot, created_at, status, total_count)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			run.ID, run.TemplateID, run.Title, run.Subject, run.FromEmail,
			run.HTMLSnapshot, run.CreatedAt, run.Status, len(addrs),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if err := insertRecipients(ctx, tx, run.ID, addrs); err != nil {
			return err
		}
		return refreshCounts(ctx, tx, run.ID)
	})
	if err != nil {
		return nil, err
	}

	run.TotalCount = len(addrs)
	return run, nil
}

// InsertRecipients adds pending rows for addrs. Pairs already present keep
// their recorded outcome.
func (s *Store) InsertRecipients(ctx context.Context, runID string, addrs []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertRecipients(ctx, tx, runID, recipients.Dedup(addrs)); err != nil {
			return err
		}
		return refreshCounts(ctx, tx, runID)
	})
}

func insertRecipients(ctx context.Context, q querier, runID string, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO send_recipients (run_id, recipient_email, status)
		 SELECT $1, t.email, 'pending'
		 FROM unnest($2::text[]) WITH ORDINALITY AS t(email, ord)
		 ORDER BY t.ord
		 ON CONFLICT (run_id, recipient_email) DO NOTHING`,
		runID, addrs,
	)
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}
	return nil
}

// RecordAttempt stores the outcome of one delivery attempt. Later calls
// overwrite earlier outcomes.
func (s *Store) RecordAttempt(ctx context.Context, runID, email string, o models.Outcome) error {
	at := o.At
	if at.IsZero() {
		at = s.now()
	}

	status := models.DeliveryFailed
	var lastError *string
	var sentAt *time.Time
	if o.Sent {
		status = models.DeliverySent
		sentAt = &at
	} else {
		msg := o.Err
		lastError = &msg
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE send_recipients
		 SET status=$3,
		     attempt_count = attempt_count + 1,
		     last_error=$4,
		     sent_at=$5,
		     updated_at=$6
		 WHERE run_id=$1 AND recipient_email=$2`,
		runID, email, status, lastError, sentAt, at,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, email)
	}
	return nil
}

// RefreshCounts recomputes the cached counters from the recipient rows in a
// single statement, so readers never see a partial update.
func (s *Store) RefreshCounts(ctx context.Context, runID string) error {
	return refreshCounts(ctx, s.Pool, runID)
}

func refreshCounts(ctx context.Context, q querier, runID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE send_runs r
		 SET total_count = c.total,
		     success_count = c.sent,
		     fail_count = c.failed
		 FROM (
		     SELECT COUNT(*) AS total,
		            COUNT(*) FILTER (WHERE status = 'sent') AS sent,
		            COUNT(*) FILTER (WHERE status = 'failed') AS failed
		     FROM send_recipients
		     WHERE run_id = $1
		 ) c
		 WHERE r.id = $1`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("refresh counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Transition sets the run status. started_at is first-write-wins; a non-nil
// finishedAt replaces any previous value.
func (s *Store) Transition(ctx context.Context, runID string, status models.RunStatus, startedAt, finishedAt *time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE send_runs
		 SET status=$2,
		     started_at = COALESCE(started_at, $3),
		     finished_at = COALESCE($4, finished_at)
		 WHERE id=$1`,
		runID, status, startedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// BeginRun moves a queued run to running. It reports false when the run was
// not queued, which is how a second concurrent execution is turned away.
func (s *Store) BeginRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE send_runs
		 SET status='running',
		     started_at = COALESCE(started_at, $2)
		 WHERE id=$1 AND status='queued'`,
		runID, now,
	)
	if err != nil {
		return false, fmt.Errorf("begin run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestCancel flags a queued or running run as cancel_requested. It returns
// the status the run is in afterwards and whether the flag was set.
func (s *Store) RequestCancel(ctx context.Context, runID string) (models.RunStatus, bool, error) {
	return s.casStatus(ctx,
		`UPDATE send_runs SET status='cancel_requested'
		 WHERE id=$1 AND status IN ('queued', 'running')
		 RETURNING status`,
		runID,
	)
}

// RearmRun puts a terminal run back to queued and clears its timestamps.
func (s *Store) RearmRun(ctx context.Context, runID string) (models.RunStatus, bool, error) {
	return s.casStatus(ctx,
		`UPDATE send_runs
		 SET status='queued', started_at=NULL, finished_at=NULL
		 WHERE id=$1 AND status IN ('finished', 'failed', 'canceled')
		 RETURNING status`,
		runID,
	)
}

func (s *Store) casStatus(ctx context.Context, sql, runID string) (models.RunStatus, bool, error) {
	var raw string
	err := s.Pool.QueryRow(ctx, sql, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		st, err := s.RunStatus(ctx, runID)
		return st, false, err
	}
	if err != nil {
		return "", false, err
	}
	st, err := models.ParseRunStatus(raw)
	return st, err == nil, err
}

func (s *Store) RunStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	var raw string
	err := s.Pool.QueryRow(ctx, `SELECT status FROM send_runs WHERE id=$1`, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", err
	}
	return models.ParseRunStatus(raw)
}

// MarkUnresolvedFailed fails every pending or failed recipient with errText.
func (s *Store) MarkUnresolvedFailed(ctx context.Context, runID, errText string, at time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE send_recipients
		 SET status='failed',
		     attempt_count = attempt_count + 1,
		     last_error=$2,
		     sent_at=NULL,
		     updated_at=$3
		 WHERE run_id=$1 AND status IN ('pending', 'failed')`,
		runID, errText, at,
	)
	if err != nil {
		return 0, fmt.Errorf("mark unresolved failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TargetRecipients lists the rows an execution should attempt, in insertion
// order. A retry only targets rows that are not sent.
func (s *Store) TargetRecipients(ctx context.Context, runID string, retryOnly bool) ([]models.RecipientDelivery, error) {
	sql := `SELECT run_id, recipient_email, status, attempt_count, last_error, sent_at, updated_at
	        FROM send_recipients WHERE run_id=$1`
	if retryOnly {
		sql += ` AND status IN ('pending', 'failed')`
	}
	sql += ` ORDER BY id`
	return s.queryRecipients(ctx, sql, runID)
}

func (s *Store) queryRecipients(ctx context.Context, sql string, args ...any) ([]models.RecipientDelivery, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RecipientDelivery, 0)
	for rows.Next() {
		var d models.RecipientDelivery
		var status string
		if err := rows.Scan(&d.RunID, &d.Email, &status, &d.AttemptCount, &d.LastError, &d.SentAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if d.Status, err = models.ParseDeliveryStatus(status); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID string) (*models.SendRun, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM send_runs WHERE id=$1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *Store) FetchSummary(ctx context.Context, runID string) (models.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return models.RunSummary{}, err
	}
	return run.Summary(), nil
}

func (s *Store) FetchDetail(ctx context.Context, runID string) (*models.RunDetail, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := s.queryRecipients(ctx,
		`SELECT run_id, recipient_email, status, attempt_count, last_error, sent_at, updated_at
		 FROM send_recipients WHERE run_id=$1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	return &models.RunDetail{Run: *run, Recipients: rows}, nil
}

// ListSummaries returns the most recent runs first.
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+runColumns+` FROM send_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RunSummary, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run.Summary())
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*models.SendRun, error) {
	var r models.SendRun
	var status string
	err := row.Scan(
		&r.ID, &r.TemplateID, &r.Title, &r.Subject, &r.FromEmail, &r.HTMLSnapshot,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &status,
		&r.TotalCount, &r.SuccessCount, &r.FailCount,
	)
	if err != nil {
		return nil, err
	}
	if r.Status, err = models.ParseRunStatus(status); err != nil {
		return nil, err
	}
	return &r, nil
}
