package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"MailRun/internal/assets"
	"MailRun/internal/db"
	"MailRun/internal/email"
	"MailRun/internal/metrics"
	"MailRun/internal/models"
)

const defaultCheckpointEvery = 10

// Executor delivers one run over a single transport session, one recipient
// at a time.
type Executor struct {
	ledger    Ledger
	assets    Assets
	transport email.Transport
	metrics   *metrics.Metrics
	log       *zap.Logger

	checkpointEvery int
	now             func() time.Time
}

func NewExecutor(
	ledger Ledger,
	res Assets,
	transport email.Transport,
	m *metrics.Metrics,
	logger *zap.Logger,
	checkpointEvery int,
) *Executor {
	if checkpointEvery <= 0 {
		checkpointEvery = defaultCheckpointEvery
	}
	return &Executor{
		ledger:          ledger,
		assets:          res,
		transport:       transport,
		metrics:         m,
		log:             logger,
		checkpointEvery: checkpointEvery,
		now:             time.Now,
	}
}

// Execute runs the dispatch of runID. With retryOnly set, recipients already
// sent are skipped. Faults that end the whole run are recorded in the ledger
// and reported as nil; only ledger failures are returned.
func (e *Executor) Execute(ctx context.Context, runID string, retryOnly bool) error {
	log := e.log.With(zap.String("run_id", runID), zap.Bool("retry_only", retryOnly))

	run, err := e.ledger.GetRun(ctx, runID)
	if errors.Is(err, db.ErrRunNotFound) {
		log.Warn("dispatch skipped: run not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	switch run.Status {
	case models.RunQueued, models.RunCancelRequested, models.RunCanceled:
	default:
		log.Warn("dispatch skipped: stale invocation", zap.String("status", string(run.Status)))
		return nil
	}

	// ----------------------------
	// Inline asset gate
	// ----------------------------
	inline, missing := e.assets.Lookup(run.TemplateRef(), run.HTMLSnapshot)
	if len(missing) > 0 {
		log.Warn("inline assets missing", zap.Strings("tokens", missing))
		return e.abort(ctx, log, runID, assets.MissingMessage(missing), time.Time{})
	}

	if run.Status.CancelObserved() {
		return e.finalize(ctx, log, runID, models.RunCanceled, time.Time{})
	}

	// ----------------------------
	// Claim the run
	// ----------------------------
	began := e.now()
	ok, err := e.ledger.BeginRun(ctx, runID, began)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	if !ok {
		st, err := e.ledger.RunStatus(ctx, runID)
		if err != nil {
			return fmt.Errorf("read status of %s: %w", runID, err)
		}
		if st.CancelObserved() {
			return e.finalize(ctx, log, runID, models.RunCanceled, time.Time{})
		}
		log.Warn("dispatch skipped", zap.String("status", string(st)), zap.Error(ErrRunNotQueued))
		return nil
	}

	targets, err := e.ledger.TargetRecipients(ctx, runID, retryOnly)
	if err != nil {
		ferr := e.finalize(ctx, log, runID, models.RunFailed, began)
		return errors.Join(fmt.Errorf("load recipients of %s: %w", runID, err), ferr)
	}
	if len(targets) == 0 {
		log.Info("no recipients to attempt")
		return e.finalize(ctx, log, runID, models.RunFinished, began)
	}

	// ----------------------------
	// Open Session
	// ----------------------------
	session, err := e.transport.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("dispatch interrupted before sending", zap.Error(err))
			return e.finalize(ctx, log, runID, models.RunFailed, began)
		}
		log.Error("smtp session failed", zap.Error(err))
		return e.abort(ctx, log, runID, err.Error(), began)
	}

	log.Info("dispatch started", zap.Int("targets", len(targets)))

	status, loopErr := e.deliverAll(ctx, log, run, inline, targets, session)
	if err := session.Close(); err != nil {
		log.Warn("smtp session close failed", zap.Error(err))
	}

	ferr := e.finalize(ctx, log, runID, status, began)
	if loopErr != nil {
		return errors.Join(loopErr, ferr)
	}
	return ferr
}

// deliverAll attempts every target in order and returns the status the run
// should finish in.
func (e *Executor) deliverAll(
	ctx context.Context,
	log *zap.Logger,
	run *models.SendRun,
	inline []assets.Asset,
	targets []models.RecipientDelivery,
	session email.Session,
) (models.RunStatus, error) {
	attempted := 0

	for _, rcpt := range targets {
		if err := ctx.Err(); err != nil {
			log.Warn("dispatch interrupted", zap.Int("attempted", attempted), zap.Error(err))
			return models.RunFailed, nil
		}

		st, err := e.ledger.RunStatus(ctx, run.ID)
		if err != nil {
			return models.RunFailed, fmt.Errorf("read status of %s: %w", run.ID, err)
		}
		if st.CancelObserved() {
			log.Info("cancel observed", zap.Int("attempted", attempted))
			return models.RunCanceled, nil
		}

		outcome := e.deliver(session, run, inline, rcpt.Email)
		if err := e.ledger.RecordAttempt(ctx, run.ID, rcpt.Email, outcome); err != nil {
			return models.RunFailed, fmt.Errorf("record attempt for %s: %w", rcpt.Email, err)
		}
		e.metrics.Delivered(outcome.Sent)

		if outcome.Sent {
			log.Debug("email sent", zap.String("recipient", rcpt.Email))
		} else {
			log.Warn("email send failed",
				zap.String("recipient", rcpt.Email),
				zap.String("error", outcome.Err),
			)
		}

		attempted++
		if attempted%e.checkpointEvery == 0 {
			if err := e.ledger.RefreshCounts(ctx, run.ID); err != nil {
				log.Warn("checkpoint failed", zap.Error(err))
			}
		}
	}

	return models.RunFinished, nil
}

func (e *Executor) deliver(session email.Session, run *models.SendRun, inline []assets.Asset, to string) (out models.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = models.Outcome{Err: fmt.Sprintf("send panicked: %v", p), At: e.now()}
		}
	}()

	msg := email.BuildMessage(runEnvelope(run, to), inline, e.assets)
	if err := session.Send(msg); err != nil {
		return models.Outcome{Err: err.Error(), At: e.now()}
	}
	return models.Outcome{Sent: true, At: e.now()}
}

// abort fails every unresolved recipient with reason and finalizes the run as failed.
func (e *Executor) abort(ctx context.Context, log *zap.Logger, runID, reason string, began time.Time) error {
	ctx = context.WithoutCancel(ctx)
	n, err := e.ledger.MarkUnresolvedFailed(ctx, runID, reason, e.now())
	if err != nil {
		ferr := e.finalize(ctx, log, runID, models.RunFailed, began)
		return errors.Join(fmt.Errorf("mark recipients failed for %s: %w", runID, err), ferr)
	}
	log.Warn("run aborted", zap.Int64("recipients_failed", n), zap.String("reason", reason))
	return e.finalize(ctx, log, runID, models.RunFailed, began)
}

// finalize refreshes the counters and moves the run to a terminal status. It
// ignores cancellation of ctx so a run never stays running after the
// executor stops.
func (e *Executor) finalize(ctx context.Context, log *zap.Logger, runID string, status models.RunStatus, began time.Time) error {
	ctx = context.WithoutCancel(ctx)

	if err := e.ledger.RefreshCounts(ctx, runID); err != nil {
		log.Error("refresh counts failed", zap.Error(err))
	}

	now := e.now()
	if err := e.ledger.Transition(ctx, runID, status, nil, &now); err != nil {
		log.Error("finalize run failed", zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("finalize run %s as %s: %w", runID, status, err)
	}

	var took float64
	if !began.IsZero() {
		took = now.Sub(began).Seconds()
	}
	e.metrics.Finalized(string(status), took)

	log.Info("run finalized", zap.String("status", string(status)))
	return nil
}

func runEnvelope(run *models.SendRun, to string) email.Envelope {
	return email.Envelope{
		From:    run.FromEmail,
		To:      to,
		Subject: run.Subject,
		HTML:    run.HTMLSnapshot,
	}
}
