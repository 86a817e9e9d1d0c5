package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailRun/internal/assets"
	"MailRun/internal/email"
	"MailRun/internal/models"
	"MailRun/internal/recipients"
)

// Service is the orchestration surface used by the HTTP layer.
type Service struct {
	ledger    Ledger
	templates TemplateStore
	assets    Assets
	transport email.Transport
	queue     Enqueuer
	log       *zap.Logger

	defaultFrom    string
	testRecipients []string
}

type ServiceConfig struct {
	DefaultFrom    string
	TestRecipients []string
}

func NewService(
	ledger Ledger,
	templates TemplateStore,
	res Assets,
	transport email.Transport,
	queue Enqueuer,
	logger *zap.Logger,
	cfg ServiceConfig,
) *Service {
	return &Service{
		ledger:         ledger,
		templates:      templates,
		assets:         res,
		transport:      transport,
		queue:          queue,
		log:            logger,
		defaultFrom:    cfg.DefaultFrom,
		testRecipients: recipients.Dedup(cfg.TestRecipients),
	}
}

type CreateRunInput struct {
	TemplateID string
	Title      string
	Recipients []string
}

// CreateRun snapshots the template into a new queued run and schedules its
// execution. Without explicit recipients the template's stored list is used.
// Missing inline assets are reported before anything is stored.
func (s *Service) CreateRun(ctx context.Context, in CreateRunInput) (models.RunSummary, error) {
	tpl, err := s.templates.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return models.RunSummary{}, err
	}

	if _, missing := s.assets.Lookup(tpl.ID, tpl.HTMLContent); len(missing) > 0 {
		return models.RunSummary{}, &MissingAssetsError{Tokens: missing}
	}

	to := in.Recipients
	if len(recipients.Dedup(to)) == 0 {
		to = tpl.Recipients
	}
	addrs, err := cleanRecipients(to)
	if err != nil {
		return models.RunSummary{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = tpl.Title
	}

	run, err := s.ledger.CreateRun(ctx, models.NewRun{
		TemplateID:   &tpl.ID,
		Title:        title,
		Subject:      tpl.Subject,
		FromEmail:    s.fromFor(tpl),
		HTMLSnapshot: tpl.HTMLContent,
		Recipients:   addrs,
	})
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("create run: %w", err)
	}

	log := s.log.With(zap.String("run_id", run.ID))
	log.Info("run created",
		zap.String("template_id", tpl.ID),
		zap.Int("recipients", run.TotalCount),
	)

	if err := s.queue.Enqueue(ctx, run.ID, false); err != nil {
		s.failUnscheduled(ctx, log, run.ID, err)
		return models.RunSummary{}, fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	return run.Summary(), nil
}

func (s *Service) RequestCancel(ctx context.Context, runID string) error {
	st, ok, err := s.ledger.RequestCancel(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return &RejectedError{Op: "cancel", RunID: runID, Reason: fmt.Sprintf("run is %s", st)}
	}
	s.log.Info("cancel requested", zap.String("run_id", runID))
	return nil
}

// RequestRetry re-arms a terminal run and schedules an execution restricted
// to recipients that are not sent.
func (s *Service) RequestRetry(ctx context.Context, runID string) error {
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.CanRetry() {
		return &RejectedError{Op: "retry", RunID: runID, Reason: fmt.Sprintf("run is %s", run.Status)}
	}
	if _, missing := s.assets.Lookup(run.TemplateRef(), run.HTMLSnapshot); len(missing) > 0 {
		return &RejectedError{Op: "retry", RunID: runID, Reason: assets.MissingMessage(missing)}
	}

	st, ok, err := s.ledger.RearmRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return &RejectedError{Op: "retry", RunID: runID, Reason: fmt.Sprintf("run is %s", st)}
	}

	log := s.log.With(zap.String("run_id", runID))
	if err := s.queue.Enqueue(ctx, runID, true); err != nil {
		s.failUnscheduled(ctx, log, runID, err)
		return fmt.Errorf("enqueue retry %s: %w", runID, err)
	}
	log.Info("retry scheduled")
	return nil
}

// failUnscheduled finalizes a queued run that no execution will pick up.
func (s *Service) failUnscheduled(ctx context.Context, log *zap.Logger, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log.Error("enqueue failed", zap.Error(cause))

	now := time.Now()
	if _, err := s.ledger.MarkUnresolvedFailed(ctx, runID, "not scheduled: "+cause.Error(), now); err != nil {
		log.Error("mark recipients failed", zap.Error(err))
	}
	if err := s.ledger.RefreshCounts(ctx, runID); err != nil {
		log.Error("refresh counts failed", zap.Error(err))
	}
	if err := s.ledger.Transition(ctx, runID, models.RunFailed, nil, &now); err != nil {
		log.Error("finalize run failed", zap.Error(err))
	}
}

func (s *Service) Summary(ctx context.Context, runID string) (models.RunSummary, error) {
	return s.ledger.FetchSummary(ctx, runID)
}

func (s *Service) Detail(ctx context.Context, runID string) (*models.RunDetail, error) {
	return s.ledger.FetchDetail(ctx, runID)
}

func (s *Service) ListSummaries(ctx context.Context, limit int) ([]models.RunSummary, error) {
	return s.ledger.ListSummaries(ctx, limit)
}

// TestResult reports a test send. Nothing about it is stored.
type TestResult struct {
	Sent   int               `json:"sent"`
	Failed int               `json:"failed"`
	Errors map[string]string `json:"errors,omitempty"`
}

// SendTest delivers the template synchronously to a few addresses, marked as
// a test. Without explicit recipients the configured test list is used.
func (s *Service) SendTest(ctx context.Context, templateID string, to []string) (*TestResult, error) {
	tpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if len(recipients.Dedup(to)) == 0 {
		to = s.testRecipients
	}
	addrs, err := cleanRecipients(to)
	if err != nil {
		return nil, err
	}

	inline, missing := s.assets.Lookup(tpl.ID, tpl.HTMLContent)
	if len(missing) > 0 {
		return nil, &MissingAssetsError{Tokens: missing}
	}

	session, err := s.transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open smtp session: %w", err)
	}
	defer session.Close()

	res := &TestResult{}
	for _, addr := range addrs {
		env := email.Envelope{
			From:    s.fromFor(tpl),
			To:      addr,
			Subject: tpl.Subject,
			HTML:    tpl.HTMLContent,
		}.AsTest()

		if err := session.Send(email.BuildMessage(env, inline, s.assets)); err != nil {
			res.Failed++
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[addr] = err.Error()
			continue
		}
		res.Sent++
	}

	s.log.Info("test send finished",
		zap.String("template_id", tpl.ID),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return s.templates.GetTemplate(ctx, id)
}

func (s *Service) ListTemplates(ctx context.Context) ([]models.Template, error) {
	return s.templates.ListTemplates(ctx)
}

// SaveTemplate creates or replaces a template. The id doubles as the name of
// its asset directory, so it must be a safe token.
func (s *Service) SaveTemplate(ctx context.Context, t *models.Template) error {
	t.Title = strings.TrimSpace(t.Title)
	t.Subject = strings.TrimSpace(t.Subject)

	switch {
	case t.ID != "" && !assets.IsSafeToken(t.ID):
		return invalid("template id %q may only contain letters, digits, '.', '_' and '-'", t.ID)
	case t.Title == "":
		return invalid("title is required")
	case t.Subject == "":
		return invalid("subject is required")
	case strings.TrimSpace(t.HTMLContent) == "":
		return invalid("html_content is required")
	}
	if t.FromEmail != nil && strings.TrimSpace(*t.FromEmail) == "" {
		t.FromEmail = nil
	}
	if t.FromEmail != nil {
		if err := recipients.Validate([]string{*t.FromEmail}); err != nil {
			return invalid("from_email %q is not an address", *t.FromEmail)
		}
	}
	t.Recipients = recipients.Dedup(t.Recipients)
	if err := recipients.Validate(t.Recipients); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	if err := s.templates.SaveTemplate(ctx, t); err != nil {
		return err
	}
	s.log.Info("template saved", zap.String("template_id", t.ID))
	return nil
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.templates.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.log.Info("template deleted", zap.String("template_id", id))
	return nil
}

func (s *Service) fromFor(tpl *models.Template) string {
	if tpl.FromEmail != nil && *tpl.FromEmail != "" {
		return *tpl.FromEmail
	}
	return s.defaultFrom
}

func cleanRecipients(addrs []string) ([]string, error) {
	addrs = recipients.Dedup(addrs)
	if len(addrs) == 0 {
		return nil, invalid("no recipients")
	}
	if err := recipients.Validate(addrs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	return addrs, nil
}
