package dispatch

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRun/internal/assets"
	"MailRun/internal/db"
	"MailRun/internal/models"
	"MailRun/internal/testutil"
)

type serviceHarness struct {
	ledger    *testutil.Ledger
	templates *testutil.Templates
	files     fstest.MapFS
	transport *fakeTransport
	queue     *fakeQueue
	svc       *Service
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		ledger: testutil.NewLedger(),
		templates: testutil.NewTemplates(
			models.Template{ID: "welcome", Title: "Welcome", Subject: "Hello", HTMLContent: logoHTML},
			models.Template{ID: "broken", Title: "Broken", Subject: "Oops", HTMLContent: `<img src="cid:ghost">`},
		),
		files:     welcomeAssets(),
		transport: newFakeTransport(),
		queue:     &fakeQueue{},
	}
	h.svc = NewService(h.ledger, h.templates, assets.NewResolverFS(h.files), h.transport, h.queue,
		zap.NewNop(), ServiceConfig{
			DefaultFrom:    "noreply@example.com",
			TestRecipients: []string{"qa@example.com"},
		})
	return h
}

func TestService_CreateRun(t *testing.T) {
	h := newServiceHarness(t)

	sum, err := h.svc.CreateRun(context.Background(), CreateRunInput{
		TemplateID: "welcome",
		Recipients: []string{"a@x.com", " a@x.com ", "b@x.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunQueued, sum.Status)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, "Welcome", sum.Title)
	assert.Equal(t, []enqueued{{RunID: sum.ID, RetryOnly: false}}, h.queue.calls)

	run, err := h.ledger.GetRun(context.Background(), sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "noreply@example.com", run.FromEmail)
	assert.Equal(t, logoHTML, run.HTMLSnapshot)
	assert.Equal(t, "welcome", run.TemplateRef())
}

func TestService_CreateRunSnapshotsTemplate(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Title: "Spring", Recipients: []string{"a@x.com"}})
	require.NoError(t, err)

	require.NoError(t, h.svc.SaveTemplate(ctx, &models.Template{
		ID: "welcome", Title: "Welcome", Subject: "Changed", HTMLContent: "<p>new</p>",
	}))

	run, err := h.ledger.GetRun(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "Spring", run.Title)
	assert.Equal(t, "Hello", run.Subject)
	assert.Equal(t, logoHTML, run.HTMLSnapshot)
}

func TestService_CreateRunRejections(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "missing", Recipients: []string{"a@x.com"}})
	assert.ErrorIs(t, err, db.ErrTemplateNotFound)

	_, err = h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "broken", Recipients: []string{"a@x.com"}})
	var missing *MissingAssetsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"ghost"}, missing.Tokens)
	assert.Equal(t, "missing inline assets: ghost", err.Error())

	_, err = h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{" ", ""}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{"a@x.com", "nope"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "nope")

	runs, err := h.ledger.ListSummaries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.queue.calls)
}

func TestService_CreateRunEnqueueFailure(t *testing.T) {
	h := newServiceHarness(t)
	h.queue.err = errors.New("queue full")

	_, err := h.svc.CreateRun(context.Background(), CreateRunInput{TemplateID: "welcome", Recipients: []string{"a@x.com"}})
	require.Error(t, err)

	runs, err := h.ledger.ListSummaries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Fail)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestService_RequestCancel(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{"a@x.com"}})
	require.NoError(t, err)

	require.NoError(t, h.svc.RequestCancel(ctx, sum.ID))
	got, err := h.svc.Summary(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelRequested, got.Status)
	assert.Equal(t, models.DeliveryPending, h.ledger.Recipient(sum.ID, "a@x.com").Status)

	err = h.svc.RequestCancel(ctx, sum.ID)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "cancel", rejected.Op)
	assert.Contains(t, rejected.Reason, "cancel_requested")

	assert.ErrorIs(t, h.svc.RequestCancel(ctx, "nope"), db.ErrRunNotFound)
}

func TestService_RequestRetry(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{"a@x.com"}})
	require.NoError(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, h.svc.RequestRetry(ctx, sum.ID), &rejected)
	assert.Contains(t, rejected.Reason, "queued")

	h.ledger.SetStatus(sum.ID, models.RunFailed)
	require.NoError(t, h.svc.RequestRetry(ctx, sum.ID))

	got, err := h.svc.Summary(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, enqueued{RunID: sum.ID, RetryOnly: true}, h.queue.calls[len(h.queue.calls)-1])

	assert.ErrorIs(t, h.svc.RequestRetry(ctx, "nope"), db.ErrRunNotFound)
}

func TestService_RetryRejectedWhenAssetsGone(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{"a@x.com"}})
	require.NoError(t, err)
	h.ledger.SetStatus(sum.ID, models.RunFinished)

	delete(h.files, "welcome/logo.png")

	var rejected *RejectedError
	require.ErrorAs(t, h.svc.RequestRetry(ctx, sum.ID), &rejected)
	assert.Equal(t, "missing inline assets: logo", rejected.Reason)

	got, err := h.svc.Summary(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFinished, got.Status)
}

func TestService_SendTest(t *testing.T) {
	h := newServiceHarness(t)
	h.transport.fail["bad@x.com"] = errors.New("550 rejected")

	res, err := h.svc.SendTest(context.Background(), "welcome", []string{"dev@x.com", "bad@x.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "550 rejected", res.Errors["bad@x.com"])

	raw := h.transport.Raw("dev@x.com")
	assert.Contains(t, raw, "Subject: [TEST] Hello")
	assert.Contains(t, raw, "This is a test message")
	assert.Contains(t, raw, "Content-ID: <logo>")

	runs, err := h.ledger.ListSummaries(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestService_SendTestDefaultsToConfiguredRecipients(t *testing.T) {
	h := newServiceHarness(t)

	res, err := h.svc.SendTest(context.Background(), "welcome", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{"qa@example.com"}, h.transport.Attempts())
}

func TestService_SendTestTransportDown(t *testing.T) {
	h := newServiceHarness(t)
	h.transport.openErr = errors.New("connection refused")

	_, err := h.svc.SendTest(context.Background(), "welcome", []string{"dev@x.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestService_CreateRunUsesTemplateRecipients(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.SaveTemplate(ctx, &models.Template{
		ID: "welcome", Title: "Welcome", Subject: "Hello", HTMLContent: logoHTML,
		Recipients: []string{" a@x.com", "b@x.com", "a@x.com", ""},
	}))
	tpl, err := h.svc.GetTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, tpl.Recipients)

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, "a@x.com", h.ledger.Recipient(sum.ID, "a@x.com").Email)
	assert.Equal(t, "b@x.com", h.ledger.Recipient(sum.ID, "b@x.com").Email)

	// An explicit list replaces the stored one.
	sum, err = h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "welcome", Recipients: []string{"c@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, "c@x.com", h.ledger.Recipient(sum.ID, "c@x.com").Email)
}

func TestService_SaveTemplateValidation(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	from := "team@example.com"

	tpl := &models.Template{Title: " News ", Subject: "Weekly", HTMLContent: "<p>x</p>", FromEmail: &from}
	require.NoError(t, h.svc.SaveTemplate(ctx, tpl))
	assert.NotEmpty(t, tpl.ID)
	assert.Equal(t, "News", tpl.Title)

	bad := "not an address"
	tests := []struct {
		name string
		tpl  models.Template
	}{
		{"unsafe id", models.Template{ID: "../etc", Title: "t", Subject: "s", HTMLContent: "h"}},
		{"no title", models.Template{Subject: "s", HTMLContent: "h"}},
		{"no subject", models.Template{Title: "t", HTMLContent: "h"}},
		{"no body", models.Template{Title: "t", Subject: "s", HTMLContent: "  "}},
		{"bad from", models.Template{Title: "t", Subject: "s", HTMLContent: "h", FromEmail: &bad}},
		{"bad recipient", models.Template{Title: "t", Subject: "s", HTMLContent: "h", Recipients: []string{"a@x.com", "nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.svc.SaveTemplate(ctx, &tt.tpl), ErrInvalidInput)
		})
	}
}

func TestService_CreateRunUsesTemplateSender(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	from := "team@example.com"
	require.NoError(t, h.svc.SaveTemplate(ctx, &models.Template{
		ID: "news", Title: "News", Subject: "Weekly", HTMLContent: "<p>x</p>", FromEmail: &from,
	}))

	sum, err := h.svc.CreateRun(ctx, CreateRunInput{TemplateID: "news", Recipients: []string{"a@x.com"}})
	require.NoError(t, err)

	run, err := h.ledger.GetRun(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, from, run.FromEmail)
}

func TestService_DeleteTemplate(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.DeleteTemplate(ctx, "broken"))
	assert.ErrorIs(t, h.svc.DeleteTemplate(ctx, "broken"), db.ErrTemplateNotFound)

	list, err := h.svc.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "welcome", list[0].ID)
}
