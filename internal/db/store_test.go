package db_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRun/internal/db"
	"MailRun/internal/models"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := db.New(ctx, url, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx, zap.NewNop()))
	_, err = store.Pool.Exec(ctx, `TRUNCATE send_recipients, send_runs, templates`)
	require.NoError(t, err)
	return store
}

func newRun(addrs ...string) models.NewRun {
	return models.NewRun{
		Title:        "Launch",
		Subject:      "Hello",
		FromEmail:    "from@example.com",
		HTMLSnapshot: "<p>hi</p>",
		Recipients:   addrs,
	}
}

func TestCreateRun_DedupsRecipients(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com", "a@x.com", "b@x.com"))
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, 2, run.TotalCount)

	detail, err := store.FetchDetail(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Recipients, 2)
	assert.Equal(t, "a@x.com", detail.Recipients[0].Email)
	assert.Equal(t, "b@x.com", detail.Recipients[1].Email)

	require.NoError(t, store.RecordAttempt(ctx, run.ID, "b@x.com", models.Outcome{Sent: true, At: time.Now()}))
	before, err := store.FetchDetail(ctx, run.ID)
	require.NoError(t, err)
	sentB := before.Recipients[1]
	require.Equal(t, models.DeliverySent, sentB.Status)
	require.NotNil(t, sentB.SentAt)

	// Re-adding a delivered address leaves its row alone.
	require.NoError(t, store.InsertRecipients(ctx, run.ID, []string{"b@x.com", "c@x.com"}))
	sum, err := store.FetchSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 2, sum.Pending)

	after, err := store.FetchDetail(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, after.Recipients, 3)
	b := after.Recipients[1]
	assert.Equal(t, "b@x.com", b.Email)
	assert.Equal(t, models.DeliverySent, b.Status)
	assert.Equal(t, 1, b.AttemptCount)
	require.NotNil(t, b.SentAt)
	assert.True(t, sentB.SentAt.Equal(*b.SentAt))
	assert.True(t, sentB.UpdatedAt.Equal(b.UpdatedAt))
	assert.Equal(t, models.DeliveryPending, after.Recipients[2].Status)
}

func TestRecordAttempt_CountersFollowRows(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.RecordAttempt(ctx, run.ID, "a@x.com", models.Outcome{Sent: true, At: now}))
	require.NoError(t, store.RecordAttempt(ctx, run.ID, "b@x.com", models.Outcome{Err: "550 no such user", At: now}))
	require.NoError(t, store.RefreshCounts(ctx, run.ID))

	sum, err := store.FetchSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 1, sum.Fail)
	assert.Equal(t, 1, sum.Pending)

	detail, err := store.FetchDetail(ctx, run.ID)
	require.NoError(t, err)
	b := detail.Recipients[1]
	assert.Equal(t, models.DeliveryFailed, b.Status)
	assert.Nil(t, b.SentAt)
	require.NotNil(t, b.LastError)
	assert.Equal(t, "550 no such user", *b.LastError)

	err = store.RecordAttempt(ctx, run.ID, "nobody@x.com", models.Outcome{Sent: true})
	assert.ErrorIs(t, err, db.ErrRecipientNotFound)
}

func TestBeginRun_SingleWinner(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.BeginRun(ctx, run.ID, time.Now())
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for ok := range wins {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)

	st, err := store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, st)
}

func TestTransition_StartedAtFirstWriteWins(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com"))
	require.NoError(t, err)

	first := time.Now().UTC().Truncate(time.Millisecond)
	later := first.Add(time.Hour)
	require.NoError(t, store.Transition(ctx, run.ID, models.RunRunning, &first, nil))
	require.NoError(t, store.Transition(ctx, run.ID, models.RunFinished, &later, &later))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(first))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(later))
}

func TestCancelAndRearm(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com"))
	require.NoError(t, err)

	st, ok, err := store.RearmRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.RunQueued, st)

	st, ok, err = store.RequestCancel(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RunCancelRequested, st)

	now := time.Now()
	require.NoError(t, store.Transition(ctx, run.ID, models.RunCanceled, nil, &now))

	_, ok, err = store.RequestCancel(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	st, ok, err = store.RearmRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RunQueued, st)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinishedAt)

	_, _, err = store.RequestCancel(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrRunNotFound)
}

func TestTargetRecipients_RetryOnlySkipsSent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, newRun("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)
	require.NoError(t, store.RecordAttempt(ctx, run.ID, "a@x.com", models.Outcome{Sent: true}))
	require.NoError(t, store.RecordAttempt(ctx, run.ID, "b@x.com", models.Outcome{Err: "boom"}))

	all, err := store.TargetRecipients(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	retry, err := store.TargetRecipients(ctx, run.ID, true)
	require.NoError(t, err)
	require.Len(t, retry, 2)
	assert.Equal(t, "b@x.com", retry[0].Email)
	assert.Equal(t, "c@x.com", retry[1].Email)

	n, err := store.MarkUnresolvedFailed(ctx, run.ID, "smtp down", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTemplates(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	tpl := &models.Template{ID: "welcome", Title: "Welcome", Subject: "Hi", HTMLContent: "<p>hi</p>"}
	require.NoError(t, store.SaveTemplate(ctx, tpl))

	tpl.Subject = "Hello again"
	require.NoError(t, store.SaveTemplate(ctx, tpl))

	got, err := store.GetTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Hello again", got.Subject)
	assert.Empty(t, got.Recipients)

	tpl.Recipients = []string{"a@x.com", "b@x.com"}
	require.NoError(t, store.SaveTemplate(ctx, tpl))
	got, err = store.GetTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got.Recipients)

	list, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, list[0].Recipients)

	run, err := store.CreateRun(ctx, models.NewRun{
		TemplateID: &tpl.ID, Title: tpl.Title, Subject: tpl.Subject,
		FromEmail: "from@example.com", HTMLSnapshot: tpl.HTMLContent,
		Recipients: []string{"a@x.com"},
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteTemplate(ctx, "welcome"))
	assert.ErrorIs(t, store.DeleteTemplate(ctx, "welcome"), db.ErrTemplateNotFound)

	_, err = store.GetTemplate(ctx, "welcome")
	assert.ErrorIs(t, err, db.ErrTemplateNotFound)

	kept, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.TemplateID)
	assert.Equal(t, "<p>hi</p>", kept.HTMLSnapshot)
}
