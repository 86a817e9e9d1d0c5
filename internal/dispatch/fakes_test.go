package dispatch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"MailRun/internal/assets"
	"MailRun/internal/email"
	"MailRun/internal/models"
	"MailRun/internal/testutil"
)

// fakeTransport records every message handed to its sessions.
type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	fail     map[string]error
	opens    int
	attempts []string
	raw      map[string]string

	onSend func(to string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]error), raw: make(map[string]string)}
}

func (f *fakeTransport) Open(context.Context) (email.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeSession{t: f}, nil
}

func (f *fakeTransport) Attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func (f *fakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) Raw(to string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw[to]
}

type fakeSession struct {
	t *fakeTransport
}

func (s *fakeSession) Send(m *gomail.Message) error {
	to := m.GetHeader("To")[0]
	if s.t.onSend != nil {
		s.t.onSend(to)
	}

	var buf bytes.Buffer
	_, werr := m.WriteTo(&buf)

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.attempts = append(s.t.attempts, to)
	s.t.raw[to] = buf.String()
	if werr != nil {
		return werr
	}
	return s.t.fail[to]
}

func (s *fakeSession) Close() error { return nil }

type enqueued struct {
	RunID     string
	RetryOnly bool
}

type fakeQueue struct {
	mu    sync.Mutex
	err   error
	calls []enqueued
}

func (q *fakeQueue) Enqueue(_ context.Context, runID string, retryOnly bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.calls = append(q.calls, enqueued{RunID: runID, RetryOnly: retryOnly})
	return nil
}

const (
	plainHTML = "<p>Hello there</p>"
	logoHTML  = `<p>Hi</p><img src="cid:logo">`
)

func welcomeAssets() fstest.MapFS {
	return fstest.MapFS{
		"welcome/logo.png": {Data: []byte("PNGDATA")},
	}
}

type harness struct {
	ledger    *testutil.Ledger
	transport *fakeTransport
	exec      *Executor
}

func newHarness(t *testing.T, files fstest.MapFS) *harness {
	t.Helper()
	ledger := testutil.NewLedger()
	tr := newFakeTransport()
	exec := NewExecutor(ledger, assets.NewResolverFS(files), tr, nil, zap.NewNop(), 10)
	return &harness{ledger: ledger, transport: tr, exec: exec}
}

func (h *harness) createRun(t *testing.T, html string, addrs ...string) string {
	t.Helper()
	tplID := "welcome"
	run, err := h.ledger.CreateRun(context.Background(), models.NewRun{
		TemplateID:   &tplID,
		Title:        "Launch",
		Subject:      "Hello",
		FromEmail:    "sender@example.com",
		HTMLSnapshot: html,
		Recipients:   addrs,
	})
	require.NoError(t, err)
	return run.ID
}

func (h *harness) run(t *testing.T, runID string) *models.SendRun {
	t.Helper()
	run, err := h.ledger.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}
