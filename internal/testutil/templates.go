package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"MailRun/internal/db"
	"MailRun/internal/models"
)

// Templates is an in-memory template store.
type Templates struct {
	mu    sync.Mutex
	items map[string]models.Template
}

func NewTemplates(ts ...models.Template) *Templates {
	s := &Templates{items: make(map[string]models.Template)}
	for _, t := range ts {
		s.items[t.ID] = t
	}
	return s
}

func (s *Templates) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[id]
	if !ok {
		return nil, db.ErrTemplateNotFound
	}
	return &t, nil
}

func (s *Templates) SaveTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Recipients == nil {
		t.Recipients = []string{}
	}
	if prev, ok := s.items[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.items[t.ID] = *t
	return nil
}

func (s *Templates) ListTemplates(_ context.Context) ([]models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Template, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t)
	}
	return out, nil
}

func (s *Templates) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return db.ErrTemplateNotFound
	}
	delete(s.items, id)
	return nil
}
