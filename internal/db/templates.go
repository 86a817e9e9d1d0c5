package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"MailRun/internal/models"
)

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.Pool.QueryRow(ctx,
		`SELECT id, title, subject, html_content, from_email, recipients, created_at, updated_at
		 FROM templates WHERE id=$1`, id,
	).Scan(&t.ID, &t.Title, &t.Subject, &t.HTMLContent, &t.FromEmail, &t.Recipients, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTemplate inserts or replaces t. An empty ID is filled in.
func (s *Store) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Recipients == nil {
		t.Recipients = []string{}
	}
	now := s.now().UTC()
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO templates (id, title, subject, html_content, from_email, recipients, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		 ON CONFLICT (id) DO UPDATE
		 SET title=EXCLUDED.title,
		     subject=EXCLUDED.subject,
		     html_content=EXCLUDED.html_content,
		     from_email=EXCLUDED.from_email,
		     recipients=EXCLUDED.recipients,
		     updated_at=EXCLUDED.updated_at
		 RETURNING created_at, updated_at`,
		t.ID, t.Title, t.Subject, t.HTMLContent, t.FromEmail, t.Recipients, now,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, title, subject, html_content, from_email, recipients, created_at, updated_at
		 FROM templates ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Template, 0)
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Title, &t.Subject, &t.HTMLContent, &t.FromEmail, &t.Recipients, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template. Runs created from it keep their
// snapshot; their template_id is cleared.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM templates WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
