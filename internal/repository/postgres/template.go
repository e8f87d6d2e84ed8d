package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// TemplateRepo implements campaign.TemplateResolver against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template resolver.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) Get(ctx context.Context, templateID, ownerID string) (*domain.Template, error) {
	t := &domain.Template{}
	var steps sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, kind, body, media_url, caption, steps,
		       created_at, updated_at
		FROM dispatch_templates
		WHERE id = $1 AND owner_id = $2
	`, templateID, ownerID).Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.Kind, &t.Body, &t.MediaURL, &t.Caption,
		&steps, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}

	if steps.Valid && steps.String != "" && steps.String != "null" {
		if err := json.Unmarshal([]byte(steps.String), &t.Steps); err != nil {
			return nil, fmt.Errorf("parse template steps: %w", err)
		}
	}
	return t, nil
}
