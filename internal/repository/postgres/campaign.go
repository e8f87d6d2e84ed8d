// Package postgres implements the campaign service repositories against
// PostgreSQL. Structured fields (recipients, stats, window, auto-delete,
// recipient snapshots) are stored as JSONB, not flattened columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, owner_id, channel_id, template_id, name, pacing,
	auto_delete, send_window, recipients, stats, status, pause_reason,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var autoDelete, recipients, stats []byte
	var window sql.NullString

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ChannelID, &c.TemplateID, &c.Name, &c.Pacing,
		&autoDelete, &window, &recipients, &stats, &c.Status, &c.PauseReason,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(autoDelete, &c.AutoDelete); err != nil {
		return nil, fmt.Errorf("parse auto_delete: %w", err)
	}
	if window.Valid && window.String != "" && window.String != "null" {
		c.Window = &domain.Window{}
		if err := json.Unmarshal([]byte(window.String), c.Window); err != nil {
			return nil, fmt.Errorf("parse send_window: %w", err)
		}
	}
	if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	if err := json.Unmarshal(stats, &c.Stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM dispatch_campaigns
		WHERE id = $1
	`, id)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, ownerID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM dispatch_campaigns WHERE owner_id = $1`
	countArgs := []interface{}{ownerID}
	if f.Status != "" {
		countQ += ` AND status = $2`
		countArgs = append(countArgs, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM dispatch_campaigns WHERE owner_id = $1`
	args := []interface{}{ownerID}
	idx := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	autoDelete, err := json.Marshal(c.AutoDelete)
	if err != nil {
		return "", fmt.Errorf("marshal auto_delete: %w", err)
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return "", fmt.Errorf("marshal recipients: %w", err)
	}
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}
	var window interface{}
	if c.Window != nil {
		w, err := json.Marshal(c.Window)
		if err != nil {
			return "", fmt.Errorf("marshal send_window: %w", err)
		}
		window = string(w)
	}

	var id string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO dispatch_campaigns (
			id, owner_id, channel_id, template_id, name, pacing,
			auto_delete, send_window, recipients, stats, status, pause_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, c.ID, c.OwnerID, c.ChannelID, c.TemplateID, c.Name, c.Pacing,
		string(autoDelete), window, string(recipients), string(stats),
		c.Status, c.PauseReason,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return id, nil
}

func (r *CampaignRepo) MarkRunning(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'running',
		    pause_reason = '',
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'paused', 'running')
	`, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *CampaignRepo) Pause(ctx context.Context, id string, reason domain.PauseReason) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'paused', pause_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, string(reason))
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *CampaignRepo) MarkFailed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'failed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// statCounters whitelists the stats JSONB keys IncrementStat may touch; the
// counter name is interpolated into the jsonb_set path.
var statCounters = map[string]bool{"sent": true, "failed": true, "invalid": true}

func (r *CampaignRepo) IncrementStat(ctx context.Context, id, counter string, delta int) error {
	if !statCounters[counter] {
		return fmt.Errorf("unknown stat counter %q", counter)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_campaigns
		SET stats = jsonb_set(stats, '{%s}',
		        ((COALESCE(stats->>'%s', '0'))::int + $2)::text::jsonb),
		    updated_at = NOW()
		WHERE id = $1
	`, counter, counter), id, delta)
	if err != nil {
		return fmt.Errorf("increment stat %s: %w", counter, err)
	}
	return nil
}

func (r *CampaignRepo) ListWindowed(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM dispatch_campaigns
		WHERE send_window IS NOT NULL
		  AND status IN ('pending', 'paused', 'running')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list windowed campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM dispatch_campaigns
		WHERE status = $1
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list campaigns by status: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// checkTransition distinguishes "no such campaign" from "wrong current
// status" when a guarded UPDATE touched zero rows.
func (r *CampaignRepo) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_campaigns WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrInvalidTransition
}
