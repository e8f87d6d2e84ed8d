package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// JobRepo implements campaign.JobRepository against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, campaign_id, recipient, scheduled_at, status,
	message_id, last_error, step_index, attempts, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.Job, error) {
	j := &domain.Job{}
	var recipient []byte

	err := row.Scan(
		&j.ID, &j.CampaignID, &recipient, &j.ScheduledAt, &j.Status,
		&j.MessageID, &j.LastError, &j.StepIndex, &j.Attempts,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipient, &j.Recipient); err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	return j, nil
}

func (r *JobRepo) CreateBatch(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin job batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_jobs (id, campaign_id, recipient, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare job insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		recipient, err := json.Marshal(j.Recipient)
		if err != nil {
			return fmt.Errorf("marshal recipient: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, j.ID, j.CampaignID, string(recipient), j.ScheduledAt, j.Status); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		WHERE id = $1
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) CountForCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_jobs WHERE campaign_id = $1`, campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (r *JobRepo) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_jobs WHERE campaign_id = $1 AND status = 'pending'`, campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func (r *JobRepo) ListPending(ctx context.Context, campaignID string) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY scheduled_at ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkSent is the idempotency-critical write: only a still-pending row is
// promoted to sent, so a duplicate delivery updates zero rows and the caller
// backs off.
func (r *JobRepo) MarkSent(ctx context.Context, id, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'sent', message_id = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, messageID)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *JobRepo) MarkInvalid(ctx context.Context, id, errText string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'invalid', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errText)
	if err != nil {
		return false, fmt.Errorf("mark invalid: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *JobRepo) MarkFailed(ctx context.Context, id, errText string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errText)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *JobRepo) RecordAttempt(ctx context.Context, id, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errText)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *JobRepo) SetStepIndex(ctx context.Context, id string, idx int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET step_index = $2, updated_at = NOW()
		WHERE id = $1
	`, id, idx)
	if err != nil {
		return fmt.Errorf("set step index: %w", err)
	}
	return nil
}

func (r *JobRepo) FailAllPending(ctx context.Context, campaignID, errText string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID, errText)
	if err != nil {
		return 0, fmt.Errorf("fail pending jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
