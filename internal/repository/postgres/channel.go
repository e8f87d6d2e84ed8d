package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// ChannelRepo implements campaign.ChannelDirectory against PostgreSQL.
type ChannelRepo struct{ db *sql.DB }

// NewChannelRepo creates a Postgres-backed channel directory.
func NewChannelRepo(db *sql.DB) *ChannelRepo { return &ChannelRepo{db: db} }

func (r *ChannelRepo) Get(ctx context.Context, channelID string) (*domain.Channel, error) {
	c := &domain.Channel{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, token_ref, created_at
		FROM dispatch_channels
		WHERE id = $1
	`, channelID).Scan(&c.ID, &c.OwnerID, &c.Name, &c.TokenRef, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}
