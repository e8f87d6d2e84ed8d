package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/pkg/logger"
)

// RedisNotifier publishes campaign updates on a per-owner pub/sub channel so
// connected frontends can refresh without polling. Publishes are best
// effort; a failure is logged and dropped.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier creates a notifier backed by Redis pub/sub.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

type campaignEvent struct {
	Type     string          `json:"type"`
	Campaign json.RawMessage `json:"campaign"`
}

// CampaignUpdated publishes the full campaign document to the owner's
// event channel.
func (n *RedisNotifier) CampaignUpdated(ctx context.Context, ownerID string, c *domain.Campaign) {
	if n == nil || n.rdb == nil {
		return
	}
	doc, err := json.Marshal(c)
	if err != nil {
		logger.Warn("notifier marshal failed", "campaign_id", c.ID, "err", err)
		return
	}
	payload, _ := json.Marshal(campaignEvent{Type: "campaign.updated", Campaign: doc})
	channel := fmt.Sprintf("dispatch:events:%s", ownerID)
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Warn("notifier publish failed", "channel", channel, "err", err)
	}
}
