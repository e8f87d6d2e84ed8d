package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/queue"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// =============================================================================
// RECOVERY SWEEP
// =============================================================================
// The delayed queue is a re-creatable cache; job rows in Postgres are the
// source of truth. A crash (or a flushed Redis) loses the queue's view of
// in-flight work. The sweep runs once at process start, before the window
// scheduler's first tick, and re-enqueues every still-pending job of every
// running campaign from its durable scheduled_at. It never creates job rows.

// RecoverySweep restores queue state from the job store at startup.
type RecoverySweep struct {
	campaigns campaign.Repository
	jobs      campaign.JobRepository
	channels  campaign.ChannelDirectory
	q         *queue.Delayed
	notifier  campaign.Notifier
}

// NewRecoverySweep creates a recovery sweep. notifier may be nil.
func NewRecoverySweep(campaigns campaign.Repository, jobs campaign.JobRepository,
	channels campaign.ChannelDirectory, q *queue.Delayed, notifier campaign.Notifier) *RecoverySweep {
	return &RecoverySweep{
		campaigns: campaigns,
		jobs:      jobs,
		channels:  channels,
		q:         q,
		notifier:  notifier,
	}
}

// Run executes one full sweep and returns the number of jobs re-enqueued.
func (rs *RecoverySweep) Run(ctx context.Context) (int, error) {
	running, err := rs.campaigns.ListByStatus(ctx, domain.CampaignRunning)
	if err != nil {
		return 0, err
	}
	if len(running) == 0 {
		log.Printf("[RecoverySweep] No running campaigns, nothing to restore")
		return 0, nil
	}

	log.Printf("[RecoverySweep] Checking %d running campaigns", len(running))

	total := 0
	for i := range running {
		n, err := rs.recoverCampaign(ctx, &running[i])
		if err != nil {
			log.Printf("[RecoverySweep] Campaign %s: %v", running[i].ID, err)
			continue
		}
		total += n
	}

	log.Printf("[RecoverySweep] Done, re-enqueued %d jobs", total)
	return total, nil
}

func (rs *RecoverySweep) recoverCampaign(ctx context.Context, c *domain.Campaign) (int, error) {
	// The channel may have been disconnected while we were down. Without it
	// no job can ever be delivered, so the campaign terminates here rather
	// than retrying forever.
	if _, err := rs.channels.Get(ctx, c.ChannelID); err != nil {
		if errors.Is(err, campaign.ErrChannelNotFound) {
			rs.failCampaign(ctx, c, "channel no longer exists")
			return 0, nil
		}
		return 0, err
	}

	pending, err := rs.jobs.ListPending(ctx, c.ID)
	if err != nil {
		return 0, err
	}

	if len(pending) == 0 {
		// Every job already reached a terminal state; the crash just ate
		// the completion transition.
		if err := rs.campaigns.MarkCompleted(ctx, c.ID); err != nil {
			if !errors.Is(err, campaign.ErrInvalidTransition) {
				return 0, err
			}
			return 0, nil
		}
		log.Printf("[RecoverySweep] Campaign %s reconciled to completed", c.ID)
		rs.notify(ctx, c.ID)
		return 0, nil
	}

	// ListPending orders by scheduled_at, and overdue tasks keep their
	// relative time order on the queue, so original send order survives.
	now := time.Now()
	restored := 0
	for _, j := range pending {
		task := queue.SendTask{JobID: j.ID, CampaignID: c.ID}
		if err := rs.q.Enqueue(ctx, queue.TopicSend, task, j.ScheduledAt.Sub(now), campaign.EmitMaxAttempts); err != nil {
			log.Printf("[RecoverySweep] Re-enqueue of job %s failed: %v", j.ID, err)
			continue
		}
		restored++
	}

	log.Printf("[RecoverySweep] Campaign %s: restored %d of %d pending jobs", c.ID, restored, len(pending))
	return restored, nil
}

func (rs *RecoverySweep) failCampaign(ctx context.Context, c *domain.Campaign, reason string) {
	log.Printf("[RecoverySweep] Failing campaign %s: %s", c.ID, reason)
	if err := rs.campaigns.MarkFailed(ctx, c.ID); err != nil {
		log.Printf("[RecoverySweep] Marking campaign %s failed: %v", c.ID, err)
		return
	}
	n, err := rs.jobs.FailAllPending(ctx, c.ID, reason)
	if err != nil {
		log.Printf("[RecoverySweep] Failing pending jobs of campaign %s: %v", c.ID, err)
	} else if n > 0 {
		if err := rs.campaigns.IncrementStat(ctx, c.ID, "failed", n); err != nil {
			log.Printf("[RecoverySweep] stats.failed increment failed for campaign %s: %v", c.ID, err)
		}
	}
	rs.notify(ctx, c.ID)
}

func (rs *RecoverySweep) notify(ctx context.Context, campaignID string) {
	if rs.notifier == nil {
		return
	}
	c, err := rs.campaigns.Get(ctx, campaignID)
	if err != nil {
		return
	}
	rs.notifier.CampaignUpdated(ctx, c.OwnerID, c)
}
