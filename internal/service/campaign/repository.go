package campaign

import (
	"context"

	"github.com/hivecrm/dispatch/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns for an owner, ordered by created_at DESC.
	List(ctx context.Context, ownerID string, f ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// MarkRunning transitions a campaign to running, setting started_at on
	// the first transition and clearing any pause reason.
	MarkRunning(ctx context.Context, id string) error

	// Pause transitions a running campaign to paused with the given reason.
	Pause(ctx context.Context, id string, reason domain.PauseReason) error

	// MarkCompleted finalizes a campaign, setting completed_at.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed terminates a campaign on unrecoverable setup error.
	MarkFailed(ctx context.Context, id string) error

	// IncrementStat adds delta to one of the stats counters
	// ("sent", "failed", "invalid").
	IncrementStat(ctx context.Context, id, counter string, delta int) error

	// ListWindowed returns campaigns that carry a sending window and are in
	// a window-managed status (pending, paused, running).
	ListWindowed(ctx context.Context) ([]domain.Campaign, error)

	// ListByStatus returns all campaigns in the given status.
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
}

// JobRepository is the data access contract for per-recipient delivery jobs.
// The conditional Mark* methods report whether a row was actually updated;
// false means the job had already reached a terminal state (idempotency
// guard for duplicate queue deliveries).
type JobRepository interface {
	// CreateBatch inserts job rows. Used only by the emitter; recovery never
	// creates rows.
	CreateBatch(ctx context.Context, jobs []domain.Job) error

	// Get returns one job. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// CountForCampaign counts all job rows of a campaign (any status).
	CountForCampaign(ctx context.Context, campaignID string) (int, error)

	// CountPending counts a campaign's jobs still pending.
	CountPending(ctx context.Context, campaignID string) (int, error)

	// ListPending returns a campaign's pending jobs ordered by scheduled_at.
	ListPending(ctx context.Context, campaignID string) ([]domain.Job, error)

	// MarkSent sets status='sent' and the gateway message id, only if the
	// job is still pending.
	MarkSent(ctx context.Context, id, messageID string) (bool, error)

	// MarkInvalid sets status='invalid' with the error text, only if the job
	// is still pending.
	MarkInvalid(ctx context.Context, id, errText string) (bool, error)

	// MarkFailed sets status='failed' with the error text, only if the job
	// is still pending.
	MarkFailed(ctx context.Context, id, errText string) (bool, error)

	// RecordAttempt bumps the attempt counter and records the latest error
	// while leaving the job pending (transient failure, retry upcoming).
	RecordAttempt(ctx context.Context, id, errText string) error

	// SetStepIndex persists sequence progress so a crash mid-sequence
	// resumes at the right step.
	SetStepIndex(ctx context.Context, id string, idx int) error

	// FailAllPending marks every pending job of a campaign failed with the
	// given error text and returns how many rows changed.
	FailAllPending(ctx context.Context, campaignID, errText string) (int, error)
}

// TemplateResolver looks up message templates.
type TemplateResolver interface {
	// Get returns a template owned by ownerID. Returns ErrTemplateNotFound
	// if it doesn't exist.
	Get(ctx context.Context, templateID, ownerID string) (*domain.Template, error)
}

// ChannelDirectory looks up connected gateway channels.
type ChannelDirectory interface {
	// Get returns a channel. Returns ErrChannelNotFound if it doesn't exist.
	Get(ctx context.Context, channelID string) (*domain.Channel, error)
}

// Notifier publishes best-effort realtime events. Implementations must
// swallow failures; a dropped notification never fails the operation.
type Notifier interface {
	CampaignUpdated(ctx context.Context, ownerID string, c *domain.Campaign)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}
