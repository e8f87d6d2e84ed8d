package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/pkg/distlock"
	"github.com/hivecrm/dispatch/internal/queue"
)

// EmitMaxAttempts bounds how often the queue redelivers one send task.
const EmitMaxAttempts = 3

// Enqueuer is the slice of the delayed queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, body interface{}, delay time.Duration, maxAttempts int) error
}

// LockFactory builds a distributed lock for a key. A nil factory disables
// locking (single-instance deployments and tests).
type LockFactory func(key string, ttl time.Duration) distlock.Lock

// Service implements campaign business logic: lifecycle transitions and the
// job emitter. All public methods are safe for concurrent use if the
// underlying repositories are concurrency-safe.
type Service struct {
	repo      Repository
	jobs      JobRepository
	templates TemplateResolver
	channels  ChannelDirectory
	q         Enqueuer
	notifier  Notifier
	newLock   LockFactory
}

// NewService creates a campaign service.
func NewService(repo Repository, jobs JobRepository, templates TemplateResolver, channels ChannelDirectory, q Enqueuer, notifier Notifier) *Service {
	return &Service{
		repo:      repo,
		jobs:      jobs,
		templates: templates,
		channels:  channels,
		q:         q,
		notifier:  notifier,
	}
}

// SetLockFactory enables distributed locking around emission so concurrent
// triggers across backend instances cannot double-emit.
func (s *Service) SetLockFactory(f LockFactory) { s.newLock = f }

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns for an owner matching the filter.
func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, ownerID, f)
}

// Create validates and persists a new campaign in pending status. The
// recipient list is snapshotted here and immutable once jobs are emitted.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(input.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if _, err := s.templates.Get(ctx, input.TemplateID, input.OwnerID); err != nil {
		return nil, err
	}
	if _, err := s.channels.Get(ctx, input.ChannelID); err != nil {
		return nil, err
	}

	pacing := input.Pacing
	if pacing == "" {
		pacing = domain.PacingNormal
	}

	c := &domain.Campaign{
		ID:         uuid.New().String(),
		OwnerID:    input.OwnerID,
		ChannelID:  input.ChannelID,
		TemplateID: input.TemplateID,
		Name:       input.Name,
		Pacing:     pacing,
		AutoDelete: input.AutoDelete,
		Window:     input.Window,
		Recipients: input.Recipients,
		Stats:      domain.Stats{Total: len(input.Recipients)},
		Status:     domain.CampaignPending,
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// Start triggers the job emitter for a campaign. Returns the number of jobs
// emitted; zero when the campaign's jobs already exist.
func (s *Service) Start(ctx context.Context, campaignID string) (int, error) {
	return s.Emit(ctx, campaignID)
}

// Emit explodes a campaign's recipient list into job rows and schedules each
// on the delayed queue at its pacing-derived offset. Emission is guarded two
// ways: a distributed lock against concurrent triggers across instances, and
// an existing-rows check as the recovery safety net.
func (s *Service) Emit(ctx context.Context, campaignID string) (int, error) {
	if s.newLock != nil {
		lock := s.newLock("campaign:"+campaignID, 10*time.Minute)
		acquired, err := lock.TryAcquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire emit lock: %w", err)
		}
		if !acquired {
			log.Printf("[campaign.Service] Campaign %s already being emitted by another instance", campaignID)
			return 0, nil
		}
		defer lock.Release(ctx)
	}

	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if _, err := s.templates.Get(ctx, c.TemplateID, c.OwnerID); err != nil {
		return 0, err
	}

	// Guard: rows already emitted means a concurrent trigger or a restart
	// beat us here. The queue either has the work or recovery will restore it.
	existing, err := s.jobs.CountForCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	if existing > 0 {
		log.Printf("[campaign.Service] Campaign %s already has %d jobs, skipping emission", campaignID, existing)
		return 0, nil
	}

	now := time.Now()
	windowStart := now
	if c.Window != nil {
		windowStart = c.Window.NextAllowedTime(now)
	}

	jobs := make([]domain.Job, len(c.Recipients))
	offset := time.Duration(0)
	for i, r := range c.Recipients {
		jobs[i] = domain.Job{
			ID:          uuid.New().String(),
			CampaignID:  campaignID,
			Recipient:   r,
			ScheduledAt: windowStart.Add(offset),
			Status:      domain.JobPending,
		}
		offset += c.Pacing.BaseDelay()
	}

	if err := s.jobs.CreateBatch(ctx, jobs); err != nil {
		return 0, fmt.Errorf("create jobs: %w", err)
	}

	if err := s.repo.MarkRunning(ctx, campaignID); err != nil {
		return 0, fmt.Errorf("transition to running: %w", err)
	}

	for _, j := range jobs {
		task := queue.SendTask{JobID: j.ID, CampaignID: campaignID}
		if err := s.q.Enqueue(ctx, queue.TopicSend, task, j.ScheduledAt.Sub(now), EmitMaxAttempts); err != nil {
			// Rows are durable; the recovery sweep re-enqueues whatever we
			// failed to hand to the queue here.
			log.Printf("[campaign.Service] Enqueue failed for job %s: %v", j.ID, err)
		}
	}

	s.notify(ctx, campaignID)
	log.Printf("[campaign.Service] Campaign %s: emitted %d jobs (window start %s)", campaignID, len(jobs), windowStart.Format(time.RFC3339))
	return len(jobs), nil
}

// Pause moves a running campaign to paused. Already-claimed queue tasks may
// still fire; their jobs stay consistent because job rows are the source of
// truth.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignRunning {
		return ErrInvalidTransition
	}
	if err := s.repo.Pause(ctx, campaignID, domain.PauseReasonNone); err != nil {
		return err
	}
	s.notify(ctx, campaignID)
	return nil
}

// Resume moves a paused campaign back to running. Its queued jobs simply
// resume firing; nothing is re-emitted.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignPaused {
		return ErrInvalidTransition
	}
	if err := s.repo.MarkRunning(ctx, campaignID); err != nil {
		return err
	}
	s.notify(ctx, campaignID)
	return nil
}

// notify publishes a campaign-updated event with a fresh snapshot.
// Best-effort: lookup or publish failures are swallowed.
func (s *Service) notify(ctx context.Context, campaignID string) {
	if s.notifier == nil {
		return
	}
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return
	}
	s.notifier.CampaignUpdated(ctx, c.OwnerID, c)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	OwnerID    string             `json:"owner_id"`
	ChannelID  string             `json:"channel_id"`
	TemplateID string             `json:"template_id"`
	Name       string             `json:"name"`
	Pacing     domain.Pacing      `json:"pacing"`
	AutoDelete domain.AutoDelete  `json:"auto_delete"`
	Window     *domain.Window     `json:"window,omitempty"`
	Recipients []domain.Recipient `json:"recipients"`
}
