package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// =============================================================================
// WINDOW SCHEDULER
// =============================================================================
// A fixed-interval control loop that enforces per-campaign sending windows.
// On every tick it walks all windowed campaigns in a window-managed status
// (pending, paused, running) and transitions them according to the current
// local time. It also reconciles running campaigns whose jobs have all
// reached a terminal state.

// DefaultTickInterval is how often windows are evaluated.
const DefaultTickInterval = 60 * time.Second

// Emitter triggers job emission for a campaign whose window just opened.
type Emitter interface {
	Emit(ctx context.Context, campaignID string) (int, error)
}

// WindowScheduler enforces sending windows on a fixed tick.
type WindowScheduler struct {
	campaigns campaign.Repository
	jobs      campaign.JobRepository
	emitter   Emitter
	notifier  campaign.Notifier

	tickInterval time.Duration
	now          func() time.Time

	// Stats
	pausedCount  int64
	resumedCount int64
	emittedCount int64
	completed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewWindowScheduler creates a window scheduler. notifier may be nil.
func NewWindowScheduler(campaigns campaign.Repository, jobs campaign.JobRepository, emitter Emitter, notifier campaign.Notifier) *WindowScheduler {
	return &WindowScheduler{
		campaigns:    campaigns,
		jobs:         jobs,
		emitter:      emitter,
		notifier:     notifier,
		tickInterval: DefaultTickInterval,
		now:          time.Now,
	}
}

// SetTickInterval overrides the evaluation interval.
func (ws *WindowScheduler) SetTickInterval(d time.Duration) {
	if d > 0 {
		ws.tickInterval = d
	}
}

// Start begins the tick loop.
func (ws *WindowScheduler) Start() error {
	ws.mu.Lock()
	if ws.running {
		ws.mu.Unlock()
		return fmt.Errorf("window scheduler already running")
	}
	ws.running = true
	ws.ctx, ws.cancel = context.WithCancel(context.Background())
	ws.mu.Unlock()

	log.Printf("[WindowScheduler] Starting with tick interval: %v", ws.tickInterval)

	ws.wg.Add(1)
	go ws.tickLoop()
	return nil
}

// Stop gracefully stops the scheduler.
func (ws *WindowScheduler) Stop() {
	ws.mu.Lock()
	if !ws.running {
		ws.mu.Unlock()
		return
	}
	ws.running = false
	ws.mu.Unlock()

	ws.cancel()
	ws.wg.Wait()
	log.Printf("[WindowScheduler] Stopped. Paused: %d, Resumed: %d, Emitted: %d",
		atomic.LoadInt64(&ws.pausedCount), atomic.LoadInt64(&ws.resumedCount),
		atomic.LoadInt64(&ws.emittedCount))
}

// Stats returns transition counters since start.
func (ws *WindowScheduler) Stats() map[string]int64 {
	return map[string]int64{
		"paused":    atomic.LoadInt64(&ws.pausedCount),
		"resumed":   atomic.LoadInt64(&ws.resumedCount),
		"emitted":   atomic.LoadInt64(&ws.emittedCount),
		"completed": atomic.LoadInt64(&ws.completed),
	}
}

func (ws *WindowScheduler) tickLoop() {
	defer ws.wg.Done()

	ticker := time.NewTicker(ws.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.ctx.Done():
			return
		case <-ticker.C:
			ws.Tick(ws.ctx)
		}
	}
}

// Tick runs one full evaluation pass. Exported so tests and the recovery
// path can drive the scheduler without waiting for the ticker.
func (ws *WindowScheduler) Tick(ctx context.Context) {
	ws.evaluateWindows(ctx)
	ws.reconcileRunning(ctx)
}

// evaluateWindows applies window rules to every windowed campaign.
func (ws *WindowScheduler) evaluateWindows(ctx context.Context) {
	list, err := ws.campaigns.ListWindowed(ctx)
	if err != nil {
		log.Printf("[WindowScheduler] Listing windowed campaigns: %v", err)
		return
	}

	now := ws.now()
	for i := range list {
		c := &list[i]
		if c.Window == nil {
			continue
		}
		ws.evaluate(ctx, c, now)
	}
}

func (ws *WindowScheduler) evaluate(ctx context.Context, c *domain.Campaign, now time.Time) {
	// Policy pauses require operator intervention; the window must not
	// silently resume them.
	if c.Status == domain.CampaignPaused && c.PauseReason == domain.PauseReasonPolicy {
		return
	}

	if !c.Window.AllowsDay(now.Weekday()) {
		return
	}

	inside := c.Window.WithinHours(now)

	switch c.Status {
	case domain.CampaignRunning:
		if !inside {
			if err := ws.campaigns.Pause(ctx, c.ID, domain.PauseReasonWindow); err != nil {
				log.Printf("[WindowScheduler] Pausing campaign %s: %v", c.ID, err)
				return
			}
			atomic.AddInt64(&ws.pausedCount, 1)
			log.Printf("[WindowScheduler] Campaign %s paused (outside window %s-%s)", c.ID, c.Window.Start, c.Window.End)
			ws.notify(ctx, c.ID)
		}

	case domain.CampaignPaused:
		if !inside {
			return
		}
		pending, err := ws.jobs.CountPending(ctx, c.ID)
		if err != nil {
			log.Printf("[WindowScheduler] Counting pending jobs of %s: %v", c.ID, err)
			return
		}
		if pending == 0 {
			return
		}
		if err := ws.campaigns.MarkRunning(ctx, c.ID); err != nil {
			log.Printf("[WindowScheduler] Resuming campaign %s: %v", c.ID, err)
			return
		}
		atomic.AddInt64(&ws.resumedCount, 1)
		log.Printf("[WindowScheduler] Campaign %s resumed (%d jobs pending)", c.ID, pending)
		ws.notify(ctx, c.ID)

	case domain.CampaignPending:
		if !inside {
			return
		}
		n, err := ws.emitter.Emit(ctx, c.ID)
		if err != nil {
			log.Printf("[WindowScheduler] Emitting campaign %s: %v", c.ID, err)
			return
		}
		if n > 0 {
			atomic.AddInt64(&ws.emittedCount, 1)
			log.Printf("[WindowScheduler] Campaign %s window opened, emitted %d jobs", c.ID, n)
		}
	}
}

// reconcileRunning completes running campaigns with no pending jobs left.
// Normally the delivery worker completes a campaign as its last job
// finishes; this sweep catches outcomes recorded right before a crash.
func (ws *WindowScheduler) reconcileRunning(ctx context.Context) {
	list, err := ws.campaigns.ListByStatus(ctx, domain.CampaignRunning)
	if err != nil {
		log.Printf("[WindowScheduler] Listing running campaigns: %v", err)
		return
	}
	for i := range list {
		c := &list[i]
		total, err := ws.jobs.CountForCampaign(ctx, c.ID)
		if err != nil || total == 0 {
			continue
		}
		pending, err := ws.jobs.CountPending(ctx, c.ID)
		if err != nil || pending > 0 {
			continue
		}
		if err := ws.campaigns.MarkCompleted(ctx, c.ID); err != nil {
			continue
		}
		atomic.AddInt64(&ws.completed, 1)
		log.Printf("[WindowScheduler] Campaign %s reconciled to completed", c.ID)
		ws.notify(ctx, c.ID)
	}
}

func (ws *WindowScheduler) notify(ctx context.Context, campaignID string) {
	if ws.notifier == nil {
		return
	}
	c, err := ws.campaigns.Get(ctx, campaignID)
	if err != nil {
		return
	}
	ws.notifier.CampaignUpdated(ctx, c.OwnerID, c)
}
