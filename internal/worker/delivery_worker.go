package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/gateway"
	"github.com/hivecrm/dispatch/internal/pkg/logger"
	"github.com/hivecrm/dispatch/internal/queue"
	"github.com/hivecrm/dispatch/internal/render"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// =============================================================================
// DELIVERY WORKER
// =============================================================================
// Consumes send and delete tasks from the delayed queue. One send task is one
// job: load it, render the template for its recipient, push the content
// through the gateway, and record the outcome on the job row. Sequence
// templates occupy the worker slot across their inter-step delays; that keeps
// step order trivially correct at the cost of slot utilization.

const (
	// DeferDelay is how long a task sleeps when its campaign is not currently
	// running (paused or still pending). No attempt is consumed.
	DeferDelay = 60 * time.Second

	// DeleteMaxAttempts bounds redelivery of auto-delete tasks.
	DeleteMaxAttempts = 3
)

// DeliveryWorker executes send and delete tasks against the gateway.
type DeliveryWorker struct {
	q         *queue.Delayed
	campaigns campaign.Repository
	jobs      campaign.JobRepository
	templates campaign.TemplateResolver
	channels  campaign.ChannelDirectory
	sender    gateway.Sender
	renderer  *render.Engine
	notifier  campaign.Notifier

	sendConsumer   *queue.Consumer
	deleteConsumer *queue.Consumer

	// sleep is swappable so tests skip real inter-step delays.
	sleep func(ctx context.Context, d time.Duration) error

	// Stats
	sent    int64
	failed  int64
	invalid int64
	deleted int64
	halts   int64
}

// NewDeliveryWorker creates a delivery worker. notifier may be nil.
func NewDeliveryWorker(q *queue.Delayed, campaigns campaign.Repository, jobs campaign.JobRepository,
	templates campaign.TemplateResolver, channels campaign.ChannelDirectory,
	sender gateway.Sender, notifier campaign.Notifier) *DeliveryWorker {

	w := &DeliveryWorker{
		q:         q,
		campaigns: campaigns,
		jobs:      jobs,
		templates: templates,
		channels:  channels,
		sender:    sender,
		renderer:  render.New(),
		notifier:  notifier,
		sleep:     sleepCtx,
	}
	return w
}

// Start launches the consumer pools for both topics.
func (w *DeliveryWorker) Start(cfg queue.ConsumerConfig) error {
	w.sendConsumer = queue.NewConsumer(w.q, queue.TopicSend, w.handleSend, cfg)
	w.deleteConsumer = queue.NewConsumer(w.q, queue.TopicDelete, w.handleDelete, cfg)

	if err := w.sendConsumer.Start(); err != nil {
		return err
	}
	if err := w.deleteConsumer.Start(); err != nil {
		w.sendConsumer.Stop()
		return err
	}
	log.Printf("[DeliveryWorker] Started")
	return nil
}

// Stop drains both consumer pools.
func (w *DeliveryWorker) Stop() {
	if w.deleteConsumer != nil {
		w.deleteConsumer.Stop()
	}
	if w.sendConsumer != nil {
		w.sendConsumer.Stop()
	}
	log.Printf("[DeliveryWorker] Stopped. Sent: %d, Failed: %d, Invalid: %d, Deleted: %d",
		atomic.LoadInt64(&w.sent), atomic.LoadInt64(&w.failed),
		atomic.LoadInt64(&w.invalid), atomic.LoadInt64(&w.deleted))
}

// Stats returns delivery counters since start.
func (w *DeliveryWorker) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    atomic.LoadInt64(&w.sent),
		"failed":  atomic.LoadInt64(&w.failed),
		"invalid": atomic.LoadInt64(&w.invalid),
		"deleted": atomic.LoadInt64(&w.deleted),
		"halts":   atomic.LoadInt64(&w.halts),
	}
}

// handleSend processes one send task end to end.
func (w *DeliveryWorker) handleSend(ctx context.Context, d queue.Delivery) error {
	var task queue.SendTask
	if err := d.Decode(&task); err != nil {
		log.Printf("[DeliveryWorker] Undecodable send task %s: %v", d.ID, err)
		return queue.ErrDrop
	}

	job, err := w.jobs.Get(ctx, task.JobID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}
	// Idempotency guard: duplicate queue delivery for an already-handled job.
	if job.Status.IsTerminal() {
		return queue.ErrDrop
	}

	c, err := w.campaigns.Get(ctx, task.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return queue.ErrDrop
	}
	if c.Status != domain.CampaignRunning {
		// Paused (window or policy) or not yet started. Push the task back
		// without burning an attempt; the job row stays pending.
		return w.deferTask(ctx, c, task)
	}

	tmpl, err := w.templates.Get(ctx, c.TemplateID, c.OwnerID)
	if errors.Is(err, campaign.ErrTemplateNotFound) {
		w.finishFailed(ctx, c, job.ID, "template no longer exists")
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}

	ch, err := w.channels.Get(ctx, c.ChannelID)
	if errors.Is(err, campaign.ErrChannelNotFound) {
		w.failCampaign(ctx, c, "channel no longer exists")
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}

	result, sendErr := w.deliver(ctx, ch, tmpl, job)
	if sendErr != nil {
		return w.recordFailure(ctx, c, job, d, sendErr)
	}
	if result == nil || result.MessageID == "" {
		// The gateway contract always echoes an id on success; its absence
		// is a hard failure.
		return w.recordFailure(ctx, c, job, d, fmt.Errorf("gateway returned no message id"))
	}

	updated, err := w.jobs.MarkSent(ctx, job.ID, result.MessageID)
	if err != nil {
		return err
	}
	if !updated {
		// A concurrent delivery won the conditional update.
		return queue.ErrDrop
	}
	atomic.AddInt64(&w.sent, 1)
	if err := w.campaigns.IncrementStat(ctx, c.ID, "sent", 1); err != nil {
		log.Printf("[DeliveryWorker] stats.sent increment failed for campaign %s: %v", c.ID, err)
	}
	log.Printf("[DeliveryWorker] Job %s sent to %s (message %s)",
		job.ID, logger.RedactPhone(job.Recipient.Address), result.MessageID)

	if c.AutoDelete.Enabled {
		if err := w.scheduleAutoDelete(ctx, c, ch, job.ID, result); err != nil {
			w.haltCampaign(ctx, c, fmt.Sprintf("auto-delete failed: %v", err))
			return queue.ErrDrop
		}
	}

	w.reconcile(ctx, c.ID)
	return nil
}

// deliver renders and sends the template content for one job. Sequence
// templates resume from the persisted step index and persist progress after
// every step.
func (w *DeliveryWorker) deliver(ctx context.Context, ch *domain.Channel, tmpl *domain.Template, job *domain.Job) (*gateway.SendResult, error) {
	vars := render.Bindings(job.Recipient)

	if tmpl.Kind != domain.TemplateSequence {
		content, err := w.renderContent(tmpl.Kind, tmpl.Body, tmpl.MediaURL, tmpl.Caption, vars)
		if err != nil {
			return nil, err
		}
		return w.sender.Send(ctx, ch.Name, job.Recipient.Address, content)
	}

	var last *gateway.SendResult
	for idx := job.StepIndex; idx < len(tmpl.Steps); idx++ {
		step := tmpl.Steps[idx]
		if idx > 0 && step.DelaySeconds > 0 {
			if err := w.sleep(ctx, time.Duration(step.DelaySeconds)*time.Second); err != nil {
				return last, err
			}
		}
		content, err := w.renderContent(step.Kind, step.Body, step.MediaURL, step.Caption, vars)
		if err != nil {
			return last, err
		}
		result, err := w.sender.Send(ctx, ch.Name, job.Recipient.Address, content)
		if err != nil {
			return last, err
		}
		last = result
		if err := w.jobs.SetStepIndex(ctx, job.ID, idx+1); err != nil {
			log.Printf("[DeliveryWorker] Persisting step %d of job %s failed: %v", idx+1, job.ID, err)
		}
	}
	return last, nil
}

func (w *DeliveryWorker) renderContent(kind domain.TemplateKind, body, mediaURL, caption string, vars map[string]interface{}) (gateway.Content, error) {
	renderedBody, err := w.renderer.Render(body, vars)
	if err != nil {
		return gateway.Content{}, fmt.Errorf("render body: %w", err)
	}
	renderedCaption, err := w.renderer.Render(caption, vars)
	if err != nil {
		return gateway.Content{}, fmt.Errorf("render caption: %w", err)
	}
	return gateway.Content{
		Kind:     kind,
		Body:     renderedBody,
		MediaURL: mediaURL,
		Caption:  renderedCaption,
	}, nil
}

// recordFailure applies the failure classification rules for one failed send.
// Invalid recipients terminate immediately; transient failures keep the job
// pending until the last queue attempt.
func (w *DeliveryWorker) recordFailure(ctx context.Context, c *domain.Campaign, job *domain.Job, d queue.Delivery, sendErr error) error {
	if gateway.Classify(sendErr) == gateway.Invalid {
		updated, err := w.jobs.MarkInvalid(ctx, job.ID, sendErr.Error())
		if err != nil {
			return err
		}
		if updated {
			atomic.AddInt64(&w.invalid, 1)
			if err := w.campaigns.IncrementStat(ctx, c.ID, "invalid", 1); err != nil {
				log.Printf("[DeliveryWorker] stats.invalid increment failed for campaign %s: %v", c.ID, err)
			}
			w.reconcile(ctx, c.ID)
		}
		log.Printf("[DeliveryWorker] Job %s: recipient %s invalid, no retry",
			job.ID, logger.RedactPhone(job.Recipient.Address))
		return queue.ErrDrop
	}

	if d.Final() {
		w.finishFailed(ctx, c, job.ID, sendErr.Error())
		log.Printf("[DeliveryWorker] Job %s: attempts exhausted: %v", job.ID, sendErr)
		return queue.ErrDrop
	}

	// Retry upcoming: record the error, leave the job pending.
	if err := w.jobs.RecordAttempt(ctx, job.ID, sendErr.Error()); err != nil {
		log.Printf("[DeliveryWorker] Recording attempt for job %s failed: %v", job.ID, err)
	}
	return sendErr
}

// finishFailed terminally fails one job and folds it into the aggregates.
func (w *DeliveryWorker) finishFailed(ctx context.Context, c *domain.Campaign, jobID, errText string) {
	updated, err := w.jobs.MarkFailed(ctx, jobID, errText)
	if err != nil {
		log.Printf("[DeliveryWorker] Marking job %s failed: %v", jobID, err)
		return
	}
	if !updated {
		return
	}
	atomic.AddInt64(&w.failed, 1)
	if err := w.campaigns.IncrementStat(ctx, c.ID, "failed", 1); err != nil {
		log.Printf("[DeliveryWorker] stats.failed increment failed for campaign %s: %v", c.ID, err)
	}
	w.reconcile(ctx, c.ID)
}

// scheduleAutoDelete honors the campaign's auto-delete contract for one sent
// message: immediately when the delay is zero, else as a durable delete task.
func (w *DeliveryWorker) scheduleAutoDelete(ctx context.Context, c *domain.Campaign, ch *domain.Channel, jobID string, result *gateway.SendResult) error {
	if gateway.IsPlaceholderMessageID(result.MessageID) {
		log.Printf("[DeliveryWorker] Job %s: placeholder message id, skipping auto-delete", jobID)
		return nil
	}

	delay := c.AutoDelete.Duration()
	if delay <= 0 {
		if err := w.sender.DeleteForEveryone(ctx, ch.Name, result.MessageID, result.ConfirmedAddress); err != nil {
			return err
		}
		atomic.AddInt64(&w.deleted, 1)
		return nil
	}

	task := queue.DeleteTask{
		CampaignID: c.ID,
		JobID:      jobID,
		MessageID:  result.MessageID,
		Recipient:  result.ConfirmedAddress,
	}
	return w.q.Enqueue(ctx, queue.TopicDelete, task, delay, DeleteMaxAttempts)
}

// handleDelete processes one auto-delete task.
func (w *DeliveryWorker) handleDelete(ctx context.Context, d queue.Delivery) error {
	var task queue.DeleteTask
	if err := d.Decode(&task); err != nil {
		log.Printf("[DeliveryWorker] Undecodable delete task %s: %v", d.ID, err)
		return queue.ErrDrop
	}

	c, err := w.campaigns.Get(ctx, task.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}
	ch, err := w.channels.Get(ctx, c.ChannelID)
	if errors.Is(err, campaign.ErrChannelNotFound) {
		return queue.ErrDrop
	}
	if err != nil {
		return err
	}

	if err := w.sender.DeleteForEveryone(ctx, ch.Name, task.MessageID, task.Recipient); err != nil {
		if d.Final() {
			w.haltCampaign(ctx, c, fmt.Sprintf("auto-delete failed: %v", err))
			return queue.ErrDrop
		}
		return err
	}
	atomic.AddInt64(&w.deleted, 1)
	return nil
}

// haltCampaign enforces the auto-delete policy: a broken delete guarantee
// pauses the whole campaign and terminally fails every job still pending.
func (w *DeliveryWorker) haltCampaign(ctx context.Context, c *domain.Campaign, reason string) {
	atomic.AddInt64(&w.halts, 1)
	log.Printf("[DeliveryWorker] Halting campaign %s: %s", c.ID, reason)

	if err := w.campaigns.Pause(ctx, c.ID, domain.PauseReasonPolicy); err != nil {
		log.Printf("[DeliveryWorker] Pausing campaign %s: %v", c.ID, err)
	}
	n, err := w.jobs.FailAllPending(ctx, c.ID, reason)
	if err != nil {
		log.Printf("[DeliveryWorker] Failing pending jobs of campaign %s: %v", c.ID, err)
		return
	}
	if n > 0 {
		atomic.AddInt64(&w.failed, int64(n))
		if err := w.campaigns.IncrementStat(ctx, c.ID, "failed", n); err != nil {
			log.Printf("[DeliveryWorker] stats.failed increment failed for campaign %s: %v", c.ID, err)
		}
	}
	w.notify(ctx, c.ID)
}

// failCampaign terminates a campaign on unrecoverable setup error (missing
// channel) and fails its remaining pending jobs.
func (w *DeliveryWorker) failCampaign(ctx context.Context, c *domain.Campaign, reason string) {
	log.Printf("[DeliveryWorker] Failing campaign %s: %s", c.ID, reason)
	if err := w.campaigns.MarkFailed(ctx, c.ID); err != nil {
		log.Printf("[DeliveryWorker] Marking campaign %s failed: %v", c.ID, err)
	}
	n, err := w.jobs.FailAllPending(ctx, c.ID, reason)
	if err != nil {
		log.Printf("[DeliveryWorker] Failing pending jobs of campaign %s: %v", c.ID, err)
		return
	}
	if n > 0 {
		atomic.AddInt64(&w.failed, int64(n))
		if err := w.campaigns.IncrementStat(ctx, c.ID, "failed", n); err != nil {
			log.Printf("[DeliveryWorker] stats.failed increment failed for campaign %s: %v", c.ID, err)
		}
	}
	w.notify(ctx, c.ID)
}

// reconcile completes a running campaign once no pending jobs remain.
func (w *DeliveryWorker) reconcile(ctx context.Context, campaignID string) {
	pending, err := w.jobs.CountPending(ctx, campaignID)
	if err != nil || pending > 0 {
		return
	}
	if err := w.campaigns.MarkCompleted(ctx, campaignID); err != nil {
		if !errors.Is(err, campaign.ErrInvalidTransition) && !errors.Is(err, campaign.ErrNotFound) {
			log.Printf("[DeliveryWorker] Completing campaign %s: %v", campaignID, err)
		}
		return
	}
	log.Printf("[DeliveryWorker] Campaign %s completed", campaignID)
	w.notify(ctx, campaignID)
}

// deferTask pushes a task for a non-running campaign back on the queue with a
// fresh attempt budget. Window pauses defer until the window next opens.
func (w *DeliveryWorker) deferTask(ctx context.Context, c *domain.Campaign, task queue.SendTask) error {
	delay := DeferDelay
	if c.PauseReason == domain.PauseReasonWindow && c.Window != nil {
		if next := c.Window.NextAllowedTime(time.Now()); next.After(time.Now()) {
			delay = time.Until(next)
		}
	}
	if err := w.q.Enqueue(ctx, queue.TopicSend, task, delay, campaign.EmitMaxAttempts); err != nil {
		log.Printf("[DeliveryWorker] Deferring job %s failed: %v", task.JobID, err)
		return err
	}
	return queue.ErrDrop
}

func (w *DeliveryWorker) notify(ctx context.Context, campaignID string) {
	if w.notifier == nil {
		return
	}
	c, err := w.campaigns.Get(ctx, campaignID)
	if err != nil {
		return
	}
	w.notifier.CampaignUpdated(ctx, c.OwnerID, c)
}

// sleepCtx blocks for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
