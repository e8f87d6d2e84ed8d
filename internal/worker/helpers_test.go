package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/gateway"
	"github.com/hivecrm/dispatch/internal/queue"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// =============================================================================
// In-memory fixtures shared by the worker tests
// =============================================================================

func setupTestQueue(t *testing.T) (*queue.Delayed, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewDelayed(rdb), mr
}

// memCampaigns implements campaign.Repository in memory.
type memCampaigns struct {
	mu   sync.Mutex
	byID map[string]*domain.Campaign
}

func newMemCampaigns() *memCampaigns {
	return &memCampaigns{byID: make(map[string]*domain.Campaign)}
}

func (m *memCampaigns) put(c *domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
}

func (m *memCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) List(_ context.Context, ownerID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.byID {
		if c.OwnerID != ownerID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (m *memCampaigns) Create(_ context.Context, c *domain.Campaign) (string, error) {
	m.put(c)
	return c.ID, nil
}

func (m *memCampaigns) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != domain.CampaignPending && c.Status != domain.CampaignPaused {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignRunning
	c.PauseReason = domain.PauseReasonNone
	if c.StartedAt == nil {
		now := time.Now()
		c.StartedAt = &now
	}
	return nil
}

func (m *memCampaigns) Pause(_ context.Context, id string, reason domain.PauseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != domain.CampaignRunning {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignPaused
	c.PauseReason = reason
	return nil
}

func (m *memCampaigns) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != domain.CampaignRunning {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignCompleted
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

func (m *memCampaigns) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Status = domain.CampaignFailed
	return nil
}

func (m *memCampaigns) IncrementStat(_ context.Context, id, counter string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	switch counter {
	case "sent":
		c.Stats.Sent += delta
	case "failed":
		c.Stats.Failed += delta
	case "invalid":
		c.Stats.Invalid += delta
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	return nil
}

func (m *memCampaigns) ListWindowed(_ context.Context) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.byID {
		if c.Window == nil {
			continue
		}
		switch c.Status {
		case domain.CampaignPending, domain.CampaignPaused, domain.CampaignRunning:
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCampaigns) ListByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.byID {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

// memJobs implements campaign.JobRepository in memory.
type memJobs struct {
	mu   sync.Mutex
	byID map[string]*domain.Job
}

func newMemJobs() *memJobs {
	return &memJobs{byID: make(map[string]*domain.Job)}
}

func (m *memJobs) put(j *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.byID[j.ID] = &cp
}

func (m *memJobs) CreateBatch(_ context.Context, jobs []domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range jobs {
		cp := jobs[i]
		m.byID[cp.ID] = &cp
	}
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) CountForCampaign(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.byID {
		if j.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) CountPending(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.byID {
		if j.CampaignID == campaignID && j.Status == domain.JobPending {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) ListPending(_ context.Context, campaignID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.byID {
		if j.CampaignID == campaignID && j.Status == domain.JobPending {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ScheduledAt.Before(out[b].ScheduledAt) })
	return out, nil
}

func (m *memJobs) MarkSent(_ context.Context, id, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	j.Status = domain.JobSent
	j.MessageID = &messageID
	return true, nil
}

func (m *memJobs) MarkInvalid(_ context.Context, id, errText string) (bool, error) {
	return m.markTerminal(id, domain.JobInvalid, errText)
}

func (m *memJobs) MarkFailed(_ context.Context, id, errText string) (bool, error) {
	return m.markTerminal(id, domain.JobFailed, errText)
}

func (m *memJobs) markTerminal(id string, status domain.JobStatus, errText string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	j.Status = status
	j.LastError = &errText
	return true, nil
}

func (m *memJobs) RecordAttempt(_ context.Context, id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	j.Attempts++
	j.LastError = &errText
	return nil
}

func (m *memJobs) SetStepIndex(_ context.Context, id string, idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	j.StepIndex = idx
	return nil
}

func (m *memJobs) FailAllPending(_ context.Context, campaignID, errText string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.byID {
		if j.CampaignID == campaignID && j.Status == domain.JobPending {
			j.Status = domain.JobFailed
			e := errText
			j.LastError = &e
			n++
		}
	}
	return n, nil
}

// memTemplates implements campaign.TemplateResolver in memory.
type memTemplates struct {
	mu   sync.Mutex
	byID map[string]*domain.Template
}

func newMemTemplates() *memTemplates {
	return &memTemplates{byID: make(map[string]*domain.Template)}
}

func (m *memTemplates) put(t *domain.Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byID[t.ID] = &cp
}

func (m *memTemplates) Get(_ context.Context, templateID, ownerID string) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[templateID]
	if !ok || t.OwnerID != ownerID {
		return nil, campaign.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// memChannels implements campaign.ChannelDirectory in memory.
type memChannels struct {
	mu   sync.Mutex
	byID map[string]*domain.Channel
}

func newMemChannels() *memChannels {
	return &memChannels{byID: make(map[string]*domain.Channel)}
}

func (m *memChannels) put(c *domain.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
}

func (m *memChannels) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *memChannels) Get(_ context.Context, channelID string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[channelID]
	if !ok {
		return nil, campaign.ErrChannelNotFound
	}
	cp := *c
	return &cp, nil
}

// fakeSender scripts gateway behavior per recipient address.
type fakeSender struct {
	mu sync.Mutex

	// sendErr maps recipient address to the error the next sends return.
	sendErr map[string]error
	// deleteErr is returned by every DeleteForEveryone call.
	deleteErr error

	sent    []fakeSendCall
	deleted []string
	nextID  int
}

type fakeSendCall struct {
	Channel string
	To      string
	Content gateway.Content
}

func newFakeSender() *fakeSender {
	return &fakeSender{sendErr: make(map[string]error)}
}

func (f *fakeSender) failWith(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[address] = err
}

func (f *fakeSender) Send(_ context.Context, channel, to string, content gateway.Content) (*gateway.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sendErr[to]; ok && err != nil {
		return nil, err
	}
	f.nextID++
	f.sent = append(f.sent, fakeSendCall{Channel: channel, To: to, Content: content})
	return &gateway.SendResult{
		MessageID:        fmt.Sprintf("BAE5%08d", f.nextID),
		ConfirmedAddress: to,
		SentAt:           time.Now(),
	}, nil
}

func (f *fakeSender) DeleteForEveryone(_ context.Context, channel, messageID, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fixture bundles the stores, queue, and gateway for one worker test.
type fixture struct {
	campaigns *memCampaigns
	jobs      *memJobs
	templates *memTemplates
	channels  *memChannels
	sender    *fakeSender
	q         *queue.Delayed
	mr        *miniredis.Miniredis
	worker    *DeliveryWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q, mr := setupTestQueue(t)
	f := &fixture{
		campaigns: newMemCampaigns(),
		jobs:      newMemJobs(),
		templates: newMemTemplates(),
		channels:  newMemChannels(),
		sender:    newFakeSender(),
		q:         q,
		mr:        mr,
	}
	f.worker = NewDeliveryWorker(q, f.campaigns, f.jobs, f.templates, f.channels, f.sender, nil)
	f.worker.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

// seedCampaign installs a running campaign with its template, channel, and
// one pending job per recipient.
func (f *fixture) seedCampaign(c *domain.Campaign, tmpl *domain.Template, jobs ...*domain.Job) {
	if tmpl != nil {
		f.templates.put(tmpl)
	}
	f.channels.put(&domain.Channel{ID: c.ChannelID, OwnerID: c.OwnerID, Name: "main"})
	f.campaigns.put(c)
	for _, j := range jobs {
		f.jobs.put(j)
	}
}

func textTemplate(id, ownerID string) *domain.Template {
	return &domain.Template{
		ID:      id,
		OwnerID: ownerID,
		Name:    "greeting",
		Kind:    domain.TemplateText,
		Body:    "Hi {{ first_name }}!",
	}
}

func pendingJob(id, campaignID, address string) *domain.Job {
	return &domain.Job{
		ID:          id,
		CampaignID:  campaignID,
		Recipient:   domain.Recipient{Address: address, DisplayName: "Test User"},
		ScheduledAt: time.Now(),
		Status:      domain.JobPending,
	}
}

func runningCampaign(id string) *domain.Campaign {
	return &domain.Campaign{
		ID:         id,
		OwnerID:    "owner-1",
		ChannelID:  "chan-1",
		TemplateID: "tmpl-1",
		Name:       "launch",
		Pacing:     domain.PacingNormal,
		Status:     domain.CampaignRunning,
		Stats:      domain.Stats{Total: 1},
	}
}

func sendDelivery(t *testing.T, f *fixture, jobID, campaignID string, attempt, maxAttempts int) queue.Delivery {
	t.Helper()
	// Round-trip through the queue so the delivery matches production shape.
	if err := f.q.Enqueue(context.Background(), "test.sendfixture", queue.SendTask{JobID: jobID, CampaignID: campaignID}, 0, maxAttempts); err != nil {
		t.Fatalf("enqueue fixture task: %v", err)
	}
	f.mr.FastForward(time.Second)
	ds, err := f.q.Claim(context.Background(), "test.sendfixture", 1)
	if err != nil || len(ds) != 1 {
		t.Fatalf("claim fixture task: %v (%d deliveries)", err, len(ds))
	}
	d := ds[0]
	d.Attempt = attempt
	return d
}
