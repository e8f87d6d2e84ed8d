package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// stubRepo backs the API tests with a map of campaigns.
type stubRepo struct {
	mu   sync.Mutex
	byID map[string]*domain.Campaign
}

func newStubRepo() *stubRepo { return &stubRepo{byID: make(map[string]*domain.Campaign)} }

func (s *stubRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *stubRepo) List(_ context.Context, ownerID string, _ campaign.ListFilter) ([]domain.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.byID {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, len(out), nil
}

func (s *stubRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.byID[cp.ID] = &cp
	return cp.ID, nil
}

func (s *stubRepo) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Status = domain.CampaignRunning
	return nil
}

func (s *stubRepo) Pause(_ context.Context, id string, reason domain.PauseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Status = domain.CampaignPaused
	c.PauseReason = reason
	return nil
}

func (s *stubRepo) MarkCompleted(context.Context, string) error { return nil }
func (s *stubRepo) MarkFailed(context.Context, string) error    { return nil }
func (s *stubRepo) IncrementStat(context.Context, string, string, int) error {
	return nil
}
func (s *stubRepo) ListWindowed(context.Context) ([]domain.Campaign, error) { return nil, nil }
func (s *stubRepo) ListByStatus(context.Context, domain.CampaignStatus) ([]domain.Campaign, error) {
	return nil, nil
}

type stubJobs struct{ count int }

func (s *stubJobs) CreateBatch(_ context.Context, jobs []domain.Job) error {
	s.count += len(jobs)
	return nil
}
func (s *stubJobs) Get(context.Context, string) (*domain.Job, error) {
	return nil, campaign.ErrNotFound
}
func (s *stubJobs) CountForCampaign(context.Context, string) (int, error) { return s.count, nil }
func (s *stubJobs) CountPending(context.Context, string) (int, error)     { return s.count, nil }
func (s *stubJobs) ListPending(context.Context, string) ([]domain.Job, error) {
	return nil, nil
}
func (s *stubJobs) MarkSent(context.Context, string, string) (bool, error)    { return false, nil }
func (s *stubJobs) MarkInvalid(context.Context, string, string) (bool, error) { return false, nil }
func (s *stubJobs) MarkFailed(context.Context, string, string) (bool, error)  { return false, nil }
func (s *stubJobs) RecordAttempt(context.Context, string, string) error       { return nil }
func (s *stubJobs) SetStepIndex(context.Context, string, int) error           { return nil }
func (s *stubJobs) FailAllPending(context.Context, string, string) (int, error) {
	return 0, nil
}

type stubTemplates struct{}

func (stubTemplates) Get(_ context.Context, templateID, ownerID string) (*domain.Template, error) {
	if templateID != "tmpl-1" {
		return nil, campaign.ErrTemplateNotFound
	}
	return &domain.Template{ID: templateID, OwnerID: ownerID, Kind: domain.TemplateText, Body: "hi"}, nil
}

type stubChannels struct{}

func (stubChannels) Get(_ context.Context, channelID string) (*domain.Channel, error) {
	if channelID != "chan-1" {
		return nil, campaign.ErrChannelNotFound
	}
	return &domain.Channel{ID: channelID, Name: "main"}, nil
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, string, interface{}, time.Duration, int) error {
	return nil
}

func setupAPI(t *testing.T) (*testAPI, *stubRepo) {
	t.Helper()
	repo := newStubRepo()
	svc := campaign.NewService(repo, &stubJobs{}, stubTemplates{}, stubChannels{}, nopQueue{}, nil)
	router := SetupRoutes(NewHandlers(svc), nil)
	return &testAPI{router}, repo
}

// testAPI wraps the router with a convenience request helper.
type testAPI struct{ h http.Handler }

func (c *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	api, _ := setupAPI(t)
	rec := api.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetCampaign(t *testing.T) {
	api, _ := setupAPI(t)

	rec := api.do(t, "POST", "/api/campaigns/", campaign.CreateInput{
		OwnerID:    "owner-1",
		ChannelID:  "chan-1",
		TemplateID: "tmpl-1",
		Name:       "launch",
		Recipients: []domain.Recipient{{Address: "+49151"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created domain.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	rec = api.do(t, "GET", fmt.Sprintf("/api/campaigns/%s", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestCreateCampaignRejectsUnknownTemplate(t *testing.T) {
	api, _ := setupAPI(t)
	rec := api.do(t, "POST", "/api/campaigns/", campaign.CreateInput{
		OwnerID:    "owner-1",
		ChannelID:  "chan-1",
		TemplateID: "missing",
		Name:       "launch",
		Recipients: []domain.Recipient{{Address: "+49151"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	api, _ := setupAPI(t)
	rec := api.do(t, "GET", "/api/campaigns/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStartCampaign(t *testing.T) {
	api, repo := setupAPI(t)
	repo.byID["camp-1"] = &domain.Campaign{
		ID: "camp-1", OwnerID: "owner-1", ChannelID: "chan-1", TemplateID: "tmpl-1",
		Status: domain.CampaignPending, Pacing: domain.PacingFast,
		Recipients: []domain.Recipient{{Address: "+49151"}},
	}

	rec := api.do(t, "POST", "/api/campaigns/camp-1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobsEmitted int `json:"jobs_emitted"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.JobsEmitted != 1 {
		t.Errorf("jobs_emitted = %d, want 1", resp.JobsEmitted)
	}
}

func TestPauseConflict(t *testing.T) {
	api, repo := setupAPI(t)
	repo.byID["camp-1"] = &domain.Campaign{ID: "camp-1", OwnerID: "owner-1", Status: domain.CampaignPending}

	rec := api.do(t, "POST", "/api/campaigns/camp-1/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListRequiresOwner(t *testing.T) {
	api, _ := setupAPI(t)
	rec := api.do(t, "GET", "/api/campaigns/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
