package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/hivecrm/dispatch/internal/pkg/httputil"
	"github.com/hivecrm/dispatch/internal/service/campaign"
)

// Handlers bundles the HTTP handlers over the campaign service.
type Handlers struct {
	campaigns *campaign.Service
	stats     []StatsSource
	startedAt time.Time
}

// StatsSource exposes a named worker's counters on the stats endpoint.
type StatsSource struct {
	Name   string
	Source interface{ Stats() map[string]int64 }
}

// NewHandlers creates the API handler set.
func NewHandlers(campaigns *campaign.Service, stats ...StatsSource) *Handlers {
	return &Handlers{campaigns: campaigns, stats: stats, startedAt: time.Now()}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]int64, len(h.stats))
	for _, s := range h.stats {
		out[s.Name] = s.Source.Stats()
	}
	httputil.JSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.campaigns.Create(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrTemplateNotFound), errors.Is(err, campaign.ErrChannelNotFound):
			httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, campaign.ErrNoRecipients):
			httputil.Error(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[API] Create campaign: %v", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to create campaign")
		}
		return
	}
	httputil.JSON(w, http.StatusCreated, c)
}

func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "campaignId"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("[API] Get campaign: %v", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	httputil.JSON(w, http.StatusOK, c)
}

func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		httputil.Error(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	f := campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  intQuery(r, "limit", 50),
		Offset: intQuery(r, "offset", 0),
	}

	list, total, err := h.campaigns.List(r.Context(), ownerID, f)
	if err != nil {
		log.Printf("[API] List campaigns: %v", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": list,
		"total":     total,
	})
}

func (h *Handlers) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	n, err := h.campaigns.Start(r.Context(), id)
	if err != nil {
		h.writeTransitionError(w, "start", id, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "jobs_emitted": n})
}

func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	if err := h.campaigns.Pause(r.Context(), id); err != nil {
		h.writeTransitionError(w, "pause", id, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "paused"})
}

func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	if err := h.campaigns.Resume(r.Context(), id); err != nil {
		h.writeTransitionError(w, "resume", id, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "running"})
}

func (h *Handlers) writeTransitionError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrTemplateNotFound):
		httputil.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, "campaign is not in a state that allows this operation")
	default:
		log.Printf("[API] %s campaign %s: %v", op, id, err)
		httputil.Error(w, http.StatusInternalServerError, "operation failed")
	}
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
