package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/getreach/reachd/internal/source"
	"github.com/getreach/reachd/internal/store"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name       string `json:"name"`
	Platform   string `json:"platform,omitempty"`
	SourcePath string `json:"source_path"`
	Policy     struct {
		StartAt      *time.Time `json:"start_at,omitempty"`
		MaxPerDay    int        `json:"max_per_day,omitempty"`
		MessageDelay string     `json:"message_delay,omitempty"` // Go duration, e.g. "45s"
		Rotation     string     `json:"rotation,omitempty"`
	} `json:"policy"`
}

// CreateCampaignResponse is the response for POST /campaigns
type CreateCampaignResponse struct {
	ID      string             `json:"id"`
	Status  string             `json:"status"`
	Targets source.CommitStats `json:"targets"`
}

// CampaignResponse is the response for GET /campaigns/{id}
type CampaignResponse struct {
	Campaign *store.Campaign    `json:"campaign"`
	Targets  *store.TargetStats `json:"targets"`
	Running  bool               `json:"running"`
}

// PreviewRequest is the request body for POST /source/preview
type PreviewRequest struct {
	Path       string `json:"path"`
	SampleSize int    `json:"sample_size,omitempty"`
}

// AccountSummary is one pool entry in GET /accounts
type AccountSummary struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Health        string    `json:"health"`
	LastUsed      time.Time `json:"last_used,omitzero"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Proxy         string    `json:"proxy,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.cfg.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCreateCampaign handles POST /api/v1/campaigns: creates the
// campaign, ingests its source rows as targets and binds the write-back
// sink. The campaign starts in draft.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.SourcePath == "" {
		s.sendError(w, http.StatusBadRequest, "source_path is required")
		return
	}

	var delay time.Duration
	if req.Policy.MessageDelay != "" {
		var err error
		delay, err = time.ParseDuration(req.Policy.MessageDelay)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid policy.message_delay")
			return
		}
	}

	src, err := source.OpenCSV(req.SourcePath, source.Mapping{ProfileColumn: -1, MessageColumn: -1}, s.cfg.StatusColumn)
	if err != nil {
		s.logger.Error("failed to open source", "path", req.SourcePath, "error", err)
		s.sendError(w, http.StatusBadRequest, "source file not usable")
		return
	}

	c := &store.Campaign{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Platform:   req.Platform,
		SourcePath: req.SourcePath,
		Policy: store.SchedulePolicy{
			StartAt:      req.Policy.StartAt,
			MaxPerDay:    req.Policy.MaxPerDay,
			MessageDelay: delay,
			Rotation:     req.Policy.Rotation,
		},
		Status:    store.CampaignDraft,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	stats, err := source.Commit(r.Context(), s.store, c.ID, src)
	if err != nil {
		s.logger.Error("failed to ingest targets", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to ingest targets")
		return
	}

	s.engine.Sink().Bind(c.ID, src)

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"name", c.Name,
		"targets", stats.Added,
		"skipped_invalid", stats.SkippedInvalid,
	)

	s.sendJSON(w, http.StatusCreated, CreateCampaignResponse{
		ID:      c.ID,
		Status:  string(c.Status),
		Targets: *stats,
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*store.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	stats, err := s.store.TargetStats(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get target stats", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get target stats")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignResponse{
		Campaign: c,
		Targets:  stats,
		Running:  s.engine.Running(id),
	})
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.StartCampaign(r.Context(), id); err != nil {
		s.logger.Warn("failed to start campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": "started"})
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.PauseCampaign(r.Context(), id); err != nil {
		s.logger.Warn("failed to pause campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": "paused"})
}

// handleListTargets handles GET /api/v1/campaigns/{id}/targets
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := store.TargetStatus(r.URL.Query().Get("status"))

	targets, err := s.store.ListTargets(r.Context(), id, status)
	if err != nil {
		s.logger.Error("failed to list targets", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list targets")
		return
	}
	if targets == nil {
		targets = []*store.Target{}
	}
	s.sendJSON(w, http.StatusOK, targets)
}

// handleSourcePreview handles POST /api/v1/source/preview: shows the
// inferred column mapping and sample rows without persisting anything
func (s *Server) handleSourcePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	src, err := source.OpenCSV(req.Path, source.Mapping{ProfileColumn: -1, MessageColumn: -1}, "")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "source file not usable")
		return
	}

	preview, err := source.Preview(r.Context(), src, req.SampleSize)
	if err != nil {
		s.logger.Error("failed to preview source", "path", req.Path, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to preview source")
		return
	}

	s.sendJSON(w, http.StatusOK, preview)
}

// handleListAccounts handles GET /api/v1/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()

	out := make([]AccountSummary, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, AccountSummary{
			ID:            a.ID,
			Username:      a.Username,
			Health:        string(a.Health),
			LastUsed:      a.LastUsed,
			CooldownUntil: a.CooldownUntil,
			Proxy:         a.ProxyURL,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
