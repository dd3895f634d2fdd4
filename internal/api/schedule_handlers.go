package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/scheduler"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// ScheduleHandlers handles scheduled-search and automation-profile endpoints
type ScheduleHandlers struct {
	scheduler *scheduler.Scheduler
	schedules *store.ScheduleStore
	activity  *store.ActivityStore
}

// NewScheduleHandlers creates new schedule handlers
func NewScheduleHandlers(sched *scheduler.Scheduler, schedules *store.ScheduleStore, activity *store.ActivityStore) *ScheduleHandlers {
	return &ScheduleHandlers{
		scheduler: sched,
		schedules: schedules,
		activity:  activity,
	}
}

type scheduleRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Target         string         `json:"target"`
	Config         models.JSONMap `json:"config,omitempty"`
	CronExpression string         `json:"cronExpression"`
	Timezone       string         `json:"timezone,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
}

func (req *scheduleRequest) capabilities() ([]models.Capability, error) {
	caps := make([]models.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		parsed, err := models.ParseCapability(c)
		if err != nil {
			return nil, err
		}
		caps = append(caps, parsed)
	}
	return caps, nil
}

// HandleListSchedules lists the caller's scheduled searches
func (h *ScheduleHandlers) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	tenantID := actor.TenantID
	if actor.IsAdmin() {
		tenantID = r.URL.Query().Get("tenantId")
	}

	searches, err := h.schedules.ListScheduledSearches(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if searches == nil {
		searches = []*models.ScheduledSearch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": searches,
		"count":     len(searches),
	})
}

// HandleCreateSchedule validates, persists and arms a new scheduled search
func (h *ScheduleHandlers) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caps, err := req.capabilities()
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_capability", err.Error(), nil)
		return
	}

	search := &models.ScheduledSearch{
		TenantID:       actor.TenantID,
		Name:           req.Name,
		Description:    req.Description,
		Capabilities:   caps,
		Target:         req.Target,
		Config:         req.Config,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Enabled:        true,
	}
	if req.Enabled != nil {
		search.Enabled = *req.Enabled
	}

	if err := h.scheduler.Add(r.Context(), search); err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "schedule.create", search.Name+" ("+search.CronExpression+")")

	writeJSON(w, http.StatusCreated, search)
}

// HandleScheduleByID routes /api/schedules/{id}[/trigger|/enable|/disable]
func (h *ScheduleHandlers) HandleScheduleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	id, action := shiftPath(path)
	if id == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_schedule_id", "schedule ID required", nil)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, id)
		case http.MethodPut:
			h.handleUpdate(w, r, id)
		case http.MethodDelete:
			h.handleDelete(w, r, id)
		default:
			methodNotAllowed(w)
		}
	case "trigger":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.handleTrigger(w, r, id)
	case "enable":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.handleSetEnabled(w, r, id, true)
	case "disable":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.handleSetEnabled(w, r, id, false)
	default:
		notFound(w)
	}
}

func (h *ScheduleHandlers) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	search, err := h.schedules.GetScheduledSearch(r.Context(), actor.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, search)
}

// handleUpdate overlays the request onto the stored search so omitted fields
// keep their current values.
func (h *ScheduleHandlers) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())

	search, err := h.schedules.GetScheduledSearch(r.Context(), actor.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Name != "" {
		search.Name = req.Name
	}
	if req.Description != "" {
		search.Description = req.Description
	}
	if len(req.Capabilities) > 0 {
		caps, err := req.capabilities()
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_capability", err.Error(), nil)
			return
		}
		search.Capabilities = caps
	}
	if req.Target != "" {
		search.Target = req.Target
	}
	if req.Config != nil {
		search.Config = req.Config
	}
	if req.CronExpression != "" {
		search.CronExpression = req.CronExpression
	}
	if req.Timezone != "" {
		search.Timezone = req.Timezone
	}
	if req.Enabled != nil {
		search.Enabled = *req.Enabled
	}

	if err := h.scheduler.Update(r.Context(), search); err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "schedule.update", search.Name)

	writeJSON(w, http.StatusOK, search)
}

func (h *ScheduleHandlers) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	if err := h.scheduler.Remove(r.Context(), actor.TenantID, id); err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "schedule.delete", "schedule "+id)

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleTrigger fires the search immediately without advancing its cron state.
func (h *ScheduleHandlers) handleTrigger(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	if err := h.scheduler.TriggerNow(r.Context(), actor.TenantID, id); err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "schedule.trigger", "schedule "+id)

	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (h *ScheduleHandlers) handleSetEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	actor := ActorFrom(r.Context())
	if err := h.scheduler.SetEnabled(r.Context(), actor.TenantID, id, enabled); err != nil {
		writeError(w, r, err)
		return
	}

	action := "schedule.disable"
	if enabled {
		action = "schedule.enable"
	}
	h.recordActivity(r, actor, action, "schedule "+id)

	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

// HandleGetProfile returns the caller's company profile
func (h *ScheduleHandlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	profile, err := h.schedules.GetCompanyProfile(r.Context(), actor.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type profileRequest struct {
	CompanyName   string                  `json:"companyName"`
	PrimaryDomain string                  `json:"primaryDomain"`
	Industry      string                  `json:"industry,omitempty"`
	Automation    models.AutomationConfig `json:"automation"`
}

// HandleUpdateProfile upserts the company profile and reconciles the managed
// automation searches against it in the same request.
func (h *ScheduleHandlers) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var req profileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CompanyName == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_company_name", "companyName is required", nil)
		return
	}
	if req.PrimaryDomain == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_primary_domain", "primaryDomain is required", nil)
		return
	}

	profile := &models.CompanyProfile{
		TenantID:      actor.TenantID,
		CompanyName:   req.CompanyName,
		PrimaryDomain: req.PrimaryDomain,
		Industry:      req.Industry,
		Automation:    req.Automation,
	}

	if err := h.schedules.UpsertCompanyProfile(r.Context(), profile); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.scheduler.SyncAutomation(r.Context(), profile); err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "profile.update", profile.CompanyName)

	writeJSON(w, http.StatusOK, profile)
}

func (h *ScheduleHandlers) recordActivity(r *http.Request, actor models.Actor, action, detail string) {
	if h.activity == nil {
		return
	}
	entry := &models.ActivityEntry{
		TenantID: actor.TenantID,
		UserID:   actor.UserID,
		Action:   action,
		Detail:   detail,
	}
	if err := h.activity.Record(r.Context(), entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to record activity")
	}
}
