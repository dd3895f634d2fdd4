package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/orchestrator"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// JobHandlers handles job-related HTTP endpoints
type JobHandlers struct {
	orch     *orchestrator.Orchestrator
	jobs     *store.JobStore
	activity *store.ActivityStore
}

// NewJobHandlers creates new job handlers
func NewJobHandlers(orch *orchestrator.Orchestrator, jobs *store.JobStore, activity *store.ActivityStore) *JobHandlers {
	return &JobHandlers{
		orch:     orch,
		jobs:     jobs,
		activity: activity,
	}
}

type createJobRequest struct {
	Capability string         `json:"capability"`
	Target     string         `json:"target"`
	Config     models.JSONMap `json:"config,omitempty"`
	Priority   string         `json:"priority,omitempty"`
}

// HandleCreateJob submits a new job for execution
func (h *JobHandlers) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cap, err := models.ParseCapability(req.Capability)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_capability", err.Error(), nil)
		return
	}

	priority := models.PriorityNormal
	if req.Priority != "" {
		priority, err = models.ParsePriority(req.Priority)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_priority", err.Error(), nil)
			return
		}
	}

	job, err := h.orch.CreateJob(r.Context(), actor, cap, req.Target, req.Config, priority)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "job.create",
		fmt.Sprintf("%s against %s (job %s)", job.Capability, job.Target, job.ID))

	writeJSON(w, http.StatusCreated, job)
}

// HandleListJobs lists jobs visible to the caller, newest first
func (h *JobHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	q := r.URL.Query()

	filter := store.JobFilter{
		TenantID:      actor.TenantID,
		CreatedAfter:  queryTime(r, "createdAfter"),
		CreatedBefore: queryTime(r, "createdBefore"),
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}
	// Admins may look across tenants or narrow onto one.
	if actor.IsAdmin() {
		filter.TenantID = q.Get("tenantId")
	}
	if capStr := q.Get("capability"); capStr != "" {
		cap, err := models.ParseCapability(capStr)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_capability", err.Error(), nil)
			return
		}
		filter.Capability = cap
	}
	if status := q.Get("status"); status != "" {
		filter.Status = models.JobStatus(status)
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := h.jobs.CountJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// HandleJobByID routes /api/jobs/{id}[/progress|/logs|/cancel]
func (h *JobHandlers) HandleJobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, action := shiftPath(path)
	if id == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_job_id", "job ID required", nil)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.handleGetJob(w, r, id)
		case http.MethodDelete:
			h.handleCancelJob(w, r, id)
		default:
			methodNotAllowed(w)
		}
	case "progress":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleProgress(w, r, id)
	case "logs":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleLogs(w, r, id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.handleCancelJob(w, r, id)
	default:
		notFound(w)
	}
}

func (h *JobHandlers) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	job, err := h.jobs.GetJobForActor(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandlers) handleProgress(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	snap, err := h.orch.GetProgress(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *JobHandlers) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	job, err := h.jobs.GetJobForActor(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs := job.ExecutionLogs
	if logs == nil {
		logs = []models.ExecutionLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId": job.ID,
		"logs":  logs,
	})
}

func (h *JobHandlers) handleCancelJob(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	cancelled, err := h.orch.CancelJob(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "job.cancel", "job "+id)

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":     id,
		"cancelled": cancelled,
	})
}

func (h *JobHandlers) recordActivity(r *http.Request, actor models.Actor, action, detail string) {
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
