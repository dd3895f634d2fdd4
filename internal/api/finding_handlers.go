package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/scorer"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
	"github.com/cipher-x-sudo/cybernexus/pkg/export"
)

// FindingHandlers handles finding-related HTTP endpoints
type FindingHandlers struct {
	findings *store.FindingStore
	activity *store.ActivityStore
}

// NewFindingHandlers creates new finding handlers
func NewFindingHandlers(findings *store.FindingStore, activity *store.ActivityStore) *FindingHandlers {
	return &FindingHandlers{
		findings: findings,
		activity: activity,
	}
}

// HandleListActive lists the caller's active findings, highest risk first
func (h *FindingHandlers) HandleListActive(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	q := r.URL.Query()

	filter := store.FindingFilter{
		TenantID: actor.TenantID,
		Target:   q.Get("target"),
		Limit:    queryInt(r, "limit", 100),
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
	if sev := q.Get("severity"); sev != "" {
		filter.Severity = models.FindingSeverity(sev)
	}

	findings, err := h.findings.ListActive(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if findings == nil {
		findings = []*models.Finding{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"count":    len(findings),
	})
}

// HandleFindings routes /api/findings/{critical|summary|export|job/{jobId}|{id}[/resolve]}
func (h *FindingHandlers) HandleFindings(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/findings/")
	head, rest := shiftPath(path)
	if head == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_finding_id", "finding ID required", nil)
		return
	}

	switch head {
	case "critical":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleCritical(w, r)
	case "summary":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleSummary(w, r)
	case "export":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleExport(w, r)
	case "job":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		jobID, _ := shiftPath(rest)
		if jobID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "missing_job_id", "job ID required", nil)
			return
		}
		h.handleByJob(w, r, jobID)
	default:
		id := head
		switch rest {
		case "":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			h.handleGet(w, r, id)
		case "resolve":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			h.handleResolve(w, r, id)
		default:
			notFound(w)
		}
	}
}

func (h *FindingHandlers) handleCritical(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	tenantID := actor.TenantID
	if actor.IsAdmin() {
		tenantID = r.URL.Query().Get("tenantId")
	}

	findings, err := h.findings.ListCritical(r.Context(), tenantID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if findings == nil {
		findings = []*models.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"count":    len(findings),
	})
}

// handleSummary reports severity tallies plus the posture score they imply.
func (h *FindingHandlers) handleSummary(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var cap models.Capability
	if capStr := r.URL.Query().Get("capability"); capStr != "" {
		parsed, err := models.ParseCapability(capStr)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_capability", err.Error(), nil)
			return
		}
		cap = parsed
	}

	active, err := h.findings.CountActiveBySeverity(r.Context(), actor.TenantID, cap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resolved, err := h.findings.ResolvedCountsBySeverity(r.Context(), actor.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	totalActive := 0
	for _, n := range active {
		totalActive += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"activeBySeverity":   active,
		"resolvedBySeverity": resolved,
		"totalActive":        totalActive,
		"postureScore":       scorer.Score(active),
	})
}

func (h *FindingHandlers) handleByJob(w http.ResponseWriter, r *http.Request, jobID string) {
	actor := ActorFrom(r.Context())
	findings, err := h.findings.ListByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// job_id is not tenant-scoped in the findings table; drop rows the
	// caller may not see rather than leaking whether the job exists.
	visible := make([]*models.Finding, 0, len(findings))
	for _, f := range findings {
		if actor.IsAdmin() || f.TenantID == actor.TenantID {
			visible = append(visible, f)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    jobID,
		"findings": visible,
		"count":    len(visible),
	})
}

func (h *FindingHandlers) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())
	finding, err := h.findings.GetFinding(r.Context(), actor.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finding)
}

type resolveFindingRequest struct {
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}

// handleResolve moves a finding out of the active state. Resolving an active
// finding awards a remediation indicator; repeat resolutions award nothing.
func (h *FindingHandlers) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	actor := ActorFrom(r.Context())

	req := resolveFindingRequest{Status: string(models.FindingResolved)}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Status == "" {
			req.Status = string(models.FindingResolved)
		}
	}

	status := models.FindingStatus(req.Status)
	if !models.ValidResolution(status) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_status",
			"status must be resolved, false_positive or accepted_risk", nil)
		return
	}

	finding, wasActive, err := h.findings.Resolve(r.Context(), actor.TenantID, id, status, actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if wasActive && status == models.FindingResolved {
		ind := scorer.Remediated(finding, actor.UserID, time.Now().UTC())
		if err := h.findings.InsertPositiveIndicator(r.Context(), ind); err != nil {
			log.Warn().Err(err).Str("findingID", id).Msg("Failed to record remediation indicator")
		}
	}

	h.recordActivity(r, actor, "finding.resolve", string(status)+" "+finding.Title)

	writeJSON(w, http.StatusOK, map[string]any{
		"finding":   finding,
		"wasActive": wasActive,
	})
}

// HandleListIndicators lists the caller's positive posture indicators
func (h *FindingHandlers) HandleListIndicators(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	indicators, err := h.findings.ListPositiveIndicators(r.Context(), actor.TenantID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if indicators == nil {
		indicators = []*models.PositiveIndicator{}
	}

	totalPoints := 0
	for _, ind := range indicators {
		totalPoints += ind.PointsAwarded
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"indicators":  indicators,
		"count":       len(indicators),
		"totalPoints": totalPoints,
	})
}

// handleExport streams the tenant's findings report in the requested format.
func (h *FindingHandlers) handleExport(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_format", err.Error(), nil)
		return
	}

	findings, err := h.findings.ListActive(r.Context(), store.FindingFilter{
		TenantID: actor.TenantID,
		Limit:    queryInt(r, "limit", 1000),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	active, err := h.findings.CountActiveBySeverity(r.Context(), actor.TenantID, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resolved, err := h.findings.ResolvedCountsBySeverity(r.Context(), actor.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report := &export.Report{
		Title:       "Security Findings Report",
		TenantID:    actor.TenantID,
		GeneratedAt: time.Now().UTC(),
		Findings: &export.FindingsSection{
			ActiveBySeverity:   active,
			ResolvedBySeverity: resolved,
			Findings:           findings,
		},
	}

	engine, err := export.ForFormat(format)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_format", err.Error(), nil)
		return
	}
	data, contentType, err := engine.Generate(report)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.recordActivity(r, actor, "finding.export", string(format)+" report")

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(report, format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("Failed to write export payload")
	}
}

func (h *FindingHandlers) recordActivity(r *http.Request, actor models.Actor, action, detail string) {
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
