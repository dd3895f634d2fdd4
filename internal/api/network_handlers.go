package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/netguard"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
	"github.com/cipher-x-sudo/cybernexus/pkg/export"
)

// NetworkHandlers handles the admin-only network gatekeeping endpoints
type NetworkHandlers struct {
	gatekeeper *netguard.Gatekeeper
	logs       *store.NetworkLogStore
	activity   *store.ActivityStore
}

// NewNetworkHandlers creates new network handlers
func NewNetworkHandlers(gk *netguard.Gatekeeper, logs *store.NetworkLogStore, activity *store.ActivityStore) *NetworkHandlers {
	return &NetworkHandlers{
		gatekeeper: gk,
		logs:       logs,
		activity:   activity,
	}
}

// HandleNetwork routes /api/network/{logs|tunnels|blocks|ratelimit}. Every
// route here requires the admin role.
func (h *NetworkHandlers) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/network/")
	head, rest := shiftPath(path)

	switch head {
	case "logs":
		h.routeLogs(w, r, rest)
	case "tunnels":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleTunnels(w, r)
	case "blocks":
		h.routeBlocks(w, r, rest)
	case "ratelimit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.handleRateLimit(w, r)
	default:
		notFound(w)
	}
}

func (h *NetworkHandlers) routeLogs(w http.ResponseWriter, r *http.Request, rest string) {
	sub, _ := shiftPath(rest)
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	switch sub {
	case "":
		h.handleListLogs(w, r)
	case "search":
		h.handleSearchLogs(w, r)
	case "export":
		h.handleExportLogs(w, r)
	case "stats":
		h.handleStats(w, r)
	default:
		notFound(w)
	}
}

func (h *NetworkHandlers) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.NetworkLogFilter{
		TenantID:   q.Get("tenantId"),
		IP:         q.Get("ip"),
		Method:     q.Get("method"),
		PathPrefix: q.Get("pathPrefix"),
		Status:     queryInt(r, "status", 0),
		Since:      queryTime(r, "since"),
		Until:      queryTime(r, "until"),
		OnlyTunnel: q.Get("tunnel") == "true",
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	logs, err := h.logs.ListLogs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.NetworkLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"count":  len(logs),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *NetworkHandlers) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_query", "q parameter is required", nil)
		return
	}

	logs, err := h.logs.SearchFulltext(r.Context(), q, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.NetworkLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
		"query": q,
	})
}

// handleExportLogs streams captured traffic in the requested format, bundling
// the same range's aggregate stats into the report.
func (h *NetworkHandlers) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_format", err.Error(), nil)
		return
	}

	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if t := queryTime(r, "since"); t != nil {
		since = *t
	}
	if t := queryTime(r, "until"); t != nil {
		until = *t
	}

	logs, err := h.logs.ListLogs(r.Context(), store.NetworkLogFilter{
		Since: &since,
		Until: &until,
		Limit: queryInt(r, "limit", 10000),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.logs.GetStats(r.Context(), since, until)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report := &export.Report{
		Title:       "Network Traffic Report",
		GeneratedAt: time.Now().UTC(),
		Network: &export.NetworkSection{
			Since: since,
			Until: until,
			Stats: stats,
			Logs:  logs,
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

	h.recordActivity(r, actor, "network.export", string(format)+" traffic report")

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(report, format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("Failed to write export payload")
	}
}

func (h *NetworkHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if t := queryTime(r, "since"); t != nil {
		since = *t
	}
	if t := queryTime(r, "until"); t != nil {
		until = *t
	}

	stats, err := h.logs.GetStats(r.Context(), since, until)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":           since,
		"until":           until,
		"stats":           stats,
		"droppedCaptures": h.gatekeeper.DroppedCaptures(),
	})
}

func (h *NetworkHandlers) handleTunnels(w http.ResponseWriter, r *http.Request) {
	min := models.ConfidenceLow
	if s := r.URL.Query().Get("minConfidence"); s != "" {
		parsed, ok := models.ParseTunnelConfidence(s)
		if !ok {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_confidence",
				"minConfidence must be low, medium, high or confirmed", nil)
			return
		}
		min = parsed
	}

	logs, err := h.logs.ListTunnelDetections(r.Context(), min, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.NetworkLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections":    logs,
		"count":         len(logs),
		"minConfidence": min,
	})
}

func (h *NetworkHandlers) routeBlocks(w http.ResponseWriter, r *http.Request, rest string) {
	kind, _ := shiftPath(rest)

	switch kind {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, h.gatekeeper.Blocklist().Snapshot())
	case "ip":
		h.handleIPBlock(w, r)
	case "endpoint":
		h.handleEndpointBlock(w, r)
	case "pattern":
		h.handlePatternBlock(w, r)
	default:
		notFound(w)
	}
}

type blockIPRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
}

func (h *NetworkHandlers) handleIPBlock(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	switch r.Method {
	case http.MethodPost:
		var req blockIPRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := h.gatekeeper.Blocklist().BlockIP(req.IP, req.Reason, actor.UserID); err != nil {
			writeError(w, r, err)
			return
		}
		h.recordActivity(r, actor, "network.block_ip", req.IP)
		writeJSON(w, http.StatusCreated, map[string]any{"blocked": true, "ip": req.IP})

	case http.MethodDelete:
		ip := strings.TrimSpace(r.URL.Query().Get("ip"))
		if ip == "" {
			writeErrorResponse(w, http.StatusBadRequest, "missing_ip", "ip parameter is required", nil)
			return
		}
		removed := h.gatekeeper.Blocklist().UnblockIP(ip)
		if removed {
			h.recordActivity(r, actor, "network.unblock_ip", ip)
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "ip": ip})

	default:
		methodNotAllowed(w)
	}
}

type blockEndpointRequest struct {
	PathGlob string `json:"pathGlob"`
	Method   string `json:"method,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *NetworkHandlers) handleEndpointBlock(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	switch r.Method {
	case http.MethodPost:
		var req blockEndpointRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := h.gatekeeper.Blocklist().BlockEndpoint(req.PathGlob, req.Method, req.Reason, actor.UserID); err != nil {
			writeError(w, r, err)
			return
		}
		h.recordActivity(r, actor, "network.block_endpoint", req.Method+" "+req.PathGlob)
		writeJSON(w, http.StatusCreated, map[string]any{"blocked": true, "pathGlob": req.PathGlob})

	case http.MethodDelete:
		glob := strings.TrimSpace(r.URL.Query().Get("glob"))
		if glob == "" {
			writeErrorResponse(w, http.StatusBadRequest, "missing_glob", "glob parameter is required", nil)
			return
		}
		method := strings.TrimSpace(r.URL.Query().Get("method"))
		removed := h.gatekeeper.Blocklist().UnblockEndpoint(glob, method)
		if removed {
			h.recordActivity(r, actor, "network.unblock_endpoint", glob)
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "pathGlob": glob})

	default:
		methodNotAllowed(w)
	}
}

type blockPatternRequest struct {
	Type   string `json:"type"`
	Glob   string `json:"glob"`
	Reason string `json:"reason,omitempty"`
}

func (h *NetworkHandlers) handlePatternBlock(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	switch r.Method {
	case http.MethodPost:
		var req blockPatternRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := h.gatekeeper.Blocklist().BlockPattern(models.PatternType(req.Type), req.Glob, req.Reason, actor.UserID); err != nil {
			writeError(w, r, err)
			return
		}
		h.recordActivity(r, actor, "network.block_pattern", req.Type+":"+req.Glob)
		writeJSON(w, http.StatusCreated, map[string]any{"blocked": true, "type": req.Type, "glob": req.Glob})

	case http.MethodDelete:
		patternType := models.PatternType(strings.TrimSpace(r.URL.Query().Get("type")))
		glob := strings.TrimSpace(r.URL.Query().Get("glob"))
		if !models.ValidPatternType(patternType) || glob == "" {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_pattern",
				"type and glob parameters are required", nil)
			return
		}
		removed := h.gatekeeper.Blocklist().UnblockPattern(patternType, glob)
		if removed {
			h.recordActivity(r, actor, "network.unblock_pattern", string(patternType)+":"+glob)
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "type": patternType, "glob": glob})

	default:
		methodNotAllowed(w)
	}
}

// handleRateLimit reports the configured limits, and the live window for one
// IP when ?ip= is given.
func (h *NetworkHandlers) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	limitIP, limitEP := h.gatekeeper.Limiter().Limits()
	resp := map[string]any{
		"limitPerIP":       limitIP,
		"limitPerEndpoint": limitEP,
		"windowSeconds":    60,
	}

	if ip := strings.TrimSpace(r.URL.Query().Get("ip")); ip != "" {
		current, perEndpoint := h.gatekeeper.Limiter().Status(ip)
		resp["ip"] = ip
		resp["current"] = current
		resp["perEndpoint"] = perEndpoint
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *NetworkHandlers) recordActivity(r *http.Request, actor models.Actor, action, detail string) {
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
