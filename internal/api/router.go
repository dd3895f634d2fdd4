package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/netguard"
	"github.com/cipher-x-sudo/cybernexus/internal/orchestrator"
	"github.com/cipher-x-sudo/cybernexus/internal/scheduler"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
	"github.com/cipher-x-sudo/cybernexus/internal/websocket"
)

// VersionInfo carries build metadata injected by the linker in cmd.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GitCommit string `json:"gitCommit"`
	Runtime   string `json:"runtime"`
}

// Deps bundles everything the REST surface talks to.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Gatekeeper   *netguard.Gatekeeper
	Jobs         *store.JobStore
	Findings     *store.FindingStore
	Schedules    *store.ScheduleStore
	NetworkLogs  *store.NetworkLogStore
	Activity     *store.ActivityStore
	Hub          *websocket.Hub
	Version      VersionInfo
}

// Router handles HTTP routing
type Router struct {
	mux   *http.ServeMux
	deps  Deps
	start time.Time
}

// NewRouter creates a new router instance
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:   http.NewServeMux(),
		deps:  deps,
		start: time.Now(),
	}

	r.setupRoutes()
	return r
}

// Handler returns the router wrapped in the full middleware chain. The
// error handler sits outermost so panics and metrics cover gatekeeping
// and tenancy too.
func (r *Router) Handler() http.Handler {
	var h http.Handler = r
	h = TenantMiddleware(h)
	if r.deps.Gatekeeper != nil {
		h = r.deps.Gatekeeper.Middleware(h)
	}
	return ErrorHandler(h)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	// Create handlers
	jobHandlers := NewJobHandlers(r.deps.Orchestrator, r.deps.Jobs, r.deps.Activity)
	findingHandlers := NewFindingHandlers(r.deps.Findings, r.deps.Activity)
	scheduleHandlers := NewScheduleHandlers(r.deps.Scheduler, r.deps.Schedules, r.deps.Activity)
	networkHandlers := NewNetworkHandlers(r.deps.Gatekeeper, r.deps.NetworkLogs, r.deps.Activity)
	activityHandlers := NewActivityHandlers(r.deps.Activity)

	// API routes
	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)

	// Job routes
	r.mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			jobHandlers.HandleListJobs(w, req)
		case http.MethodPost:
			jobHandlers.HandleCreateJob(w, req)
		default:
			methodNotAllowed(w)
		}
	})
	r.mux.HandleFunc("/api/jobs/", jobHandlers.HandleJobByID)

	// Finding routes
	r.mux.HandleFunc("/api/findings", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		findingHandlers.HandleListActive(w, req)
	})
	r.mux.HandleFunc("/api/findings/", findingHandlers.HandleFindings)
	r.mux.HandleFunc("/api/indicators", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		findingHandlers.HandleListIndicators(w, req)
	})

	// Schedule routes
	r.mux.HandleFunc("/api/schedules", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			scheduleHandlers.HandleListSchedules(w, req)
		case http.MethodPost:
			scheduleHandlers.HandleCreateSchedule(w, req)
		default:
			methodNotAllowed(w)
		}
	})
	r.mux.HandleFunc("/api/schedules/", scheduleHandlers.HandleScheduleByID)

	// Automation profile
	r.mux.HandleFunc("/api/automation/profile", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			scheduleHandlers.HandleGetProfile(w, req)
		case http.MethodPut:
			scheduleHandlers.HandleUpdateProfile(w, req)
		default:
			methodNotAllowed(w)
		}
	})

	// Network gatekeeping routes (admin only, enforced per handler)
	r.mux.HandleFunc("/api/network/", networkHandlers.HandleNetwork)

	// Activity log
	r.mux.HandleFunc("/api/activity", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		activityHandlers.HandleListActivity(w, req)
	})

	// WebSocket endpoint
	r.mux.HandleFunc("/ws", r.handleWebSocket)

	// Prometheus scrape endpoint
	r.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Add security headers for API endpoints
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/ws") {
		r.addSecurityHeaders(w)
	}

	// Log request
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-XSS-Protection", "1; mode=block")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.start).Seconds(),
	}
	if r.deps.Hub != nil {
		health["wsClients"] = r.deps.Hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, health)
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	v := r.deps.Version
	if v.Runtime == "" {
		v.Runtime = "go"
	}
	writeJSON(w, http.StatusOK, v)
}

// handleWebSocket upgrades the connection and hands it to the hub. The
// actor was resolved by the tenant middleware from the gateway headers.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if r.deps.Hub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "ws_unavailable",
			"websocket hub not running", nil)
		return
	}
	r.deps.Hub.HandleWebSocket(w, req, ActorFrom(req.Context()))
}
