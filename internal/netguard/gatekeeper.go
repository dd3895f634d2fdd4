package netguard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/logging"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// captureQueueSize bounds the async capture pipeline. When full, entries are
// dropped and counted rather than stalling request handling.
const captureQueueSize = 1024

// Broadcaster pushes network events to live subscribers.
type Broadcaster interface {
	BroadcastNetworkEvent(eventType string, data any)
}

// Settings is the hot-reloadable part of the gatekeeper's behaviour. Loaded
// atomically per request so a reload never tears a request's view.
type Settings struct {
	EnableBlocking        bool
	EnableLogging         bool
	EnableTunnelDetection bool
	MinConfidence         models.TunnelConfidence
	MaxBodySize           int64
}

func settingsFrom(cfg *config.Config) *Settings {
	min, ok := models.ParseTunnelConfidence(cfg.TunnelConfidenceThreshold)
	if !ok {
		min = models.ConfidenceHigh
	}
	return &Settings{
		EnableBlocking:        cfg.EnableBlocking,
		EnableLogging:         cfg.EnableLogging,
		EnableTunnelDetection: cfg.EnableTunnelDetection,
		MinConfidence:         min,
		MaxBodySize:           cfg.MaxBodySize,
	}
}

// Gatekeeper is the inline request pipeline: block rules, rate limits, and
// async capture of the request/response pair for the audit log and tunnel
// analysis. Capture never blocks the request path and its failures never
// fail a request.
type Gatekeeper struct {
	blocklist *Blocklist
	limiter   *RateLimiter
	detector  *Detector
	logs      *store.NetworkLogStore
	hub       Broadcaster

	settings atomic.Pointer[Settings]
	queue    chan *models.NetworkLog
	dropped  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a gatekeeper from config. Call Start before serving traffic.
func New(cfg *config.Config, logs *store.NetworkLogStore, hub Broadcaster) *Gatekeeper {
	g := &Gatekeeper{
		blocklist: NewBlocklist(),
		limiter:   NewRateLimiter(cfg),
		detector:  NewDetector(),
		logs:      logs,
		hub:       hub,
		queue:     make(chan *models.NetworkLog, captureQueueSize),
	}
	g.settings.Store(settingsFrom(cfg))
	return g
}

// Start launches the capture worker.
func (g *Gatekeeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.wg.Add(1)
	go g.run(runCtx)
}

// Stop halts the capture worker and the rate limiter GC. Entries still queued
// are dropped.
func (g *Gatekeeper) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.limiter.Stop()
}

// UpdateSettings applies a reloaded config without restarting.
func (g *Gatekeeper) UpdateSettings(cfg *config.Config) {
	g.settings.Store(settingsFrom(cfg))
	g.limiter.SetLimits(cfg.RateLimitIP, cfg.RateLimitEndpoint)
	log.Info().
		Bool("blocking", cfg.EnableBlocking).
		Bool("logging", cfg.EnableLogging).
		Bool("tunnelDetection", cfg.EnableTunnelDetection).
		Msg("Gatekeeper settings updated")
}

// Blocklist exposes the rule registry for the admin API.
func (g *Gatekeeper) Blocklist() *Blocklist { return g.blocklist }

// Limiter exposes the rate limiter for the admin API.
func (g *Gatekeeper) Limiter() *RateLimiter { return g.limiter }

// DroppedCaptures reports how many log entries were discarded because the
// capture queue was full.
func (g *Gatekeeper) DroppedCaptures() uint64 { return g.dropped.Load() }

// healthPaths bypass the gatekeeper entirely so orchestration probes keep
// working even when their source is blocked.
func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/health"
}

// Middleware runs the pipeline: health bypass, IP block, endpoint block,
// pattern block, rate limit, then the inner handler with capture.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		st := g.settings.Load()
		ip := GetClientIP(r)

		if st.EnableBlocking {
			if g.blocklist.IsIPBlocked(ip) {
				writeDenied(w, http.StatusForbidden, "source address is blocked")
				return
			}
			if rule, ok := g.blocklist.MatchEndpoint(r.URL.Path, r.Method); ok {
				writeDenied(w, http.StatusForbidden, blockReason("endpoint is blocked", rule.Reason))
				return
			}
			if rule, ok := g.blocklist.MatchPattern(r); ok {
				writeDenied(w, http.StatusForbidden, blockReason("request matches a blocked pattern", rule.Reason))
				return
			}
		}

		// Rate limiting is not gated by EnableBlocking: the flag controls
		// operator-authored rules, not abuse protection.
		if dec := g.limiter.Check(ip, r.URL.Path); !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeDenied(w, http.StatusTooManyRequests, dec.Reason)
			return
		}

		if !st.EnableLogging {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		reqBody, reqTruncated := g.teeRequestBody(r, st.MaxBodySize)

		rw := &recordingWriter{ResponseWriter: w, limit: st.MaxBodySize}
		next.ServeHTTP(rw, r)

		// A hijacked connection (websocket upgrade) no longer speaks HTTP;
		// there is no response to record.
		if rw.hijacked {
			return
		}

		entry := &models.NetworkLog{
			RequestID:       logging.RequestIDFrom(r.Context()),
			TenantID:        strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
			Timestamp:       start.UTC(),
			IP:              ip,
			Method:          r.Method,
			Path:            r.URL.Path,
			Query:           r.URL.RawQuery,
			Status:          rw.statusCode(),
			ResponseTimeMs:  float64(time.Since(start)) / float64(time.Millisecond),
			RequestHeaders:  flattenHeaders(r.Header),
			ResponseHeaders: flattenHeaders(rw.Header()),
			RequestBody:     string(reqBody),
			ResponseBody:    rw.body.String(),
			BodyTruncated:   reqTruncated || rw.truncated,
		}
		if entry.RequestID == "" {
			entry.RequestID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
		}

		select {
		case g.queue <- entry:
		default:
			if n := g.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().Uint64("dropped", n).Msg("Network capture queue full; dropping entries")
			}
		}
	})
}

// teeRequestBody reads up to limit bytes for capture and restores the body so
// the inner handler sees the full stream.
func (g *Gatekeeper) teeRequestBody(r *http.Request, limit int64) ([]byte, bool) {
	if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		// The handler will surface the same read error; capture what we got.
		r.Body = restoredBody{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
		return peek, false
	}
	r.Body = restoredBody{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
	if int64(len(peek)) > limit {
		return peek[:limit], true
	}
	return peek, false
}

type restoredBody struct {
	io.Reader
	io.Closer
}

// run is the capture worker: persist, analyse, attach, broadcast.
func (g *Gatekeeper) run(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-g.queue:
			g.process(ctx, entry)
		}
	}
}

func (g *Gatekeeper) process(ctx context.Context, entry *models.NetworkLog) {
	st := g.settings.Load()

	// Insert redacts headers in place and assigns the requestId when the
	// middleware had none, so analysis below sees the sanitised entry.
	if err := g.logs.Insert(ctx, entry); err != nil {
		log.Warn().Err(err).Str("path", entry.Path).Msg("Failed to persist network log entry")
	}

	if st.EnableTunnelDetection {
		if verdict := g.detector.Analyze(entry); verdict != nil && verdict.Confidence.Rank() >= st.MinConfidence.Rank() {
			entry.TunnelDetection = verdict
			if err := g.logs.AttachTunnelDetection(ctx, entry.RequestID, verdict); err != nil {
				log.Warn().Err(err).Str("requestId", entry.RequestID).Msg("Failed to attach tunnel verdict")
			}
			log.Warn().
				Str("sourceIp", verdict.SourceIP).
				Str("tunnelType", verdict.TunnelType).
				Str("confidence", string(verdict.Confidence)).
				Float64("riskScore", verdict.RiskScore).
				Msg("Tunnel behaviour detected")
		}
	}

	if g.hub != nil {
		g.hub.BroadcastNetworkEvent("network.log", entry)
		if entry.TunnelDetection != nil {
			g.hub.BroadcastNetworkEvent("network.tunnel_alert", entry.TunnelDetection)
		}
	}
}

// GetClientIP resolves the request's source address, trusting forwarding
// headers set by the reverse proxy in front of the service.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func blockReason(fallback, reason string) string {
	if strings.TrimSpace(reason) != "" {
		return reason
	}
	return fallback
}

func writeDenied(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// recordingWriter captures status and a bounded copy of the response body
// while passing everything through, including hijack and flush.
type recordingWriter struct {
	http.ResponseWriter
	status    int
	body      bytes.Buffer
	limit     int64
	truncated bool
	hijacked  bool
}

func (rw *recordingWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	if remaining := rw.limit - int64(rw.body.Len()); remaining > 0 {
		if int64(len(b)) > remaining {
			rw.body.Write(b[:remaining])
			rw.truncated = true
		} else {
			rw.body.Write(b)
		}
	} else if rw.limit > 0 && len(b) > 0 {
		rw.truncated = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *recordingWriter) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// Hijack lets websocket upgrades through; the recorder steps aside.
func (rw *recordingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.hijacked = true
	return hj.Hijack()
}

func (rw *recordingWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
