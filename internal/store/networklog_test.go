package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

func TestRedactHeaders(t *testing.T) {
	headers := map[string]string{
		"Authorization":   "Bearer secret",
		"Cookie":          "session=abc",
		"X-Api-Key":       "key123",
		"X-Custom-Token":  "harmless",
		"Content-Type":    "application/json",
		"ACCESS-TOKEN-V2": "tok",
	}
	out := RedactHeaders(headers)
	for _, name := range []string{"Authorization", "Cookie", "X-Api-Key", "ACCESS-TOKEN-V2"} {
		if out[name] != Redacted {
			t.Errorf("%s = %q, want redacted", name, out[name])
		}
	}
	if out["Content-Type"] != "application/json" {
		t.Errorf("Content-Type redacted: %q", out["Content-Type"])
	}
	// "token" alone is not on the list; only "x-auth-token" and "access-token" are.
	if out["X-Custom-Token"] != "harmless" {
		t.Errorf("X-Custom-Token = %q, want kept", out["X-Custom-Token"])
	}
	if headers["Authorization"] != "Bearer secret" {
		t.Error("input map mutated")
	}
	if RedactHeaders(nil) != nil {
		t.Error("nil input should stay nil")
	}
}

func sampleLog(ip, method, path string, status int, ts time.Time) *models.NetworkLog {
	return &models.NetworkLog{
		TenantID:       "acme",
		Timestamp:      ts,
		IP:             ip,
		Method:         method,
		Path:           path,
		Status:         status,
		ResponseTimeMs: 12.5,
	}
}

func TestNetworkLogInsertAssignsAndRedacts(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	entry := sampleLog("10.0.0.1", "POST", "/api/jobs", 201, time.Time{})
	entry.RequestHeaders = map[string]string{
		"Authorization": "Bearer secret",
		"Content-Type":  "application/json",
	}
	entry.RequestBody = `{"target":"example.com"}`
	if err := logs.Insert(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if entry.RequestID == "" || len(entry.RequestID) != 26 {
		t.Errorf("requestId = %q, want 26-char ULID", entry.RequestID)
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if entry.ID == 0 {
		t.Error("row id not assigned")
	}

	listed, err := logs.ListLogs(ctx, NetworkLogFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d entries", len(listed))
	}
	stored := listed[0]
	if stored.RequestHeaders["Authorization"] != Redacted {
		t.Errorf("stored Authorization = %q", stored.RequestHeaders["Authorization"])
	}
	if stored.RequestHeaders["Content-Type"] != "application/json" {
		t.Errorf("stored Content-Type = %q", stored.RequestHeaders["Content-Type"])
	}
	if stored.RequestBody != `{"target":"example.com"}` {
		t.Errorf("stored body = %q", stored.RequestBody)
	}
}

func TestNetworkLogListFilters(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []*models.NetworkLog{
		sampleLog("10.0.0.1", "GET", "/api/jobs", 200, base),
		sampleLog("10.0.0.1", "POST", "/api/jobs", 201, base.Add(1*time.Minute)),
		sampleLog("10.0.0.2", "GET", "/api/findings", 200, base.Add(2*time.Minute)),
		sampleLog("10.0.0.3", "GET", "/healthz", 200, base.Add(3*time.Minute)),
	}
	seed[3].TenantID = ""
	for i, entry := range seed {
		if err := logs.Insert(ctx, entry); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	all, err := logs.ListLogs(ctx, NetworkLogFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("listed %d entries", len(all))
	}
	if all[0].Path != "/healthz" {
		t.Errorf("newest first violated: %s", all[0].Path)
	}

	cases := []struct {
		name   string
		filter NetworkLogFilter
		want   int
	}{
		{"by ip", NetworkLogFilter{IP: "10.0.0.1"}, 2},
		{"by method lowercased", NetworkLogFilter{Method: "post"}, 1},
		{"by path prefix", NetworkLogFilter{PathPrefix: "/api/"}, 3},
		{"by status", NetworkLogFilter{Status: 201}, 1},
		{"by tenant", NetworkLogFilter{TenantID: "acme"}, 3},
		{"tunnel only", NetworkLogFilter{OnlyTunnel: true}, 0},
	}
	for _, tc := range cases {
		got, err := logs.ListLogs(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Errorf("%s: %d entries, want %d", tc.name, len(got), tc.want)
		}
	}

	since := base.Add(90 * time.Second)
	windowed, err := logs.ListLogs(ctx, NetworkLogFilter{Since: &since})
	if err != nil {
		t.Fatalf("windowed list: %v", err)
	}
	if len(windowed) != 2 {
		t.Errorf("since filter = %d entries, want 2", len(windowed))
	}

	page, err := logs.ListLogs(ctx, NetworkLogFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 2 || page[0].Path != "/api/jobs" {
		t.Errorf("page = %d entries, first %s", len(page), page[0].Path)
	}
}

func TestNetworkLogFulltext(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	withBody := sampleLog("10.0.0.1", "POST", "/api/jobs", 201, time.Now().UTC())
	withBody.RequestBody = `{"target":"darkweb.example.com"}`
	plain := sampleLog("10.0.0.2", "GET", "/api/findings", 200, time.Now().UTC())
	for _, entry := range []*models.NetworkLog{withBody, plain} {
		if err := logs.Insert(ctx, entry); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	hits, err := logs.SearchFulltext(ctx, "darkweb", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "/api/jobs" {
		t.Errorf("body search = %d hits", len(hits))
	}

	byPath, err := logs.SearchFulltext(ctx, "findings", 0)
	if err != nil {
		t.Fatalf("path search: %v", err)
	}
	if len(byPath) != 1 {
		t.Errorf("path search = %d hits", len(byPath))
	}

	none, err := logs.SearchFulltext(ctx, "nosuchstring", 0)
	if err != nil {
		t.Fatalf("empty search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("empty search = %d hits", len(none))
	}
}

func TestTunnelDetections(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	entries := make([]*models.NetworkLog, 3)
	for i := range entries {
		entries[i] = sampleLog("10.0.0.9", "GET", "/api/dns", 200, time.Now().UTC().Add(time.Duration(i)*time.Second))
		if err := logs.Insert(ctx, entries[i]); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	attach := func(i int, confidence models.TunnelConfidence) {
		err := logs.AttachTunnelDetection(ctx, entries[i].RequestID, &models.TunnelDetectionVerdict{
			DetectionID: fmt.Sprintf("det-%d", i),
			TunnelType:  "dns",
			Confidence:  confidence,
			RiskScore:   70,
			SourceIP:    "10.0.0.9",
		})
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	attach(0, models.ConfidenceLow)
	attach(1, models.ConfidenceHigh)

	flagged, err := logs.ListLogs(ctx, NetworkLogFilter{OnlyTunnel: true})
	if err != nil {
		t.Fatalf("list tunnel: %v", err)
	}
	if len(flagged) != 2 {
		t.Fatalf("flagged = %d entries, want 2", len(flagged))
	}

	high, err := logs.ListTunnelDetections(ctx, models.ConfidenceHigh, 0)
	if err != nil {
		t.Fatalf("list detections: %v", err)
	}
	if len(high) != 1 {
		t.Fatalf("high-confidence = %d entries, want 1", len(high))
	}
	if high[0].TunnelDetection == nil || high[0].TunnelDetection.Confidence != models.ConfidenceHigh {
		t.Errorf("verdict = %+v", high[0].TunnelDetection)
	}

	low, err := logs.ListTunnelDetections(ctx, models.ConfidenceLow, 0)
	if err != nil {
		t.Fatalf("list low: %v", err)
	}
	if len(low) != 2 {
		t.Errorf("low threshold = %d entries, want 2", len(low))
	}
}

func TestNetworkStats(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []int{200, 200, 200, 200, 301, 404, 404, 404, 500, 500}
	for i, status := range statuses {
		entry := sampleLog(fmt.Sprintf("10.0.0.%d", i%3), "GET", fmt.Sprintf("/p/%d", i%4), status, base.Add(time.Duration(i)*time.Minute))
		entry.ResponseTimeMs = float64(10 * (i + 1))
		if err := logs.Insert(ctx, entry); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	verdictEntry := sampleLog("10.0.0.0", "GET", "/p/0", 200, base)
	if err := logs.Insert(ctx, verdictEntry); err != nil {
		t.Fatalf("verdict entry: %v", err)
	}
	if err := logs.AttachTunnelDetection(ctx, verdictEntry.RequestID, &models.TunnelDetectionVerdict{
		DetectionID: "det-1", TunnelType: "dns", Confidence: models.ConfidenceMedium,
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	stats, err := logs.GetStats(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 11 {
		t.Errorf("total = %d, want 11", stats.TotalRequests)
	}
	if stats.StatusDistribution["2xx"] != 5 || stats.StatusDistribution["3xx"] != 1 ||
		stats.StatusDistribution["4xx"] != 3 || stats.StatusDistribution["5xx"] != 2 {
		t.Errorf("distribution = %v", stats.StatusDistribution)
	}
	if stats.UniqueIPs != 3 {
		t.Errorf("uniqueIPs = %d, want 3", stats.UniqueIPs)
	}
	if stats.UniqueEndpoints != 4 {
		t.Errorf("uniqueEndpoints = %d, want 4", stats.UniqueEndpoints)
	}
	if stats.TunnelDetections != 1 {
		t.Errorf("tunnelDetections = %d, want 1", stats.TunnelDetections)
	}
	if stats.AvgResponseTimeMs <= 0 {
		t.Errorf("avg = %v", stats.AvgResponseTimeMs)
	}
	if stats.P50ResponseTimeMs <= 0 || stats.P95ResponseTimeMs < stats.P50ResponseTimeMs {
		t.Errorf("percentiles: p50=%v p95=%v p99=%v",
			stats.P50ResponseTimeMs, stats.P95ResponseTimeMs, stats.P99ResponseTimeMs)
	}

	empty, err := logs.GetStats(ctx, base.Add(48*time.Hour), base.Add(49*time.Hour))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty.TotalRequests != 0 {
		t.Errorf("empty window total = %d", empty.TotalRequests)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	db := newTestDB(t)
	logs := NewNetworkLogStore(db)
	ctx := context.Background()

	old := sampleLog("10.0.0.1", "GET", "/api/old", 200, time.Now().UTC().AddDate(0, 0, -40))
	fresh := sampleLog("10.0.0.1", "GET", "/api/fresh", 200, time.Now().UTC())
	for _, entry := range []*models.NetworkLog{old, fresh} {
		if err := logs.Insert(ctx, entry); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	deleted, err := logs.CleanupOldLogs(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	remaining, err := logs.ListLogs(ctx, NetworkLogFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Path != "/api/fresh" {
		t.Errorf("remaining = %+v", remaining)
	}
}
