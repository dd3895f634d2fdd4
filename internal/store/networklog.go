package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// NetworkLogStore persists the request/response audit trail.
type NetworkLogStore struct {
	db *DB
}

// NewNetworkLogStore returns a network log store over db.
func NewNetworkLogStore(db *DB) *NetworkLogStore {
	return &NetworkLogStore{db: db}
}

// sensitiveHeaderTokens is the closed redaction list. A header whose name
// contains any token (case-insensitive) is stored as [REDACTED].
var sensitiveHeaderTokens = []string{
	"authorization",
	"cookie",
	"x-api-key",
	"x-auth-token",
	"api-key",
	"access-token",
	"password",
}

// Redacted replaces the values of sensitive headers.
const Redacted = "[REDACTED]"

// RedactHeaders returns a copy of headers with sensitive values replaced.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		redact := false
		for _, token := range sensitiveHeaderTokens {
			if strings.Contains(lower, token) {
				redact = true
				break
			}
		}
		if redact {
			out[name] = Redacted
		} else {
			out[name] = value
		}
	}
	return out
}

// NetworkLogFilter narrows audit-log listings.
type NetworkLogFilter struct {
	TenantID   string
	IP         string
	Method     string
	PathPrefix string
	Status     int
	Since      *time.Time
	Until      *time.Time
	OnlyTunnel bool
	Limit      int
	Offset     int
}

// NetworkStats summarises traffic over a time range.
type NetworkStats struct {
	TotalRequests      int            `json:"totalRequests"`
	AvgResponseTimeMs  float64        `json:"avgResponseTimeMs"`
	P50ResponseTimeMs  float64        `json:"p50ResponseTimeMs"`
	P95ResponseTimeMs  float64        `json:"p95ResponseTimeMs"`
	P99ResponseTimeMs  float64        `json:"p99ResponseTimeMs"`
	StatusDistribution map[string]int `json:"statusDistribution"`
	UniqueIPs          int            `json:"uniqueIps"`
	UniqueEndpoints    int            `json:"uniqueEndpoints"`
	TunnelDetections   int            `json:"tunnelDetections"`
}

const networkLogColumns = `id, request_id, tenant_id, timestamp, ip, method, path, query,
	status, response_time_ms, request_headers, response_headers, request_body,
	response_body, body_truncated, tunnel_detection`

// Insert appends one log entry. Headers are redacted here so no caller can
// persist secrets by mistake; a missing requestId is assigned.
func (s *NetworkLogStore) Insert(ctx context.Context, entry *models.NetworkLog) error {
	if entry.RequestID == "" {
		entry.RequestID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.RequestHeaders = RedactHeaders(entry.RequestHeaders)
	entry.ResponseHeaders = RedactHeaders(entry.ResponseHeaders)

	reqHeaders, err := encodeHeaderMap(entry.RequestHeaders)
	if err != nil {
		return errors.E(errors.KindInternal, "netlogs.insert", err)
	}
	respHeaders, err := encodeHeaderMap(entry.ResponseHeaders)
	if err != nil {
		return errors.E(errors.KindInternal, "netlogs.insert", err)
	}
	var tunnel sql.NullString
	if entry.TunnelDetection != nil {
		tunnel, err = encodeJSON(entry.TunnelDetection)
		if err != nil {
			return errors.E(errors.KindInternal, "netlogs.insert", err)
		}
	}

	res, err := s.db.execContext(ctx, `
		INSERT INTO network_logs (request_id, tenant_id, timestamp, ip, method, path, query,
			status, response_time_ms, request_headers, response_headers, request_body,
			response_body, body_truncated, tunnel_detection)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, nullString(entry.TenantID), entry.Timestamp.UTC(), entry.IP,
		entry.Method, entry.Path, nullString(entry.Query), entry.Status,
		entry.ResponseTimeMs, reqHeaders, respHeaders,
		nullString(entry.RequestBody), nullString(entry.ResponseBody),
		boolToInt(entry.BodyTruncated), tunnel)
	if err != nil {
		return errors.E(errors.KindInternal, "netlogs.insert", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// AttachTunnelDetection stores a verdict on an already-persisted entry.
func (s *NetworkLogStore) AttachTunnelDetection(ctx context.Context, requestID string, verdict *models.TunnelDetectionVerdict) error {
	encoded, err := encodeJSON(verdict)
	if err != nil {
		return errors.E(errors.KindInternal, "netlogs.attachTunnel", err)
	}
	_, err = s.db.execContext(ctx,
		`UPDATE network_logs SET tunnel_detection = ? WHERE request_id = ?`, encoded, requestID)
	if err != nil {
		return errors.E(errors.KindInternal, "netlogs.attachTunnel", err)
	}
	return nil
}

// ListLogs returns entries matching the filter, newest first.
func (s *NetworkLogStore) ListLogs(ctx context.Context, filter NetworkLogFilter) ([]*models.NetworkLog, error) {
	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.IP != "" {
		conditions = append(conditions, "ip = ?")
		args = append(args, filter.IP)
	}
	if filter.Method != "" {
		conditions = append(conditions, "method = ?")
		args = append(args, strings.ToUpper(filter.Method))
	}
	if filter.PathPrefix != "" {
		conditions = append(conditions, "path LIKE ?")
		args = append(args, filter.PathPrefix+"%")
	}
	if filter.Status != 0 {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.Until.UTC())
	}
	if filter.OnlyTunnel {
		conditions = append(conditions, "tunnel_detection IS NOT NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + networkLogColumns + ` FROM network_logs` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryLogs(ctx, "netlogs.list", query, args...)
}

// SearchFulltext matches q as a substring of path, query or either body.
func (s *NetworkLogStore) SearchFulltext(ctx context.Context, q string, limit int) ([]*models.NetworkLog, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + q + "%"
	query := `SELECT ` + networkLogColumns + ` FROM network_logs
		WHERE path LIKE ? OR query LIKE ? OR request_body LIKE ? OR response_body LIKE ?
		ORDER BY timestamp DESC LIMIT ?`
	return s.queryLogs(ctx, "netlogs.search", query, pattern, pattern, pattern, pattern, limit)
}

// ListTunnelDetections returns entries carrying a verdict at or above the
// minimum confidence, newest first.
func (s *NetworkLogStore) ListTunnelDetections(ctx context.Context, min models.TunnelConfidence, limit int) ([]*models.NetworkLog, error) {
	if limit <= 0 {
		limit = 100
	}
	// Confidence lives inside the verdict JSON; over-fetch and filter.
	entries, err := s.queryLogs(ctx, "netlogs.tunnels",
		`SELECT `+networkLogColumns+` FROM network_logs
		WHERE tunnel_detection IS NOT NULL ORDER BY timestamp DESC LIMIT ?`, limit*4)
	if err != nil {
		return nil, err
	}
	minRank := min.Rank()
	var out []*models.NetworkLog
	for _, entry := range entries {
		if entry.TunnelDetection == nil {
			continue
		}
		if entry.TunnelDetection.Confidence.Rank() >= minRank {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// GetStats summarises traffic between since and until.
func (s *NetworkLogStore) GetStats(ctx context.Context, since, until time.Time) (*NetworkStats, error) {
	stats := &NetworkStats{StatusDistribution: make(map[string]int)}

	err := s.db.queryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(response_time_ms), 0),
			COUNT(DISTINCT ip), COUNT(DISTINCT path),
			COALESCE(SUM(CASE WHEN tunnel_detection IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM network_logs WHERE timestamp >= ? AND timestamp <= ?`,
		since.UTC(), until.UTC()).
		Scan(&stats.TotalRequests, &stats.AvgResponseTimeMs,
			&stats.UniqueIPs, &stats.UniqueEndpoints, &stats.TunnelDetections)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "netlogs.stats", err)
	}
	if stats.TotalRequests == 0 {
		return stats, nil
	}

	for pct, dst := range map[int]*float64{
		50: &stats.P50ResponseTimeMs,
		95: &stats.P95ResponseTimeMs,
		99: &stats.P99ResponseTimeMs,
	} {
		offset := stats.TotalRequests * pct / 100
		if offset >= stats.TotalRequests {
			offset = stats.TotalRequests - 1
		}
		err := s.db.queryRowContext(ctx, `
			SELECT response_time_ms FROM network_logs
			WHERE timestamp >= ? AND timestamp <= ?
			ORDER BY response_time_ms LIMIT 1 OFFSET ?`,
			since.UTC(), until.UTC(), offset).Scan(dst)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.E(errors.KindInternal, "netlogs.stats", err)
		}
	}

	rows, err := s.db.queryContext(ctx, `
		SELECT status / 100, COUNT(*) FROM network_logs
		WHERE timestamp >= ? AND timestamp <= ? GROUP BY status / 100`,
		since.UTC(), until.UTC())
	if err != nil {
		return nil, errors.E(errors.KindInternal, "netlogs.stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var class, count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, errors.E(errors.KindInternal, "netlogs.stats", err)
		}
		switch class {
		case 2:
			stats.StatusDistribution["2xx"] = count
		case 3:
			stats.StatusDistribution["3xx"] = count
		case 4:
			stats.StatusDistribution["4xx"] = count
		case 5:
			stats.StatusDistribution["5xx"] = count
		default:
			stats.StatusDistribution["other"] += count
		}
	}
	return stats, rows.Err()
}

// CleanupOldLogs deletes entries older than ttlDays and reports how many.
func (s *NetworkLogStore) CleanupOldLogs(ctx context.Context, ttlDays int) (int64, error) {
	if ttlDays < 1 {
		ttlDays = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays)
	res, err := s.db.execContext(ctx, `DELETE FROM network_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, errors.E(errors.KindInternal, "netlogs.cleanup", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// StartRetention runs cleanup shortly after startup and then daily until ctx
// is cancelled. ttlDays is a getter so hot-reloaded values apply.
func (s *NetworkLogStore) StartRetention(ctx context.Context, ttlDays func() int) {
	go func() {
		initial := time.NewTimer(5 * time.Minute)
		defer initial.Stop()
		select {
		case <-initial.C:
			s.runCleanup(ctx, ttlDays())
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runCleanup(ctx, ttlDays())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *NetworkLogStore) runCleanup(ctx context.Context, ttlDays int) {
	deleted, err := s.CleanupOldLogs(ctx, ttlDays)
	if err != nil {
		log.Error().Err(err).Msg("Network log retention cleanup failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Int("ttlDays", ttlDays).Msg("Pruned old network logs")
	}
}

func (s *NetworkLogStore) queryLogs(ctx context.Context, op, query string, args ...any) ([]*models.NetworkLog, error) {
	rows, err := s.db.queryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	var entries []*models.NetworkLog
	for rows.Next() {
		entry, err := scanNetworkLog(rows)
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanNetworkLog(row rowScanner) (*models.NetworkLog, error) {
	var (
		entry       models.NetworkLog
		tenantID    sql.NullString
		query       sql.NullString
		reqHeaders  sql.NullString
		respHeaders sql.NullString
		reqBody     sql.NullString
		respBody    sql.NullString
		truncated   int
		tunnel      sql.NullString
	)

	err := row.Scan(&entry.ID, &entry.RequestID, &tenantID, &entry.Timestamp,
		&entry.IP, &entry.Method, &entry.Path, &query, &entry.Status,
		&entry.ResponseTimeMs, &reqHeaders, &respHeaders, &reqBody, &respBody,
		&truncated, &tunnel)
	if err != nil {
		return nil, err
	}

	entry.TenantID = stringOf(tenantID)
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Query = stringOf(query)
	entry.RequestBody = stringOf(reqBody)
	entry.ResponseBody = stringOf(respBody)
	entry.BodyTruncated = truncated != 0

	if err := decodeJSON(reqHeaders, &entry.RequestHeaders); err != nil {
		return nil, err
	}
	if err := decodeJSON(respHeaders, &entry.ResponseHeaders); err != nil {
		return nil, err
	}
	if tunnel.Valid {
		var verdict models.TunnelDetectionVerdict
		if err := decodeJSON(tunnel, &verdict); err != nil {
			return nil, err
		}
		entry.TunnelDetection = &verdict
	}
	return &entry, nil
}

func encodeHeaderMap(headers map[string]string) (sql.NullString, error) {
	if len(headers) == 0 {
		return sql.NullString{}, nil
	}
	return encodeJSON(headers)
}
