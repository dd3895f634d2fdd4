package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// FindingStore persists findings, positive indicators and posture scores.
type FindingStore struct {
	db *DB
}

// NewFindingStore returns a finding store over db.
func NewFindingStore(db *DB) *FindingStore {
	return &FindingStore{db: db}
}

// FindingFilter narrows finding listings.
type FindingFilter struct {
	TenantID   string
	Capability models.Capability
	Severity   models.FindingSeverity
	Target     string
	Limit      int
}

const findingColumns = `id, identity, tenant_id, capability, severity, status, title,
	description, evidence, affected_assets, recommendations, risk_score, target,
	job_id, discovered_at, resolved_at, resolved_by`

// UpsertFinding inserts the finding or collapses it onto an existing row with
// the same content identity. Active rows re-apply severity, riskScore,
// evidence and recommendations. Resolved rows never reopen; the emission is
// recorded as a re-observation in the stored evidence instead. Returns the
// stored row and whether a new row was inserted.
func (s *FindingStore) UpsertFinding(ctx context.Context, f *models.Finding) (*models.Finding, bool, error) {
	identity := f.Identity()

	tx, err := s.db.beginTx(ctx)
	if err != nil {
		return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE tenant_id = ? AND identity = ?`,
		f.TenantID, identity)
	existing, err := scanFinding(row)

	switch {
	case err == sql.ErrNoRows:
		inserted := f.Clone()
		if inserted.ID == "" {
			inserted.ID = uuid.NewString()
		}
		if inserted.Status == "" {
			inserted.Status = models.FindingActive
		}
		if inserted.DiscoveredAt.IsZero() {
			inserted.DiscoveredAt = time.Now().UTC()
		}
		if err := insertFinding(ctx, tx, inserted, identity); err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err).WithTenant(f.TenantID)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		return inserted, true, nil

	case err != nil:
		return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)

	case existing.Status == models.FindingActive:
		evidence, err := encodeJSON(f.Evidence)
		if err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		recommendations, err := encodeJSON(f.Recommendations)
		if err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE findings
			SET severity = ?, risk_score = ?, evidence = ?, recommendations = ?, job_id = ?
			WHERE id = ?`,
			string(f.Severity), f.RiskScore, evidence, recommendations,
			nullString(f.Evidence.GetString("job_id")), existing.ID)
		if err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		existing.Severity = f.Severity
		existing.RiskScore = f.RiskScore
		existing.Evidence = f.Evidence.Clone()
		existing.Recommendations = append([]string(nil), f.Recommendations...)
		return existing, false, nil

	default:
		// Resolved finding re-observed: record it, leave the status alone.
		evidence := existing.Evidence
		if evidence == nil {
			evidence = models.JSONMap{}
		}
		reobs, _ := evidence["reobservations"].([]any)
		reobs = append(reobs, map[string]any{
			"job_id": f.Evidence.GetString("job_id"),
			"at":     time.Now().UTC().Format(time.RFC3339),
		})
		evidence["reobservations"] = reobs

		encoded, err := encodeJSON(evidence)
		if err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE findings SET evidence = ? WHERE id = ?`, encoded, existing.ID); err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, errors.E(errors.KindInternal, "findings.upsert", err)
		}
		existing.Evidence = evidence
		log.Debug().
			Str("findingId", existing.ID).
			Str("tenantId", existing.TenantID).
			Str("status", string(existing.Status)).
			Msg("Re-observed resolved finding; not reopening")
		return existing, false, nil
	}
}

func insertFinding(ctx context.Context, tx *sql.Tx, f *models.Finding, identity string) error {
	evidence, err := encodeJSON(f.Evidence)
	if err != nil {
		return err
	}
	assets, err := encodeJSON(f.AffectedAssets)
	if err != nil {
		return err
	}
	recommendations, err := encodeJSON(f.Recommendations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO findings (`+findingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, identity, f.TenantID, string(f.Capability), string(f.Severity),
		string(f.Status), f.Title, nullString(f.Description), evidence, assets,
		recommendations, f.RiskScore, f.Target,
		nullString(f.Evidence.GetString("job_id")),
		f.DiscoveredAt.UTC(), nullTime(f.ResolvedAt), nullString(f.ResolvedBy))
	return err
}

// GetFinding fetches one finding with tenant scoping.
func (s *FindingStore) GetFinding(ctx context.Context, tenantID, id string) (*models.Finding, error) {
	row := s.db.queryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = ? AND tenant_id = ?`, id, tenantID)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("finding %s not found", id)
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "findings.get", err)
	}
	return f, nil
}

// Resolve moves a finding out of the active state. Resolving to the status it
// already has is a no-op. The bool result reports whether the finding left
// the active state in this call, which gates remediation point awards.
func (s *FindingStore) Resolve(ctx context.Context, tenantID, id string, status models.FindingStatus, actor string) (*models.Finding, bool, error) {
	if !models.ValidResolution(status) {
		return nil, false, errors.Validationf("invalid resolution status %q", status)
	}

	f, err := s.GetFinding(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	if f.Status == status {
		return f, false, nil
	}

	wasActive := f.Status == models.FindingActive
	now := time.Now().UTC()

	_, err = s.db.execContext(ctx, `
		UPDATE findings SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND tenant_id = ?`,
		string(status), now, actor, id, tenantID)
	if err != nil {
		return nil, false, errors.E(errors.KindInternal, "findings.resolve", err).WithTenant(tenantID)
	}

	f.Status = status
	f.ResolvedAt = &now
	f.ResolvedBy = actor
	return f, wasActive, nil
}

// ListActive returns active findings ordered by risk score then recency.
func (s *FindingStore) ListActive(ctx context.Context, filter FindingFilter) ([]*models.Finding, error) {
	conditions := []string{"status = ?"}
	args := []any{string(models.FindingActive)}

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Capability != "" {
		conditions = append(conditions, "capability = ?")
		args = append(args, string(filter.Capability))
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Target != "" {
		conditions = append(conditions, "target = ?")
		args = append(args, filter.Target)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + findingColumns + ` FROM findings WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY risk_score DESC, discovered_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryFindings(ctx, "findings.listActive", query, args...)
}

// ListCritical returns active critical and high findings.
func (s *FindingStore) ListCritical(ctx context.Context, tenantID string, limit int) ([]*models.Finding, error) {
	if limit <= 0 {
		limit = 50
	}
	conditions := []string{"status = ?", "severity IN (?, ?)"}
	args := []any{string(models.FindingActive), string(models.SeverityCritical), string(models.SeverityHigh)}
	if tenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, tenantID)
	}
	query := `SELECT ` + findingColumns + ` FROM findings WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY risk_score DESC, discovered_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryFindings(ctx, "findings.listCritical", query, args...)
}

// ListByJob returns findings whose evidence attributes them to the job.
func (s *FindingStore) ListByJob(ctx context.Context, jobID string) ([]*models.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE job_id = ? ORDER BY risk_score DESC`
	return s.queryFindings(ctx, "findings.listByJob", query, jobID)
}

func (s *FindingStore) queryFindings(ctx context.Context, op, query string, args ...any) ([]*models.Finding, error) {
	rows, err := s.db.queryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	var findings []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// CountActiveBySeverity tallies active findings per severity; empty
// capability counts across all capabilities.
func (s *FindingStore) CountActiveBySeverity(ctx context.Context, tenantID string, cap models.Capability) (map[models.FindingSeverity]int, error) {
	conditions := []string{"status = ?", "tenant_id = ?"}
	args := []any{string(models.FindingActive), tenantID}
	if cap != "" {
		conditions = append(conditions, "capability = ?")
		args = append(args, string(cap))
	}

	rows, err := s.db.queryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE `+strings.Join(conditions, " AND ")+` GROUP BY severity`,
		args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "findings.countActive", err)
	}
	defer rows.Close()

	counts := make(map[models.FindingSeverity]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, errors.E(errors.KindInternal, "findings.countActive", err)
		}
		counts[models.FindingSeverity(severity)] = count
	}
	return counts, rows.Err()
}

// ResolvedCountsBySeverity tallies findings that have left the active state.
func (s *FindingStore) ResolvedCountsBySeverity(ctx context.Context, tenantID string) (map[models.FindingSeverity]int, error) {
	rows, err := s.db.queryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE tenant_id = ? AND status != ? GROUP BY severity`,
		tenantID, string(models.FindingActive))
	if err != nil {
		return nil, errors.E(errors.KindInternal, "findings.resolvedCounts", err)
	}
	defer rows.Close()

	counts := make(map[models.FindingSeverity]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, errors.E(errors.KindInternal, "findings.resolvedCounts", err)
		}
		counts[models.FindingSeverity(severity)] = count
	}
	return counts, rows.Err()
}

// InsertPositiveIndicator appends an indicator; the table is append-only.
func (s *FindingStore) InsertPositiveIndicator(ctx context.Context, ind *models.PositiveIndicator) error {
	if ind.ID == "" {
		ind.ID = uuid.NewString()
	}
	if ind.CreatedAt.IsZero() {
		ind.CreatedAt = time.Now().UTC()
	}
	evidence, err := encodeJSON(ind.Evidence)
	if err != nil {
		return errors.E(errors.KindInternal, "indicators.insert", err)
	}
	_, err = s.db.execContext(ctx, `
		INSERT INTO positive_indicators
			(id, tenant_id, indicator_type, category, points_awarded, description, evidence, target, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ind.ID, ind.TenantID, string(ind.IndicatorType), ind.Category,
		ind.PointsAwarded, nullString(ind.Description), evidence,
		nullString(ind.Target), ind.CreatedAt.UTC())
	if err != nil {
		return errors.E(errors.KindInternal, "indicators.insert", err).WithTenant(ind.TenantID)
	}
	return nil
}

// ListPositiveIndicators returns a tenant's indicators, newest first.
func (s *FindingStore) ListPositiveIndicators(ctx context.Context, tenantID string, limit int) ([]*models.PositiveIndicator, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.queryContext(ctx, `
		SELECT id, tenant_id, indicator_type, category, points_awarded, description, evidence, target, created_at
		FROM positive_indicators WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "indicators.list", err)
	}
	defer rows.Close()

	var indicators []*models.PositiveIndicator
	for rows.Next() {
		var (
			ind         models.PositiveIndicator
			indType     string
			description sql.NullString
			evidence    sql.NullString
			target      sql.NullString
		)
		if err := rows.Scan(&ind.ID, &ind.TenantID, &indType, &ind.Category,
			&ind.PointsAwarded, &description, &evidence, &target, &ind.CreatedAt); err != nil {
			return nil, errors.E(errors.KindInternal, "indicators.list", err)
		}
		ind.IndicatorType = models.IndicatorType(indType)
		ind.Description = stringOf(description)
		ind.Target = stringOf(target)
		ind.CreatedAt = ind.CreatedAt.UTC()
		if err := decodeJSON(evidence, &ind.Evidence); err != nil {
			return nil, errors.E(errors.KindInternal, "indicators.list", err)
		}
		indicators = append(indicators, &ind)
	}
	return indicators, rows.Err()
}

// RecordPostureScore appends a posture snapshot.
func (s *FindingStore) RecordPostureScore(ctx context.Context, score models.PostureScore) error {
	if score.RecordedAt.IsZero() {
		score.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.execContext(ctx, `
		INSERT INTO posture_scores (tenant_id, capability, score, recorded_at)
		VALUES (?, ?, ?, ?)`,
		score.TenantID, string(score.Capability), score.Score, score.RecordedAt.UTC())
	if err != nil {
		return errors.E(errors.KindInternal, "posture.record", err).WithTenant(score.TenantID)
	}
	return nil
}

// LatestPostureScore returns the most recent snapshot, or nil when the tenant
// has never been scored for the capability.
func (s *FindingStore) LatestPostureScore(ctx context.Context, tenantID string, cap models.Capability) (*models.PostureScore, error) {
	var score models.PostureScore
	var capability string
	err := s.db.queryRowContext(ctx, `
		SELECT tenant_id, capability, score, recorded_at FROM posture_scores
		WHERE tenant_id = ? AND capability = ?
		ORDER BY recorded_at DESC LIMIT 1`,
		tenantID, string(cap)).
		Scan(&score.TenantID, &capability, &score.Score, &score.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "posture.latest", err)
	}
	score.Capability = models.Capability(capability)
	score.RecordedAt = score.RecordedAt.UTC()
	return &score, nil
}

func scanFinding(row rowScanner) (*models.Finding, error) {
	var (
		f               models.Finding
		identity        string
		capability      string
		severity        string
		status          string
		description     sql.NullString
		evidence        sql.NullString
		assets          sql.NullString
		recommendations sql.NullString
		jobID           sql.NullString
		resolvedAt      sql.NullTime
		resolvedBy      sql.NullString
	)

	err := row.Scan(&f.ID, &identity, &f.TenantID, &capability, &severity, &status,
		&f.Title, &description, &evidence, &assets, &recommendations,
		&f.RiskScore, &f.Target, &jobID, &f.DiscoveredAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	f.Capability = models.Capability(capability)
	f.Severity = models.FindingSeverity(severity)
	f.Status = models.FindingStatus(status)
	f.Description = stringOf(description)
	f.DiscoveredAt = f.DiscoveredAt.UTC()
	f.ResolvedAt = timePtr(resolvedAt)
	f.ResolvedBy = stringOf(resolvedBy)

	if err := decodeJSON(evidence, &f.Evidence); err != nil {
		return nil, err
	}
	if err := decodeJSON(assets, &f.AffectedAssets); err != nil {
		return nil, err
	}
	if err := decodeJSON(recommendations, &f.Recommendations); err != nil {
		return nil, err
	}
	// job_id column exists for the index; the evidence document carries the value.
	_ = jobID
	return &f, nil
}
