package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// ScheduleStore persists scheduled searches and company profiles.
type ScheduleStore struct {
	db *DB
}

// NewScheduleStore returns a schedule store over db.
func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const searchColumns = `id, tenant_id, name, description, capabilities, target, config,
	cron_expression, timezone, enabled, last_run_at, next_run_at, run_count,
	created_at, updated_at`

// ValidateSchedule checks the cron expression and IANA timezone a search
// carries. Five-field standard cron only.
func ValidateSchedule(cronExpression, timezone string) error {
	if _, err := cron.ParseStandard(cronExpression); err != nil {
		return errors.Validationf("invalid cron expression %q: %v", cronExpression, err)
	}
	if timezone == "" {
		return errors.Validationf("timezone is required")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return errors.Validationf("invalid timezone %q: %v", timezone, err)
	}
	return nil
}

// CreateScheduledSearch validates and inserts a search, assigning its ID.
func (s *ScheduleStore) CreateScheduledSearch(ctx context.Context, search *models.ScheduledSearch) error {
	if err := validateSearch(search); err != nil {
		return err
	}
	if search.ID == "" {
		search.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if search.CreatedAt.IsZero() {
		search.CreatedAt = now
	}
	search.UpdatedAt = now

	capabilities, err := encodeJSON(search.Capabilities)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.create", err)
	}
	config, err := encodeJSON(search.Config)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.create", err)
	}

	_, err = s.db.execContext(ctx, `
		INSERT INTO scheduled_searches (`+searchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		search.ID, search.TenantID, search.Name, nullString(search.Description),
		capabilities, search.Target, config, search.CronExpression, search.Timezone,
		boolToInt(search.Enabled), nullTime(search.LastRunAt), nullTime(search.NextRunAt),
		search.RunCount, search.CreatedAt, search.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflictf("scheduled search named %q already exists", search.Name).WithTenant(search.TenantID)
		}
		return errors.E(errors.KindInternal, "schedules.create", err).WithTenant(search.TenantID)
	}
	return nil
}

// UpdateScheduledSearch validates and replaces the mutable fields of a search.
func (s *ScheduleStore) UpdateScheduledSearch(ctx context.Context, search *models.ScheduledSearch) error {
	if err := validateSearch(search); err != nil {
		return err
	}
	search.UpdatedAt = time.Now().UTC()

	capabilities, err := encodeJSON(search.Capabilities)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.update", err)
	}
	config, err := encodeJSON(search.Config)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.update", err)
	}

	res, err := s.db.execContext(ctx, `
		UPDATE scheduled_searches
		SET name = ?, description = ?, capabilities = ?, target = ?, config = ?,
			cron_expression = ?, timezone = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		search.Name, nullString(search.Description), capabilities, search.Target,
		config, search.CronExpression, search.Timezone, boolToInt(search.Enabled),
		nullTime(search.NextRunAt), search.UpdatedAt, search.ID, search.TenantID)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.update", err).WithTenant(search.TenantID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("scheduled search %s not found", search.ID)
	}
	return nil
}

// DeleteScheduledSearch removes a search.
func (s *ScheduleStore) DeleteScheduledSearch(ctx context.Context, tenantID, id string) error {
	res, err := s.db.execContext(ctx,
		`DELETE FROM scheduled_searches WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.delete", err).WithTenant(tenantID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("scheduled search %s not found", id)
	}
	return nil
}

// GetScheduledSearch fetches one search with tenant scoping.
func (s *ScheduleStore) GetScheduledSearch(ctx context.Context, tenantID, id string) (*models.ScheduledSearch, error) {
	row := s.db.queryRowContext(ctx,
		`SELECT `+searchColumns+` FROM scheduled_searches WHERE id = ? AND tenant_id = ?`, id, tenantID)
	search, err := scanSearch(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("scheduled search %s not found", id)
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "schedules.get", err)
	}
	return search, nil
}

// GetByName fetches a tenant's search by its unique name.
func (s *ScheduleStore) GetByName(ctx context.Context, tenantID, name string) (*models.ScheduledSearch, error) {
	row := s.db.queryRowContext(ctx,
		`SELECT `+searchColumns+` FROM scheduled_searches WHERE tenant_id = ? AND name = ?`, tenantID, name)
	search, err := scanSearch(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("scheduled search %q not found", name)
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "schedules.getByName", err)
	}
	return search, nil
}

// ListScheduledSearches returns a tenant's searches; empty tenantID lists all.
func (s *ScheduleStore) ListScheduledSearches(ctx context.Context, tenantID string) ([]*models.ScheduledSearch, error) {
	query := `SELECT ` + searchColumns + ` FROM scheduled_searches`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`
	return s.querySearches(ctx, "schedules.list", query, args...)
}

// ListEnabled returns every enabled search across tenants; the scheduler arms
// these at startup and on each reload.
func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]*models.ScheduledSearch, error) {
	return s.querySearches(ctx, "schedules.listEnabled",
		`SELECT `+searchColumns+` FROM scheduled_searches WHERE enabled = 1 ORDER BY created_at ASC`)
}

// MarkFired records a fire: stamps lastRun, advances nextRun and increments
// run_count in one statement.
func (s *ScheduleStore) MarkFired(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.execContext(ctx, `
		UPDATE scheduled_searches
		SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.markFired", err)
	}
	return nil
}

// SetNextRun advances nextRun without counting a fire (misfire skip).
func (s *ScheduleStore) SetNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.execContext(ctx,
		`UPDATE scheduled_searches SET next_run_at = ? WHERE id = ?`, nextRun.UTC(), id)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.setNextRun", err)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (s *ScheduleStore) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	res, err := s.db.execContext(ctx, `
		UPDATE scheduled_searches SET enabled = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		boolToInt(enabled), time.Now().UTC(), id, tenantID)
	if err != nil {
		return errors.E(errors.KindInternal, "schedules.setEnabled", err).WithTenant(tenantID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("scheduled search %s not found", id)
	}
	return nil
}

func (s *ScheduleStore) querySearches(ctx context.Context, op, query string, args ...any) ([]*models.ScheduledSearch, error) {
	rows, err := s.db.queryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	var searches []*models.ScheduledSearch
	for rows.Next() {
		search, err := scanSearch(rows)
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		searches = append(searches, search)
	}
	return searches, rows.Err()
}

// UpsertCompanyProfile stores a tenant's profile; at most one row per tenant.
func (s *ScheduleStore) UpsertCompanyProfile(ctx context.Context, p *models.CompanyProfile) error {
	p.UpdatedAt = time.Now().UTC()
	raw, err := encodeJSON(p.Automation)
	if err != nil {
		return errors.E(errors.KindInternal, "profiles.upsert", err)
	}
	_, err = s.db.execContext(ctx, `
		INSERT INTO company_profiles (tenant_id, company_name, primary_domain, industry, automation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			company_name = excluded.company_name,
			primary_domain = excluded.primary_domain,
			industry = excluded.industry,
			automation = excluded.automation,
			updated_at = excluded.updated_at`,
		p.TenantID, p.CompanyName, p.PrimaryDomain, nullString(p.Industry), raw, p.UpdatedAt)
	if err != nil {
		return errors.E(errors.KindInternal, "profiles.upsert", err).WithTenant(p.TenantID)
	}
	return nil
}

// GetCompanyProfile fetches a tenant's profile.
func (s *ScheduleStore) GetCompanyProfile(ctx context.Context, tenantID string) (*models.CompanyProfile, error) {
	var (
		p          models.CompanyProfile
		industry   sql.NullString
		automation sql.NullString
	)
	err := s.db.queryRowContext(ctx, `
		SELECT tenant_id, company_name, primary_domain, industry, automation, updated_at
		FROM company_profiles WHERE tenant_id = ?`, tenantID).
		Scan(&p.TenantID, &p.CompanyName, &p.PrimaryDomain, &industry, &automation, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("company profile for tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "profiles.get", err)
	}
	p.Industry = stringOf(industry)
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := decodeJSON(automation, &p.Automation); err != nil {
		return nil, errors.E(errors.KindInternal, "profiles.get", err)
	}
	return &p, nil
}

func validateSearch(search *models.ScheduledSearch) error {
	if search.TenantID == "" {
		return errors.Validationf("tenantId is required")
	}
	if search.Name == "" {
		return errors.Validationf("name is required")
	}
	if len(search.Capabilities) == 0 {
		return errors.Validationf("at least one capability is required")
	}
	for _, c := range search.Capabilities {
		if _, err := models.ParseCapability(string(c)); err != nil {
			return errors.Validationf("unknown capability %q", c)
		}
	}
	if search.Target == "" {
		return errors.Validationf("target is required")
	}
	if len(search.Target) > models.MaxTargetLength {
		return errors.Validationf("target exceeds %d characters", models.MaxTargetLength)
	}
	return ValidateSchedule(search.CronExpression, search.Timezone)
}

func scanSearch(row rowScanner) (*models.ScheduledSearch, error) {
	var (
		search       models.ScheduledSearch
		description  sql.NullString
		capabilities sql.NullString
		config       sql.NullString
		enabled      int
		lastRun      sql.NullTime
		nextRun      sql.NullTime
	)

	err := row.Scan(&search.ID, &search.TenantID, &search.Name, &description,
		&capabilities, &search.Target, &config, &search.CronExpression,
		&search.Timezone, &enabled, &lastRun, &nextRun, &search.RunCount,
		&search.CreatedAt, &search.UpdatedAt)
	if err != nil {
		return nil, err
	}

	search.Description = stringOf(description)
	search.Enabled = enabled != 0
	search.LastRunAt = timePtr(lastRun)
	search.NextRunAt = timePtr(nextRun)
	search.CreatedAt = search.CreatedAt.UTC()
	search.UpdatedAt = search.UpdatedAt.UTC()

	if err := decodeJSON(capabilities, &search.Capabilities); err != nil {
		return nil, err
	}
	if err := decodeJSON(config, &search.Config); err != nil {
		return nil, err
	}
	return &search, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
