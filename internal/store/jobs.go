package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// JobStore persists jobs.
type JobStore struct {
	db *DB
}

// NewJobStore returns a job store over db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	TenantID      string
	Capability    models.Capability
	Status        models.JobStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// JobUpdate is a partial update. Nil fields are left untouched; a non-nil
// ExecutionLogs replaces the stored list wholesale (the orchestrator owns
// append semantics).
type JobUpdate struct {
	Status        *models.JobStatus
	Progress      *int
	Error         *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Config        models.JSONMap
	Metadata      models.JSONMap
	ExecutionLogs []models.ExecutionLogEntry
}

const jobColumns = `id, tenant_id, capability, target, status, priority, progress,
	config, metadata, error, execution_logs, created_at, started_at, completed_at`

// UpsertJob inserts or replaces the job row by ID.
func (s *JobStore) UpsertJob(ctx context.Context, job *models.Job) error {
	config, err := encodeJSON(job.Config)
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.upsert", err)
	}
	metadata, err := encodeJSON(job.Metadata)
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.upsert", err)
	}
	logs, err := encodeJSON(job.ExecutionLogs)
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.upsert", err)
	}

	_, err = s.db.execContext(ctx, `
		INSERT OR REPLACE INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, string(job.Capability), job.Target,
		string(job.Status), int(job.Priority), job.Progress,
		config, metadata, nullString(job.Error), logs,
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.upsert", err).WithTenant(job.TenantID)
	}
	return nil
}

// GetJob fetches a job by ID without tenant scoping. Callers serving user
// requests should use GetJobForActor.
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.queryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "jobs.get", err)
	}
	return job, nil
}

// GetJobForActor fetches a job enforcing tenant scoping; admins read across
// tenants.
func (s *JobStore) GetJobForActor(ctx context.Context, id string, actor models.Actor) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && job.TenantID != actor.TenantID {
		// Do not leak existence across tenants.
		return nil, errors.NotFoundf("job %s not found", id)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first. Pagination is
// stable: ties on created_at break on id.
func (s *JobStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	where, args := buildJobWhere(filter)

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

	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.queryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "jobs.list", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.E(errors.KindInternal, "jobs.list", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs counts jobs matching the filter.
func (s *JobStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	where, args := buildJobWhere(filter)
	var count int
	err := s.db.queryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.E(errors.KindInternal, "jobs.count", err)
	}
	return count, nil
}

// UpdateJobPartial applies a partial update in a single UPDATE statement so
// concurrent readers never observe a torn status/completedAt pair. Status
// changes that violate the lifecycle are refused with a conflict error.
func (s *JobStore) UpdateJobPartial(ctx context.Context, id string, upd JobUpdate) error {
	tx, err := s.db.beginTx(ctx)
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return errors.E(errors.KindInternal, "jobs.update", err)
	}

	var sets []string
	var args []any

	if upd.Status != nil {
		from := models.JobStatus(current)
		if *upd.Status != from {
			if !from.CanTransition(*upd.Status) {
				log.Error().
					Str("jobId", id).
					Str("from", current).
					Str("to", string(*upd.Status)).
					Msg("Refused illegal job status transition")
				return errors.Conflictf("illegal transition %s -> %s for job %s", from, *upd.Status, id)
			}
			sets = append(sets, "status = ?")
			args = append(args, string(*upd.Status))
		}
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*upd.Error))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC())
	}
	if upd.Config != nil {
		config, err := encodeJSON(upd.Config)
		if err != nil {
			return errors.E(errors.KindInternal, "jobs.update", err)
		}
		sets = append(sets, "config = ?")
		args = append(args, config)
	}
	if upd.Metadata != nil {
		metadata, err := encodeJSON(upd.Metadata)
		if err != nil {
			return errors.E(errors.KindInternal, "jobs.update", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if upd.ExecutionLogs != nil {
		logs, err := encodeJSON(upd.ExecutionLogs)
		if err != nil {
			return errors.E(errors.KindInternal, "jobs.update", err)
		}
		sets = append(sets, "execution_logs = ?")
		args = append(args, logs)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return errors.E(errors.KindInternal, "jobs.update", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.E(errors.KindInternal, "jobs.update", err)
	}
	return nil
}

func buildJobWhere(filter JobFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Capability != "" {
		conditions = append(conditions, "capability = ?")
		args = append(args, string(filter.Capability))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.CreatedBefore.UTC())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job        models.Job
		capability string
		status     string
		priority   int
		config     sql.NullString
		metadata   sql.NullString
		jobError   sql.NullString
		logs       sql.NullString
		startedAt  sql.NullTime
		completed  sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.TenantID, &capability, &job.Target, &status, &priority,
		&job.Progress, &config, &metadata, &jobError, &logs,
		&job.CreatedAt, &startedAt, &completed,
	)
	if err != nil {
		return nil, err
	}

	job.Capability = models.Capability(capability)
	job.Status = models.JobStatus(status)
	job.Priority = models.JobPriority(priority)
	job.Error = stringOf(jobError)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completed)

	if err := decodeJSON(config, &job.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	if err := decodeJSON(metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("decode job metadata: %w", err)
	}
	if err := decodeJSON(logs, &job.ExecutionLogs); err != nil {
		return nil, fmt.Errorf("decode job execution logs: %w", err)
	}
	return &job, nil
}
