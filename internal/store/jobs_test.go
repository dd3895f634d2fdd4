package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

func seedJob(t *testing.T, s *JobStore, id, tenant string, status models.JobStatus, created time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:         id,
		TenantID:   tenant,
		Capability: models.CapabilityExposureDiscovery,
		Target:     "example.com",
		Status:     status,
		Priority:   models.PriorityNormal,
		CreatedAt:  created,
	}
	if err := s.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
	return job
}

func TestJobUpsertGetRoundtrip(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	job := &models.Job{
		ID:         "job-rt",
		TenantID:   "acme",
		Capability: models.CapabilityEmailAudit,
		Target:     "mail.example.com",
		Status:     models.JobStatusRunning,
		Priority:   models.PriorityHigh,
		Progress:   40,
		Config:     models.JSONMap{"depth": float64(3)},
		Metadata:   models.JSONMap{"source": "api"},
		ExecutionLogs: []models.ExecutionLogEntry{
			{TS: started, Level: "info", Message: "started"},
		},
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		StartedAt: &started,
	}
	if err := jobs.UpsertJob(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := jobs.GetJob(ctx, "job-rt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TenantID != "acme" || got.Capability != models.CapabilityEmailAudit {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Status != models.JobStatusRunning || got.Progress != 40 {
		t.Errorf("status/progress = %s/%d", got.Status, got.Progress)
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("priority = %v", got.Priority)
	}
	if got.Config["depth"] != float64(3) {
		t.Errorf("config depth = %v", got.Config["depth"])
	}
	if got.Metadata["source"] != "api" {
		t.Errorf("metadata source = %v", got.Metadata["source"])
	}
	if len(got.ExecutionLogs) != 1 || got.ExecutionLogs[0].Message != "started" {
		t.Errorf("execution logs = %+v", got.ExecutionLogs)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("completedAt should be nil, got %v", got.CompletedAt)
	}
}

func TestJobGetMissing(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)

	_, err := jobs.GetJob(context.Background(), "nope")
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestJobTenantScoping(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()
	seedJob(t, jobs, "job-a", "acme", models.JobStatusPending, time.Now().UTC())

	owner := models.Actor{TenantID: "acme", Role: models.RoleUser}
	if _, err := jobs.GetJobForActor(ctx, "job-a", owner); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	stranger := models.Actor{TenantID: "globex", Role: models.RoleUser}
	_, err := jobs.GetJobForActor(ctx, "job-a", stranger)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("cross-tenant read kind = %v, want not_found", errors.KindOf(err))
	}

	admin := models.Actor{TenantID: "globex", Role: models.RoleAdmin}
	if _, err := jobs.GetJobForActor(ctx, "job-a", admin); err != nil {
		t.Fatalf("admin read: %v", err)
	}
}

func TestJobListFiltersAndOrder(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedJob(t, jobs, fmt.Sprintf("job-%d", i), "acme", models.JobStatusPending, base.Add(time.Duration(i)*time.Hour))
	}
	other := seedJob(t, jobs, "job-other", "globex", models.JobStatusPending, base.Add(10*time.Hour))
	other.Capability = models.CapabilityInvestigation
	other.Status = models.JobStatusRunning
	if err := jobs.UpsertJob(ctx, other); err != nil {
		t.Fatalf("reupsert: %v", err)
	}

	listed, err := jobs.ListJobs(ctx, JobFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("tenant filter returned %d jobs", len(listed))
	}
	for i := 1; i < len(listed); i++ {
		if listed[i].CreatedAt.After(listed[i-1].CreatedAt) {
			t.Fatalf("jobs not newest-first at index %d", i)
		}
	}
	if listed[0].ID != "job-4" {
		t.Errorf("newest job = %s, want job-4", listed[0].ID)
	}

	running, err := jobs.ListJobs(ctx, JobFilter{Status: models.JobStatusRunning})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(running) != 1 || running[0].ID != "job-other" {
		t.Errorf("status filter = %+v", running)
	}

	byCap, err := jobs.ListJobs(ctx, JobFilter{Capability: models.CapabilityInvestigation})
	if err != nil {
		t.Fatalf("list by capability: %v", err)
	}
	if len(byCap) != 1 {
		t.Errorf("capability filter returned %d jobs", len(byCap))
	}

	cutoff := base.Add(2 * time.Hour)
	recent, err := jobs.ListJobs(ctx, JobFilter{TenantID: "acme", CreatedAfter: &cutoff})
	if err != nil {
		t.Fatalf("list created-after: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("created-after filter returned %d jobs, want 3", len(recent))
	}

	page, err := jobs.ListJobs(ctx, JobFilter{TenantID: "acme", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "job-2" || page[1].ID != "job-1" {
		t.Errorf("page = %v", jobIDs(page))
	}

	count, err := jobs.CountJobs(ctx, JobFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func jobIDs(jobs []*models.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestJobPartialUpdate(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()
	seedJob(t, jobs, "job-u", "acme", models.JobStatusQueued, time.Now().UTC())

	running := models.JobStatusRunning
	progress := 25
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := jobs.UpdateJobPartial(ctx, "job-u", JobUpdate{
		Status:    &running,
		Progress:  &progress,
		StartedAt: &started,
		ExecutionLogs: []models.ExecutionLogEntry{
			{TS: started, Level: "info", Message: "picked up"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := jobs.GetJob(ctx, "job-u")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusRunning || got.Progress != 25 {
		t.Errorf("after update: status=%s progress=%d", got.Status, got.Progress)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v", got.StartedAt)
	}
	if len(got.ExecutionLogs) != 1 {
		t.Errorf("execution logs = %+v", got.ExecutionLogs)
	}
}

func TestJobIllegalTransitionRefused(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()
	seedJob(t, jobs, "job-i", "acme", models.JobStatusPending, time.Now().UTC())

	running := models.JobStatusRunning
	err := jobs.UpdateJobPartial(ctx, "job-i", JobUpdate{Status: &running})
	if errors.KindOf(err) != errors.KindConflict {
		t.Fatalf("pending->running kind = %v, want conflict", errors.KindOf(err))
	}

	got, err := jobs.GetJob(ctx, "job-i")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("status mutated to %s by refused update", got.Status)
	}
}

func TestJobTerminalStatusImmutable(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()
	seedJob(t, jobs, "job-t", "acme", models.JobStatusSucceeded, time.Now().UTC())

	for _, next := range []models.JobStatus{
		models.JobStatusRunning, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		next := next
		err := jobs.UpdateJobPartial(ctx, "job-t", JobUpdate{Status: &next})
		if errors.KindOf(err) != errors.KindConflict {
			t.Errorf("succeeded->%s kind = %v, want conflict", next, errors.KindOf(err))
		}
	}

	// Progress on a terminal job is still writable; only status is frozen.
	progress := 100
	if err := jobs.UpdateJobPartial(ctx, "job-t", JobUpdate{Progress: &progress}); err != nil {
		t.Errorf("progress update on terminal job: %v", err)
	}
}

func TestJobEmptyUpdateIsNoop(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()
	seedJob(t, jobs, "job-n", "acme", models.JobStatusPending, time.Now().UTC())

	if err := jobs.UpdateJobPartial(ctx, "job-n", JobUpdate{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}

	err := jobs.UpdateJobPartial(ctx, "missing", JobUpdate{})
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("empty update on missing job kind = %v, want not_found", errors.KindOf(err))
	}
}
