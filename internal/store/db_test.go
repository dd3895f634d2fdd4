package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	jobs := NewJobStore(db)
	job := &models.Job{
		ID:         "job-1",
		TenantID:   "t1",
		Capability: models.CapabilityExposureDiscovery,
		Target:     "example.com",
		Status:     models.JobStatusPending,
		Priority:   models.PriorityNormal,
		CreatedAt:  time.Now().UTC(),
	}
	if err := jobs.UpsertJob(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := NewJobStore(reopened).GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Target != "example.com" {
		t.Errorf("target = %s after reopen", got.Target)
	}
}
