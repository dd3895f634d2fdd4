package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

func TestActivityRecordAssignsFields(t *testing.T) {
	db := newTestDB(t)
	activity := NewActivityStore(db)

	entry := &models.ActivityEntry{
		TenantID: "acme",
		UserID:   "alice",
		Action:   "job.create",
		Detail:   "exposure_discovery on example.com",
	}
	if err := activity.Record(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.ID == 0 {
		t.Error("ID not assigned")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("createdAt not assigned")
	}
}

func TestActivityListScopingAndOrder(t *testing.T) {
	db := newTestDB(t)
	activity := NewActivityStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed := []struct {
		tenant, user, action string
		at                   time.Time
	}{
		{"acme", "alice", "job.create", base},
		{"acme", "alice", "job.cancel", base.Add(1 * time.Minute)},
		{"acme", "bob", "finding.resolve", base.Add(2 * time.Minute)},
		{"globex", "carol", "schedule.create", base.Add(3 * time.Minute)},
	}
	for i, s := range seed {
		err := activity.Record(ctx, &models.ActivityEntry{
			TenantID:  s.tenant,
			UserID:    s.user,
			Action:    s.action,
			CreatedAt: s.at,
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	acme, err := activity.List(ctx, "acme", "", 0, 0)
	if err != nil {
		t.Fatalf("list tenant: %v", err)
	}
	if len(acme) != 3 {
		t.Fatalf("acme entries = %d, want 3", len(acme))
	}
	if acme[0].Action != "finding.resolve" {
		t.Errorf("newest first violated: %s", acme[0].Action)
	}
	for _, entry := range acme {
		if entry.TenantID != "acme" {
			t.Errorf("tenant leak: %+v", entry)
		}
	}

	alice, err := activity.List(ctx, "acme", "alice", 0, 0)
	if err != nil {
		t.Fatalf("list user: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("alice entries = %d, want 2", len(alice))
	}
	for _, entry := range alice {
		if entry.UserID != "alice" {
			t.Errorf("user filter leak: %+v", entry)
		}
	}

	empty, err := activity.List(ctx, "initech", "", 0, 0)
	if err != nil {
		t.Fatalf("list empty tenant: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown tenant entries = %d", len(empty))
	}
}

func TestActivityPagination(t *testing.T) {
	db := newTestDB(t)
	activity := NewActivityStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := activity.Record(ctx, &models.ActivityEntry{
			TenantID:  "acme",
			UserID:    "alice",
			Action:    fmt.Sprintf("action-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	page, err := activity.List(ctx, "acme", "", 2, 1)
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Action != "action-3" || page[1].Action != "action-2" {
		t.Errorf("page = %s, %s", page[0].Action, page[1].Action)
	}
}
