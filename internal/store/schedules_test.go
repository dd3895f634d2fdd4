package store

import (
	"context"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

func sampleSearch(tenant, name string) *models.ScheduledSearch {
	return &models.ScheduledSearch{
		TenantID:       tenant,
		Name:           name,
		Capabilities:   []models.Capability{models.CapabilityExposureDiscovery, models.CapabilityEmailAudit},
		Target:         "example.com",
		Config:         models.JSONMap{"depth": float64(2)},
		CronExpression: "0 6 * * *",
		Timezone:       "UTC",
		Enabled:        true,
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("0 6 * * *", "Europe/Berlin"); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	cases := []struct {
		name string
		cron string
		tz   string
	}{
		{"bad cron", "not a cron", "UTC"},
		{"six fields", "0 0 6 * * *", "UTC"},
		{"empty timezone", "0 6 * * *", ""},
		{"bogus timezone", "0 6 * * *", "Mars/Olympus"},
	}
	for _, tc := range cases {
		if kind := errors.KindOf(ValidateSchedule(tc.cron, tc.tz)); kind != errors.KindValidation {
			t.Errorf("%s: kind = %v, want validation", tc.name, kind)
		}
	}
}

func TestScheduledSearchCreateGet(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	search := sampleSearch("acme", "nightly")
	if err := schedules.CreateScheduledSearch(ctx, search); err != nil {
		t.Fatalf("create: %v", err)
	}
	if search.ID == "" {
		t.Fatal("ID not assigned")
	}
	if search.CreatedAt.IsZero() || search.UpdatedAt.IsZero() {
		t.Error("timestamps not assigned")
	}

	got, err := schedules.GetScheduledSearch(ctx, "acme", search.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "nightly" || got.CronExpression != "0 6 * * *" || got.Timezone != "UTC" {
		t.Errorf("roundtrip lost fields: %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != models.CapabilityExposureDiscovery {
		t.Errorf("capabilities = %v", got.Capabilities)
	}
	if got.Config["depth"] != float64(2) {
		t.Errorf("config depth = %v", got.Config["depth"])
	}
	if !got.Enabled {
		t.Error("enabled flag lost")
	}

	byName, err := schedules.GetByName(ctx, "acme", "nightly")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.ID != search.ID {
		t.Errorf("byName.ID = %s, want %s", byName.ID, search.ID)
	}

	_, err = schedules.GetScheduledSearch(ctx, "globex", search.ID)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("cross-tenant get kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestScheduledSearchDuplicateName(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	if err := schedules.CreateScheduledSearch(ctx, sampleSearch("acme", "nightly")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := schedules.CreateScheduledSearch(ctx, sampleSearch("acme", "nightly"))
	if errors.KindOf(err) != errors.KindConflict {
		t.Fatalf("duplicate name kind = %v, want conflict", errors.KindOf(err))
	}

	// The name is only unique per tenant.
	if err := schedules.CreateScheduledSearch(ctx, sampleSearch("globex", "nightly")); err != nil {
		t.Errorf("same name under other tenant: %v", err)
	}
}

func TestScheduledSearchValidation(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	longTarget := make([]byte, models.MaxTargetLength+1)
	for i := range longTarget {
		longTarget[i] = 'a'
	}

	mutate := []struct {
		name string
		fn   func(*models.ScheduledSearch)
	}{
		{"missing tenant", func(s *models.ScheduledSearch) { s.TenantID = "" }},
		{"missing name", func(s *models.ScheduledSearch) { s.Name = "" }},
		{"no capabilities", func(s *models.ScheduledSearch) { s.Capabilities = nil }},
		{"unknown capability", func(s *models.ScheduledSearch) { s.Capabilities = []models.Capability{"astrology"} }},
		{"missing target", func(s *models.ScheduledSearch) { s.Target = "" }},
		{"oversized target", func(s *models.ScheduledSearch) { s.Target = string(longTarget) }},
		{"bad cron", func(s *models.ScheduledSearch) { s.CronExpression = "nope" }},
	}
	for _, tc := range mutate {
		search := sampleSearch("acme", "check-"+tc.name)
		tc.fn(search)
		err := schedules.CreateScheduledSearch(ctx, search)
		if errors.KindOf(err) != errors.KindValidation {
			t.Errorf("%s: kind = %v, want validation", tc.name, errors.KindOf(err))
		}
	}
}

func TestScheduledSearchUpdateDelete(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	search := sampleSearch("acme", "weekly")
	if err := schedules.CreateScheduledSearch(ctx, search); err != nil {
		t.Fatalf("create: %v", err)
	}

	search.Description = "weekly exposure sweep"
	search.CronExpression = "0 7 * * 1"
	search.Enabled = false
	if err := schedules.UpdateScheduledSearch(ctx, search); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := schedules.GetScheduledSearch(ctx, "acme", search.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "weekly exposure sweep" || got.CronExpression != "0 7 * * 1" || got.Enabled {
		t.Errorf("update not applied: %+v", got)
	}

	foreign := search.Clone()
	foreign.TenantID = "globex"
	err = schedules.UpdateScheduledSearch(ctx, foreign)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("cross-tenant update kind = %v, want not_found", errors.KindOf(err))
	}

	err = schedules.DeleteScheduledSearch(ctx, "globex", search.ID)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("cross-tenant delete kind = %v, want not_found", errors.KindOf(err))
	}
	if err := schedules.DeleteScheduledSearch(ctx, "acme", search.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = schedules.DeleteScheduledSearch(ctx, "acme", search.ID)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("second delete kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestScheduledSearchListing(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	a := sampleSearch("acme", "daily")
	b := sampleSearch("acme", "weekly")
	b.Enabled = false
	c := sampleSearch("globex", "daily")
	for _, s := range []*models.ScheduledSearch{a, b, c} {
		if err := schedules.CreateScheduledSearch(ctx, s); err != nil {
			t.Fatalf("create %s/%s: %v", s.TenantID, s.Name, err)
		}
	}

	acme, err := schedules.ListScheduledSearches(ctx, "acme")
	if err != nil {
		t.Fatalf("list acme: %v", err)
	}
	if len(acme) != 2 {
		t.Errorf("acme list = %d searches", len(acme))
	}

	all, err := schedules.ListScheduledSearches(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unscoped list = %d searches", len(all))
	}

	enabled, err := schedules.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("enabled list = %d searches, want 2", len(enabled))
	}
	for _, s := range enabled {
		if !s.Enabled {
			t.Errorf("disabled search %s listed as enabled", s.Name)
		}
	}
}

func TestScheduledSearchFireTracking(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	search := sampleSearch("acme", "tracked")
	if err := schedules.CreateScheduledSearch(ctx, search); err != nil {
		t.Fatalf("create: %v", err)
	}

	fired := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	next := fired.Add(24 * time.Hour)
	if err := schedules.MarkFired(ctx, search.ID, fired, next); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	if err := schedules.MarkFired(ctx, search.ID, next, next.Add(24*time.Hour)); err != nil {
		t.Fatalf("mark fired again: %v", err)
	}

	got, err := schedules.GetScheduledSearch(ctx, "acme", search.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 2 {
		t.Errorf("runCount = %d, want 2", got.RunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(next) {
		t.Errorf("lastRunAt = %v", got.LastRunAt)
	}

	// Misfire skip advances nextRun without counting a fire.
	skipped := next.Add(48 * time.Hour)
	if err := schedules.SetNextRun(ctx, search.ID, skipped); err != nil {
		t.Fatalf("set next run: %v", err)
	}
	got, err = schedules.GetScheduledSearch(ctx, "acme", search.ID)
	if err != nil {
		t.Fatalf("get after skip: %v", err)
	}
	if got.RunCount != 2 {
		t.Errorf("runCount advanced on skip: %d", got.RunCount)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(skipped) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, skipped)
	}

	if err := schedules.SetEnabled(ctx, "acme", search.ID, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	got, _ = schedules.GetScheduledSearch(ctx, "acme", search.ID)
	if got.Enabled {
		t.Error("search still enabled after SetEnabled(false)")
	}
	err = schedules.SetEnabled(ctx, "acme", "missing", true)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("set enabled on missing kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestCompanyProfileUpsert(t *testing.T) {
	db := newTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	_, err := schedules.GetCompanyProfile(ctx, "acme")
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("missing profile kind = %v, want not_found", errors.KindOf(err))
	}

	profile := &models.CompanyProfile{
		TenantID:      "acme",
		CompanyName:   "Acme Corp",
		PrimaryDomain: "acme.example.com",
		Industry:      "manufacturing",
		Automation: models.AutomationConfig{
			Enabled:  true,
			Schedule: models.AutomationSchedule{Cron: "0 6 * * *", Timezone: "UTC"},
			Capabilities: map[models.Capability]models.AutomationCapability{
				models.CapabilityEmailAudit: {Enabled: true},
			},
		},
	}
	if err := schedules.UpsertCompanyProfile(ctx, profile); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := schedules.GetCompanyProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompanyName != "Acme Corp" || got.PrimaryDomain != "acme.example.com" {
		t.Errorf("profile roundtrip: %+v", got)
	}
	if !got.Automation.Enabled || got.Automation.Schedule.Cron != "0 6 * * *" {
		t.Errorf("automation roundtrip: %+v", got.Automation)
	}
	if !got.Automation.Capabilities[models.CapabilityEmailAudit].Enabled {
		t.Errorf("automation capabilities: %+v", got.Automation.Capabilities)
	}

	profile.CompanyName = "Acme Holdings"
	if err := schedules.UpsertCompanyProfile(ctx, profile); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = schedules.GetCompanyProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.CompanyName != "Acme Holdings" {
		t.Errorf("update not applied: %s", got.CompanyName)
	}
}
