package models

import (
	"testing"
	"time"
)

func TestJobStatusTransitions(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusQueued},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusQueued, JobStatusRunning},
		{JobStatusQueued, JobStatusCancelled},
		{JobStatusRunning, JobStatusSucceeded},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, e := range legal {
		if !e.from.CanTransition(e.to) {
			t.Errorf("%s -> %s refused", e.from, e.to)
		}
	}

	illegal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusRunning}, // must pass through queued
		{JobStatusQueued, JobStatusSucceeded},
		{JobStatusSucceeded, JobStatusRunning},
		{JobStatusFailed, JobStatusQueued},
		{JobStatusCancelled, JobStatusPending},
		{JobStatusRunning, JobStatusRunning}, // same status is not a transition
	}
	for _, e := range illegal {
		if e.from.CanTransition(e.to) {
			t.Errorf("%s -> %s allowed", e.from, e.to)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s terminal", s)
		}
	}
}

func TestFindingIdentityIgnoresVolatileEvidence(t *testing.T) {
	base := &Finding{
		Capability: CapabilityExposureDiscovery,
		Target:     "example.com",
		Title:      "Exposed admin panel",
		Evidence: JSONMap{
			"port":   float64(8443),
			"job_id": "job-1",
		},
	}
	other := base.Clone()
	other.Evidence["job_id"] = "job-99"
	other.Evidence["timestamp"] = "2026-01-02T03:04:05Z"
	other.Evidence["observed_at"] = "later"
	other.Evidence["reobservations"] = []any{"x"}

	if base.Identity() != other.Identity() {
		t.Error("volatile evidence keys changed the identity")
	}

	// Severity and tenant are mutable attributes, not identity.
	escalated := base.Clone()
	escalated.Severity = SeverityCritical
	escalated.TenantID = "someone-else"
	if base.Identity() != escalated.Identity() {
		t.Error("severity or tenant changed the identity")
	}
}

func TestFindingIdentityDistinguishesContent(t *testing.T) {
	base := &Finding{
		Capability: CapabilityExposureDiscovery,
		Target:     "example.com",
		Title:      "Exposed admin panel",
		Evidence:   JSONMap{"port": float64(8443)},
	}

	cases := []struct {
		name   string
		mutate func(*Finding)
	}{
		{"capability", func(f *Finding) { f.Capability = CapabilityDarkwebIntelligence }},
		{"target", func(f *Finding) { f.Target = "other.example.com" }},
		{"title", func(f *Finding) { f.Title = "Exposed API" }},
		{"evidence", func(f *Finding) { f.Evidence["port"] = float64(9000) }},
	}
	for _, tc := range cases {
		other := base.Clone()
		tc.mutate(other)
		if base.Identity() == other.Identity() {
			t.Errorf("%s change did not alter identity", tc.name)
		}
	}
}

func TestFindingIdentityCanonicalisesEvidence(t *testing.T) {
	a := &Finding{
		Capability: CapabilityInfrastructureTesting,
		Target:     "example.com",
		Title:      "Outdated TLS",
		Evidence:   JSONMap{"alpha": "1", "beta": "2", "gamma": "3"},
	}
	b := a.Clone()
	b.Evidence = JSONMap{"gamma": "3", "alpha": "1", "beta": "2"}
	if a.Identity() != b.Identity() {
		t.Error("evidence key order changed the identity")
	}

	// Nil and empty evidence hash the same.
	c := a.Clone()
	c.Evidence = nil
	d := a.Clone()
	d.Evidence = JSONMap{}
	if c.Identity() != d.Identity() {
		t.Error("nil and empty evidence differ")
	}
}

func TestFindingCloneIsDeep(t *testing.T) {
	now := time.Now()
	f := &Finding{
		ID:             "f-1",
		Evidence:       JSONMap{"nested": map[string]any{"k": "v"}},
		AffectedAssets: []string{"a"},
		ResolvedAt:     &now,
	}
	clone := f.Clone()
	clone.Evidence.GetMap("nested")["k"] = "changed"
	clone.AffectedAssets[0] = "b"
	*clone.ResolvedAt = now.Add(1)

	if f.Evidence.GetMap("nested")["k"] != "v" {
		t.Error("nested evidence shared with clone")
	}
	if f.AffectedAssets[0] != "a" {
		t.Error("assets shared with clone")
	}
	if !f.ResolvedAt.Equal(now) {
		t.Error("resolvedAt shared with clone")
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("  Darkweb_Intelligence ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c != CapabilityDarkwebIntelligence {
		t.Errorf("got %q", c)
	}
	if _, err := ParseCapability("warp_drive"); err == nil {
		t.Error("unknown capability accepted")
	}
}

func TestSeverityWeightOrdering(t *testing.T) {
	order := []FindingSeverity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Weight() <= order[i-1].Weight() {
			t.Errorf("%s weight %d not above %s weight %d",
				order[i], order[i].Weight(), order[i-1], order[i-1].Weight())
		}
	}
}
