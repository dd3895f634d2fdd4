package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FindingSeverity classifies how bad an observation is.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityLow      FindingSeverity = "low"
	SeverityMedium   FindingSeverity = "medium"
	SeverityHigh     FindingSeverity = "high"
	SeverityCritical FindingSeverity = "critical"
)

// Weight converts a severity into the posture-score penalty it carries.
func (s FindingSeverity) Weight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 12
	case SeverityMedium:
		return 6
	case SeverityLow:
		return 3
	default:
		return 1
	}
}

// FindingStatus tracks the triage lifecycle of a finding.
type FindingStatus string

const (
	FindingActive        FindingStatus = "active"
	FindingResolved      FindingStatus = "resolved"
	FindingFalsePositive FindingStatus = "false_positive"
	FindingAcceptedRisk  FindingStatus = "accepted_risk"
)

// IsResolved reports whether the finding has left the active state.
func (s FindingStatus) IsResolved() bool { return s != FindingActive }

// ValidResolution reports whether s is a status a resolving actor may set.
func ValidResolution(s FindingStatus) bool {
	switch s {
	case FindingResolved, FindingFalsePositive, FindingAcceptedRisk:
		return true
	}
	return false
}

// Finding is a durable observation produced by an executor.
type Finding struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Capability      Capability      `json:"capability"`
	Severity        FindingSeverity `json:"severity"`
	Status          FindingStatus   `json:"status"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Evidence        JSONMap         `json:"evidence,omitempty"`
	AffectedAssets  []string        `json:"affectedAssets,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	RiskScore       float64         `json:"riskScore"`
	Target          string          `json:"target"`
	DiscoveredAt    time.Time       `json:"discoveredAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
}

// Volatile evidence keys are excluded from identity hashing so a finding
// re-emitted by a later job collapses onto the same row.
var volatileEvidenceKeys = []string{"job_id", "timestamp", "observed_at", "reobservations"}

// Identity computes the content-hash identity of a finding:
// sha256 over capability, target, title and canonicalised evidence.
func (f *Finding) Identity() string {
	evidence := f.Evidence.Clone()
	if evidence == nil {
		evidence = JSONMap{}
	}
	for _, k := range volatileEvidenceKeys {
		delete(evidence, k)
	}

	h := sha256.New()
	h.Write([]byte(f.Capability))
	h.Write([]byte{0})
	h.Write([]byte(f.Target))
	h.Write([]byte{0})
	h.Write([]byte(f.Title))
	h.Write([]byte{0})
	if canonical, err := CanonicalJSON(evidence); err == nil {
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy of the finding.
func (f *Finding) Clone() *Finding {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Evidence = f.Evidence.Clone()
	if len(f.AffectedAssets) > 0 {
		clone.AffectedAssets = append([]string(nil), f.AffectedAssets...)
	}
	if len(f.Recommendations) > 0 {
		clone.Recommendations = append([]string(nil), f.Recommendations...)
	}
	if f.ResolvedAt != nil {
		t := *f.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}

// IndicatorType names a class of positive security posture.
type IndicatorType string

const (
	IndicatorStrongEmailConfig      IndicatorType = "strong_email_config"
	IndicatorNoVulnerabilities      IndicatorType = "no_vulnerabilities"
	IndicatorImprovementTrend       IndicatorType = "improvement_trend"
	IndicatorSustainedGoodPractices IndicatorType = "sustained_good_practices"
	IndicatorRemediated             IndicatorType = "remediated"
)

// PositiveIndicator is an append-only record of good posture.
type PositiveIndicator struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	IndicatorType IndicatorType `json:"indicatorType"`
	Category      string        `json:"category"`
	PointsAwarded int           `json:"pointsAwarded"`
	Description   string        `json:"description"`
	Evidence      JSONMap       `json:"evidence,omitempty"`
	Target        string        `json:"target,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// RemediationPoints maps a resolved finding's severity to the points its
// remediated indicator awards.
func RemediationPoints(severity FindingSeverity) int {
	switch severity {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 12
	case SeverityMedium:
		return 6
	case SeverityLow:
		return 3
	default:
		return 2
	}
}

// PostureScore is a per-tenant, per-capability posture snapshot recorded
// after each successful scan so later scans can detect improvement trends.
type PostureScore struct {
	TenantID   string     `json:"tenantId"`
	Capability Capability `json:"capability"`
	Score      float64    `json:"score"`
	RecordedAt time.Time  `json:"recordedAt"`
}
