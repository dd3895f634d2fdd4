// Package scorer turns scan outcomes into positive posture indicators and
// posture scores. Evaluation is a pure function: the orchestrator gathers
// the inputs, the scorer never touches storage.
package scorer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// categoryByCapability is the fixed capability -> indicator category table.
var categoryByCapability = map[models.Capability]string{
	models.CapabilityExposureDiscovery:     "exposure",
	models.CapabilityDarkwebIntelligence:   "darkweb",
	models.CapabilityEmailAudit:            "email_security",
	models.CapabilityInfrastructureTesting: "infrastructure",
	models.CapabilityInvestigation:         "investigation",
	models.CapabilityNetworkSecurity:       "network_security",
}

// Category maps a capability to its indicator category.
func Category(c models.Capability) string {
	if cat, ok := categoryByCapability[c]; ok {
		return cat
	}
	return string(c)
}

// Points awarded by each scan-path rule.
const (
	PointsNoVulnerabilities = 5
	PointsStrongEmailConfig = 10
	trendPointsPerDecade    = 3
	trendMinimumPct         = 10.0
)

// Outcome summarises one completed scan for indicator evaluation.
type Outcome struct {
	TenantID     string
	Capability   models.Capability
	Target       string
	JobID        string
	FindingCount int
	ScanResults  models.JSONMap

	// CurrentScore is the posture score computed after this scan's findings
	// were applied; PreviousScore is the last recorded score for the same
	// (tenant, capability), nil on first scan.
	CurrentScore  float64
	PreviousScore *float64

	Now time.Time
}

// Evaluate applies the scan-path indicator rules to one outcome. Same inputs
// produce the same indicators, modulo generated IDs.
func Evaluate(out Outcome) []*models.PositiveIndicator {
	var indicators []*models.PositiveIndicator
	now := out.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	category := Category(out.Capability)

	if out.FindingCount == 0 {
		indicators = append(indicators, &models.PositiveIndicator{
			ID:            uuid.New().String(),
			TenantID:      out.TenantID,
			IndicatorType: models.IndicatorNoVulnerabilities,
			Category:      category,
			PointsAwarded: PointsNoVulnerabilities,
			Description:   fmt.Sprintf("Scan of %s completed with no findings", out.Target),
			Evidence: models.JSONMap{
				"job_id":     out.JobID,
				"capability": string(out.Capability),
			},
			Target:    out.Target,
			CreatedAt: now,
		})
	}

	if out.Capability == models.CapabilityEmailAudit && emailConfigStrong(out.ScanResults) {
		indicators = append(indicators, &models.PositiveIndicator{
			ID:            uuid.New().String(),
			TenantID:      out.TenantID,
			IndicatorType: models.IndicatorStrongEmailConfig,
			Category:      category,
			PointsAwarded: PointsStrongEmailConfig,
			Description:   "SPF, DKIM and DMARC all pass",
			Evidence: models.JSONMap{
				"job_id": out.JobID,
				"spf":    "pass",
				"dkim":   "pass",
				"dmarc":  "pass",
			},
			Target:    out.Target,
			CreatedAt: now,
		})
	}

	if trend := improvementTrend(out, category, now); trend != nil {
		indicators = append(indicators, trend)
	}

	return indicators
}

// improvementTrend awards floor(pctIncrease/10)*3 points when the posture
// score improved by more than 10% relative to the previous recording. A
// previous score of zero has no defined relative change and never trends.
func improvementTrend(out Outcome, category string, now time.Time) *models.PositiveIndicator {
	if out.PreviousScore == nil || *out.PreviousScore <= 0 {
		return nil
	}
	prev := *out.PreviousScore
	if out.CurrentScore <= prev {
		return nil
	}
	pctIncrease := (out.CurrentScore - prev) / prev * 100
	if pctIncrease <= trendMinimumPct {
		return nil
	}
	points := int(pctIncrease/10) * trendPointsPerDecade
	return &models.PositiveIndicator{
		ID:            uuid.New().String(),
		TenantID:      out.TenantID,
		IndicatorType: models.IndicatorImprovementTrend,
		Category:      category,
		PointsAwarded: points,
		Description:   fmt.Sprintf("Posture score improved %.1f%% (%.1f to %.1f)", pctIncrease, prev, out.CurrentScore),
		Evidence: models.JSONMap{
			"job_id":         out.JobID,
			"previous_score": prev,
			"current_score":  out.CurrentScore,
		},
		Target:    out.Target,
		CreatedAt: now,
	}
}

// emailConfigStrong checks scanResults for spf/dkim/dmarc all passing.
// Accepted shapes per record: {"status": "pass"} or the bare string "pass".
func emailConfigStrong(results models.JSONMap) bool {
	if results == nil {
		return false
	}
	for _, mech := range []string{"spf", "dkim", "dmarc"} {
		if !mechanismPasses(results[mech]) {
			return false
		}
	}
	return true
}

func mechanismPasses(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "pass"
	case map[string]any:
		status, _ := t["status"].(string)
		return status == "pass"
	case models.JSONMap:
		return t.GetString("status") == "pass"
	}
	return false
}

// Score computes the posture score from active finding counts:
// 100 minus the summed severity weights, floored at zero.
func Score(activeBySeverity map[models.FindingSeverity]int) float64 {
	score := 100.0
	for sev, count := range activeBySeverity {
		score -= float64(sev.Weight() * count)
	}
	if score < 0 {
		return 0
	}
	return score
}

// Remediated builds the indicator awarded when an active finding is
// resolved. Emitted by the resolution path, never by scans.
func Remediated(f *models.Finding, actor string, now time.Time) *models.PositiveIndicator {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if actor == "" {
		actor = "system"
	}
	return &models.PositiveIndicator{
		ID:            uuid.New().String(),
		TenantID:      f.TenantID,
		IndicatorType: models.IndicatorRemediated,
		Category:      Category(f.Capability),
		PointsAwarded: models.RemediationPoints(f.Severity),
		Description:   fmt.Sprintf("Resolved %s finding: %s", f.Severity, f.Title),
		Evidence: models.JSONMap{
			"finding_id":  f.ID,
			"severity":    string(f.Severity),
			"resolved_by": actor,
		},
		Target:    f.Target,
		CreatedAt: now,
	}
}
