package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// Format represents the output format of an export
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
)

// ParseFormat normalises a user-supplied format string. An empty string
// defaults to JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Report is one exportable dataset. Exactly one of the section pointers is
// populated; the generators branch on which.
type Report struct {
	Title       string           `json:"title"`
	TenantID    string           `json:"tenantId,omitempty"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Network     *NetworkSection  `json:"network,omitempty"`
	Findings    *FindingsSection `json:"findings,omitempty"`
}

// NetworkSection carries captured traffic plus its aggregate stats.
type NetworkSection struct {
	Since time.Time            `json:"since"`
	Until time.Time            `json:"until"`
	Stats *store.NetworkStats  `json:"stats,omitempty"`
	Logs  []*models.NetworkLog `json:"logs"`
}

// FindingsSection carries a tenant's findings with severity tallies.
type FindingsSection struct {
	ActiveBySeverity   map[models.FindingSeverity]int `json:"activeBySeverity"`
	ResolvedBySeverity map[models.FindingSeverity]int `json:"resolvedBySeverity"`
	Findings           []*models.Finding              `json:"findings"`
}

// Engine defines the interface for export generation.
type Engine interface {
	Generate(report *Report) (data []byte, contentType string, err error)
}

// ForFormat returns the engine implementing the given format.
func ForFormat(f Format) (Engine, error) {
	switch f {
	case FormatJSON:
		return NewJSONGenerator(), nil
	case FormatCSV:
		return NewCSVGenerator(), nil
	case FormatPDF:
		return NewPDFGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
}

// FileName builds the download filename for a report.
func FileName(report *Report, f Format) string {
	kind := "export"
	switch {
	case report.Network != nil:
		kind = "network"
	case report.Findings != nil:
		kind = "findings"
	}
	return fmt.Sprintf("cybernexus-%s-%s.%s",
		kind, report.GeneratedAt.UTC().Format("20060102-150405"), f)
}

func severityOrder() []models.FindingSeverity {
	return []models.FindingSeverity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
		models.SeverityInfo,
	}
}
