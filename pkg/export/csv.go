package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// CSVGenerator handles CSV export generation.
type CSVGenerator struct{}

// NewCSVGenerator creates a new CSV generator.
func NewCSVGenerator() *CSVGenerator {
	return &CSVGenerator{}
}

// Generate creates a CSV export from the report.
func (g *CSVGenerator) Generate(report *Report) ([]byte, string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := g.writeHeader(w, report); err != nil {
		return nil, "", fmt.Errorf("write CSV header section: %w", err)
	}

	switch {
	case report.Network != nil:
		if err := g.writeNetworkSummary(w, report.Network); err != nil {
			return nil, "", fmt.Errorf("write CSV summary section: %w", err)
		}
		if err := g.writeNetworkData(w, report.Network); err != nil {
			return nil, "", fmt.Errorf("write CSV data section: %w", err)
		}
	case report.Findings != nil:
		if err := g.writeFindingsSummary(w, report.Findings); err != nil {
			return nil, "", fmt.Errorf("write CSV summary section: %w", err)
		}
		if err := g.writeFindingsData(w, report.Findings); err != nil {
			return nil, "", fmt.Errorf("write CSV data section: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("report has no section to export")
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", fmt.Errorf("CSV write error: %w", err)
	}

	return buf.Bytes(), "text/csv", nil
}

// writeHeader writes the report header information.
func (g *CSVGenerator) writeHeader(w *csv.Writer, report *Report) error {
	headers := [][]string{
		{"# CyberNexus Report"},
		{"# Title:", report.Title},
	}
	if report.TenantID != "" {
		headers = append(headers, []string{"# Tenant:", report.TenantID})
	}
	if report.Network != nil {
		headers = append(headers, []string{"# Period:", fmt.Sprintf("%s to %s",
			report.Network.Since.Format(time.RFC3339), report.Network.Until.Format(time.RFC3339))})
	}
	headers = append(headers,
		[]string{"# Generated:", report.GeneratedAt.Format(time.RFC3339)},
		[]string{""},
	)

	for _, row := range headers {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write header row %q: %w", row[0], err)
		}
	}
	return nil
}

func (g *CSVGenerator) writeNetworkSummary(w *csv.Writer, section *NetworkSection) error {
	if err := w.Write([]string{"# SUMMARY"}); err != nil {
		return fmt.Errorf("write summary section heading: %w", err)
	}
	if section.Stats == nil {
		return w.Write([]string{""})
	}
	stats := section.Stats

	rows := [][]string{
		{"Metric", "Value"},
		{"Total Requests", strconv.Itoa(stats.TotalRequests)},
		{"Unique IPs", strconv.Itoa(stats.UniqueIPs)},
		{"Unique Endpoints", strconv.Itoa(stats.UniqueEndpoints)},
		{"Tunnel Detections", strconv.Itoa(stats.TunnelDetections)},
		{"Avg Response Time (ms)", fmt.Sprintf("%.2f", stats.AvgResponseTimeMs)},
		{"P50 Response Time (ms)", fmt.Sprintf("%.2f", stats.P50ResponseTimeMs)},
		{"P95 Response Time (ms)", fmt.Sprintf("%.2f", stats.P95ResponseTimeMs)},
		{"P99 Response Time (ms)", fmt.Sprintf("%.2f", stats.P99ResponseTimeMs)},
	}

	// Status classes in a stable order.
	classes := make([]string, 0, len(stats.StatusDistribution))
	for class := range stats.StatusDistribution {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		rows = append(rows, []string{"Status " + class, strconv.Itoa(stats.StatusDistribution[class])})
	}
	rows = append(rows, []string{""})

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write summary row %q: %w", row[0], err)
		}
	}
	return nil
}

func (g *CSVGenerator) writeNetworkData(w *csv.Writer, section *NetworkSection) error {
	if err := w.Write([]string{"# DATA"}); err != nil {
		return fmt.Errorf("write data section heading: %w", err)
	}
	if err := w.Write([]string{
		"Timestamp", "Request ID", "IP", "Method", "Path", "Query",
		"Status", "Response Time (ms)", "Tunnel Confidence",
	}); err != nil {
		return fmt.Errorf("write data column headers: %w", err)
	}

	for _, entry := range section.Logs {
		confidence := ""
		if entry.TunnelDetection != nil {
			confidence = string(entry.TunnelDetection.Confidence)
		}
		row := []string{
			entry.Timestamp.Format(time.RFC3339),
			entry.RequestID,
			entry.IP,
			entry.Method,
			entry.Path,
			entry.Query,
			strconv.Itoa(entry.Status),
			fmt.Sprintf("%.2f", entry.ResponseTimeMs),
			confidence,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write data row for request %q: %w", entry.RequestID, err)
		}
	}
	return nil
}

func (g *CSVGenerator) writeFindingsSummary(w *csv.Writer, section *FindingsSection) error {
	if err := w.Write([]string{"# SUMMARY"}); err != nil {
		return fmt.Errorf("write summary section heading: %w", err)
	}
	if err := w.Write([]string{"Severity", "Active", "Resolved"}); err != nil {
		return fmt.Errorf("write summary column headers: %w", err)
	}

	for _, sev := range severityOrder() {
		row := []string{
			string(sev),
			strconv.Itoa(section.ActiveBySeverity[sev]),
			strconv.Itoa(section.ResolvedBySeverity[sev]),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write summary row for severity %q: %w", sev, err)
		}
	}
	if err := w.Write([]string{""}); err != nil {
		return fmt.Errorf("write summary separator row: %w", err)
	}
	return nil
}

func (g *CSVGenerator) writeFindingsData(w *csv.Writer, section *FindingsSection) error {
	if err := w.Write([]string{"# DATA"}); err != nil {
		return fmt.Errorf("write data section heading: %w", err)
	}
	if err := w.Write([]string{
		"ID", "Severity", "Status", "Title", "Target", "Capability",
		"Risk Score", "Discovered At", "Resolved At", "Resolved By",
	}); err != nil {
		return fmt.Errorf("write data column headers: %w", err)
	}

	for _, f := range sortedFindings(section.Findings) {
		resolvedAt := ""
		if f.ResolvedAt != nil {
			resolvedAt = f.ResolvedAt.Format(time.RFC3339)
		}
		row := []string{
			f.ID,
			string(f.Severity),
			string(f.Status),
			f.Title,
			f.Target,
			string(f.Capability),
			fmt.Sprintf("%.1f", f.RiskScore),
			f.DiscoveredAt.Format(time.RFC3339),
			resolvedAt,
			f.ResolvedBy,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write data row for finding %q: %w", f.ID, err)
		}
	}
	return nil
}

// sortedFindings orders findings worst severity first, then by risk score.
func sortedFindings(findings []*models.Finding) []*models.Finding {
	out := append([]*models.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].RiskScore > out[j].RiskScore
	})
	return out
}

func severityRank(s models.FindingSeverity) int {
	switch s {
	case models.SeverityCritical:
		return 0
	case models.SeverityHigh:
		return 1
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 3
	default:
		return 4
	}
}
