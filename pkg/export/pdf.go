package export

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// Color scheme - dark navy security theme
var (
	colorPrimary     = [3]int{17, 45, 78}     // Deep navy
	colorTextDark    = [3]int{44, 62, 80}     // Dark text
	colorTextMuted   = [3]int{127, 140, 141}  // Muted text
	colorBackground  = [3]int{248, 249, 250}  // Light gray bg
	colorTableHeader = [3]int{17, 45, 78}     // Navy header
	colorTableAlt    = [3]int{241, 245, 249}  // Alternating row
	colorGridLine    = [3]int{220, 220, 220}  // Separators
	colorAccent      = [3]int{46, 204, 113}   // Green
	colorDanger      = [3]int{192, 57, 43}    // Red

	severityColors = map[models.FindingSeverity][3]int{
		models.SeverityCritical: {192, 57, 43},
		models.SeverityHigh:     {231, 76, 60},
		models.SeverityMedium:   {241, 196, 15},
		models.SeverityLow:      {52, 152, 219},
		models.SeverityInfo:     {127, 140, 141},
	}
)

// PDFGenerator handles PDF export generation.
type PDFGenerator struct{}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate creates a PDF export from the report.
func (g *PDFGenerator) Generate(report *Report) ([]byte, string, error) {
	if report.Network == nil && report.Findings == nil {
		return nil, "", fmt.Errorf("report has no section to export")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	g.writeCoverPage(pdf, report)

	pdf.AddPage()
	switch {
	case report.Findings != nil:
		g.addPageHeader(pdf, report, "Severity Summary")
		g.writeFindingsSummary(pdf, report.Findings)
		g.writeFindingsTable(pdf, report, report.Findings)
	case report.Network != nil:
		g.addPageHeader(pdf, report, "Traffic Summary")
		g.writeNetworkSummary(pdf, report.Network)
		g.writeNetworkTable(pdf, report, report.Network)
	}

	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, "", fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), "application/pdf", nil
}

// writeCoverPage creates the cover page.
func (g *PDFGenerator) writeCoverPage(pdf *fpdf.Fpdf, report *Report) {
	pdf.AddPage()

	pageWidth, pageHeight := pdf.GetPageSize()

	// Top accent bar
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	// Branding area
	pdf.SetY(50)
	pdf.SetFont("Arial", "B", 32)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 15, "CYBERNEXUS", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, "Security Intelligence Platform", "", 1, "C", false, 0, "")

	// Main title
	pdf.SetY(100)
	pdf.SetFont("Arial", "B", 26)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 12, report.Title, "", 1, "C", false, 0, "")

	// Tenant info box
	if report.TenantID != "" {
		pdf.SetY(130)
		boxX := 40.0
		boxWidth := pageWidth - 80
		boxHeight := 40.0

		pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.RoundedRect(boxX, pdf.GetY(), boxWidth, boxHeight, 3, "1234", "FD")

		pdf.SetY(pdf.GetY() + 10)
		pdf.SetFont("Arial", "B", 11)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 7, "TENANT", "", 1, "C", false, 0, "")

		pdf.SetFont("Arial", "B", 16)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 10, report.TenantID, "", 1, "C", false, 0, "")
	}

	// Reporting period for network exports
	if report.Network != nil {
		pdf.SetY(195)
		pdf.SetFont("Arial", "B", 11)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 7, "REPORTING PERIOD", "", 1, "C", false, 0, "")

		pdf.SetFont("Arial", "", 12)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		periodStr := fmt.Sprintf("%s  -  %s",
			report.Network.Since.Format("January 2, 2006 15:04"),
			report.Network.Until.Format("January 2, 2006 15:04"))
		pdf.CellFormat(0, 8, periodStr, "", 1, "C", false, 0, "")
	}

	// Bottom section
	pdf.SetY(pageHeight - 50)
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format("January 2, 2006 at 15:04 MST")), "", 1, "C", false, 0, "")

	// Bottom accent bar
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, pageHeight-8, pageWidth, 8, "F")
}

func (g *PDFGenerator) addPageHeader(pdf *fpdf.Fpdf, report *Report, section string) {
	pageWidth, _ := pdf.GetPageSize()

	// Top line
	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(20, 15, pageWidth-20, 15)

	// Header text
	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "CYBERNEXUS "+strings.ToUpper(report.Title), "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, report.TenantID, "", 1, "R", false, 0, "")

	// Section title
	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, section, "", 1, "L", false, 0, "")

	pdf.Ln(5)
}

// writeFindingsSummary renders the severity tally table plus totals.
func (g *PDFGenerator) writeFindingsSummary(pdf *fpdf.Fpdf, section *FindingsSection) {
	totalActive := 0
	for _, n := range section.ActiveBySeverity {
		totalActive += n
	}

	// Posture banner: green when nothing is active, red otherwise.
	bannerColor := colorAccent
	bannerText := "No active findings"
	if totalActive > 0 {
		bannerColor = colorDanger
		if totalActive == 1 {
			bannerText = "1 active finding"
		} else {
			bannerText = fmt.Sprintf("%d active findings", totalActive)
		}
	}

	pageWidth, _ := pdf.GetPageSize()
	cardX := 20.0
	cardWidth := pageWidth - 40

	pdf.SetFillColor(bannerColor[0], bannerColor[1], bannerColor[2])
	pdf.RoundedRect(cardX, pdf.GetY(), cardWidth, 20, 3, "1234", "F")
	pdf.SetXY(cardX, pdf.GetY()+5)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(cardWidth, 10, bannerText, "", 1, "C", false, 0, "")
	pdf.SetY(pdf.GetY() + 12)

	// Tally table
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(60, 8, "Severity", "1", 0, "C", true, 0, "")
	pdf.CellFormat(55, 8, "Active", "1", 0, "C", true, 0, "")
	pdf.CellFormat(55, 8, "Resolved", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	fill := false
	for _, sev := range severityOrder() {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		sevColor := severityColors[sev]
		pdf.SetTextColor(sevColor[0], sevColor[1], sevColor[2])
		pdf.CellFormat(60, 7, string(sev), "1", 0, "L", fill, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(55, 7, strconv.Itoa(section.ActiveBySeverity[sev]), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(55, 7, strconv.Itoa(section.ResolvedBySeverity[sev]), "1", 1, "C", fill, 0, "")
		fill = !fill
	}
	pdf.Ln(5)
}

// writeFindingsTable renders the findings detail table, worst first.
func (g *PDFGenerator) writeFindingsTable(pdf *fpdf.Fpdf, report *Report, section *FindingsSection) {
	if len(section.Findings) == 0 {
		return
	}

	pdf.AddPage()
	g.addPageHeader(pdf, report, "Findings")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, "Showing up to 100 findings. Export as CSV for the complete dataset.", "", 1, "L", false, 0, "")
	pdf.Ln(3)

	findings := sortedFindings(section.Findings)
	if len(findings) > 100 {
		findings = findings[:100]
	}

	g.findingsTableHeader(pdf)

	pdf.SetFont("Arial", "", 7)
	fill := false
	for _, f := range findings {
		if pdf.GetY() > 260 {
			pdf.AddPage()
			g.addPageHeader(pdf, report, "Findings (continued)")
			g.findingsTableHeader(pdf)
			pdf.SetFont("Arial", "", 7)
			fill = false
		}

		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}

		sevColor := severityColors[f.Severity]
		pdf.SetTextColor(sevColor[0], sevColor[1], sevColor[2])
		pdf.CellFormat(18, 6, string(f.Severity), "1", 0, "C", fill, 0, "")

		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(68, 6, truncateCell(f.Title, 44), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(40, 6, truncateCell(f.Target, 26), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(12, 6, fmt.Sprintf("%.0f", f.RiskScore), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(16, 6, string(f.Status), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(16, 6, f.DiscoveredAt.Format("Jan 02"), "1", 0, "C", fill, 0, "")
		pdf.Ln(-1)
		fill = !fill
	}
}

func (g *PDFGenerator) findingsTableHeader(pdf *fpdf.Fpdf) {
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 7)
	pdf.CellFormat(18, 7, "Severity", "1", 0, "C", true, 0, "")
	pdf.CellFormat(68, 7, "Title", "1", 0, "C", true, 0, "")
	pdf.CellFormat(40, 7, "Target", "1", 0, "C", true, 0, "")
	pdf.CellFormat(12, 7, "Risk", "1", 0, "C", true, 0, "")
	pdf.CellFormat(16, 7, "Status", "1", 0, "C", true, 0, "")
	pdf.CellFormat(16, 7, "Found", "1", 0, "C", true, 0, "")
	pdf.Ln(-1)
}

// writeNetworkSummary renders the aggregate traffic stats.
func (g *PDFGenerator) writeNetworkSummary(pdf *fpdf.Fpdf, section *NetworkSection) {
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	periodStr := fmt.Sprintf("Traffic from %s to %s",
		section.Since.Format("Jan 2, 2006 15:04"),
		section.Until.Format("Jan 2, 2006 15:04"))
	pdf.CellFormat(0, 6, periodStr, "", 1, "L", false, 0, "")
	pdf.Ln(5)

	if section.Stats == nil {
		pdf.SetFont("Arial", "I", 11)
		pdf.CellFormat(0, 10, "No traffic captured in this period.", "", 1, "L", false, 0, "")
		return
	}
	stats := section.Stats

	rows := [][2]string{
		{"Total Requests", strconv.Itoa(stats.TotalRequests)},
		{"Unique IPs", strconv.Itoa(stats.UniqueIPs)},
		{"Unique Endpoints", strconv.Itoa(stats.UniqueEndpoints)},
		{"Tunnel Detections", strconv.Itoa(stats.TunnelDetections)},
		{"Avg Response Time", fmt.Sprintf("%.2f ms", stats.AvgResponseTimeMs)},
		{"P50 / P95 / P99", fmt.Sprintf("%.1f / %.1f / %.1f ms",
			stats.P50ResponseTimeMs, stats.P95ResponseTimeMs, stats.P99ResponseTimeMs)},
	}

	classes := make([]string, 0, len(stats.StatusDistribution))
	for class := range stats.StatusDistribution {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		rows = append(rows, [2]string{"Status " + class, strconv.Itoa(stats.StatusDistribution[class])})
	}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(85, 8, "Metric", "1", 0, "C", true, 0, "")
	pdf.CellFormat(85, 8, "Value", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	fill := false
	for _, row := range rows {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.CellFormat(85, 7, row[0], "1", 0, "L", fill, 0, "")
		pdf.CellFormat(85, 7, row[1], "1", 1, "L", fill, 0, "")
		fill = !fill
	}
	pdf.Ln(5)
}

// writeNetworkTable renders a sample of captured requests.
func (g *PDFGenerator) writeNetworkTable(pdf *fpdf.Fpdf, report *Report, section *NetworkSection) {
	if len(section.Logs) == 0 {
		return
	}

	pdf.AddPage()
	g.addPageHeader(pdf, report, "Request Sample")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, "Showing up to 50 requests. Export as CSV or JSON for the complete dataset.", "", 1, "L", false, 0, "")
	pdf.Ln(3)

	logs := section.Logs
	if len(logs) > 50 {
		logs = logs[:50]
	}

	g.networkTableHeader(pdf)

	pdf.SetFont("Arial", "", 7)
	fill := false
	for _, entry := range logs {
		if pdf.GetY() > 260 {
			pdf.AddPage()
			g.addPageHeader(pdf, report, "Request Sample (continued)")
			g.networkTableHeader(pdf)
			pdf.SetFont("Arial", "", 7)
			fill = false
		}

		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

		tunnel := "-"
		if entry.TunnelDetection != nil {
			tunnel = string(entry.TunnelDetection.Confidence)
		}
		pdf.CellFormat(28, 6, entry.Timestamp.Format("Jan 02 15:04:05"), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(28, 6, entry.IP, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(14, 6, entry.Method, "1", 0, "C", fill, 0, "")
		pdf.CellFormat(62, 6, truncateCell(entry.Path, 42), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(12, 6, strconv.Itoa(entry.Status), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(14, 6, fmt.Sprintf("%.1f", entry.ResponseTimeMs), "1", 0, "R", fill, 0, "")
		pdf.CellFormat(12, 6, tunnel, "1", 0, "C", fill, 0, "")
		pdf.Ln(-1)
		fill = !fill
	}
}

func (g *PDFGenerator) networkTableHeader(pdf *fpdf.Fpdf) {
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 7)
	pdf.CellFormat(28, 7, "Timestamp", "1", 0, "C", true, 0, "")
	pdf.CellFormat(28, 7, "IP", "1", 0, "C", true, 0, "")
	pdf.CellFormat(14, 7, "Method", "1", 0, "C", true, 0, "")
	pdf.CellFormat(62, 7, "Path", "1", 0, "C", true, 0, "")
	pdf.CellFormat(12, 7, "Status", "1", 0, "C", true, 0, "")
	pdf.CellFormat(14, 7, "ms", "1", 0, "C", true, 0, "")
	pdf.CellFormat(12, 7, "Tunnel", "1", 0, "C", true, 0, "")
	pdf.Ln(-1)
}

func (g *PDFGenerator) addPageNumbers(pdf *fpdf.Fpdf) {
	// Disable auto page break while adding footers to prevent creating new pages
	pdf.SetAutoPageBreak(false, 0)

	totalPages := pdf.PageCount()

	// Skip the cover page
	for i := 2; i <= totalPages; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])

		pageNum := i - 1
		totalContent := totalPages - 1
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", pageNum, totalContent), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}

func truncateCell(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
