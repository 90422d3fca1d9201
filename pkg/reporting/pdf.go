package reporting

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

type severity string

const (
	colorAccent  severity = "accent"
	colorWarning severity = "warning"
	colorDanger  severity = "danger"
)

// observation is one line of the PDF's auto-generated narrative section.
type observation struct {
	text     string
	severity severity
}

func getScoreColor(score float64) severity {
	switch {
	case score >= 0.85:
		return colorDanger
	case score >= 0.6:
		return colorWarning
	default:
		return colorAccent
	}
}

// PDFGenerator renders ReportData as a one-page-plus narrative PDF via
// github.com/go-pdf/fpdf: a header, an optional campaign block, a series
// summary table, and an auto-generated observations section.
type PDFGenerator struct{}

func NewPDFGenerator() *PDFGenerator { return &PDFGenerator{} }

func (g *PDFGenerator) Generate(data *ReportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(data.Title, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, data.Title, "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Window: %s - %s", data.Start.Format("2006-01-02T15:04:05Z07:00"), data.End.Format("2006-01-02T15:04:05Z07:00")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", data.GeneratedAt.Format("2006-01-02T15:04:05Z07:00")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if data.Campaign != nil {
		g.writeCampaignSection(pdf, data)
	}
	g.writeSummaryTable(pdf, data)
	g.writeObservations(pdf, data)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeCampaignSection(pdf *fpdf.Fpdf, data *ReportData) {
	c := data.Campaign
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Campaign Correlation", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("ID: %s    Tier: %s    Score: %.3f", c.ID, c.Tier, c.Score), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Events: %d    Seeds: %s", c.EventCount, strings.Join(c.Seeds, ", ")), "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func (g *PDFGenerator) writeSummaryTable(pdf *fpdf.Fpdf, data *ReportData) {
	if len(data.Stats) == 0 {
		return
	}
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Series Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, key := range sortedStatKeys(data.Stats) {
		s := data.Stats[key]
		pdf.CellFormat(0, 6, fmt.Sprintf("%-20s count=%-4d min=%-8.2f max=%-8.2f avg=%-8.2f current=%-8.2f", s.Label, s.Count, s.Min, s.Max, s.Avg, s.Current), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func (g *PDFGenerator) writeObservations(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Observations", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, o := range g.generateObservations(data) {
		pdf.MultiCell(0, 5, "- "+o.text, "", "L", false)
	}
}

// generateObservations reads a campaign's score/tier and any anomaly
// findings into short narrative lines, mirroring the teacher's
// metric-threshold-to-sentence pattern.
func (g *PDFGenerator) generateObservations(data *ReportData) []observation {
	var obs []observation

	if data.Campaign != nil {
		c := data.Campaign
		switch getScoreColor(c.Score) {
		case colorDanger:
			obs = append(obs, observation{severity: colorDanger, text: fmt.Sprintf("Campaign %s scored %.2f (tier %s): high-confidence coordinated activity.", c.ID, c.Score, c.Tier)})
		case colorWarning:
			obs = append(obs, observation{severity: colorWarning, text: fmt.Sprintf("Campaign %s scored %.2f (tier %s): moderate correlation, worth continued monitoring.", c.ID, c.Score, c.Tier)})
		default:
			obs = append(obs, observation{severity: colorAccent, text: fmt.Sprintf("Campaign %s scored %.2f (tier %s): weak correlation signal.", c.ID, c.Score, c.Tier)})
		}
	}

	for _, f := range data.Anomalies {
		obs = append(obs, observation{
			severity: colorWarning,
			text:     fmt.Sprintf("%s flagged as an outlier (value %.2f, z-score %.2f, method %s).", f.Key, f.Value, f.ZScore, f.Method),
		})
	}

	if len(obs) == 0 {
		obs = append(obs, observation{severity: colorAccent, text: "Insufficient data to generate observations."})
	}
	return obs
}
