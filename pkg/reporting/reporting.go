// Package reporting renders a security report as CSV or as a narrative PDF.
// Grounded on the teacher's pkg/reporting shape (NewCSVGenerator and
// NewPDFGenerator, each exposing a Generate(data) ([]byte, error) method,
// plus an auto-generated "Observations" section), adapted from
// infrastructure metrics data to campaign correlation results and
// statistical-anomaly findings.
package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datagen24/dshield-mcp-sub002/internal/anomaly"
	"github.com/datagen24/dshield-mcp-sub002/internal/campaign"
)

// SeriesPoint is one time-bucketed value in a report series -- event
// volume per hour, a campaign timeline bucket count, and so on.
type SeriesPoint struct {
	Timestamp time.Time
	Value     float64
}

// SeriesStats summarizes one named series for the report's summary block.
type SeriesStats struct {
	Label   string
	Count   int
	Min     float64
	Max     float64
	Avg     float64
	Current float64
}

// ReportData is everything a generator needs to render one report.
type ReportData struct {
	Title       string
	Start       time.Time
	End         time.Time
	GeneratedAt time.Time

	Series map[string][]SeriesPoint
	Stats  map[string]SeriesStats

	Campaign  *campaign.Campaign
	Anomalies []anomaly.Finding

	TotalPoints int
}

func sortedStatKeys(m map[string]SeriesStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSeriesKeys(m map[string][]SeriesPoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CSVGenerator renders a section-delimited flat-file report: a header
// block, an optional campaign block, a summary block, and the raw series
// data -- not strict RFC 4180, since the report mixes scalar summary rows
// with a variable-width time series under one set of section markers.
type CSVGenerator struct{}

func NewCSVGenerator() *CSVGenerator { return &CSVGenerator{} }

func (g *CSVGenerator) Generate(data *ReportData) ([]byte, error) {
	var b strings.Builder

	b.WriteString("# DShield Security Report\n")
	fmt.Fprintf(&b, "Title,%s\n", data.Title)
	fmt.Fprintf(&b, "Start,%s\n", data.Start.Format(time.RFC3339))
	fmt.Fprintf(&b, "End,%s\n", data.End.Format(time.RFC3339))
	fmt.Fprintf(&b, "GeneratedAt,%s\n", data.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "TotalPoints,%d\n\n", data.TotalPoints)

	if data.Campaign != nil {
		c := data.Campaign
		b.WriteString("# CAMPAIGN\n")
		fmt.Fprintf(&b, "ID,%s\n", c.ID)
		fmt.Fprintf(&b, "Tier,%s\n", c.Tier)
		fmt.Fprintf(&b, "Score,%.3f\n", c.Score)
		fmt.Fprintf(&b, "EventCount,%d\n", c.EventCount)
		fmt.Fprintf(&b, "Seeds,%s\n\n", strings.Join(c.Seeds, ";"))
	}

	b.WriteString("# SUMMARY\n")
	for _, key := range sortedStatKeys(data.Stats) {
		s := data.Stats[key]
		fmt.Fprintf(&b, "%s,count=%d,min=%.2f,max=%.2f,avg=%.2f,current=%.2f\n", s.Label, s.Count, s.Min, s.Max, s.Avg, s.Current)
	}
	b.WriteString("\n")

	b.WriteString("# DATA\n")
	b.WriteString("Series,Timestamp,Value\n")
	for _, key := range sortedSeriesKeys(data.Series) {
		for _, p := range data.Series[key] {
			fmt.Fprintf(&b, "%s,%s,%.4f\n", key, p.Timestamp.Format(time.RFC3339), p.Value)
		}
	}

	if len(data.Anomalies) > 0 {
		b.WriteString("\n# ANOMALIES\n")
		b.WriteString("Key,Value,ZScore,Method\n")
		for _, f := range data.Anomalies {
			fmt.Fprintf(&b, "%s,%.4f,%.2f,%s\n", f.Key, f.Value, f.ZScore, f.Method)
		}
	}

	return []byte(b.String()), nil
}
