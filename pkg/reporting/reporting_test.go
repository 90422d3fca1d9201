package reporting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/datagen24/dshield-mcp-sub002/internal/anomaly"
	"github.com/datagen24/dshield-mcp-sub002/internal/campaign"
	"github.com/datagen24/dshield-mcp-sub002/internal/models"
)

func sampleData() *ReportData {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)

	return &ReportData{
		Title:       "Honeypot Activity Report",
		Start:       start,
		End:         now,
		GeneratedAt: now,
		Series: map[string][]SeriesPoint{
			"events_per_hour": {
				{Timestamp: start, Value: 10},
				{Timestamp: now, Value: 250},
			},
		},
		Stats: map[string]SeriesStats{
			"events_per_hour": {Label: "events_per_hour", Count: 2, Min: 10, Max: 250, Avg: 130, Current: 250},
		},
		Campaign: &campaign.Campaign{
			ID:         "camp-1",
			Seeds:      []string{"203.0.113.5"},
			EventCount: 42,
			Score:      0.91,
			Tier:       models.ConfidenceHigh,
		},
		Anomalies: []anomaly.Finding{
			{Key: "events_per_hour", Value: 250, ZScore: 4.2, Method: "zscore"},
		},
		TotalPoints: 2,
	}
}

func TestCSVGenerator_IncludesAllSections(t *testing.T) {
	out, err := NewCSVGenerator().Generate(sampleData())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	csv := string(out)
	for _, want := range []string{"# DShield Security Report", "# CAMPAIGN", "camp-1", "# SUMMARY", "# DATA", "events_per_hour", "# ANOMALIES"} {
		if !strings.Contains(csv, want) {
			t.Errorf("expected csv to contain %q, got:\n%s", want, csv)
		}
	}
}

func TestCSVGenerator_EmptyData(t *testing.T) {
	out, err := NewCSVGenerator().Generate(&ReportData{Title: "Empty"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(string(out), "# DShield Security Report") {
		t.Fatalf("expected header even for empty data")
	}
}

func TestPDFGenerator_ProducesValidMagicBytes(t *testing.T) {
	out, err := NewPDFGenerator().Generate(sampleData())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) < 4 || string(out[:4]) != "%PDF" {
		t.Fatalf("expected PDF magic bytes, got %q", out[:min(len(out), 8)])
	}
}

func TestPDFGenerator_EmptyDataStillProducesPDF(t *testing.T) {
	out, err := NewPDFGenerator().Generate(&ReportData{Title: "Empty"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) < 4 || string(out[:4]) != "%PDF" {
		t.Fatalf("expected PDF magic bytes for empty data")
	}
}

func TestGenerateObservations_DefaultsWhenNoData(t *testing.T) {
	obs := NewPDFGenerator().generateObservations(&ReportData{})
	if len(obs) != 1 || !strings.Contains(obs[0].text, "Insufficient data") {
		t.Fatalf("expected a single insufficient-data observation, got %v", obs)
	}
}

func TestGenerateObservations_HighScoreCampaignIsDanger(t *testing.T) {
	data := &ReportData{Campaign: &campaign.Campaign{ID: "c", Score: 0.9, Tier: models.ConfidenceCritical}}
	obs := NewPDFGenerator().generateObservations(data)
	if len(obs) == 0 || obs[0].severity != colorDanger {
		t.Fatalf("expected a danger-severity observation, got %v", obs)
	}
}

func TestGenerateObservations_FlagsEachAnomaly(t *testing.T) {
	data := &ReportData{Anomalies: []anomaly.Finding{
		{Key: "a", Value: 1, ZScore: 3.1, Method: "iqr"},
		{Key: "b", Value: 2, ZScore: 3.5, Method: "zscore"},
	}}
	obs := NewPDFGenerator().generateObservations(data)
	if len(obs) != 2 {
		t.Fatalf("expected one observation per anomaly, got %d", len(obs))
	}
}

func TestGetScoreColor(t *testing.T) {
	if getScoreColor(0.9) != colorDanger {
		t.Fatalf("expected danger for 0.9")
	}
	if getScoreColor(0.7) != colorWarning {
		t.Fatalf("expected warning for 0.7")
	}
	if getScoreColor(0.2) != colorAccent {
		t.Fatalf("expected accent for 0.2")
	}
}

func TestService_FallsBackToNativeWhenAdapterNil(t *testing.T) {
	svc := NewService(nil, nil)
	out, err := svc.Render(context.Background(), sampleData())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(out) < 4 || string(out[:4]) != "%PDF" {
		t.Fatalf("expected native PDF fallback output")
	}
}
