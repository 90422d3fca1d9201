package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
	"github.com/datagen24/dshield-mcp-sub002/internal/query"
)

type fakeEvent struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	SourceIP   string `json:"source_ip,omitempty"`
	Domain     string `json:"domain,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Country    string `json:"country,omitempty"`
	ASN        string `json:"asn,omitempty"`
}

func fakeEventsServer(t *testing.T, events []fakeEvent) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_count"):
			fmt.Fprintf(w, `{"count": %d}`, len(events))
		case strings.HasSuffix(r.URL.Path, "/_search"):
			hits := make([]map[string]any, 0, len(events))
			for i, ev := range events {
				raw, _ := json.Marshal(ev)
				hits = append(hits, map[string]any{
					"_source": json.RawMessage(raw),
					"sort":    []any{ev.Timestamp, fmt.Sprintf("doc-%d", i)},
				})
			}
			resp := map[string]any{
				"hits": map[string]any{
					"total": map[string]any{"value": len(events)},
					"hits":  hits,
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestCorrelator(t *testing.T, events []fakeEvent, cfg Config) (*Correlator, *httptest.Server) {
	t.Helper()
	srv := fakeEventsServer(t, events)
	es := backend.NewElasticsearchAdapter(srv.URL, "", "", false, zerolog.Nop())
	engine := query.NewEngine(backend.DefaultFieldMap(), es)
	return NewCorrelator(engine, "events-*", cfg), srv
}

func ts(offset time.Duration) string {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC).Add(offset).Format(time.RFC3339)
}

func TestRun_FiresIPAndNetworkCorrelationForSharedSubnet(t *testing.T) {
	events := []fakeEvent{
		{ID: "1", Timestamp: ts(0), SourceIP: "203.0.113.10"},
		{ID: "2", Timestamp: ts(time.Minute), SourceIP: "203.0.113.20"},
		{ID: "3", Timestamp: ts(2 * time.Minute), SourceIP: "203.0.113.30"},
	}
	c, srv := newTestCorrelator(t, events, DefaultConfig())
	defer srv.Close()

	window := Window{Start: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	campaign, rerr := c.Run(context.Background(), []string{"203.0.113.10"}, window)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if campaign.EventCount != 3 {
		t.Fatalf("expected 3 events, got %d", campaign.EventCount)
	}
	if !containsString(campaign.MethodsFired, "ip_correlation") {
		t.Errorf("expected ip_correlation to fire, got %v", campaign.MethodsFired)
	}
	if !containsString(campaign.MethodsFired, "network_correlation") {
		t.Errorf("expected network_correlation to fire, got %v", campaign.MethodsFired)
	}
	if campaign.Score <= 0 {
		t.Errorf("expected a positive score, got %f", campaign.Score)
	}
	if campaign.ID == "" || campaign.RunID == "" {
		t.Error("expected both a content-hash id and a run id")
	}
}

func TestRun_FiresBehavioralCorrelationOnPatternMatch(t *testing.T) {
	events := []fakeEvent{
		{ID: "1", Timestamp: ts(0), SourceIP: "198.51.100.1", Payload: "sqlmap/1.6 payload"},
		{ID: "2", Timestamp: ts(time.Minute), SourceIP: "198.51.100.2", Payload: "sqlmap/1.6 payload"},
	}
	c, srv := newTestCorrelator(t, events, DefaultConfig())
	defer srv.Close()

	window := Window{Start: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	campaign, rerr := c.Run(context.Background(), []string{"198.51.100.1"}, window)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if !containsString(campaign.MethodsFired, "behavioral_correlation") {
		t.Errorf("expected behavioral_correlation to fire, got %v", campaign.MethodsFired)
	}
}

func TestRun_NoCorrelationAmongUnrelatedEvents(t *testing.T) {
	events := []fakeEvent{
		{ID: "1", Timestamp: ts(0), SourceIP: "203.0.113.10", Country: "US"},
		{ID: "2", Timestamp: ts(24 * time.Hour), SourceIP: "8.8.4.4", Country: "JP"},
		{ID: "3", Timestamp: ts(48 * time.Hour), SourceIP: "198.18.0.5", Country: "DE"},
	}
	c, srv := newTestCorrelator(t, events, DefaultConfig())
	defer srv.Close()

	window := Window{Start: time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)}
	campaign, rerr := c.Run(context.Background(), []string{"203.0.113.10"}, window)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if len(campaign.MethodsFired) != 0 {
		t.Errorf("expected no methods to fire for unrelated events, got %v", campaign.MethodsFired)
	}
	if campaign.Tier != "Low" {
		t.Errorf("expected Low tier for a zero score, got %s", campaign.Tier)
	}
}

func TestRun_RejectsEmptySeedSet(t *testing.T) {
	c, srv := newTestCorrelator(t, nil, DefaultConfig())
	defer srv.Close()

	_, rerr := c.Run(context.Background(), nil, Window{})
	if rerr == nil {
		t.Fatal("expected validation error for an empty seed set")
	}
}

func TestRun_IdentityIsDeterministicForSameInputs(t *testing.T) {
	events := []fakeEvent{{ID: "1", Timestamp: ts(0), SourceIP: "203.0.113.10"}}
	c, srv := newTestCorrelator(t, events, DefaultConfig())
	defer srv.Close()

	window := Window{Start: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	first, rerr := c.Run(context.Background(), []string{"203.0.113.10"}, window)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	second, rerr := c.Run(context.Background(), []string{"203.0.113.10"}, window)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if first.ID != second.ID {
		t.Errorf("expected identical campaign ids for identical inputs, got %q vs %q", first.ID, second.ID)
	}
	if first.RunID == second.RunID {
		t.Error("expected distinct run ids across separate runs")
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
