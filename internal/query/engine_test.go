package query

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
)

// fakeElasticsearch serves canned _count and _search responses so the query
// engine's decision tree can be exercised without a live cluster.
func fakeElasticsearch(t *testing.T, count int64, hits int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_count"):
			fmt.Fprintf(w, `{"count": %d, "_shards": {"total": 3, "successful": 3, "skipped": 0, "failed": 0}}`, count)
		case strings.Contains(r.URL.Path, "/_doc/"):
			if strings.HasSuffix(r.URL.Path, "missing-event") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprintf(w, `{"_source": {"id": %q, "timestamp": "2026-03-01T12:00:00Z"}}`, strings.TrimPrefix(r.URL.Path, "/events-2026.01/_doc/"))
		case strings.HasSuffix(r.URL.Path, "/_search"):
			hitsArr := make([]map[string]any, 0, hits)
			for i := 0; i < hits; i++ {
				hitsArr = append(hitsArr, map[string]any{
					"_source": map[string]any{
						"id":         fmt.Sprintf("evt-%d", i),
						"timestamp":  time.Now().UTC().Format(time.RFC3339),
						"source_ip":  "203.0.113.5",
					},
					"sort": []any{"2024-01-01T00:00:00Z", fmt.Sprintf("doc-%d", i)},
				})
			}
			resp := map[string]any{
				"hits": map[string]any{
					"total": map[string]any{"value": count},
					"hits":  hitsArr,
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestEngine(t *testing.T, count int64, hits int) (*Engine, *httptest.Server) {
	t.Helper()
	srv := fakeElasticsearch(t, count, hits)
	es := backend.NewElasticsearchAdapter(srv.URL, "", "", false, zerolog.Nop())
	return NewEngine(backend.DefaultFieldMap(), es), srv
}

func TestEngine_ResolveFields_UnknownFieldRejected(t *testing.T) {
	e, srv := newTestEngine(t, 0, 0)
	defer srv.Close()

	if _, rerr := e.ResolveFields([]string{"not_a_real_field"}); rerr == nil {
		t.Fatal("expected validation error for unknown field")
	}
}

func TestEngine_ResolveFields_KnownFieldsTranslate(t *testing.T) {
	e, srv := newTestEngine(t, 0, 0)
	defer srv.Close()

	resolved, rerr := e.ResolveFields([]string{"source_ip", "username"})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if len(resolved) != 3 {
		t.Errorf("expected 3 storage fields (source.ip, related.ip, user.name), got %v", resolved)
	}
}

func TestEngine_Search_SimpleQueryNoOptimizations(t *testing.T) {
	e, srv := newTestEngine(t, 5, 5)
	defer srv.Close()

	res, rerr := e.Search(context.Background(), Request{Index: "events-*", PageSize: 100})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if len(res.Events) != 5 {
		t.Errorf("expected 5 events, got %d", len(res.Events))
	}
	if res.Metrics.QueryComplexity != "simple" {
		t.Errorf("expected simple complexity, got %s", res.Metrics.QueryComplexity)
	}
	if res.NextCursor == "" {
		t.Error("expected a non-empty next cursor from populated sort tails")
	}
	if res.Metrics.CorrelationID == "" {
		t.Error("expected Search to stamp a correlation id")
	}
	if res.Metrics.ShardsScanned != 3 {
		t.Errorf("expected shards_scanned from the _shards envelope, got %d", res.Metrics.ShardsScanned)
	}
	if res.Metrics.IndicesScanned != 1 {
		t.Errorf("expected one index scanned for a single pattern, got %d", res.Metrics.IndicesScanned)
	}
}

func TestEngine_Search_LargeResultTriggersFieldReduction(t *testing.T) {
	e, srv := newTestEngine(t, 100000, 100)
	defer srv.Close()

	res, rerr := e.Search(context.Background(), Request{
		Index:           "events-*",
		PageSize:        1000,
		MaxResultSizeMB: 5,
		EssentialFields: []string{"source_ip", "dest_ip"},
	})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	found := false
	for _, o := range res.Metrics.OptimizationsApplied {
		if o == "field_reduction" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected field_reduction optimization, got %v", res.Metrics.OptimizationsApplied)
	}
}

func TestEngine_Search_FallbackErrorWhenStillOversized(t *testing.T) {
	e, srv := newTestEngine(t, 10000, 100)
	defer srv.Close()

	_, rerr := e.Search(context.Background(), Request{
		Index:           "events-*",
		PageSize:        1000,
		MaxResultSizeMB: 1,
		Fallback:        FallbackError,
	})
	if rerr == nil {
		t.Fatal("expected an error when even the page floor cannot fit the byte budget")
	}
}

func TestEngine_Search_FallbackAggregate(t *testing.T) {
	e, srv := newTestEngine(t, 10000, 100)
	defer srv.Close()

	res, rerr := e.Search(context.Background(), Request{
		Index:           "events-*",
		PageSize:        1000,
		MaxResultSizeMB: 1,
		Fallback:        FallbackAggregate,
	})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if !res.Metrics.AggregationsUsed {
		t.Error("expected aggregations_used to be true")
	}
	if res.Metrics.QueryComplexity != "aggregation" {
		t.Errorf("expected aggregation complexity, got %s", res.Metrics.QueryComplexity)
	}
}

func TestEngine_Search_RejectsOffsetBeyondMax(t *testing.T) {
	e, srv := newTestEngine(t, 0, 0)
	defer srv.Close()

	_, rerr := e.Search(context.Background(), Request{Index: "events-*", PageSize: 100, Offset: maxOffsetPagination + 1})
	if rerr == nil {
		t.Fatal("expected validation error for offset beyond max")
	}
}

func TestEngine_Search_IndicesScannedCountsCommaJoinedPattern(t *testing.T) {
	e, srv := newTestEngine(t, 1, 1)
	defer srv.Close()

	res, rerr := e.Search(context.Background(), Request{Index: "events-2026.01,events-2026.02", PageSize: 10})
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if res.Metrics.IndicesScanned != 2 {
		t.Errorf("expected 2 indices scanned, got %d", res.Metrics.IndicesScanned)
	}
}

func TestEngine_ResolveEventTime_ReturnsDocumentTimestamp(t *testing.T) {
	e, srv := newTestEngine(t, 0, 0)
	defer srv.Close()

	got, rerr := e.ResolveEventTime(context.Background(), "events-2026.01", "evt-42")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEngine_ResolveEventTime_PropagatesNotFound(t *testing.T) {
	e, srv := newTestEngine(t, 0, 0)
	defer srv.Close()

	if _, rerr := e.ResolveEventTime(context.Background(), "events-2026.01", "missing-event"); rerr == nil {
		t.Fatal("expected an error for a missing event id")
	}
}
