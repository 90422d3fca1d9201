package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeBreaker struct {
	name   string
	status circuit.Status
}

func (f fakeBreaker) Name() string                { return f.name }
func (f fakeBreaker) BreakerStatus() circuit.Status { return f.status }

type fakeFeatures struct {
	states map[string]FeatureState
}

func (f fakeFeatures) Snapshot() map[string]FeatureState { return f.states }

type fakeLimiter struct{ n int }

func (f fakeLimiter) ActiveKeys() int { return f.n }

func TestRegistry_RecordRPCAndToolCall(t *testing.T) {
	r := New("test", nil, nil, nil)

	r.RecordRPC("tools/call", "ok", 10*time.Millisecond)
	r.RecordRPC("tools/call", "error", 5*time.Millisecond)
	r.RecordToolCall("query_dshield_events", "ok", 20*time.Millisecond)
	r.RecordRateLimitReject("key")
	r.RecordError("-32004")

	if got := testutil.ToFloat64(r.rpcRequests.WithLabelValues("tools/call", "ok")); got != 1 {
		t.Fatalf("expected 1 ok rpc, got %v", got)
	}
	if got := testutil.ToFloat64(r.rpcRequests.WithLabelValues("tools/call", "error")); got != 1 {
		t.Fatalf("expected 1 error rpc, got %v", got)
	}
	if got := testutil.ToFloat64(r.toolCalls.WithLabelValues("query_dshield_events", "ok")); got != 1 {
		t.Fatalf("expected 1 ok tool call, got %v", got)
	}
	if got := testutil.ToFloat64(r.rateLimitHits.WithLabelValues("key")); got != 1 {
		t.Fatalf("expected 1 rate limit reject, got %v", got)
	}
	if got := testutil.ToFloat64(r.errorsByCode.WithLabelValues("-32004")); got != 1 {
		t.Fatalf("expected 1 error by code, got %v", got)
	}
}

func TestRegistry_ScrapeIncludesLiveBreakerAndFeatureState(t *testing.T) {
	breakers := []BreakerSource{
		fakeBreaker{name: "elasticsearch", status: circuit.Status{State: "open", TotalFailures: 7, TotalTrips: 2}},
	}
	features := fakeFeatures{states: map[string]FeatureState{
		"elasticsearch_query": {Available: false, Reason: "breaker open"},
	}}
	limiter := fakeLimiter{n: 3}

	r := New("test", breakers, features, limiter)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`dshield_mcp_breaker_state{backend="elasticsearch"} 2`,
		`dshield_mcp_breaker_failures_total{backend="elasticsearch"} 7`,
		`dshield_mcp_breaker_trips_total{backend="elasticsearch"} 2`,
		`dshield_mcp_feature_available{feature="elasticsearch_query"} 0`,
		`dshield_mcp_ratelimit_active_keys 3`,
		`dshield_mcp_build_info{version="test"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected scrape output to contain %q, got:\n%s", want, text)
		}
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{
		circuit.StateClosed.String():   0,
		circuit.StateHalfOpen.String(): 1,
		circuit.StateOpen.String():     2,
		"bogus":                        -1,
	}
	for state, want := range cases {
		if got := breakerStateValue(state); got != want {
			t.Errorf("breakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestStart_DisabledAddrIsNoop(t *testing.T) {
	r := New("test", nil, nil, nil)
	if err := r.Start(context.Background(), "disabled", testLogger()); err != nil {
		t.Fatalf("expected disabled start to be a no-op, got %v", err)
	}
	if err := r.Start(context.Background(), "", testLogger()); err != nil {
		t.Fatalf("expected empty addr start to be a no-op, got %v", err)
	}
}

func TestStart_ServesAndStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving addr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := New("test", nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Start(ctx, addr, testLogger()); err != nil {
		t.Fatalf("start: %v", err)
	}

	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(2 * time.Second)
	var status int
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + addr + "/metrics")
		if err == nil {
			status = resp.StatusCode
			resp.Body.Close()
			if status == http.StatusOK {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	if status != http.StatusOK {
		t.Fatalf("expected metrics endpoint to respond, got status %d", status)
	}

	cancel()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Get("http://" + addr + "/metrics"); err != nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("expected metrics server to stop after context cancellation")
}
