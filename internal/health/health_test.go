package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
)

type fakeAdapter struct {
	name string
	mu   sync.Mutex
	ok   bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Health(ctx context.Context) backend.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.Health{OK: f.ok}
}

func (f *fakeAdapter) setOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ok = ok
}

type slowAdapter struct{ delay time.Duration }

func (s *slowAdapter) Name() string { return "slow" }

func (s *slowAdapter) Health(ctx context.Context) backend.Health {
	select {
	case <-time.After(s.delay):
		return backend.Health{OK: true}
	case <-ctx.Done():
		return backend.Health{OK: false, Detail: "probe timed out"}
	}
}

func TestManager_FeatureAvailableWhenAllDependenciesHealthy(t *testing.T) {
	m := NewManager(zerolog.Nop())
	es := &fakeAdapter{name: "elasticsearch", ok: true}
	m.RegisterAdapter(es)
	m.DefineFeature("campaign_analysis", "elasticsearch")

	m.ProbeAll(context.Background())

	if !m.IsAvailable("campaign_analysis") {
		t.Error("expected campaign_analysis to be available")
	}
}

func TestManager_FeatureUnavailableWhenDependencyUnhealthy(t *testing.T) {
	m := NewManager(zerolog.Nop())
	es := &fakeAdapter{name: "elasticsearch", ok: false}
	m.RegisterAdapter(es)
	m.DefineFeature("campaign_analysis", "elasticsearch")

	m.ProbeAll(context.Background())

	if m.IsAvailable("campaign_analysis") {
		t.Error("expected campaign_analysis to be unavailable")
	}
	status := m.Snapshot()["campaign_analysis"]
	if status.Reason != "elasticsearch" {
		t.Errorf("expected reason elasticsearch, got %q", status.Reason)
	}
}

func TestManager_FeatureWithUnknownDependencyIsUnavailable(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.DefineFeature("pdf_reports", "typesetter_binary", "output_dir_writable")

	m.ProbeAll(context.Background())

	if m.IsAvailable("pdf_reports") {
		t.Error("expected a feature with no registered adapters to be unavailable")
	}
}

func TestManager_SlowProbeTimesOutWithoutBlocking(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.probeTimeout = 20 * time.Millisecond
	m.RegisterAdapter(&slowAdapter{delay: 2 * time.Second})
	m.DefineFeature("whatever", "slow")

	start := time.Now()
	m.ProbeAll(context.Background())
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected ProbeAll to return promptly after probe timeout, took %s", elapsed)
	}
	if m.IsAvailable("whatever") {
		t.Error("expected timed-out probe to be treated as unhealthy")
	}
}

func TestManager_TransitionCallbackFiresOnChange(t *testing.T) {
	m := NewManager(zerolog.Nop())
	es := &fakeAdapter{name: "elasticsearch", ok: true}
	m.RegisterAdapter(es)
	m.DefineFeature("campaign_analysis", "elasticsearch")
	m.ProbeAll(context.Background()) // establish initial "available" state before observing transitions

	transitions := make(chan bool, 4)
	m.SetOnTransition(func(feature string, available bool) {
		transitions <- available
	})

	es.setOK(false)
	m.ProbeAll(context.Background())

	select {
	case available := <-transitions:
		if available {
			t.Error("expected transition to unavailable")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a transition callback")
	}
}
