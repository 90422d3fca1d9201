// Package health implements the Health & Feature Manager (spec.md §4.7): a
// static feature -> dependency map, periodic probing of each backend
// adapter with a per-probe timeout, and feature availability as the
// conjunction of its dependencies' health. Grounded on the teacher's
// errgroup-based fan-out idiom used throughout internal/ai for concurrent
// independent probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
)

// Status is a point-in-time health snapshot for one dependency.
type Status struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// FeatureStatus reports a feature's availability and the dependency that is
// currently blocking it, if any.
type FeatureStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Manager polls registered backend.Adapter instances and recomputes feature
// availability. Features never fail startup -- an unhealthy dependency just
// hides the tools that depend on it (spec.md §4.7).
type Manager struct {
	mu           sync.RWMutex
	adapters     map[string]backend.Adapter
	features     map[string][]string // feature -> dependency names
	dependency   map[string]Status
	probeTimeout time.Duration
	interval     time.Duration
	log          zerolog.Logger

	onTransition func(feature string, available bool)
	lastKnownMap map[string]lastKnownEntry

	stop chan struct{}
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		adapters:     make(map[string]backend.Adapter),
		features:     make(map[string][]string),
		dependency:   make(map[string]Status),
		probeTimeout: 5 * time.Second,
		interval:     30 * time.Second,
		log:          log,
		stop:         make(chan struct{}),
	}
}

// RegisterAdapter adds a backend adapter to the probe set.
func (m *Manager) RegisterAdapter(a backend.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// DefineFeature declares that feature requires every dependency in deps to
// be healthy. Dependency names match backend.Adapter.Name() values. Output
// directory writability has no dependency name of its own; the report
// adapter folds it into its "typesetter_binary" health probe.
func (m *Manager) DefineFeature(feature string, deps ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[feature] = deps
}

// SetOnTransition registers a callback invoked when a feature's availability
// changes, for structured log events (spec.md §4.7: "feature transitions
// emit structured log events").
func (m *Manager) SetOnTransition(fn func(feature string, available bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// ProbeAll runs every registered adapter's Health check concurrently, each
// bounded by probeTimeout, and recomputes feature availability.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	adapters := make([]backend.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	results := make([]struct {
		name   string
		status Status
	}, len(adapters))

	g, gctx := errgroup.WithContext(context.Background())
	_ = gctx
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			h := a.Health(probeCtx)
			results[i] = struct {
				name   string
				status Status
			}{name: a.Name(), status: Status{OK: h.OK, Detail: h.Detail, CheckedAt: time.Now()}}
			return nil
		})
	}
	_ = g.Wait() // probe errors never fail the group; each goroutine always returns nil

	m.mu.Lock()
	for _, r := range results {
		m.dependency[r.name] = r.status
	}
	m.mu.Unlock()

	m.recomputeFeatures()
}

func (m *Manager) recomputeFeatures() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for feature, deps := range m.features {
		available := true
		reason := ""
		for _, dep := range deps {
			status, known := m.dependency[dep]
			if !known || !status.OK {
				available = false
				reason = dep
				break
			}
		}
		prevAvailable := m.lastKnown(feature)
		if prevAvailable != available {
			evt := m.log.Warn()
			if available {
				evt = m.log.Info()
			}
			evt.Str("feature", feature).Bool("available", available).Str("reason", reason).Msg("feature availability changed")
		}
		if prevAvailable != available && m.onTransition != nil {
			go m.onTransition(feature, available)
		}
		m.setLastKnown(feature, available, reason)
	}
}

type lastKnownEntry struct {
	available bool
	reason    string
}

func (m *Manager) lastKnown(feature string) bool {
	if m.lastKnownMap == nil {
		return false
	}
	return m.lastKnownMap[feature].available
}

func (m *Manager) setLastKnown(feature string, available bool, reason string) {
	if m.lastKnownMap == nil {
		m.lastKnownMap = make(map[string]lastKnownEntry)
	}
	m.lastKnownMap[feature] = lastKnownEntry{available: available, reason: reason}
}

// IsAvailable reports whether feature is currently available.
func (m *Manager) IsAvailable(feature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastKnownMap[feature].available
}

// Snapshot returns the current availability of every defined feature.
func (m *Manager) Snapshot() map[string]FeatureStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]FeatureStatus, len(m.features))
	for feature := range m.features {
		entry := m.lastKnownMap[feature]
		out[feature] = FeatureStatus{Available: entry.available, Reason: entry.reason}
	}
	return out
}

// Start begins periodic probing in a goroutine, probing immediately and
// then every interval (default 30s per spec.md §4.7).
func (m *Manager) Start(ctx context.Context) {
	m.ProbeAll(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ProbeAll(ctx)
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts periodic probing.
func (m *Manager) Stop() {
	close(m.stop)
}
