// Package backend implements the narrow adapter clients of spec.md §4.6:
// Elasticsearch, the threat-intel vendor, and the report typesetter
// subprocess. Each adapter is wrapped by exactly one circuit.Breaker and
// exposes a Health probe, following the provider-interface style of the
// teacher's internal/ai/mcp package (StateProvider, AlertProvider, etc.) --
// narrow, single-purpose interfaces rather than one fat backend interface.
package backend

import "context"

// Health is the result of a single adapter health probe.
type Health struct {
	OK     bool
	Detail string
}

// Adapter is implemented by every backend client so the health manager can
// probe them uniformly.
type Adapter interface {
	Name() string
	Health(ctx context.Context) Health
}
