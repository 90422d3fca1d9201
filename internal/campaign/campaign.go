// Package campaign implements the Campaign Correlator (C10): seed expansion
// over DShield events, the eight correlation stages, scoring, confidence
// tiering, and the ExpandIndicators/CompareCampaigns/DetectOngoing
// operations built on top of them.
package campaign

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
)

// Window is a half-open [Start, End) analysis window.
type Window struct {
	Start time.Time
	End   time.Time
}

// TimelineBucket is one fixed-width slice of a Campaign's timeline.
type TimelineBucket struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Campaign is the output of a correlation run: the expanded indicator set,
// the events that back it, which correlation methods fired, and the final
// score/tier. Identity is a content hash of the seed indicators and window
// bounds, so re-running the same analysis over the same inputs yields the
// same campaign id.
type Campaign struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	Seeds        []string               `json:"seeds"`
	Indicators   []string               `json:"indicators"`
	Window       Window                 `json:"window"`
	Events       []models.Event         `json:"-"`
	EventCount   int                    `json:"event_count"`
	MethodsFired []string               `json:"methods_fired"`
	Score        float64                `json:"score"`
	Tier         models.ConfidenceTier  `json:"confidence_tier"`
	Timeline     []TimelineBucket       `json:"timeline"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Config tunes the correlation pipeline's thresholds and pattern library.
type Config struct {
	SubnetCIDRBits    int               // default /24 subnet grouping (stage 2)
	TemporalBucket    time.Duration     // fixed-width bucket for stage 5
	TemporalOverlap   float64           // fraction of events a cluster must share to count as overlapping
	TimelineGranularity time.Duration   // bucket width for the output timeline
	MinConfidence     float64           // minimum score to keep a campaign from DetectOngoing
	Patterns          []BehaviorPattern // stage 4's signature library
	EnabledMethods    map[string]bool   // nil or empty means all methods run
}

// DefaultConfig returns the pipeline defaults described in spec.md §4.10.
func DefaultConfig() Config {
	return Config{
		SubnetCIDRBits:      24,
		TemporalBucket:      10 * time.Minute,
		TemporalOverlap:     0.5,
		TimelineGranularity: time.Hour,
		MinConfidence:       0.25,
		Patterns:            DefaultPatterns(),
	}
}

func (c Config) methodEnabled(name string) bool {
	if len(c.EnabledMethods) == 0 {
		return true
	}
	return c.EnabledMethods[name]
}
