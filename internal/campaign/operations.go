package campaign

import (
	"context"
	"time"

	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// ExpandStrategy selects which stages ExpandIndicators re-runs when
// broadening a campaign's indicator set.
type ExpandStrategy string

const (
	ExpandInfrastructure ExpandStrategy = "infrastructure"
	ExpandNetwork        ExpandStrategy = "network"
	ExpandAll            ExpandStrategy = "all"
)

// ExpandIndicators iteratively broadens campaign's indicator set by
// re-running the pipeline against the newly-discovered indicators from the
// prior round, up to depth rounds. Depth-limited and cycle-safe: an
// indicator already visited is never re-seeded (spec.md §4.10).
func (c *Correlator) ExpandIndicators(ctx context.Context, campaign *Campaign, strategy ExpandStrategy, depth int) (*Campaign, *rpcerr.Error) {
	if depth <= 0 {
		depth = 1
	}
	if strategy == "" {
		strategy = ExpandAll
	}

	visited := map[string]bool{}
	for _, ind := range campaign.Indicators {
		visited[ind] = true
	}

	frontier := append([]string{}, campaign.Indicators...)
	current := campaign

	cfg := c.cfg
	switch strategy {
	case ExpandInfrastructure:
		cfg.EnabledMethods = map[string]bool{"infrastructure_correlation": true, "behavioral_correlation": true}
	case ExpandNetwork:
		cfg.EnabledMethods = map[string]bool{"ip_correlation": true, "network_correlation": true}
	}
	round := &Correlator{engine: c.engine, index: c.index, cfg: cfg}

	for i := 0; i < depth; i++ {
		next, rerr := round.Run(ctx, frontier, current.Window)
		if rerr != nil {
			return nil, rerr
		}

		var newIndicators []string
		for _, ind := range next.Indicators {
			if !visited[ind] {
				visited[ind] = true
				newIndicators = append(newIndicators, ind)
			}
		}
		current = next
		if len(newIndicators) == 0 {
			break
		}
		frontier = newIndicators
	}

	current.Seeds = campaign.Seeds
	return current, nil
}

// CompareCampaigns scores the similarity of two campaigns in [0,1] by
// blending indicator overlap, shared TTPs (methods fired), and temporal
// proximity of their windows.
func CompareCampaigns(a, b *Campaign) float64 {
	indicatorScore := jaccard(a.Indicators, b.Indicators)
	ttpScore := jaccard(a.MethodsFired, b.MethodsFired)
	temporalScore := temporalProximity(a.Window, b.Window)

	return 0.5*indicatorScore + 0.3*ttpScore + 0.2*temporalScore
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := map[string]bool{}
	for _, v := range a {
		setA[v] = true
	}
	setB := map[string]bool{}
	for _, v := range b {
		setB[v] = true
	}
	intersection := 0
	for v := range setA {
		if setB[v] {
			intersection++
		}
	}
	union := len(setA)
	for v := range setB {
		if !setA[v] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// temporalProximity returns 1 when the windows overlap, decaying linearly
// to 0 over a 7-day gap between them.
func temporalProximity(a, b Window) float64 {
	const decayWindow = 7 * 24 * time.Hour

	if a.Start.Before(b.End) && b.Start.Before(a.End) {
		return 1
	}
	var gap time.Duration
	if a.End.Before(b.Start) {
		gap = b.Start.Sub(a.End)
	} else {
		gap = a.Start.Sub(b.End)
	}
	if gap >= decayWindow {
		return 0
	}
	return 1 - float64(gap)/float64(decayWindow)
}

// DetectOngoing runs the pipeline over the given seeds within window and
// returns the campaign only if it meets minScore. It is idempotent (the
// same seeds and window always produce the same campaign id) and bounded:
// callers invoke it once per tracked seed set rather than scanning an
// unbounded event population.
func (c *Correlator) DetectOngoing(ctx context.Context, seeds []string, window Window, minScore float64) (*Campaign, *rpcerr.Error) {
	campaign, rerr := c.Run(ctx, seeds, window)
	if rerr != nil {
		return nil, rerr
	}
	if minScore <= 0 {
		minScore = c.cfg.MinConfidence
	}
	if campaign.Score < minScore {
		return nil, nil
	}
	return campaign, nil
}
