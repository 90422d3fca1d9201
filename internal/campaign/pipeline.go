package campaign

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/query"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// Correlator runs the eight-stage pipeline against the query engine.
type Correlator struct {
	engine *query.Engine
	index  string
	cfg    Config
}

func NewCorrelator(engine *query.Engine, index string, cfg Config) *Correlator {
	return &Correlator{engine: engine, index: index, cfg: cfg}
}

// stageResult is what each stage contributes: whether it fired (grouped at
// least two events along its dimension) and any new seed indicators it
// surfaced for the next stage.
type stageResult struct {
	fired   bool
	weight  float64
	seeds   []string
}

// Run executes seed expansion followed by the seven correlation/scoring
// stages and returns the resulting Campaign.
func (c *Correlator) Run(ctx context.Context, seeds []string, window Window) (*Campaign, *rpcerr.Error) {
	events, expanded, rerr := c.seedExpansion(ctx, seeds, window)
	if rerr != nil {
		return nil, rerr
	}

	var methods []string
	var scored float64
	var weightTotal float64

	stages := []struct {
		name string
		run  func() stageResult
	}{
		{"ip_correlation", func() stageResult { return c.ipCorrelation(events) }},
		{"infrastructure_correlation", func() stageResult { return c.infrastructureCorrelation(events) }},
		{"behavioral_correlation", func() stageResult { return c.behavioralCorrelation(events) }},
		{"temporal_correlation", func() stageResult { return c.temporalCorrelation(events) }},
		{"geospatial_correlation", func() stageResult { return c.geospatialCorrelation(events) }},
		{"network_correlation", func() stageResult { return c.networkCorrelation(events) }},
	}

	seen := map[string]bool{}
	for _, s := range seeds {
		seen[s] = true
	}
	for _, s := range expanded {
		seen[s] = true
	}

	for i, stage := range stages {
		if !c.cfg.methodEnabled(stage.name) {
			continue
		}
		res := stage.run()
		// earlier stages carry a slightly higher tie-break weight, per
		// spec.md §4.10 stage 8: "tie-breaks favor earlier-stage methods".
		stageWeight := 1.0 - float64(i)*0.01
		weightTotal += stageWeight
		if res.fired {
			methods = append(methods, stage.name)
			scored += stageWeight * res.weight
		}
		for _, seed := range res.seeds {
			if !seen[seed] {
				seen[seed] = true
				expanded = append(expanded, seed)
			}
		}
	}

	score := 0.0
	if weightTotal > 0 {
		score = scored / weightTotal
	}
	if score > 1 {
		score = 1
	}

	indicators := make([]string, 0, len(seen))
	for s := range seen {
		indicators = append(indicators, s)
	}
	sort.Strings(indicators)

	campaign := &Campaign{
		ID:           identityHash(seeds, window),
		RunID:        ulid.Make().String(),
		Seeds:        append([]string{}, seeds...),
		Indicators:   indicators,
		Window:       window,
		Events:       events,
		EventCount:   len(events),
		MethodsFired: methods,
		Score:        score,
		Tier:         models.TierForScore(score),
		Timeline:     buildTimeline(events, c.cfg.TimelineGranularity),
		CreatedAt:    window.End,
	}
	return campaign, nil
}

// seedExpansion fetches events where any seed indicator appears in a
// mapped "related" field within the window, deduplicating by event id
// (spec.md §4.10 stage 1).
func (c *Correlator) seedExpansion(ctx context.Context, seeds []string, window Window) ([]models.Event, []string, *rpcerr.Error) {
	if len(seeds) == 0 {
		return nil, nil, rpcerr.NewValidation("campaign correlation requires at least one seed indicator", nil)
	}

	filters := []map[string]any{
		{
			"bool": map[string]any{
				"should": []map[string]any{
					{"terms": map[string]any{"source.ip": seeds}},
					{"terms": map[string]any{"destination.ip": seeds}},
					{"terms": map[string]any{"related.ip": seeds}},
					{"terms": map[string]any{"dns.question.name": seeds}},
					{"terms": map[string]any{"url.domain": seeds}},
					{"terms": map[string]any{"tls.client.ja3": seeds}},
				},
				"minimum_should_match": 1,
			},
		},
	}

	req := query.Request{
		Index:    c.index,
		Filters:  filters,
		Start:    window.Start,
		End:      window.End,
		PageSize: 1000,
	}

	result, rerr := c.engine.Search(ctx, req)
	if rerr != nil {
		return nil, nil, rerr
	}

	seen := map[string]bool{}
	var events []models.Event
	for _, ev := range result.Events {
		if ev.ID != "" && seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}
	return events, nil, nil
}

// ipCorrelation groups source addresses by subnet (stage 2); events sharing
// an exact address fall in the same subnet. ASN is not consulted here.
func (c *Correlator) ipCorrelation(events []models.Event) stageResult {
	subnets := map[string]int{}
	for _, ev := range events {
		if ev.SourceIP == "" {
			continue
		}
		if s, ok := subnetOf(ev.SourceIP, c.cfg.SubnetCIDRBits); ok {
			subnets[s]++
		}
	}
	for subnet, n := range subnets {
		if n < 2 {
			continue
		}
		var seeds []string
		for _, ev := range events {
			if s, ok := subnetOf(ev.SourceIP, c.cfg.SubnetCIDRBits); ok && s == subnet {
				seeds = append(seeds, ev.SourceIP)
			}
		}
		return stageResult{fired: true, weight: 1.0, seeds: seeds}
	}
	return stageResult{}
}

func subnetOf(ip string, bits int) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	if bits <= 0 {
		bits = 24
	}
	if addr.Is4() && bits > 32 {
		bits = 32
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "", false
	}
	return prefix.String(), true
}

// infrastructureCorrelation groups by shared domain, TLS fingerprint, or
// user-agent (stage 3).
func (c *Correlator) infrastructureCorrelation(events []models.Event) stageResult {
	domains := map[string]int{}
	fps := map[string]int{}
	uas := map[string]int{}
	for _, ev := range events {
		if ev.Domain != "" {
			domains[ev.Domain]++
		}
		if ev.TLSFP != "" {
			fps[ev.TLSFP]++
		}
		if ev.UserAgent != "" {
			uas[ev.UserAgent]++
		}
	}
	if hasDuplicate(domains) || hasDuplicate(fps) || hasDuplicate(uas) {
		var seeds []string
		for d, n := range domains {
			if n >= 2 {
				seeds = append(seeds, d)
			}
		}
		for f, n := range fps {
			if n >= 2 {
				seeds = append(seeds, f)
			}
		}
		return stageResult{fired: true, weight: 1.0, seeds: seeds}
	}
	return stageResult{}
}

func hasDuplicate(m map[string]int) bool {
	for _, n := range m {
		if n >= 2 {
			return true
		}
	}
	return false
}

// behavioralCorrelation matches payload/user-agent strings against the
// pattern library (stage 4).
func (c *Correlator) behavioralCorrelation(events []models.Event) stageResult {
	hits := map[string]int{}
	for _, ev := range events {
		for _, candidate := range candidateStrings(ev.UserAgent, ev.Payload) {
			if name, ok := matchPattern(c.cfg.Patterns, candidate); ok {
				hits[name]++
			}
		}
	}
	if len(hits) == 0 {
		return stageResult{}
	}
	total := 0
	for _, n := range hits {
		total += n
	}
	weight := float64(total) / float64(len(events)+1)
	if weight > 1 {
		weight = 1
	}
	return stageResult{fired: true, weight: weight}
}

// temporalCorrelation clusters events into fixed-width buckets and checks
// whether any bucket holds a fraction of events at or above the configured
// overlap threshold (stage 5).
func (c *Correlator) temporalCorrelation(events []models.Event) stageResult {
	if len(events) == 0 {
		return stageResult{}
	}
	bucket := c.cfg.TemporalBucket
	if bucket <= 0 {
		bucket = 10 * time.Minute
	}
	counts := map[int64]int{}
	for _, ev := range events {
		counts[ev.Timestamp.Unix()/int64(bucket.Seconds())]++
	}
	overlap := c.cfg.TemporalOverlap
	if overlap <= 0 {
		overlap = 0.5
	}
	for _, n := range counts {
		if float64(n)/float64(len(events)) >= overlap {
			return stageResult{fired: true, weight: float64(n) / float64(len(events))}
		}
	}
	return stageResult{}
}

// geospatialCorrelation groups by country or ASN where present (stage 6).
func (c *Correlator) geospatialCorrelation(events []models.Event) stageResult {
	countries := map[string]int{}
	asns := map[string]int{}
	for _, ev := range events {
		if ev.Country != "" {
			countries[ev.Country]++
		}
		if ev.ASN != "" {
			asns[ev.ASN]++
		}
	}
	if hasDuplicate(countries) || hasDuplicate(asns) {
		return stageResult{fired: true, weight: 1.0}
	}
	return stageResult{}
}

// networkCorrelation checks subnet containment across source addresses
// using standard IP arithmetic (stage 7).
func (c *Correlator) networkCorrelation(events []models.Event) stageResult {
	var prefixes []netip.Prefix
	for _, ev := range events {
		addr, err := netip.ParseAddr(ev.SourceIP)
		if err != nil {
			continue
		}
		bits := 24
		if addr.Is6() {
			bits = 48
		}
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, p)
	}
	for i := 0; i < len(prefixes); i++ {
		for j := i + 1; j < len(prefixes); j++ {
			if prefixes[i] == prefixes[j] {
				return stageResult{fired: true, weight: 1.0}
			}
			if prefixes[i].Contains(prefixes[j].Addr()) || prefixes[j].Contains(prefixes[i].Addr()) {
				return stageResult{fired: true, weight: 0.75}
			}
		}
	}
	return stageResult{}
}

func buildTimeline(events []models.Event, granularity time.Duration) []TimelineBucket {
	if granularity <= 0 {
		granularity = time.Hour
	}
	buckets := map[int64]int{}
	for _, ev := range events {
		buckets[ev.Timestamp.Unix()/int64(granularity.Seconds())]++
	}
	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]TimelineBucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, TimelineBucket{
			ID:    ulid.Make().String(),
			Start: time.Unix(k*int64(granularity.Seconds()), 0).UTC(),
			Count: buckets[k],
		})
	}
	return out
}
