package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/datagen24/dshield-mcp-sub002/internal/anomaly"
	"github.com/datagen24/dshield-mcp-sub002/internal/campaign"
	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
	"github.com/datagen24/dshield-mcp-sub002/internal/health"
	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/query"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
	"github.com/datagen24/dshield-mcp-sub002/pkg/reporting"
)

// featureElasticsearchQuery gates every tool that reads events through the
// query engine; the three monitoring tools below deliberately carry no
// feature gate so they keep working while everything else is down.
const featureElasticsearchQuery = "elasticsearch_query"

// featureReportRendering must match the feature name server.go registers
// for the report typesetter adapter backing generate_report.
const featureReportRendering = "report_rendering"

// BreakerProvider is implemented by every backend.Adapter that wraps a
// circuit.Breaker, letting get_circuit_breaker_status report on whichever
// adapters the server was built with.
type BreakerProvider interface {
	Name() string
	BreakerStatus() circuit.Status
}

// Deps bundles the already-constructed components tools.go wires into the
// registry. Any field may be nil; a handler whose dependency is nil reports
// FEATURE_UNAVAILABLE instead of panicking.
type Deps struct {
	Engine             *query.Engine
	Correlator         *campaign.Correlator
	Health             *health.Manager
	Analytics          *rpcerr.Analytics
	Breakers           []BreakerProvider
	Reporting          *reporting.Service
	Index              string
	DefaultChunkSize   int
	DefaultMaxChunks   int
	SessionGapCapacity int
	DefaultAnomalyMode anomaly.Mode
}

// RegisterCoreTools registers the core tool handlers named in spec.md §6
// against deps.
func RegisterCoreTools(registry *Registry, deps Deps) {
	registry.Register(RegisteredTool{Definition: queryEventsDefinition(), Handler: deps.queryEvents})
	registry.Register(RegisteredTool{Definition: streamEventsDefinition(), Handler: deps.streamEvents})
	registry.Register(RegisteredTool{Definition: analyzeCampaignDefinition(), Handler: deps.analyzeCampaign})
	registry.Register(RegisteredTool{Definition: expandCampaignDefinition(), Handler: deps.expandCampaign})
	registry.Register(RegisteredTool{Definition: campaignTimelineDefinition(), Handler: deps.campaignTimeline})
	registry.Register(RegisteredTool{Definition: anomalyDefinition(), Handler: deps.detectAnomalies})
	registry.Register(RegisteredTool{Definition: healthStatusDefinition(), Handler: deps.healthStatus})
	registry.Register(RegisteredTool{Definition: errorAnalyticsDefinition(), Handler: deps.errorAnalytics})
	registry.Register(RegisteredTool{Definition: breakerStatusDefinition(), Handler: deps.breakerStatus})
	registry.Register(RegisteredTool{Definition: generateReportDefinition(), Handler: deps.generateReport})
}

// --- query_dshield_events ---------------------------------------------

func queryEventsDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "query_dshield_events",
		Description:        "Query DShield honeypot events over Elasticsearch with field mapping, time-range selection, and smart result-size optimization.",
		Category:           string(models.CategoryQuery),
		RequiredPermission: string(models.PermissionReadTools),
		RequiredFeature:    featureElasticsearchQuery,
		TimeoutSeconds:     30,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"relative_window":    {Type: "string", Description: "one of last_hour, last_24_hours, last_7_days, last_30_days"},
				"start":              {Type: "string", Description: "RFC3339 start, required with end"},
				"end":                {Type: "string", Description: "RFC3339 end, required with start"},
				"event_id":           {Type: "string", Description: "center the time range on this event's timestamp instead of a relative or absolute window"},
				"delta_seconds":      {Type: "integer", Description: "+/- seconds around event_id's timestamp; defaults to 300"},
				"filters":            {Type: "object", Description: "user-facing field name to exact value or list of values"},
				"essential_fields":   {Type: "array", Description: "user-facing field names kept under field_reduction"},
				"fields":             {Type: "array", Description: "user-facing field names to return"},
				"page_size":          {Type: "integer"},
				"offset":             {Type: "integer"},
				"cursor":             {Type: "string"},
				"max_result_size_mb": {Type: "integer"},
				"fallback":           {Type: "string", Enum: []string{"aggregate", "sample", "error"}},
			},
		},
	}
}

func (d Deps) queryEvents(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Engine == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	req, rerr := d.buildRequest(ctx, args)
	if rerr != nil {
		return nil, rerr
	}
	return d.Engine.Search(ctx, req)
}

// defaultEventWindowDeltaSeconds is used for the window-around-event time
// range mode when the caller omits delta_seconds.
const defaultEventWindowDeltaSeconds = 300

// buildRequest turns tool arguments common to the query/stream tools into a
// query.Request, resolving the time range and any user-facing field names.
func (d Deps) buildRequest(ctx context.Context, args map[string]any) (query.Request, *rpcerr.Error) {
	spec, rerr := d.buildTimeRangeSpec(ctx, args)
	if rerr != nil {
		return query.Request{}, rerr
	}
	start, end, err := query.Normalize(spec, time.Now())
	if err != nil {
		return query.Request{}, rpcerr.NewValidation(err.Error(), nil)
	}

	req := query.Request{
		Index:           d.Index,
		Start:           start,
		End:             end,
		PageSize:        argInt(args, "page_size"),
		Offset:          argInt(args, "offset"),
		Cursor:          argString(args, "cursor"),
		MaxResultSizeMB: argInt(args, "max_result_size_mb"),
		Fallback:        query.FallbackStrategy(argString(args, "fallback")),
	}

	if essential := argStringSlice(args, "essential_fields"); len(essential) > 0 {
		resolved, rerr := d.Engine.ResolveFields(essential)
		if rerr != nil {
			return query.Request{}, rerr
		}
		req.EssentialFields = resolved
	}
	if all := argStringSlice(args, "fields"); len(all) > 0 {
		resolved, rerr := d.Engine.ResolveFields(all)
		if rerr != nil {
			return query.Request{}, rerr
		}
		req.AllFields = resolved
	}

	filters, rerr := d.buildFilters(args)
	if rerr != nil {
		return query.Request{}, rerr
	}
	req.Filters = filters
	return req, nil
}

// buildTimeRangeSpec reads whichever of the three time-range modes of
// spec.md §4.9 args carries: a relative window, an absolute start/end pair,
// or a window around event_id's timestamp +/- delta_seconds. The
// window-around-event mode resolves event_id's timestamp through the query
// engine before Normalize can center the window on it.
func (d Deps) buildTimeRangeSpec(ctx context.Context, args map[string]any) (query.TimeRangeSpec, *rpcerr.Error) {
	spec := query.TimeRangeSpec{
		RelativeWindow: argString(args, "relative_window"),
	}
	if start, ok := argTime(args, "start"); ok {
		spec.Start = &start
	}
	if end, ok := argTime(args, "end"); ok {
		spec.End = &end
	}
	if eventID := argString(args, "event_id"); eventID != "" {
		if d.Engine == nil {
			return query.TimeRangeSpec{}, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
		}
		eventTime, rerr := d.Engine.ResolveEventTime(ctx, d.Index, eventID)
		if rerr != nil {
			return query.TimeRangeSpec{}, rerr
		}
		delta := argInt(args, "delta_seconds")
		if delta <= 0 {
			delta = defaultEventWindowDeltaSeconds
		}
		spec.EventID = eventID
		spec.EventTime = &eventTime
		spec.DeltaSeconds = delta
	}
	return spec, nil
}

// buildFilters translates an args["filters"] map of user-facing field name
// to scalar or list value into Elasticsearch term/terms clauses, resolving
// each field name through the query engine's field map first.
func (d Deps) buildFilters(args map[string]any) ([]map[string]any, *rpcerr.Error) {
	raw, ok := args["filters"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	var clauses []map[string]any
	for field, value := range raw {
		storageFields, rerr := d.Engine.ResolveFields([]string{field})
		if rerr != nil {
			return nil, rerr
		}
		for _, storageField := range storageFields {
			if list, ok := value.([]any); ok {
				clauses = append(clauses, map[string]any{"terms": map[string]any{storageField: list}})
			} else {
				clauses = append(clauses, map[string]any{"term": map[string]any{storageField: value}})
			}
		}
	}
	return clauses, nil
}

// --- stream_dshield_events_with_session_context ------------------------

func streamEventsDefinition() ToolDefinition {
	def := queryEventsDefinition()
	def.Name = "stream_dshield_events_with_session_context"
	def.Description = "Stream a large DShield result set in bounded chunks, grouping events by session so no session is split across a chunk unless it alone exceeds capacity."
	def.InputSchema.Properties["chunk_size"] = PropertySchema{Type: "integer"}
	def.InputSchema.Properties["max_chunks"] = PropertySchema{Type: "integer"}
	def.TimeoutSeconds = 120
	return def
}

// streamResponse is the tool-level payload: the raw stream summary plus the
// same events regrouped into session-aware chunks (spec.md §4.9).
type streamResponse struct {
	Summary         query.StreamSummary  `json:"summary"`
	FinalCursor     string               `json:"final_cursor,omitempty"`
	SessionChunks   []query.SessionChunk `json:"session_chunks"`
}

func (d Deps) streamEvents(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Engine == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	req, rerr := d.buildRequest(ctx, args)
	if rerr != nil {
		return nil, rerr
	}

	chunkSize := argInt(args, "chunk_size")
	if chunkSize <= 0 {
		chunkSize = d.DefaultChunkSize
	}
	maxChunks := argInt(args, "max_chunks")
	if maxChunks <= 0 {
		maxChunks = d.DefaultMaxChunks
	}

	stream, rerr := d.Engine.Stream(ctx, req, chunkSize, maxChunks)
	if rerr != nil {
		return nil, rerr
	}

	var all []models.Event
	for _, c := range stream.Chunks {
		all = append(all, c.Events...)
	}

	return streamResponse{
		Summary:       stream.Summary,
		FinalCursor:   stream.FinalCursor,
		SessionChunks: query.ChunkBySession(all, d.SessionGapCapacity),
	}, nil
}

// --- analyze_campaign ---------------------------------------------------

func analyzeCampaignDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "analyze_campaign",
		Description:        "Correlate attacker activity across IP, infrastructure, behavioral, temporal, geospatial, and network dimensions to identify a coordinated campaign.",
		Category:           string(models.CategoryCampaign),
		RequiredPermission: string(models.PermissionReadTools),
		RequiredFeature:    featureElasticsearchQuery,
		TimeoutSeconds:     60,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"seeds":           {Type: "array", Description: "seed indicators: IPs, domains, or TLS fingerprints"},
				"relative_window": {Type: "string"},
				"start":           {Type: "string"},
				"end":             {Type: "string"},
				"event_id":        {Type: "string", Description: "center the analysis window on this event's timestamp instead of a relative or absolute window"},
				"delta_seconds":   {Type: "integer", Description: "+/- seconds around event_id's timestamp; defaults to 300"},
				"min_confidence":  {Type: "number", Description: "discard the result unless the correlation score reaches this threshold (0-1); when omitted or 0, no threshold is applied"},
			},
			Required: []string{"seeds"},
		},
	}
}

func (d Deps) analyzeCampaign(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Correlator == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	seeds := argStringSlice(args, "seeds")
	window, rerr := d.campaignWindow(ctx, args)
	if rerr != nil {
		return nil, rerr
	}
	return d.runCampaign(ctx, seeds, window, args)
}

func (d Deps) campaignWindow(ctx context.Context, args map[string]any) (campaign.Window, *rpcerr.Error) {
	spec, rerr := d.buildTimeRangeSpec(ctx, args)
	if rerr != nil {
		return campaign.Window{}, rerr
	}
	if spec.RelativeWindow == "" && spec.Start == nil && spec.End == nil && spec.EventID == "" {
		spec.RelativeWindow = "last_24_hours"
	}
	start, end, err := query.Normalize(spec, time.Now())
	if err != nil {
		return campaign.Window{}, rpcerr.NewValidation(err.Error(), nil)
	}
	return campaign.Window{Start: start, End: end}, nil
}

// runCampaign runs the correlation pipeline and applies the min_confidence
// threshold of spec.md §4.10 against the result with the same score < threshold
// comparison DetectOngoing uses. Unlike DetectOngoing, an omitted or zero
// min_confidence applies no threshold rather than the configured minimum.
func (d Deps) runCampaign(ctx context.Context, seeds []string, window campaign.Window, args map[string]any) (*campaign.Campaign, *rpcerr.Error) {
	c, rerr := d.Correlator.Run(ctx, seeds, window)
	if rerr != nil {
		return nil, rerr
	}
	if minConfidence := argFloat(args, "min_confidence"); minConfidence > 0 && c.Score < minConfidence {
		return nil, rpcerr.NewNotFound(fmt.Sprintf("campaign meeting min_confidence %.2f (scored %.2f)", minConfidence, c.Score))
	}
	return c, nil
}

// --- expand_campaign_indicators ------------------------------------------

func expandCampaignDefinition() ToolDefinition {
	def := analyzeCampaignDefinition()
	def.Name = "expand_campaign_indicators"
	def.Description = "Iteratively broaden a campaign's indicator set by re-running correlation against newly discovered indicators, up to a bounded depth."
	def.InputSchema.Properties["strategy"] = PropertySchema{Type: "string", Enum: []string{"infrastructure", "network", "all"}}
	def.InputSchema.Properties["depth"] = PropertySchema{Type: "integer"}
	def.TimeoutSeconds = 90
	return def
}

func (d Deps) expandCampaign(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Correlator == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	seeds := argStringSlice(args, "seeds")
	window, rerr := d.campaignWindow(ctx, args)
	if rerr != nil {
		return nil, rerr
	}

	base, rerr := d.runCampaign(ctx, seeds, window, args)
	if rerr != nil {
		return nil, rerr
	}

	strategy := campaign.ExpandStrategy(argString(args, "strategy"))
	depth := argInt(args, "depth")
	return d.Correlator.ExpandIndicators(ctx, base, strategy, depth)
}

// --- get_campaign_timeline ------------------------------------------------

func campaignTimelineDefinition() ToolDefinition {
	def := analyzeCampaignDefinition()
	def.Name = "get_campaign_timeline"
	def.Description = "Correlate a campaign and return its event-count timeline bucketed at the configured granularity."
	return def
}

type campaignTimelineResponse struct {
	CampaignID string                   `json:"campaign_id"`
	Tier       models.ConfidenceTier    `json:"confidence_tier"`
	Timeline   []campaign.TimelineBucket `json:"timeline"`
}

func (d Deps) campaignTimeline(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Correlator == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	seeds := argStringSlice(args, "seeds")
	window, rerr := d.campaignWindow(ctx, args)
	if rerr != nil {
		return nil, rerr
	}
	c, rerr := d.runCampaign(ctx, seeds, window, args)
	if rerr != nil {
		return nil, rerr
	}
	return campaignTimelineResponse{CampaignID: c.ID, Tier: c.Tier, Timeline: c.Timeline}, nil
}

// --- detect_statistical_anomalies -----------------------------------------

func anomalyDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "detect_statistical_anomalies",
		Description:        "Flag outlier points in a caller-supplied numeric series using a z-score/IQR pass (fast) or an additional percentile-trimmed pass (robust).",
		Category:           string(models.CategoryUtility),
		RequiredPermission: string(models.PermissionReadTools),
		TimeoutSeconds:     15,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"series": {Type: "array", Description: "array of {key, value} points"},
				"mode":   {Type: "string", Enum: []string{"fast", "robust"}},
			},
			Required: []string{"series"},
		},
	}
}

func (d Deps) detectAnomalies(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	series, rerr := argSeries(args, "series")
	if rerr != nil {
		return nil, rerr
	}
	mode := anomaly.Mode(argString(args, "mode"))
	if mode == "" {
		mode = d.DefaultAnomalyMode
	}
	return anomaly.Detect(series, mode), nil
}

// --- get_health_status ------------------------------------------------

func healthStatusDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "get_health_status",
		Description:        "Report current backend dependency health and derived feature availability.",
		Category:           string(models.CategoryMonitoring),
		RequiredPermission: string(models.PermissionReadTools),
		TimeoutSeconds:     5,
		InputSchema:        InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
	}
}

func (d Deps) healthStatus(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Health == nil {
		return map[string]health.FeatureStatus{}, nil
	}
	return d.Health.Snapshot(), nil
}

// --- get_error_analytics ------------------------------------------------

func errorAnalyticsDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "get_error_analytics",
		Description:        "Report aggregated error frequency, trend, and top offending tools over the configured sliding window.",
		Category:           string(models.CategoryMonitoring),
		RequiredPermission: string(models.PermissionReadTools),
		TimeoutSeconds:     5,
		InputSchema:        InputSchema{Type: "object", Properties: map[string]PropertySchema{}},
	}
}

func (d Deps) errorAnalytics(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Analytics == nil {
		return rpcerr.Summary{}, nil
	}
	return d.Analytics.Snapshot(), nil
}

// --- get_circuit_breaker_status ------------------------------------------

func breakerStatusDefinition() ToolDefinition {
	return ToolDefinition{
		Name:               "get_circuit_breaker_status",
		Description:        "Report the current state of every backend circuit breaker, or a single named one.",
		Category:           string(models.CategoryMonitoring),
		RequiredPermission: string(models.PermissionReadTools),
		TimeoutSeconds:     5,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"service": {Type: "string", Description: "adapter name; omit to list all"},
			},
		},
	}
}

func (d Deps) breakerStatus(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	want := argString(args, "service")
	statuses := make(map[string]circuit.Status, len(d.Breakers))
	for _, b := range d.Breakers {
		if want != "" && b.Name() != want {
			continue
		}
		statuses[b.Name()] = b.BreakerStatus()
	}
	if want != "" && len(statuses) == 0 {
		return nil, rpcerr.NewNotFound(fmt.Sprintf("circuit breaker %q", want))
	}
	return statuses, nil
}

// --- generate_report -------------------------------------------------------

func generateReportDefinition() ToolDefinition {
	def := analyzeCampaignDefinition()
	def.Name = "generate_report"
	def.Description = "Correlate a campaign and render it (plus optional anomaly findings) as a PDF or CSV report, returned base64-encoded."
	def.Category = string(models.CategoryUtility)
	def.TimeoutSeconds = 30
	def.InputSchema.Properties["format"] = PropertySchema{Type: "string", Enum: []string{"pdf", "csv"}, Description: "defaults to pdf"}
	def.InputSchema.Properties["title"] = PropertySchema{Type: "string"}
	def.InputSchema.Properties["series"] = PropertySchema{Type: "array", Description: "optional array of {key, value} points scored for anomalies and included in the report"}
	def.InputSchema.Properties["anomaly_mode"] = PropertySchema{Type: "string", Enum: []string{"fast", "robust"}}
	return def
}

// reportResponse carries the rendered report back over JSON-RPC, which has
// no native binary framing.
type reportResponse struct {
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

func (d Deps) generateReport(ctx context.Context, args map[string]any) (any, *rpcerr.Error) {
	if d.Correlator == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureElasticsearchQuery)
	}
	if d.Reporting == nil {
		return nil, rpcerr.NewFeatureUnavailable(featureReportRendering)
	}

	seeds := argStringSlice(args, "seeds")
	window, rerr := d.campaignWindow(ctx, args)
	if rerr != nil {
		return nil, rerr
	}
	c, rerr := d.runCampaign(ctx, seeds, window, args)
	if rerr != nil {
		return nil, rerr
	}

	title := argString(args, "title")
	if title == "" {
		title = fmt.Sprintf("Campaign report: %s", c.ID)
	}

	data := &reporting.ReportData{
		Title:       title,
		Start:       window.Start,
		End:         window.End,
		GeneratedAt: time.Now().UTC(),
		Campaign:    c,
		TotalPoints: c.EventCount,
	}
	if _, ok := args["series"]; ok {
		series, rerr := argSeries(args, "series")
		if rerr != nil {
			return nil, rerr
		}
		mode := anomaly.Mode(argString(args, "anomaly_mode"))
		if mode == "" {
			mode = d.DefaultAnomalyMode
		}
		data.Anomalies = anomaly.Detect(series, mode)
	}

	if argString(args, "format") == "csv" {
		out, err := reporting.NewCSVGenerator().Generate(data)
		if err != nil {
			return nil, rpcerr.NewInternal(err.Error())
		}
		return reportResponse{Format: "csv", ContentType: "text/csv", DataBase64: base64.StdEncoding.EncodeToString(out)}, nil
	}

	out, err := d.Reporting.Render(ctx, data)
	if err != nil {
		return nil, rpcerr.NewExternalService("report_rendering", err)
	}
	return reportResponse{Format: "pdf", ContentType: "application/pdf", DataBase64: base64.StdEncoding.EncodeToString(out)}, nil
}

// --- argument extraction helpers ------------------------------------------

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func argTime(args map[string]any, key string) (time.Time, bool) {
	s := argString(args, key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argSeries(args map[string]any, key string) ([]anomaly.Point, *rpcerr.Error) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, rpcerr.NewValidation("series must be an array of {key, value} points", map[string]string{key: "expected array"})
	}
	points := make([]anomaly.Point, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, rpcerr.NewValidation("series element is not an object", map[string]string{
				fmt.Sprintf("%s[%d]", key, i): "expected {key, value}",
			})
		}
		value, ok := obj["value"].(float64)
		if !ok {
			return nil, rpcerr.NewValidation("series element missing numeric value", map[string]string{
				fmt.Sprintf("%s[%d].value", key, i): "expected number",
			})
		}
		k, _ := obj["key"].(string)
		if k == "" {
			k = fmt.Sprintf("%d", i)
		}
		points = append(points, anomaly.Point{Key: k, Value: value})
	}
	return points, nil
}
