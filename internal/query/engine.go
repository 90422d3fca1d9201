// Package query implements the Query Engine (spec.md §4.9): field mapping
// integration, time range normalization, offset/cursor pagination, the
// smart result-size optimization decision tree, streaming, and
// session-context chunking.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

const maxOffsetPagination = 10000
const pageSizeFloor = 10

// FallbackStrategy is the configured behavior when even the page-size floor
// doesn't fit the byte budget.
type FallbackStrategy string

const (
	FallbackAggregate FallbackStrategy = "aggregate"
	FallbackSample     FallbackStrategy = "sample"
	FallbackError      FallbackStrategy = "error"
)

// Request is a normalized query request, post field-mapping and
// time-range-normalization.
type Request struct {
	Index           string
	Filters         []map[string]any
	Start, End      time.Time
	PageSize        int
	Offset          int
	Cursor          string
	EssentialFields []string
	AllFields       []string
	MaxResultSizeMB int
	Fallback        FallbackStrategy
}

// Result is what the query engine hands back to a tool handler.
type Result struct {
	Events     []models.Event
	NextCursor string
	Metrics    models.PerformanceMetrics
}

// Engine ties the field map and Elasticsearch adapter together.
type Engine struct {
	fields backend.FieldMap
	es     *backend.ElasticsearchAdapter
}

func NewEngine(fields backend.FieldMap, es *backend.ElasticsearchAdapter) *Engine {
	return &Engine{fields: fields, es: es}
}

// ResolveFields translates user-facing field names, returning a
// VALIDATION_ERROR listing the unknown name when a field is not mapped
// (spec.md §4.9).
func (e *Engine) ResolveFields(userFields []string) ([]string, *rpcerr.Error) {
	resolved := make([]string, 0, len(userFields))
	for _, f := range userFields {
		storage, ok := e.fields.Resolve(f)
		if !ok {
			return nil, rpcerr.NewValidation("unknown field", map[string]string{
				"field": fmt.Sprintf("%q is not a recognized field", f),
			})
		}
		resolved = append(resolved, storage...)
	}
	return resolved, nil
}

// ResolveEventTime fetches id's timestamp, used to center the
// window-around-event time-range mode on a specific document.
func (e *Engine) ResolveEventTime(ctx context.Context, index, id string) (time.Time, *rpcerr.Error) {
	raw, err := e.es.GetByID(ctx, index, id)
	if err != nil {
		return time.Time{}, rpcerr.NewExternalService("elasticsearch", err)
	}
	var ev models.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Timestamp.IsZero() {
		return time.Time{}, rpcerr.NewNotFound(fmt.Sprintf("event %q", id))
	}
	return ev.Timestamp, nil
}

// indicesScanned counts the comma-separated index names/patterns a request
// targeted; Elasticsearch accepts a comma-joined multi-index expression in
// the same path segment Count and Search already hit.
func indicesScanned(index string) int {
	if index == "" {
		return 0
	}
	return len(strings.Split(index, ","))
}

// averageBytesPerDocument is a fixed per-document estimate used only to
// project result size ahead of fetching. DShield honeypot documents carry
// full session payload capture and can run well past 100KB each, so this
// errs high rather than underestimating and blowing past a client's byte
// budget anyway.
const averageBytesPerDocument = 131072

// Search executes the smart-optimization decision tree of spec.md §4.9 and
// returns a page of results with performance metrics attached.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, *rpcerr.Error) {
	start := time.Now()

	if req.PageSize <= 0 {
		req.PageSize = 100
	}
	if req.Offset > maxOffsetPagination {
		return nil, rpcerr.NewValidation("pagination offset too large", map[string]string{
			"offset": fmt.Sprintf("must be <= %d", maxOffsetPagination),
		})
	}
	maxBytes := int64(req.MaxResultSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}

	q := e.baseQuery(req)

	count, shards, err := e.es.Count(ctx, q)
	if err != nil {
		return nil, rpcerr.NewExternalService("elasticsearch", err)
	}

	optimizations := []string{}
	fields := req.AllFields
	pageSize := req.PageSize

	estimate := func(n int64, pageSize int) int64 {
		if n > int64(pageSize) {
			n = int64(pageSize)
		}
		return n * averageBytesPerDocument
	}

	if estimate(count, pageSize) > maxBytes && len(req.EssentialFields) > 0 {
		fields = req.EssentialFields
		optimizations = append(optimizations, "field_reduction")
	}

	if estimate(count, pageSize) > maxBytes {
		for pageSize > pageSizeFloor && estimate(count, pageSize) > maxBytes {
			pageSize /= 2
			if pageSize < pageSizeFloor {
				pageSize = pageSizeFloor
			}
		}
		if pageSize != req.PageSize {
			optimizations = append(optimizations, "page_reduction")
		}
	}

	aggregationsUsed := false
	var events []models.Event
	var nextCursor string

	if estimate(count, pageSize) > maxBytes {
		switch req.Fallback {
		case FallbackAggregate:
			aggregationsUsed = true
			optimizations = append(optimizations, "aggregate_fallback")
			if _, err := e.es.Aggregate(ctx, q, map[string]any{"by_source": map[string]any{"terms": map[string]any{"field": "source.ip"}}}); err != nil {
				return nil, rpcerr.NewExternalService("elasticsearch", err)
			}
		case FallbackSample:
			optimizations = append(optimizations, "sample_fallback")
			q.Size = pageSizeFloor
			q.From = randomOffset(count, pageSizeFloor)
			res, err := e.es.Search(ctx, q)
			if err != nil {
				return nil, rpcerr.NewExternalService("elasticsearch", err)
			}
			events = decodeEvents(res.Hits)
		default:
			return nil, rpcerr.New(rpcerr.ExternalService, "result too large").
				WithData("kind", "oversized_result").
				WithData("estimated_bytes", estimate(count, pageSize))
		}
	} else {
		q.Size = pageSize
		q.Fields = fields
		res, err := e.es.Search(ctx, q)
		if err != nil {
			return nil, rpcerr.NewExternalService("elasticsearch", err)
		}
		events = decodeEvents(res.Hits)
		if len(res.SortTails) > 0 {
			nextCursor = EncodeCursor(res.SortTails[len(res.SortTails)-1])
		}
	}

	complexity := "simple"
	switch {
	case aggregationsUsed:
		complexity = "aggregation"
	case len(optimizations) >= 2:
		complexity = "complex"
	case len(optimizations) == 1:
		complexity = "moderate"
	}

	return &Result{
		Events:     events,
		NextCursor: nextCursor,
		Metrics: models.PerformanceMetrics{
			QueryTimeMS:            time.Since(start).Milliseconds(),
			IndicesScanned:         indicesScanned(req.Index),
			TotalDocumentsExamined: count,
			ShardsScanned:          shards.Successful,
			QueryComplexity:        complexity,
			OptimizationsApplied:   optimizations,
			AggregationsUsed:       aggregationsUsed,
			CorrelationID:          ulid.Make().String(),
		},
	}, nil
}

func (e *Engine) baseQuery(req Request) backend.Query {
	q := backend.Query{
		Index:       req.Index,
		MustFilters: req.Filters,
		Start:       req.Start,
		End:         req.End,
		From:        req.Offset,
		Size:        req.PageSize,
	}
	if req.Cursor != "" {
		if tail, err := DecodeCursor(req.Cursor); err == nil {
			q.SearchAfter = tail
		}
	}
	return q
}

func randomOffset(total int64, size int) int {
	span := total - int64(size)
	if span <= 0 {
		return 0
	}
	return rand.Intn(int(span))
}

func decodeEvents(hits []json.RawMessage) []models.Event {
	events := make([]models.Event, 0, len(hits))
	for _, h := range hits {
		var ev models.Event
		if json.Unmarshal(h, &ev) == nil {
			events = append(events, ev)
		}
	}
	return events
}
