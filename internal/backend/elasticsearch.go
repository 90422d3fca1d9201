package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

// FieldMap translates user-facing field names to one or more storage
// field names, matching both dotted and flat representations per spec.md
// §4.9 ("field map translates user-facing names to storage names ...
// must handle both dotted and flat representations").
type FieldMap map[string][]string

// DefaultFieldMap is the DShield/ECS mapping baked in at startup. The server
// always builds its query engine from this table; no configuration key
// replaces or extends it.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		"source_ip":      {"source.ip", "related.ip"},
		"dest_ip":        {"destination.ip", "related.ip"},
		"source_port":    {"source.port"},
		"dest_port":      {"destination.port"},
		"domain":         {"dns.question.name", "url.domain"},
		"tls_fingerprint": {"tls.client.ja3"},
		"user_agent":     {"user_agent.original"},
		"session_id":     {"dshield.session"},
		"username":       {"user.name"},
		"asn":            {"source.as.number"},
		"country":        {"source.geo.country_iso_code"},
	}
}

// Resolve returns the storage field names for a user-facing name, or nil and
// false if the name is unknown (callers surface a VALIDATION_ERROR naming
// the unknown field; no alternative name is suggested).
func (m FieldMap) Resolve(userField string) ([]string, bool) {
	if storage, ok := m[userField]; ok {
		return storage, true
	}
	// accept an already-dotted storage field verbatim
	if strings.Contains(userField, ".") {
		for _, candidates := range m {
			for _, c := range candidates {
				if c == userField {
					return []string{c}, true
				}
			}
		}
	}
	return nil, false
}

// Query is the normalized request shape passed to Count/Search/Aggregate.
type Query struct {
	Index       string
	MustFilters []map[string]any
	Start       time.Time
	End         time.Time
	SortAsc     bool
	Size        int
	From        int
	SearchAfter []any
	Fields      []string
}

// SearchResult is a page of raw documents plus the two-component sort values
// needed to build the next cursor (spec.md §4.9: "search_after with a
// two-component sort (@timestamp desc, _id desc)").
type SearchResult struct {
	Hits      []json.RawMessage
	SortTails [][]any
	Total     int64
}

// ShardStats mirrors Elasticsearch's "_shards" response envelope, returned
// by both _count and _search.
type ShardStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// AggregateResult is an opaque aggregation response body, decoded by the
// query engine according to the aggregation it requested.
type AggregateResult struct {
	Raw json.RawMessage
}

// ElasticsearchAdapter is the sole Elasticsearch client, wrapped by one
// circuit.Breaker per spec.md §4.6.
type ElasticsearchAdapter struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	breaker  *circuit.Breaker
	log      zerolog.Logger
}

// NewElasticsearchAdapter builds a client whose transport resolves DNS
// through github.com/rs/dnscache, refreshed periodically -- the teacher's
// go.mod carries this dependency for exactly this long-lived-client use
// case (a process that outlives any single DNS TTL for the ES endpoint).
func NewElasticsearchAdapter(baseURL, username, password string, verifySSL bool, log zerolog.Logger) *ElasticsearchAdapter {
	resolver := &dnscache.Resolver{}
	go refreshDNSCacheLoop(resolver, 5*time.Minute)

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &ElasticsearchAdapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Transport: transport},
		breaker:  circuit.NewBreaker("elasticsearch", circuit.DefaultConfig()),
		log:      log,
	}
}

func refreshDNSCacheLoop(resolver *dnscache.Resolver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

func (a *ElasticsearchAdapter) Name() string { return "elasticsearch" }

// BreakerStatus reports the circuit breaker's current state for the
// get_circuit_breaker_status tool (spec.md §6).
func (a *ElasticsearchAdapter) BreakerStatus() circuit.Status { return a.breaker.GetStatus() }

func (a *ElasticsearchAdapter) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/_cluster/health", nil)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	a.authenticate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Health{OK: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{OK: true}
}

func (a *ElasticsearchAdapter) authenticate(req *http.Request) {
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
}

// Count returns the matching document count and the shard stats Elasticsearch
// reports alongside it, used by the query engine's smart-optimization
// decision tree and performance metrics (spec.md §4.9).
func (a *ElasticsearchAdapter) Count(ctx context.Context, q Query) (int64, ShardStats, error) {
	body := buildCountBody(q)
	var result struct {
		Count  int64      `json:"count"`
		Shards ShardStats `json:"_shards"`
	}
	err := a.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/_count", q.Index), body, &result)
	if err != nil {
		return 0, ShardStats{}, err
	}
	return result.Count, result.Shards, nil
}

// GetByID fetches a single document's _source by id, used to resolve the
// window-around-event time-range mode's center timestamp.
func (a *ElasticsearchAdapter) GetByID(ctx context.Context, index, id string) (json.RawMessage, error) {
	var raw struct {
		Source json.RawMessage `json:"_source"`
	}
	path := fmt.Sprintf("/%s/_doc/%s", index, id)
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.Source, nil
}

// Search executes a paginated search, either offset (From/Size) or cursor
// (SearchAfter) based on which fields of q are populated.
func (a *ElasticsearchAdapter) Search(ctx context.Context, q Query) (*SearchResult, error) {
	body := buildSearchBody(q)
	var raw struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
				Sort   []any           `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := a.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/_search", q.Index), body, &raw); err != nil {
		return nil, err
	}

	result := &SearchResult{Total: raw.Hits.Total.Value}
	for _, h := range raw.Hits.Hits {
		result.Hits = append(result.Hits, h.Source)
		result.SortTails = append(result.SortTails, h.Sort)
	}
	return result, nil
}

// Aggregate executes an aggregation-only query (size=0), used both directly
// by tool handlers and as the smart-optimization fallback strategy
// "aggregate" (spec.md §4.9).
func (a *ElasticsearchAdapter) Aggregate(ctx context.Context, q Query, aggs map[string]any) (*AggregateResult, error) {
	body := buildSearchBody(q)
	body["size"] = 0
	body["aggs"] = aggs

	var raw json.RawMessage
	if err := a.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/_search", q.Index), body, &raw); err != nil {
		return nil, err
	}
	return &AggregateResult{Raw: raw}, nil
}

func (a *ElasticsearchAdapter) doJSON(ctx context.Context, method, path string, body any, out any) error {
	return a.breaker.Execute(classifyHTTPError, func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		a.authenticate(req)

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("elasticsearch %d: %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode >= 400 {
			return invalidRequestError{status: resp.StatusCode, body: string(respBody)}
		}
		return json.Unmarshal(respBody, out)
	})
}

// invalidRequestError marks a 4xx response as a non-tripping failure per the
// breaker's ErrorCategoryInvalid classification.
type invalidRequestError struct {
	status int
	body   string
}

func (e invalidRequestError) Error() string {
	return fmt.Sprintf("elasticsearch %d: %s", e.status, e.body)
}

func classifyHTTPError(err error) circuit.ErrorCategory {
	if _, ok := err.(invalidRequestError); ok {
		return circuit.ErrorCategoryInvalid
	}
	return circuit.ErrorCategoryTransient
}

func buildCountBody(q Query) map[string]any {
	return map[string]any{"query": buildQueryClause(q)}
}

func buildSearchBody(q Query) map[string]any {
	body := map[string]any{
		"query": buildQueryClause(q),
		"sort": []map[string]any{
			{"@timestamp": map[string]string{"order": sortOrder(q.SortAsc)}},
			{"_id": map[string]string{"order": sortOrder(q.SortAsc)}},
		},
	}
	if len(q.Fields) > 0 {
		body["_source"] = q.Fields
	}
	if len(q.SearchAfter) > 0 {
		body["search_after"] = q.SearchAfter
		body["size"] = q.Size
	} else {
		body["from"] = q.From
		body["size"] = q.Size
	}
	return body
}

func sortOrder(asc bool) string {
	if asc {
		return "asc"
	}
	return "desc"
}

func buildQueryClause(q Query) map[string]any {
	filters := append([]map[string]any{}, q.MustFilters...)
	if !q.Start.IsZero() || !q.End.IsZero() {
		rangeClause := map[string]any{}
		if !q.Start.IsZero() {
			rangeClause["gte"] = q.Start.UTC().Format(time.RFC3339)
		}
		if !q.End.IsZero() {
			rangeClause["lt"] = q.End.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{"range": map[string]any{"@timestamp": rangeClause}})
	}
	if len(filters) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": map[string]any{"filter": filters}}
}
