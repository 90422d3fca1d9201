package rpcerr

import (
	"sync"
	"time"
)

// record is one entry in the bounded error ring buffer.
type record struct {
	Code          Code
	Tool          string
	CorrelationID string
	At            time.Time
}

// Analytics aggregates produced errors in a bounded ring buffer, the way
// spec.md §4.11 requires: last N events (default 1000), sliding window
// (default 300s), frequency by code/tool, trend, top offenders.
type Analytics struct {
	mu         sync.Mutex
	buf        []record
	next       int
	full       bool
	window     time.Duration
	historyCap int
}

func NewAnalytics(historyCap int, window time.Duration) *Analytics {
	if historyCap <= 0 {
		historyCap = 1000
	}
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Analytics{
		buf:        make([]record, historyCap),
		window:     window,
		historyCap: historyCap,
	}
}

// Record appends a produced error to the ring buffer.
func (a *Analytics) Record(code Code, tool, correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf[a.next] = record{Code: code, Tool: tool, CorrelationID: correlationID, At: time.Now()}
	a.next = (a.next + 1) % a.historyCap
	if a.next == 0 {
		a.full = true
	}
}

func (a *Analytics) snapshot() []record {
	if a.full {
		out := make([]record, 0, a.historyCap)
		out = append(out, a.buf[a.next:]...)
		out = append(out, a.buf[:a.next]...)
		return out
	}
	return append([]record(nil), a.buf[:a.next]...)
}

// Summary is the JSON shape returned by get_error_analytics.
type Summary struct {
	WindowSeconds  float64        `json:"window_seconds"`
	TotalErrors    int            `json:"total_errors"`
	ByCode         map[string]int `json:"by_code"`
	ByTool         map[string]int `json:"by_tool"`
	Trend          string         `json:"trend"` // "increasing" | "decreasing" | "stable"
	TopOffenders   []ToolCount    `json:"top_offenders"`
}

type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// Snapshot computes the analytics summary over the configured sliding window.
func (a *Analytics) Snapshot() Summary {
	a.mu.Lock()
	all := a.snapshot()
	window := a.window
	a.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var inWindow []record
	for _, r := range all {
		if r.At.After(cutoff) {
			inWindow = append(inWindow, r)
		}
	}

	byCode := map[string]int{}
	byTool := map[string]int{}
	for _, r := range inWindow {
		byCode[codeLabel(r.Code)]++
		if r.Tool != "" {
			byTool[r.Tool]++
		}
	}

	trend := "stable"
	if len(inWindow) >= 6 {
		third := window / 3
		oldest, newest := 0, 0
		for _, r := range inWindow {
			if r.At.Before(cutoff.Add(third)) {
				oldest++
			} else if !r.At.Before(cutoff.Add(2 * third)) {
				newest++
			}
		}
		if newest > oldest+1 {
			trend = "increasing"
		} else if oldest > newest+1 {
			trend = "decreasing"
		}
	}

	top := make([]ToolCount, 0, len(byTool))
	for tool, count := range byTool {
		top = append(top, ToolCount{Tool: tool, Count: count})
	}
	sortToolCountsDesc(top)
	if len(top) > 10 {
		top = top[:10]
	}

	return Summary{
		WindowSeconds: window.Seconds(),
		TotalErrors:   len(inWindow),
		ByCode:        byCode,
		ByTool:        byTool,
		Trend:         trend,
		TopOffenders:  top,
	}
}

func sortToolCountsDesc(tc []ToolCount) {
	for i := 1; i < len(tc); i++ {
		for j := i; j > 0 && tc[j].Count > tc[j-1].Count; j-- {
			tc[j], tc[j-1] = tc[j-1], tc[j]
		}
	}
}

func codeLabel(c Code) string {
	switch c {
	case ParseError:
		return "PARSE_ERROR"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case MethodNotFound:
		return "METHOD_NOT_FOUND"
	case InvalidParams:
		return "INVALID_PARAMS"
	case InternalError:
		return "INTERNAL_ERROR"
	case ExternalService:
		return "EXTERNAL_SERVICE_ERROR"
	case AuthOrNotFound:
		return "AUTH_REQUIRED_OR_NOT_FOUND"
	case AccessDenied:
		return "ACCESS_DENIED"
	case FeatureUnavailable:
		return "FEATURE_UNAVAILABLE"
	case ValidationError:
		return "VALIDATION_ERROR"
	case TimeoutError:
		return "TIMEOUT_ERROR"
	case RateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case CircuitBreakerOpen:
		return "CIRCUIT_BREAKER_OPEN"
	default:
		return "UNKNOWN"
	}
}
