package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

// Reputation is the per-IP verdict returned by the vendor.
type Reputation struct {
	IP         string    `json:"ip"`
	Score      float64   `json:"score"`
	Categories []string  `json:"categories,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

type cachedReputation struct {
	value     Reputation
	expiresAt time.Time
}

// ThreatIntelAdapter wraps the external HTTP enrichment API, enforcing its
// own vendor-side rate limit (separate bucket from the user-facing
// ratelimit.Limiter, per spec.md §4.6) and caching responses for a
// configurable TTL.
type ThreatIntelAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuit.Breaker
	limiter *rate.Limiter
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedReputation
}

func NewThreatIntelAdapter(baseURL, apiKey string, rateLimitPerMinute int, cacheTTL time.Duration) *ThreatIntelAdapter {
	if rateLimitPerMinute <= 0 {
		rateLimitPerMinute = 60
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &ThreatIntelAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuit.NewBreaker("threat_intel", circuit.DefaultConfig()),
		limiter: rate.NewLimiter(rate.Limit(float64(rateLimitPerMinute)/60.0), rateLimitPerMinute),
		ttl:     cacheTTL,
		cache:   make(map[string]cachedReputation),
	}
}

func (a *ThreatIntelAdapter) Name() string { return "threat_intel_api" }

// BreakerStatus reports the circuit breaker's current state for the
// get_circuit_breaker_status tool (spec.md §6).
func (a *ThreatIntelAdapter) BreakerStatus() circuit.Status { return a.breaker.GetStatus() }

func (a *ThreatIntelAdapter) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
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

func (a *ThreatIntelAdapter) authenticate(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// Reputation fetches (or serves cached) reputation data for a single IP.
func (a *ThreatIntelAdapter) Reputation(ctx context.Context, ip string) (*Reputation, error) {
	if cached, ok := a.fromCache(ip); ok {
		return &cached, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var rep Reputation
	err := a.breaker.Execute(classifyHTTPError, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/reputation/"+ip, nil)
		if err != nil {
			return err
		}
		a.authenticate(req)
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("threat intel %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return invalidRequestError{status: resp.StatusCode}
		}
		return json.NewDecoder(resp.Body).Decode(&rep)
	})
	if err != nil {
		return nil, err
	}

	a.storeCache(ip, rep)
	return &rep, nil
}

// BatchReputation fetches reputation for multiple IPs, serving what it can
// from cache and only querying the vendor for cache misses.
func (a *ThreatIntelAdapter) BatchReputation(ctx context.Context, ips []string) (map[string]Reputation, error) {
	results := make(map[string]Reputation, len(ips))
	var misses []string

	for _, ip := range ips {
		if cached, ok := a.fromCache(ip); ok {
			results[ip] = cached
		} else {
			misses = append(misses, ip)
		}
	}

	for _, ip := range misses {
		rep, err := a.Reputation(ctx, ip)
		if err != nil {
			return results, err
		}
		results[ip] = *rep
	}
	return results, nil
}

func (a *ThreatIntelAdapter) fromCache(ip string) (Reputation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		return Reputation{}, false
	}
	return entry.value, true
}

func (a *ThreatIntelAdapter) storeCache(ip string, rep Reputation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[ip] = cachedReputation{value: rep, expiresAt: time.Now().Add(a.ttl)}
}
