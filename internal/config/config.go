// Package config loads the YAML configuration tree of spec.md §6, applies
// environment variable overrides (env > YAML > built-in default) and
// resolves vault:// secret references through internal/secrets, following
// the teacher's own load-order convention of reading a local .env file with
// github.com/joho/godotenv before consulting the process environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/datagen24/dshield-mcp-sub002/internal/secrets"
)

type ElasticsearchConfig struct {
	URL              string            `yaml:"url"`
	Username         string            `yaml:"username"`
	Password         string            `yaml:"password"`
	VerifySSL        bool              `yaml:"verify_ssl"`
	Indices          map[string]string `yaml:"indices"`
	CompatibilityMode string           `yaml:"compatibility_mode"`
}

type ThreatIntelConfig struct {
	APIURL             string `yaml:"api_url"`
	APIKey             string `yaml:"api_key"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type QueryConfig struct {
	DefaultPageSize    int    `yaml:"default_page_size"`
	MaxPageSize        int    `yaml:"max_page_size"`
	MaxResultSizeMB    int    `yaml:"max_result_size_mb"`
	QueryTimeoutSeconds int   `yaml:"query_timeout_seconds"`
	FallbackStrategy   string `yaml:"fallback_strategy"` // aggregate | sample | error
}

type StreamingConfig struct {
	DefaultChunkSize  int `yaml:"default_chunk_size"`
	MaxChunks         int `yaml:"max_chunks"`
	SessionGapSeconds int `yaml:"session_gap_seconds"`
}

type TimeoutsConfig struct {
	DefaultSeconds    int `yaml:"default_seconds"`
	ElasticsearchSeconds int `yaml:"elasticsearch_seconds"`
	ThreatIntelSeconds int `yaml:"threat_intel_seconds"`
	ReportSeconds     int `yaml:"report_seconds"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	RecoveryTimeout  int `yaml:"recovery_timeout"`
	SuccessThreshold int `yaml:"success_threshold"`
}

type ErrorAggregationConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	HistorySize   int `yaml:"history_size"`
}

type ErrorHandlingConfig struct {
	Timeouts          TimeoutsConfig         `yaml:"timeouts"`
	Retry             RetryConfig            `yaml:"retry"`
	CircuitBreaker    CircuitBreakerConfig   `yaml:"circuit_breaker"`
	ErrorAggregation  ErrorAggregationConfig `yaml:"error_aggregation"`
}

type TCPConfig struct {
	Bind                   string `yaml:"bind"`
	Port                   int    `yaml:"port"`
	MaxConnections         int    `yaml:"max_connections"`
	ConnectionTimeoutSeconds int  `yaml:"connection_timeout_seconds"`
}

type TransportConfig struct {
	Mode string    `yaml:"mode"` // stdio | tcp
	TCP  TCPConfig `yaml:"tcp"`
}

type AuthDefaultsConfig struct {
	ExpirationDays      int             `yaml:"expiration_days"`
	RateLimitPerMinute  int             `yaml:"rate_limit_per_minute"`
	Permissions         map[string]bool `yaml:"permissions"`
}

type AuthKeyConfig struct {
	ID    string `yaml:"id"`
	Salt  string `yaml:"salt"`
	Hash  string `yaml:"hash"`
}

type AuthConfig struct {
	Defaults AuthDefaultsConfig `yaml:"defaults"`
	Keys     []AuthKeyConfig    `yaml:"keys"`
}

// ReportConfig configures the typesetter subprocess adapter backing
// pkg/reporting.
type ReportConfig struct {
	Binary         string `yaml:"binary"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOutputMB    int    `yaml:"max_output_mb"`
}

// MetricsConfig configures the Prometheus debug listener, separate from
// the JSON-RPC transport.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the fully resolved, immutable-after-load configuration tree
// (spec.md §5: "config is immutable post-load").
type Config struct {
	Elasticsearch   ElasticsearchConfig `yaml:"elasticsearch"`
	ThreatIntel     ThreatIntelConfig   `yaml:"threat_intel"`
	Query           QueryConfig         `yaml:"query"`
	Streaming       StreamingConfig     `yaml:"streaming"`
	ErrorHandling   ErrorHandlingConfig `yaml:"error_handling"`
	Transport       TransportConfig     `yaml:"transport"`
	Auth            AuthConfig          `yaml:"auth"`
	Report          ReportConfig        `yaml:"report"`
	Metrics         MetricsConfig       `yaml:"metrics"`
	OutputDirectory string              `yaml:"output_directory"`
	VaultBin        string              `yaml:"vault_bin"`
	AnomalyDetectionMode string        `yaml:"anomaly_detection_mode"` // fast | robust
}

func defaults() *Config {
	return &Config{
		Query: QueryConfig{
			DefaultPageSize:     100,
			MaxPageSize:         1000,
			MaxResultSizeMB:     10,
			QueryTimeoutSeconds: 30,
			FallbackStrategy:    "aggregate",
		},
		Streaming: StreamingConfig{
			DefaultChunkSize:  500,
			MaxChunks:         100,
			SessionGapSeconds: 1800,
		},
		ErrorHandling: ErrorHandlingConfig{
			Timeouts: TimeoutsConfig{
				DefaultSeconds:       30,
				ElasticsearchSeconds: 30,
				ThreatIntelSeconds:   10,
				ReportSeconds:        60,
			},
			Retry: RetryConfig{MaxAttempts: 3, BackoffSeconds: 0.5},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60,
				SuccessThreshold: 2,
			},
			ErrorAggregation: ErrorAggregationConfig{WindowSeconds: 300, HistorySize: 1000},
		},
		Transport: TransportConfig{
			Mode: "stdio",
			TCP: TCPConfig{
				Bind:                     "127.0.0.1",
				Port:                     8765,
				MaxConnections:           100,
				ConnectionTimeoutSeconds: 300,
			},
		},
		Auth: AuthConfig{
			Defaults: AuthDefaultsConfig{
				ExpirationDays:     90,
				RateLimitPerMinute: 60,
				Permissions:        map[string]bool{"read_tools": true},
			},
		},
		Report: ReportConfig{
			Binary:         "typesetter",
			TimeoutSeconds: 60,
			MaxOutputMB:    50,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
		OutputDirectory:      "./output",
		VaultBin:             "vault",
		AnomalyDetectionMode: "fast",
	}
}

// Load reads path (if it exists), loads a .env file from the working
// directory first, applies environment overrides, and resolves vault://
// references. A missing path is not an error -- defaults plus env overrides
// are a valid configuration for tests and minimal deployments.
func Load(ctx context.Context, path string, resolver *secrets.Resolver) (*Config, error) {
	_ = godotenv.Load() // best effort; absence of .env is normal in production

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if resolver != nil {
		if err := resolveSecrets(ctx, cfg, resolver); err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks a fixed set of uppercase-snake environment
// variables derived from each scalar's YAML path, per spec.md §6's
// documented precedence (env > YAML > default).
func applyEnvOverrides(cfg *Config) {
	str := func(dst *string, env string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	boolean := func(dst *bool, env string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(dst *int, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str(&cfg.Elasticsearch.URL, "ELASTICSEARCH_URL")
	str(&cfg.Elasticsearch.Username, "ELASTICSEARCH_USERNAME")
	str(&cfg.Elasticsearch.Password, "ELASTICSEARCH_PASSWORD")
	boolean(&cfg.Elasticsearch.VerifySSL, "ELASTICSEARCH_VERIFY_SSL")
	str(&cfg.Elasticsearch.CompatibilityMode, "ELASTICSEARCH_COMPATIBILITY_MODE")

	str(&cfg.ThreatIntel.APIURL, "THREAT_INTEL_API_URL")
	str(&cfg.ThreatIntel.APIKey, "THREAT_INTEL_API_KEY")
	integer(&cfg.ThreatIntel.CacheTTLSeconds, "THREAT_INTEL_CACHE_TTL_SECONDS")
	integer(&cfg.ThreatIntel.RateLimitPerMinute, "THREAT_INTEL_RATE_LIMIT_PER_MINUTE")

	integer(&cfg.Query.DefaultPageSize, "QUERY_DEFAULT_PAGE_SIZE")
	integer(&cfg.Query.MaxPageSize, "QUERY_MAX_PAGE_SIZE")
	integer(&cfg.Query.MaxResultSizeMB, "QUERY_MAX_RESULT_SIZE_MB")
	integer(&cfg.Query.QueryTimeoutSeconds, "QUERY_QUERY_TIMEOUT_SECONDS")
	str(&cfg.Query.FallbackStrategy, "QUERY_FALLBACK_STRATEGY")

	str(&cfg.Transport.Mode, "TRANSPORT_MODE")
	str(&cfg.Transport.TCP.Bind, "TRANSPORT_TCP_BIND")
	integer(&cfg.Transport.TCP.Port, "TRANSPORT_TCP_PORT")
	integer(&cfg.Transport.TCP.MaxConnections, "TRANSPORT_TCP_MAX_CONNECTIONS")
	integer(&cfg.Transport.TCP.ConnectionTimeoutSeconds, "TRANSPORT_TCP_CONNECTION_TIMEOUT_SECONDS")

	str(&cfg.Report.Binary, "REPORT_BINARY")
	integer(&cfg.Report.TimeoutSeconds, "REPORT_TIMEOUT_SECONDS")
	integer(&cfg.Report.MaxOutputMB, "REPORT_MAX_OUTPUT_MB")

	str(&cfg.Metrics.ListenAddr, "METRICS_LISTEN_ADDR")

	str(&cfg.OutputDirectory, "OUTPUT_DIRECTORY")
	str(&cfg.VaultBin, "VAULT_BIN")
	str(&cfg.AnomalyDetectionMode, "ANOMALY_DETECTION_MODE")
}

// resolveSecrets resolves the config leaves that may hold vault:// references
// and decides per leaf whether resolution failure is fatal to startup.
func resolveSecrets(ctx context.Context, cfg *Config, resolver *secrets.Resolver) error {
	tree := map[string]string{
		"elasticsearch.password": cfg.Elasticsearch.Password,
		"threat_intel.api_key":   cfg.ThreatIntel.APIKey,
	}
	required := map[string]bool{
		"elasticsearch.password": cfg.Elasticsearch.Password != "" && secrets.IsReference(cfg.Elasticsearch.Password),
	}
	if err := resolver.ResolveTree(ctx, tree, required); err != nil {
		return err
	}
	cfg.Elasticsearch.Password = tree["elasticsearch.password"]
	cfg.ThreatIntel.APIKey = tree["threat_intel.api_key"]
	return nil
}

func validate(cfg *Config) error {
	switch cfg.Transport.Mode {
	case "stdio", "tcp":
	default:
		return fmt.Errorf("transport.mode must be stdio or tcp, got %q", cfg.Transport.Mode)
	}
	switch cfg.Query.FallbackStrategy {
	case "aggregate", "sample", "error":
	default:
		return fmt.Errorf("query.fallback_strategy must be aggregate, sample or error, got %q", cfg.Query.FallbackStrategy)
	}
	switch cfg.AnomalyDetectionMode {
	case "fast", "robust":
	default:
		return fmt.Errorf("anomaly_detection_mode must be fast or robust, got %q", cfg.AnomalyDetectionMode)
	}
	if cfg.Query.MaxPageSize < cfg.Query.DefaultPageSize {
		return fmt.Errorf("query.max_page_size must be >= query.default_page_size")
	}
	return nil
}
