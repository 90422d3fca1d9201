// Package server implements the Server Facade of spec.md §4.12: it
// constructs every component in dependency order, accepts connections over
// stdio or TCP, routes decoded frames into the dispatcher, and drains
// in-flight work on shutdown. Grounded on the teacher's cmd/pulse wiring
// shape (hub -> monitor -> router -> http.Server, in that order) adapted to
// this server's JSON-RPC transport instead of HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/anomaly"
	"github.com/datagen24/dshield-mcp-sub002/internal/auth"
	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
	"github.com/datagen24/dshield-mcp-sub002/internal/campaign"
	"github.com/datagen24/dshield-mcp-sub002/internal/config"
	"github.com/datagen24/dshield-mcp-sub002/internal/health"
	"github.com/datagen24/dshield-mcp-sub002/internal/mcp"
	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/query"
	"github.com/datagen24/dshield-mcp-sub002/internal/ratelimit"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
	"github.com/datagen24/dshield-mcp-sub002/internal/transport"
	"github.com/datagen24/dshield-mcp-sub002/pkg/metrics"
	"github.com/datagen24/dshield-mcp-sub002/pkg/reporting"
)

// featureSnapshot adapts health.Manager.Snapshot to metrics.FeatureSource
// without pkg/metrics importing internal/health.
type featureSnapshot struct{ mgr *health.Manager }

func (f featureSnapshot) Snapshot() map[string]metrics.FeatureState {
	out := make(map[string]metrics.FeatureState)
	for feature, st := range f.mgr.Snapshot() {
		out[feature] = metrics.FeatureState{Available: st.Available, Reason: st.Reason}
	}
	return out
}

// featureElasticsearchQuery must match the gate tools.go puts on every
// query/campaign/streaming tool.
const featureElasticsearchQuery = "elasticsearch_query"

const defaultShutdownDeadline = 30 * time.Second

type keyLimit struct {
	requestsPerMinute int
	burst             int
}

// Server owns every long-lived component and the connections currently
// talking to them.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	es     *backend.ElasticsearchAdapter
	ti     *backend.ThreatIntelAdapter
	report *backend.ReportAdapter

	healthMgr  *health.Manager
	authn      *auth.Authenticator
	limiter    *ratelimit.Limiter
	engine     *query.Engine
	correlator *campaign.Correlator
	analytics  *rpcerr.Analytics
	registry   *mcp.Registry
	dispatcher *mcp.Dispatcher
	metrics    *metrics.Registry

	keyLimits        map[string]keyLimit
	defaultKeyLimit  keyLimit

	stdin  io.Reader
	stdout io.Writer

	mu          sync.Mutex
	draining    bool
	conns       map[string]*transport.Connection
	connSession map[string]string
	tcpListener *transport.Listener
	cancelRun   context.CancelFunc

	inflight sync.WaitGroup
}

// SetStdio overrides the stdio transport's reader/writer, used by
// cmd/dshield-mcp-server to pass the real process stdin/stdout and by tests
// to pass in-memory pipes. Must be called before Run.
func (s *Server) SetStdio(in io.Reader, out io.Writer) {
	s.stdin = in
	s.stdout = out
}

// New wires every component in dependency order: backend adapters, the
// health manager and its feature definitions, the authenticator loaded
// from cfg.Auth.Keys, the rate limiter, the query engine, the campaign
// correlator, the tool registry, and finally the dispatcher.
func New(cfg *config.Config, log zerolog.Logger, version string) *Server {
	es := backend.NewElasticsearchAdapter(
		cfg.Elasticsearch.URL, cfg.Elasticsearch.Username, cfg.Elasticsearch.Password,
		cfg.Elasticsearch.VerifySSL, log.With().Str("adapter", "elasticsearch").Logger(),
	)
	ti := backend.NewThreatIntelAdapter(
		cfg.ThreatIntel.APIURL, cfg.ThreatIntel.APIKey,
		cfg.ThreatIntel.RateLimitPerMinute, time.Duration(cfg.ThreatIntel.CacheTTLSeconds)*time.Second,
	)
	report := backend.NewReportAdapter(
		cfg.Report.Binary, cfg.OutputDirectory,
		time.Duration(cfg.Report.TimeoutSeconds)*time.Second, int64(cfg.Report.MaxOutputMB)*1024*1024,
	)

	healthMgr := health.NewManager(log.With().Str("component", "health").Logger())
	healthMgr.RegisterAdapter(es)
	healthMgr.RegisterAdapter(ti)
	healthMgr.RegisterAdapter(report)
	healthMgr.DefineFeature(featureElasticsearchQuery, "elasticsearch")
	healthMgr.DefineFeature("threat_intel_enrichment", "threat_intel_api")
	healthMgr.DefineFeature("report_rendering", "typesetter_binary")

	authn, keyLimits, defaultLimit := loadAuthenticator(cfg)

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	engine := query.NewEngine(backend.DefaultFieldMap(), es)
	correlator := campaign.NewCorrelator(engine, defaultIndexPattern(cfg), campaign.DefaultConfig())

	analytics := rpcerr.NewAnalytics(cfg.ErrorHandling.ErrorAggregation.HistorySize, time.Duration(cfg.ErrorHandling.ErrorAggregation.WindowSeconds)*time.Second)

	reports := reporting.NewService(report, healthMgr)

	registry := mcp.NewRegistry()
	mcp.RegisterCoreTools(registry, mcp.Deps{
		Engine:             engine,
		Correlator:         correlator,
		Health:             healthMgr,
		Analytics:          analytics,
		Breakers:           []mcp.BreakerProvider{es, ti, report},
		Reporting:          reports,
		Index:              defaultIndexPattern(cfg),
		DefaultChunkSize:   cfg.Streaming.DefaultChunkSize,
		DefaultMaxChunks:   cfg.Streaming.MaxChunks,
		SessionGapCapacity: cfg.Streaming.DefaultChunkSize,
		DefaultAnomalyMode: anomaly.Mode(cfg.AnomalyDetectionMode),
	})

	dispatcher := mcp.NewDispatcher(registry, authn, healthMgr, analytics, log.With().Str("component", "dispatcher").Logger())

	metricsReg := metrics.New(version, []metrics.BreakerSource{es, ti, report}, featureSnapshot{mgr: healthMgr}, limiter)

	return &Server{
		cfg:             cfg,
		log:             log,
		es:              es,
		ti:              ti,
		report:          report,
		healthMgr:       healthMgr,
		authn:           authn,
		limiter:         limiter,
		engine:          engine,
		correlator:      correlator,
		analytics:       analytics,
		registry:        registry,
		dispatcher:      dispatcher,
		metrics:         metricsReg,
		keyLimits:       keyLimits,
		defaultKeyLimit: defaultLimit,
		conns:           make(map[string]*transport.Connection),
		connSession:     make(map[string]string),
	}
}

func defaultIndexPattern(cfg *config.Config) string {
	if idx, ok := cfg.Elasticsearch.Indices["events"]; ok && idx != "" {
		return idx
	}
	return "events-*"
}

// loadAuthenticator converts cfg.Auth.Keys into auth.ApiKey entries. There
// is no stored per-key creation time in configuration, so expiry is
// computed relative to load time -- a key config, once rotated, grants a
// fresh expiration window rather than an absolute historical one.
func loadAuthenticator(cfg *config.Config) (*auth.Authenticator, map[string]keyLimit, keyLimit) {
	authn := auth.NewAuthenticator(0)
	limits := make(map[string]keyLimit, len(cfg.Auth.Keys))

	perms := make(map[models.Permission]bool, len(cfg.Auth.Defaults.Permissions))
	for name, enabled := range cfg.Auth.Defaults.Permissions {
		if enabled {
			perms[models.Permission(name)] = true
		}
	}

	rpm := cfg.Auth.Defaults.RateLimitPerMinute
	defaultLimit := keyLimit{requestsPerMinute: rpm, burst: 0}

	var expiresAt *time.Time
	if cfg.Auth.Defaults.ExpirationDays > 0 {
		t := time.Now().AddDate(0, 0, cfg.Auth.Defaults.ExpirationDays)
		expiresAt = &t
	}

	for _, k := range cfg.Auth.Keys {
		key := &auth.ApiKey{
			ID:                k.ID,
			Salt:              k.Salt,
			Hash:              k.Hash,
			CreatedAt:         time.Now(),
			ExpiresAt:         expiresAt,
			Permissions:       copyPerms(perms),
			RequestsPerMinute: rpm,
		}
		authn.LoadKey(key)
		limits[k.ID] = keyLimit{requestsPerMinute: rpm}
	}
	return authn, limits, defaultLimit
}

func copyPerms(src map[models.Permission]bool) map[models.Permission]bool {
	dst := make(map[models.Permission]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Run starts the health manager's probe loop and blocks accepting
// connections over the configured transport until ctx is cancelled or
// Shutdown forces an exit.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	defer cancel()

	s.healthMgr.Start(runCtx)
	defer s.healthMgr.Stop()

	if err := s.metrics.Start(runCtx, s.cfg.Metrics.ListenAddr, s.log.With().Str("component", "metrics").Logger()); err != nil {
		return fmt.Errorf("starting metrics listener: %w", err)
	}

	switch s.cfg.Transport.Mode {
	case "tcp":
		return s.runTCP(runCtx)
	default:
		return s.runStdio(runCtx)
	}
}

type stdioConn struct {
	in  io.Reader
	out io.Writer
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c stdioConn) Close() error                { return nil }

func (s *Server) runStdio(ctx context.Context) error {
	conn := transport.NewConnection(stdioConn{in: s.stdin, out: s.stdout}, transport.ModeStdio, 0, s.concurrencyLimit())
	s.handleConnection(ctx, conn)
	return nil
}

func (s *Server) runTCP(ctx context.Context) error {
	ln, err := transport.ListenTCP(s.cfg.Transport.TCP.Bind, s.cfg.Transport.TCP.Port, s.cfg.Transport.TCP.MaxConnections)
	if err != nil {
		return fmt.Errorf("listening on tcp: %w", err)
	}
	s.mu.Lock()
	s.tcpListener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp transport listening")

	idleTimeout := time.Duration(s.cfg.Transport.TCP.ConnectionTimeoutSeconds) * time.Second
	for {
		netConn, release, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		conn := transport.NewConnection(netConn, transport.ModeTCP, idleTimeout, s.concurrencyLimit())
		go func() {
			defer release()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) concurrencyLimit() int {
	if s.cfg.Transport.TCP.MaxConnections > 0 {
		return s.cfg.Transport.TCP.MaxConnections
	}
	return 8
}

func (s *Server) handleConnection(ctx context.Context, conn *transport.Connection) {
	s.registerConn(conn)
	defer func() {
		s.unregisterConn(conn)
		s.authn.CloseConnection(conn.ID)
		s.limiter.DropConnection(conn.ID)
		_ = conn.Close()
	}()

	for raw := range conn.ReadMessages(ctx) {
		if s.isDraining() {
			break
		}
		s.inflight.Add(1)
		go func(raw []byte) {
			defer s.inflight.Done()
			s.handleMessage(ctx, conn, raw)
		}(raw)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *transport.Connection, raw []byte) {
	if err := conn.Acquire(ctx); err != nil {
		return
	}
	defer conn.Release()

	start := time.Now()

	var req mcp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeResponse(conn, errorResponse(nil, rpcerr.NewParse("malformed JSON-RPC message")))
		return
	}

	sessionID := s.sessionFor(conn.ID)
	keyID, limit := s.rateLimitParams(sessionID)
	if result := s.limiter.Allow(keyID, conn.ID, limit.requestsPerMinute, limit.burst); !result.Allowed {
		s.metrics.RecordRateLimitReject("key")
		s.writeResponse(conn, errorResponse(req.ID, rpcerr.NewRateLimited(result.RetryAfterSeconds)))
		return
	}

	resp := s.dispatcher.Dispatch(ctx, conn.ID, sessionID, req)
	if req.Method == "authenticate" && resp.Error == nil {
		var ar mcp.AuthenticateResult
		if json.Unmarshal(resp.Result, &ar) == nil {
			s.setSessionFor(conn.ID, ar.SessionID)
		}
	}

	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
		s.metrics.RecordError(strconv.Itoa(resp.Error.Code))
	}
	duration := time.Since(start)
	s.metrics.RecordRPC(req.Method, outcome, duration)
	if req.Method == "tools/call" {
		s.metrics.RecordToolCall(toolNameFromParams(req.Params), outcome, duration)
	}

	s.log.Info().
		Str("conn", conn.ID).
		Str("method", req.Method).
		Dur("duration", duration).
		Str("outcome", outcome).
		Msg("request handled")

	s.writeResponse(conn, resp)
}

func toolNameFromParams(raw json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &p) != nil || p.Name == "" {
		return "unknown"
	}
	return p.Name
}

func errorResponse(id json.RawMessage, rerr *rpcerr.Error) mcp.Response {
	return mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.WireError{Code: int(rerr.Code), Message: rerr.Message, Data: rerr.Data}}
}

func (s *Server) writeResponse(conn *transport.Connection, resp mcp.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshaling response")
		return
	}
	if err := conn.Write(payload); err != nil {
		s.log.Warn().Err(err).Str("conn", conn.ID).Msg("writing response")
	}
}

func (s *Server) rateLimitParams(sessionID string) (string, keyLimit) {
	if sessionID != "" {
		if session, ok := s.authn.Session(sessionID); ok {
			if limit, ok := s.keyLimits[session.KeyID]; ok {
				return session.KeyID, limit
			}
			return session.KeyID, s.defaultKeyLimit
		}
	}
	return "anonymous", s.defaultKeyLimit
}

func (s *Server) registerConn(conn *transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
}

func (s *Server) unregisterConn(conn *transport.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID)
	delete(s.connSession, conn.ID)
}

func (s *Server) sessionFor(connID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connSession[connID]
}

func (s *Server) setSessionFor(connID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connSession[connID] = sessionID
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Shutdown implements spec.md §4.12's six-step protocol: stop accepting new
// connections, stop accepting new requests on existing connections, wait up
// to deadline for in-flight requests, cancel what's left, close transports,
// close adapters.
func (s *Server) Shutdown(deadline time.Duration) {
	if deadline <= 0 {
		deadline = defaultShutdownDeadline
	}

	s.mu.Lock()
	s.draining = true
	listener := s.tcpListener
	cancel := s.cancelRun
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close() // step 1
	}
	// step 2 happens inside handleConnection's read loop, which checks
	// isDraining() before dispatching each newly read message.

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done: // step 3
	case <-timer.C:
		if cancel != nil {
			cancel() // step 4
		}
	}

	s.closeAllConnections() // step 5

	// step 6: the backend adapters hold no long-lived connections beyond
	// their own HTTP transports, which net/http closes on idle eviction;
	// the health manager's probe loop is already stopped by Run's defer.
}

func (s *Server) closeAllConnections() {
	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
