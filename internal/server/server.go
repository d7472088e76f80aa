// Package server terminates client connections, parses envelopes, and
// dispatches them to registered handlers, feeding the session and broadcast
// managers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/relay-gateway/internal/auth"
	"github.com/adred-codev/relay-gateway/internal/broadcast"
	"github.com/adred-codev/relay-gateway/internal/bus"
	"github.com/adred-codev/relay-gateway/internal/channel"
	"github.com/adred-codev/relay-gateway/internal/config"
	"github.com/adred-codev/relay-gateway/internal/limits"
	"github.com/adred-codev/relay-gateway/internal/metrics"
	"github.com/adred-codev/relay-gateway/internal/session"
)

// TenantResolver yields a tenant identifier per connection attempt. The
// resolution mechanism (path/header/subdomain parsing) belongs to the
// deployment; the default reads the X-Tenant-ID header.
type TenantResolver func(r *http.Request) string

func headerTenantResolver(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

// Context carries a dispatched envelope's session into its handler.
type Context struct {
	Server  *Server
	Session *session.Session
}

// Reply queues a frame back to the originating session.
func (c *Context) Reply(frame []byte) bool {
	return c.Server.sessions.SendTo(c.Session, frame)
}

// HandlerFunc processes one envelope type. A returned error becomes a
// structured error frame to the offending session; it never tears the
// session down by itself.
type HandlerFunc func(ctx *Context, data json.RawMessage) error

// Option customizes server construction.
type Option func(*Server)

// WithBus overrides the backend chosen from configuration. Tests wire the
// local backend or a miniredis-backed one through this.
func WithBus(b bus.Bus) Option { return func(s *Server) { s.bus = b } }

// WithVerifier plugs in an external credential verifier.
func WithVerifier(v auth.Verifier) Option { return func(s *Server) { s.verifier = v } }

// WithTenantResolver replaces the default header-based tenant resolution.
func WithTenantResolver(tr TenantResolver) Option { return func(s *Server) { s.tenantResolver = tr } }

// WithClock injects a mock clock for tests.
func WithClock(clk clock.Clock) Option { return func(s *Server) { s.clk = clk } }

// Server is the protocol server: HTTP listener, upgrade handshake, and the
// envelope router on top of the component graph.
type Server struct {
	cfg       *config.Config
	gatewayID string
	logger    zerolog.Logger
	clk       clock.Clock
	metrics   *metrics.Metrics

	verifier       auth.Verifier
	tenantResolver TenantResolver
	issuer         *auth.Issuer

	bus         bus.Bus
	sessions    *session.Manager
	channels    *channel.Manager
	broadcaster *broadcast.Manager

	msgLimiter *limits.Keyed
	ipLimiter  *limits.Keyed
	tenLimiter *limits.Keyed

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc

	httpServer   *http.Server
	listener     net.Listener
	shuttingDown atomic.Bool
	stop         chan struct{}
	wg           sync.WaitGroup
}

// New wires the full component graph from configuration. Invalid
// configuration or an unreachable mandatory dependency aborts construction.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:            cfg,
		gatewayID:      uuid.NewString(),
		logger:         logger,
		clk:            clock.New(),
		metrics:        metrics.New(),
		tenantResolver: headerTenantResolver,
		handlers:       make(map[string]HandlerFunc),
		stop:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.verifier == nil && cfg.AuthEnabled {
		s.verifier = auth.NewJWTVerifier(cfg.JWTSecret, cfg.ClockSkew)
	}
	if cfg.AuthEnabled {
		s.issuer = auth.NewIssuer(cfg.JWTSecret, time.Hour)
	}

	if s.bus == nil {
		b, err := buildBus(cfg, s.gatewayID, logger)
		if err != nil {
			return nil, err
		}
		s.bus = b
	}

	if cfg.RateLimitEnabled {
		s.ipLimiter = limits.NewKeyed(limits.Config{
			Rate:  cfg.ConnsPerIPRate,
			Burst: cfg.ConnsPerIPBurst,
			TTL:   cfg.BucketTTL,
		}, s.clk, logger)
		if cfg.TenantConnRate > 0 {
			s.tenLimiter = limits.NewKeyed(limits.Config{
				Rate:  cfg.TenantConnRate,
				Burst: cfg.TenantConnBurst,
				TTL:   cfg.BucketTTL,
			}, s.clk, logger)
		}
		s.msgLimiter = limits.NewKeyed(limits.Config{
			Rate:  float64(cfg.MessagesPerMinute) / 60.0,
			Burst: cfg.MessageBurst,
			TTL:   cfg.BucketTTL,
		}, s.clk, logger)
	}

	s.sessions = session.NewManager(session.ManagerConfig{
		MaxConnections:         cfg.MaxConnections,
		SendQueueSize:          cfg.SendQueueSize,
		OverflowPolicy:         cfg.OverflowPolicy,
		MissedHeartbeatTimeout: cfg.MissedHeartbeatTimeout,
		AuthAttempts:           cfg.AuthAttempts,
		RequiredScope:          cfg.RequiredScope,
	}, s.verifier, s.clk, s.metrics, logger)
	s.sessions.SetAdmission(s.ipLimiter, s.tenLimiter)

	s.channels = channel.NewManager(cfg.TenantIsolation, cfg.PersistentChannels, s.bus, logger)
	s.broadcaster = broadcast.NewManager(s.gatewayID, s.sessions, s.channels, s.bus, s.metrics, s.clk, logger)

	// Disconnect cascade: membership cleanup, then rate-limit release.
	s.sessions.OnTerminate(func(sess *session.Session, _ string) {
		s.channels.DropSession(sess)
		if s.msgLimiter != nil {
			s.msgLimiter.Forget(sess.ID())
		}
	})

	s.registerBuiltinHandlers()
	s.setupHTTPServer()

	return s, nil
}

func buildBus(cfg *config.Config, gatewayID string, logger zerolog.Logger) (bus.Bus, error) {
	if cfg.BackendType == config.BackendLocal {
		return bus.NewLocal(), nil
	}
	switch cfg.BusDriver {
	case config.DriverNATS:
		return bus.NewNATS(gatewayID, bus.NATSConfig{URL: cfg.BusURL}, logger)
	case config.DriverRedis:
		return bus.NewRedis(gatewayID, cfg.BusURL, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	if s.issuer != nil {
		mux.HandleFunc("/auth/token", s.handleDevToken)
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// GatewayID is this instance's origin id on the bus.
func (s *Server) GatewayID() string { return s.gatewayID }

// Sessions exposes the session registry to collaborators.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Channels exposes the channel registry to collaborators.
func (s *Server) Channels() *channel.Manager { return s.channels }

// Start binds the listener and runs the gateway. A bind failure is
// startup-fatal and returned synchronously.
func (s *Server) Start() error {
	if err := s.broadcaster.Start(); err != nil {
		return fmt.Errorf("failed to start broadcast manager: %w", err)
	}

	if s.ipLimiter != nil {
		s.ipLimiter.StartCleanup(time.Minute)
	}
	if s.tenLimiter != nil {
		s.tenLimiter.StartCleanup(time.Minute)
	}
	if s.msgLimiter != nil {
		s.msgLimiter.StartCleanup(time.Minute)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sessions.SweepLoop(s.stop)
	}()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Str("gateway_id", s.gatewayID).
			Str("backend", s.cfg.BackendType).
			Msg("Gateway listening")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address (useful when binding :0 in tests).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains the gateway: refuse new connections, give in-flight
// exchanges the configured drain window, then force-close what remains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.sessions.SetDraining(true)
	s.logger.Info().Dur("drain", s.cfg.ShutdownDrain).Msg("Shutting down, draining sessions")

	httpCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownDrain)
	defer cancel()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	drain := s.clk.Timer(s.cfg.ShutdownDrain)
	defer drain.Stop()
	for s.sessions.Count() > 0 {
		select {
		case <-drain.C:
			s.logger.Info().Int("remaining", s.sessions.Count()).Msg("Drain window elapsed, forcing close")
		case <-ctx.Done():
		case <-s.clk.After(100 * time.Millisecond):
			continue
		}
		break
	}

	s.sessions.TerminateAll("shutdown")

	if err := s.bus.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Bus close error")
	}

	for _, k := range []*limits.Keyed{s.ipLimiter, s.tenLimiter, s.msgLimiter} {
		if k != nil {
			k.Stop()
		}
	}

	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Gateway shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Gateway shutdown timed out")
		return ctx.Err()
	}
}

// RegisterMessageHandler maps an envelope type to a handler capability.
// Reserved built-in types cannot be replaced; unknown types are rejected at
// dispatch by default.
func (s *Server) RegisterMessageHandler(msgType string, h HandlerFunc) error {
	if msgType == "" || h == nil {
		return fmt.Errorf("message type and handler are required")
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if _, exists := s.handlers[msgType]; exists {
		return fmt.Errorf("handler already registered for type %q", msgType)
	}
	s.handlers[msgType] = h
	return nil
}

func (s *Server) handler(msgType string) (HandlerFunc, bool) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	h, ok := s.handlers[msgType]
	return h, ok
}

// BroadcastToChannel delivers payload to every subscriber of the named
// channel, local and remote. The name is normalized against the tenant.
func (s *Server) BroadcastToChannel(ctx context.Context, tenant, name string, payload []byte) (int, error) {
	key, err := s.channels.Normalize(tenant, name)
	if err != nil {
		return 0, err
	}
	return s.broadcaster.Broadcast(ctx, broadcast.Target{Scope: broadcast.ScopeChannel, Value: key}, payload, broadcast.Options{})
}

// BroadcastToUser delivers payload to every session of a user.
func (s *Server) BroadcastToUser(ctx context.Context, userID string, payload []byte) (int, error) {
	return s.broadcaster.Broadcast(ctx, broadcast.Target{Scope: broadcast.ScopeUser, Value: userID}, payload, broadcast.Options{})
}

// BroadcastToTenant delivers payload to every session bound to a tenant.
func (s *Server) BroadcastToTenant(ctx context.Context, tenantID string, payload []byte) (int, error) {
	return s.broadcaster.Broadcast(ctx, broadcast.Target{Scope: broadcast.ScopeTenant, Value: tenantID}, payload, broadcast.Options{})
}

// Health is the health_check() result exposed to collaborators.
type Health struct {
	Status         string     `json:"status"` // healthy | degraded
	BackendStatus  bus.Status `json:"backend_status"`
	ActiveSessions int        `json:"active_sessions"`
	Channels       int        `json:"channels"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
}

// HealthCheck reports gateway liveness. Bus trouble degrades, never fails:
// local delivery continues while the backend reconnects.
func (s *Server) HealthCheck() Health {
	status := "healthy"
	busStatus := s.bus.Status()
	if !busStatus.Healthy() {
		status = "degraded"
	}
	if busStatus.Healthy() {
		s.metrics.BusStatus.Set(1)
	} else {
		s.metrics.BusStatus.Set(0)
	}
	return Health{
		Status:         status,
		BackendStatus:  busStatus,
		ActiveSessions: s.sessions.Count(),
		Channels:       s.channels.Count(),
		UptimeSeconds:  time.Since(s.metrics.Snapshot().StartTime).Seconds(),
	}
}

// Stats is the get_stats() result exposed to collaborators.
type Stats struct {
	GatewayID       string         `json:"gateway_id"`
	ActiveSessions  int            `json:"active_sessions"`
	Channels        int            `json:"channels"`
	MessagesIn      int64          `json:"messages_in"`
	MessagesOut     int64          `json:"messages_out"`
	RateLimited     int64          `json:"rate_limited"`
	DroppedFrames   int64          `json:"dropped_frames"`
	BusPublished    int64          `json:"bus_published"`
	BusRelayed      int64          `json:"bus_relayed"`
	SessionsEvicted int64          `json:"sessions_evicted"`
	BackendStatus   bus.Status     `json:"backend_status"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	System          map[string]any `json:"system,omitempty"`
}

// GetStats snapshots the gateway counters.
func (s *Server) GetStats() Stats {
	snap := s.metrics.Snapshot()
	return Stats{
		GatewayID:       s.gatewayID,
		ActiveSessions:  s.sessions.Count(),
		Channels:        s.channels.Count(),
		MessagesIn:      snap.MessagesIn,
		MessagesOut:     snap.MessagesOut,
		RateLimited:     snap.RateLimited,
		DroppedFrames:   snap.DroppedFrames,
		BusPublished:    snap.BusPublished,
		BusRelayed:      snap.BusRelayed,
		SessionsEvicted: snap.SessionsEvicted,
		BackendStatus:   s.bus.Status(),
		UptimeSeconds:   time.Since(snap.StartTime).Seconds(),
		System:          systemStats(),
	}
}

func systemStats() map[string]any {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if cpu, err := proc.CPUPercent(); err == nil {
		out["cpu_percent"] = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		out["rss_bytes"] = mem.RSS
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	// Degraded mode still serves traffic; the body carries the distinction.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.HealthCheck())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleDevToken mints a short-lived token from the configured secret.
// Development convenience only; production tokens come from the identity
// provider.
func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	userID := q.Get("user")
	if userID == "" {
		userID = "dev-user"
	}
	var roles []string
	if v := q.Get("roles"); v != "" {
		roles = strings.Split(v, ",")
	}
	token, err := s.issuer.Issue(userID, q.Get("tenant"), roles, nil)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// clientIP extracts the client IP, honoring X-Forwarded-For from load
// balancers.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
