package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay-gateway/internal/auth"
	"github.com/adred-codev/relay-gateway/internal/config"
	"github.com/adred-codev/relay-gateway/internal/gateway"
	"github.com/adred-codev/relay-gateway/internal/limits"
	"github.com/adred-codev/relay-gateway/internal/metrics"
)

// TerminateHook runs after a session has been removed from the registry.
// The channel manager registers one to cascade unsubscription; the server
// registers one to release per-session rate-limit state.
type TerminateHook func(s *Session, reason string)

// ManagerConfig holds the session registry tuning.
type ManagerConfig struct {
	MaxConnections         int
	SendQueueSize          int
	OverflowPolicy         string // config.OverflowDropOldest | config.OverflowDisconnect
	MissedHeartbeatTimeout time.Duration
	AuthAttempts           int
	RequiredScope          string
}

// Manager is the authoritative registry of live sessions. Admission checks
// run at registration; identity binding happens exactly once per session.
type Manager struct {
	cfg      ManagerConfig
	verifier auth.Verifier
	clk      clock.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// Optional admission limiters. Both are evaluated independently; a
	// connection is denied if either denies.
	ipAdmission     *limits.Keyed
	tenantAdmission *limits.Keyed

	mu       sync.RWMutex
	sessions map[string]*Session

	hookMu sync.Mutex
	hooks  []TerminateHook

	draining atomic.Bool
}

func NewManager(cfg ManagerConfig, verifier auth.Verifier, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		clk:      clk,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// SetAdmission installs connection admission limiters. Either may be nil.
func (m *Manager) SetAdmission(perIP, perTenant *limits.Keyed) {
	m.ipAdmission = perIP
	m.tenantAdmission = perTenant
}

// OnTerminate registers a cascade hook. Hooks run outside the registry lock
// in registration order.
func (m *Manager) OnTerminate(hook TerminateHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hookMu.Unlock()
}

// Register creates an unauthenticated session for a freshly upgraded
// connection. Admission denials return ErrRateLimited (retryable); a full
// registry or a draining gateway returns ErrResourceExhausted.
func (m *Manager) Register(conn net.Conn, remoteIP, tenantID string) (*Session, error) {
	if m.draining.Load() {
		return nil, fmt.Errorf("%w: gateway draining", gateway.ErrResourceExhausted)
	}

	if m.ipAdmission != nil && !m.ipAdmission.Allow(remoteIP) {
		m.metrics.RecordRateLimited("ip")
		return nil, fmt.Errorf("%w: connection rate for %s", gateway.ErrRateLimited, remoteIP)
	}
	if m.tenantAdmission != nil && tenantID != "" && !m.tenantAdmission.Allow(tenantID) {
		m.metrics.RecordRateLimited("tenant")
		return nil, fmt.Errorf("%w: tenant %s aggregate connection cap", gateway.ErrRateLimited, tenantID)
	}

	s := newSession(uuid.NewString(), conn, remoteIP, tenantID, m.cfg.SendQueueSize, m.clk.Now())

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.metrics.ConnectionsFailed.WithLabelValues("max_connections").Inc()
		return nil, fmt.Errorf("%w: max connections (%d)", gateway.ErrResourceExhausted, m.cfg.MaxConnections)
	}
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	s.state.Store(int32(StateActive))
	m.metrics.ConnectionsTotal.Inc()
	m.metrics.ConnectionsActive.Set(float64(active))

	m.logger.Debug().
		Str("session_id", s.id).
		Str("remote_ip", remoteIP).
		Str("tenant", tenantID).
		Int("active", active).
		Msg("Session registered")

	return s, nil
}

// Authenticate validates the credential and binds identity to the session.
// The tenant binding is immutable: a second authentication attempt on an
// already-authenticated session fails, as does a token whose tenant differs
// from the one resolved at connection time.
func (m *Manager) Authenticate(sessionID, token string) (*auth.Claims, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, gateway.ErrSessionNotFound
	}
	if s.IsAuthenticated() {
		return nil, fmt.Errorf("%w: session already authenticated", gateway.ErrUnauthorized)
	}

	claims, err := m.verifier.Verify(token)
	if err != nil {
		m.metrics.AuthFailuresTotal.Inc()
		failures := s.recordAuthFailure()
		if m.cfg.AuthAttempts > 0 && failures >= int32(m.cfg.AuthAttempts) {
			m.logger.Warn().
				Str("session_id", sessionID).
				Int32("failures", failures).
				Msg("Terminating session after repeated auth failures")
			m.Terminate(sessionID, "auth_failure_limit")
		}
		return nil, err
	}

	if err := auth.RequireScope(claims, m.cfg.RequiredScope); err != nil {
		m.metrics.AuthFailuresTotal.Inc()
		return nil, err
	}

	if resolved := s.TenantID(); resolved != "" && claims.TenantID != "" && resolved != claims.TenantID {
		m.metrics.AuthFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: token tenant %q does not match connection tenant %q",
			gateway.ErrUnauthorized, claims.TenantID, resolved)
	}

	tenant := claims.TenantID
	if tenant == "" {
		tenant = s.TenantID()
	}
	s.bind(claims.UserID, tenant, claims.Roles, claims.Permissions)

	m.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", claims.UserID).
		Str("tenant", tenant).
		Msg("Session authenticated")

	return claims, nil
}

// Heartbeat resets the session's idle timer. Unknown ids are ignored:
// a heartbeat racing a disconnect is routine, not an error.
func (m *Manager) Heartbeat(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.TouchHeartbeat(m.clk.Now())
	}
}

// Send queues a frame for delivery. Best-effort: returns false without
// raising if the session is gone or its queue is saturated under the
// disconnect policy.
func (m *Manager) Send(sessionID string, frame []byte) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	return m.SendTo(s, frame)
}

// SendTo is Send for callers already holding the session.
func (m *Manager) SendTo(s *Session, frame []byte) bool {
	switch s.enqueue(frame, m.cfg.OverflowPolicy == config.OverflowDropOldest) {
	case Queued:
		return true
	case DroppedOldest:
		m.metrics.RecordDroppedFrame("queue_overflow")
		return true
	default:
		m.metrics.RecordDroppedFrame("queue_overflow")
		if m.cfg.OverflowPolicy == config.OverflowDisconnect {
			m.logger.Warn().
				Str("session_id", s.id).
				Msg("Disconnecting session on send queue overflow")
			m.Terminate(s.id, "send_queue_overflow")
		}
		return false
	}
}

// Terminate closes the transport, removes the session, and runs the cascade
// hooks (channel unsubscription, rate-limit release). Idempotent under
// concurrent disconnects.
func (m *Manager) Terminate(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}

	s.close()
	m.metrics.ConnectionsActive.Set(float64(active))

	m.hookMu.Lock()
	hooks := make([]TerminateHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hookMu.Unlock()
	for _, hook := range hooks {
		hook(s, reason)
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Dur("duration", m.clk.Now().Sub(s.connectedAt)).
		Msg("Session terminated")
}

// Get returns the live session for an id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	return s, ok
}

// Snapshot returns the current sessions. The slice is a copy; the sessions
// are live.
func (m *Manager) Snapshot() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetDraining toggles refusal of new registrations during shutdown.
func (m *Manager) SetDraining(v bool) {
	m.draining.Store(v)
	if v {
		for _, s := range m.Snapshot() {
			if s.State() != StateClosed {
				s.state.Store(int32(StateDraining))
			}
		}
	}
}

// TerminateAll force-closes every remaining session.
func (m *Manager) TerminateAll(reason string) {
	for _, s := range m.Snapshot() {
		m.Terminate(s.id, reason)
	}
}

// SweepLoop evicts sessions whose last heartbeat is older than the missed
// heartbeat timeout. Eviction is routine housekeeping, logged at debug.
// Blocks until stop is closed.
func (m *Manager) SweepLoop(stop <-chan struct{}) {
	interval := m.cfg.MissedHeartbeatTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	cutoff := m.clk.Now().Add(-m.cfg.MissedHeartbeatTimeout)
	for _, s := range m.Snapshot() {
		if s.LastHeartbeat().Before(cutoff) {
			m.logger.Debug().
				Str("session_id", s.id).
				Time("last_heartbeat", s.LastHeartbeat()).
				Msg("Evicting session after missed heartbeats")
			m.metrics.RecordEviction()
			m.Terminate(s.id, "heartbeat_timeout")
		}
	}
}
