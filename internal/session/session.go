package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State models the explicit connection lifecycle:
// Connecting -> Active (anonymous) -> Authenticated -> Draining -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateAuthenticated
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateAuthenticated:
		return "authenticated"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a single logical connection, authenticated or anonymous.
// Identity fields are written once under mu during authentication and are
// immutable afterwards.
type Session struct {
	id       string
	conn     net.Conn
	remoteIP string

	state atomic.Int32

	mu          sync.RWMutex
	userID      string
	tenantID    string
	roles       []string
	permissions []string

	// Normalized channel keys this session belongs to. The channel manager
	// reads this set when cascading unsubscription on disconnect.
	chMu     sync.Mutex
	channels map[string]struct{}

	send chan []byte
	done chan struct{}

	lastBeat     atomic.Int64 // unix nanos
	connectedAt  time.Time
	authFailures atomic.Int32
	strikes      atomic.Int32

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, remoteIP, tenantID string, queueSize int, now time.Time) *Session {
	s := &Session{
		id:          id,
		conn:        conn,
		remoteIP:    remoteIP,
		tenantID:    tenantID,
		channels:    make(map[string]struct{}),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		connectedAt: now,
	}
	s.state.Store(int32(StateConnecting))
	s.lastBeat.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) RemoteIP() string { return s.remoteIP }
func (s *Session) Conn() net.Conn   { return s.conn }

// Outbound returns the bounded send queue drained by the write pump.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed exactly once when the session is terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) IsAuthenticated() bool { return s.State() == StateAuthenticated }

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) TenantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantID
}

func (s *Session) HasRole(role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r == role {
			return true
		}
	}
	return false
}

// bind promotes the session to authenticated and fixes its identity.
func (s *Session) bind(userID, tenantID string, roles, permissions []string) {
	s.mu.Lock()
	s.userID = userID
	s.tenantID = tenantID
	s.roles = roles
	s.permissions = permissions
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))
}

func (s *Session) TouchHeartbeat(now time.Time) {
	s.lastBeat.Store(now.UnixNano())
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// AddChannel records membership in a normalized channel key.
func (s *Session) AddChannel(key string) {
	s.chMu.Lock()
	s.channels[key] = struct{}{}
	s.chMu.Unlock()
}

// RemoveChannel drops membership. Idempotent.
func (s *Session) RemoveChannel(key string) {
	s.chMu.Lock()
	delete(s.channels, key)
	s.chMu.Unlock()
}

// ChannelKeys returns a copy of the session's channel memberships.
func (s *Session) ChannelKeys() []string {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	keys := make([]string, 0, len(s.channels))
	for k := range s.channels {
		keys = append(keys, k)
	}
	return keys
}

// EnqueueResult reports what happened to a frame offered to the send queue.
type EnqueueResult int

const (
	Queued EnqueueResult = iota
	DroppedOldest
	Overflow
)

// enqueue offers a frame to the bounded send queue without ever blocking.
// With dropOldest the oldest queued frame is discarded to make room;
// otherwise a full queue reports Overflow and the manager applies the
// configured disconnect policy.
func (s *Session) enqueue(frame []byte, dropOldest bool) EnqueueResult {
	if s.State() == StateClosed {
		return Overflow
	}

	select {
	case s.send <- frame:
		return Queued
	default:
	}

	if !dropOldest {
		return Overflow
	}

	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- frame:
		return DroppedOldest
	default:
		return Overflow
	}
}

// close marks the session closed and releases the transport. Safe to call
// concurrently; only the first call has effect.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) recordAuthFailure() int32 { return s.authFailures.Add(1) }

// RecordStrike counts a non-fatal violation (rate limit hit) against the
// session and returns the running total.
func (s *Session) RecordStrike() int32 { return s.strikes.Add(1) }
