// Package channel owns the topic namespace and local subscriber membership.
// Channels are created lazily on first subscribe and destroyed when their
// local subscriber set empties, unless marked persistent. With tenant
// isolation enabled every channel key is tenant-prefixed and a session may
// not subscribe outside its own namespace.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/relay-gateway/internal/bus"
	"github.com/adred-codev/relay-gateway/internal/gateway"
	"github.com/adred-codev/relay-gateway/internal/session"
)

// Channel is a named topic with its local subscriber set.
type Channel struct {
	Key        string
	Tenant     string
	Persistent bool
	CreatedAt  time.Time

	members map[string]*session.Session
	// Immutable subscriber snapshot for the broadcast hot path. Rebuilt
	// copy-on-write under the manager lock; readers load it lock-free.
	snapshot atomic.Value // []*session.Session
}

func (c *Channel) rebuildSnapshot() {
	snap := make([]*session.Session, 0, len(c.members))
	for _, s := range c.members {
		snap = append(snap, s)
	}
	c.snapshot.Store(snap)
}

// Manager tracks channels and registers bus interest for them. Membership
// mutation and the check-empty-then-deregister step are the only
// cross-session shared state; both happen atomically under one lock,
// including the bus interest calls, so interest can never invert against
// membership.
type Manager struct {
	mu         sync.RWMutex
	channels   map[string]*Channel
	isolation  bool
	persistent map[string]struct{}
	b          bus.Bus
	logger     zerolog.Logger
}

func NewManager(isolation bool, persistentChannels []string, b bus.Bus, logger zerolog.Logger) *Manager {
	persistent := make(map[string]struct{}, len(persistentChannels))
	for _, name := range persistentChannels {
		if name = strings.TrimSpace(name); name != "" {
			persistent[name] = struct{}{}
		}
	}
	return &Manager{
		channels:   make(map[string]*Channel),
		isolation:  isolation,
		persistent: persistent,
		b:          b,
		logger:     logger.With().Str("component", "channel_manager").Logger(),
	}
}

// Normalize resolves a requested channel name to its tenant-qualified key.
// With isolation enabled an explicit prefix naming another tenant fails with
// ErrChannelNotPermitted; an unprefixed name gets the session's tenant.
func (m *Manager) Normalize(tenant, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty channel name", gateway.ErrChannelNotPermitted)
	}
	if !m.isolation {
		return name, nil
	}
	if tenant == "" {
		return "", fmt.Errorf("%w: session has no tenant", gateway.ErrChannelNotPermitted)
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		if name[:i] != tenant {
			return "", fmt.Errorf("%w: channel %q outside tenant %q", gateway.ErrChannelNotPermitted, name, tenant)
		}
		return name, nil
	}
	return tenant + ":" + name, nil
}

// Subscribe adds the session to the channel, creating it if absent, and
// registers bus interest on the first local subscriber. Idempotent: a repeat
// subscribe returns the key with no error.
func (m *Manager) Subscribe(s *session.Session, name string) (string, error) {
	key, err := m.Normalize(s.TenantID(), name)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		_, persistent := m.persistent[key]
		ch = &Channel{
			Key:        key,
			Tenant:     tenantOf(key, m.isolation),
			Persistent: persistent,
			CreatedAt:  time.Now(),
			members:    make(map[string]*session.Session),
		}
		ch.rebuildSnapshot()
		m.channels[key] = ch
	}

	if _, member := ch.members[s.ID()]; member {
		m.mu.Unlock()
		return key, nil
	}

	ch.members[s.ID()] = s
	ch.rebuildSnapshot()
	first := len(ch.members) == 1

	var busErr error
	if first {
		busErr = m.b.Subscribe(bus.ChannelTopic(key))
	}
	m.mu.Unlock()

	s.AddChannel(key)

	// A concurrent terminate (sweep eviction, overflow disconnect, shutdown)
	// may have run its disconnect cascade between the state transition and
	// the membership insert above, leaving this membership orphaned on a
	// closed session. Undo it; removeMember is idempotent against the
	// cascade's own cleanup.
	if s.State() == session.StateClosed {
		m.removeMember(s, key)
		s.RemoveChannel(key)
		return "", fmt.Errorf("%w: session closed during subscribe", gateway.ErrSessionNotFound)
	}

	if busErr != nil {
		// Degraded mode: local membership stands, remote interest catches up
		// when the bus recovers.
		m.logger.Warn().Err(busErr).Str("channel", key).Msg("Bus interest registration failed")
	}

	m.logger.Debug().
		Str("session_id", s.ID()).
		Str("channel", key).
		Bool("created", !ok).
		Msg("Subscribed")

	return key, nil
}

// Unsubscribe removes the session from the channel. Idempotent: repeating it
// on an already-applied state returns success, because retries may duplicate
// calls. The last local subscriber leaving deregisters bus interest unless
// the channel is persistent.
func (m *Manager) Unsubscribe(s *session.Session, name string) error {
	key, err := m.Normalize(s.TenantID(), name)
	if err != nil {
		// A name this session could never subscribe to cannot hold
		// membership; treat as already unsubscribed.
		return nil
	}
	m.removeMember(s, key)
	s.RemoveChannel(key)
	return nil
}

// DropSession cascades unsubscription across every channel the session
// belonged to. Idempotent under concurrent disconnects.
func (m *Manager) DropSession(s *session.Session) {
	for _, key := range s.ChannelKeys() {
		m.removeMember(s, key)
		s.RemoveChannel(key)
	}
}

func (m *Manager) removeMember(s *session.Session, key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := ch.members[s.ID()]; !member {
		m.mu.Unlock()
		return
	}

	delete(ch.members, s.ID())
	ch.rebuildSnapshot()

	var busErr error
	destroyed := false
	if len(ch.members) == 0 && !ch.Persistent {
		delete(m.channels, key)
		destroyed = true
		busErr = m.b.Unsubscribe(bus.ChannelTopic(key))
	}
	m.mu.Unlock()

	if busErr != nil {
		m.logger.Warn().Err(busErr).Str("channel", key).Msg("Bus interest deregistration failed")
	}

	m.logger.Debug().
		Str("session_id", s.ID()).
		Str("channel", key).
		Bool("destroyed", destroyed).
		Msg("Unsubscribed")
}

// Subscribers returns the immutable local member snapshot for a channel key.
// Safe to iterate, must not be modified.
func (m *Manager) Subscribers(key string) []*session.Session {
	m.mu.RLock()
	ch, ok := m.channels[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	snap, _ := ch.snapshot.Load().([]*session.Session)
	return snap
}

// Count returns the number of live channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Keys returns the current channel keys.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	return keys
}

func tenantOf(key string, isolation bool) string {
	if !isolation {
		return ""
	}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return ""
}
