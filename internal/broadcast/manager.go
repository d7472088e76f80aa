// Package broadcast resolves logical targets (channel/user/role/tenant/all)
// into concrete delivery: a local fan-out over live sessions plus a publish
// to the scaling backend so members on peer instances receive the same
// frame.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay-gateway/internal/bus"
	"github.com/adred-codev/relay-gateway/internal/channel"
	"github.com/adred-codev/relay-gateway/internal/gateway"
	"github.com/adred-codev/relay-gateway/internal/metrics"
	"github.com/adred-codev/relay-gateway/internal/session"
)

// Scope is the targeting dimension of a broadcast.
type Scope string

const (
	ScopeChannel Scope = "channel"
	ScopeUser    Scope = "user"
	ScopeRole    Scope = "role"
	ScopeTenant  Scope = "tenant"
	ScopeAll     Scope = "all"
)

// ParseScope validates a wire scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeChannel, ScopeUser, ScopeRole, ScopeTenant, ScopeAll:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("invalid broadcast scope %q", s)
	}
}

// Target selects the recipients of a broadcast. For ScopeChannel the value
// is the normalized (tenant-qualified) channel key; for ScopeAll it is
// empty.
type Target struct {
	Scope Scope
	Value string
}

// Options tune a single broadcast call.
type Options struct {
	// Sender is the originating session id, echoed in the delivered frame.
	Sender string
	// Confirmed makes the call fail with ErrNoEligibleTargets when no local
	// member exists and no connected peer instance could have any.
	Confirmed bool
}

// frame is the envelope delivered to clients. Serialized once per broadcast;
// every recipient, local or remote, gets the same bytes.
type frame struct {
	Type    string          `json:"type"`
	Scope   Scope           `json:"scope"`
	Channel string          `json:"channel,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// Manager performs the dual local+remote fan-out.
type Manager struct {
	gatewayID string
	sessions  *session.Manager
	channels  *channel.Manager
	b         bus.Bus
	metrics   *metrics.Metrics
	clk       clock.Clock
	logger    zerolog.Logger

	// Remote publish for ScopeAll is reserved for rare operator-wide
	// messages and is off by default.
	RemoteAll bool
}

func NewManager(gatewayID string, sessions *session.Manager, channels *channel.Manager, b bus.Bus, m *metrics.Metrics, clk clock.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		gatewayID: gatewayID,
		sessions:  sessions,
		channels:  channels,
		b:         b,
		metrics:   m,
		clk:       clk,
		logger:    logger.With().Str("component", "broadcast_manager").Logger(),
	}
}

// Start installs the bus relay and registers interest in the scope topics
// shared by all instances. Channel topics are registered per channel by the
// channel manager.
func (m *Manager) Start() error {
	m.b.SetRelay(m.relay)
	for _, scope := range []Scope{ScopeUser, ScopeRole, ScopeTenant} {
		if err := m.b.Subscribe(bus.ScopeTopic(string(scope))); err != nil {
			return fmt.Errorf("failed to register scope topic %s: %w", scope, err)
		}
	}
	return nil
}

// Broadcast delivers payload to every session matching the target: local
// members first, then a publish to the scaling backend for peer instances.
// A delivery failure to one target never aborts fan-out to others. Returns
// the local delivery count.
func (m *Manager) Broadcast(ctx context.Context, t Target, payload []byte, opts Options) (int, error) {
	m.metrics.BroadcastsTotal.WithLabelValues(string(t.Scope)).Inc()

	f := frame{
		Type:   "message",
		Scope:  t.Scope,
		Sender: opts.Sender,
		ID:     uuid.NewString(),
		TS:     m.clk.Now().UnixMilli(),
		Data:   payload,
	}
	if t.Scope == ScopeChannel {
		f.Channel = t.Value
	}

	wire, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize broadcast frame: %w", err)
	}

	start := m.clk.Now()
	delivered := m.localFanout(t, wire)
	m.metrics.DeliveryLatency.Observe(m.clk.Since(start).Seconds())

	remoteEligible := false
	if topic, publish := m.remoteTopic(t); publish {
		remoteEligible = m.b.Status() == bus.StatusConnected
		msg := bus.Message{
			Origin:  m.gatewayID,
			ID:      f.ID,
			Topic:   topic,
			Scope:   string(t.Scope),
			Target:  t.Value,
			Payload: wire,
			SentAt:  f.TS,
		}
		if err := m.b.Publish(ctx, msg); err != nil {
			// Bus trouble degrades to local-only delivery; surfaced through
			// health and metrics, never to broadcast callers.
			if errors.Is(err, gateway.ErrBackendDegraded) {
				m.logger.Debug().Err(err).Str("topic", topic).Msg("Publish skipped, backend degraded")
			} else {
				m.logger.Warn().Err(err).Str("topic", topic).Msg("Bus publish failed")
			}
			remoteEligible = false
		} else {
			m.metrics.RecordBusPublished()
		}
	}

	if opts.Confirmed && delivered == 0 && !remoteEligible {
		return 0, gateway.ErrNoEligibleTargets
	}
	return delivered, nil
}

// remoteTopic resolves the bus topic for a target. ScopeAll stays local
// unless RemoteAll is set.
func (m *Manager) remoteTopic(t Target) (string, bool) {
	switch t.Scope {
	case ScopeChannel:
		return bus.ChannelTopic(t.Value), true
	case ScopeUser, ScopeRole, ScopeTenant:
		return bus.ScopeTopic(string(t.Scope)), true
	case ScopeAll:
		return bus.ScopeTopic(string(ScopeAll)), m.RemoteAll
	default:
		return "", false
	}
}

// localFanout sends the prepared frame to every matching local session.
func (m *Manager) localFanout(t Target, wire []byte) int {
	delivered := 0

	deliver := func(s *session.Session) {
		if m.sessions.SendTo(s, wire) {
			delivered++
			m.metrics.RecordMessageOut()
		}
	}

	switch t.Scope {
	case ScopeChannel:
		for _, s := range m.channels.Subscribers(t.Value) {
			deliver(s)
		}
	case ScopeUser:
		for _, s := range m.sessions.Snapshot() {
			if s.UserID() == t.Value {
				deliver(s)
			}
		}
	case ScopeRole:
		for _, s := range m.sessions.Snapshot() {
			if s.HasRole(t.Value) {
				deliver(s)
			}
		}
	case ScopeTenant:
		for _, s := range m.sessions.Snapshot() {
			if s.TenantID() == t.Value {
				deliver(s)
			}
		}
	case ScopeAll:
		for _, s := range m.sessions.Snapshot() {
			deliver(s)
		}
	}

	return delivered
}

// relay feeds messages received from peer instances into local fan-out.
// Self-originated messages are never re-broadcast; the bus backends drop
// them before relay, and the origin check here upholds the invariant for
// any backend.
func (m *Manager) relay(msg bus.Message) {
	if msg.Origin == m.gatewayID {
		return
	}
	m.metrics.RecordBusRelayed()

	scope, err := ParseScope(msg.Scope)
	if err != nil {
		m.logger.Warn().Str("scope", msg.Scope).Msg("Dropping bus message with invalid scope")
		return
	}

	delivered := m.localFanout(Target{Scope: scope, Value: msg.Target}, msg.Payload)
	m.logger.Debug().
		Str("origin", msg.Origin).
		Str("scope", msg.Scope).
		Str("target", msg.Target).
		Int("delivered", delivered).
		Msg("Relayed bus message")
}
