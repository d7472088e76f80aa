package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay-gateway/internal/gateway"
)

// NATSBus fans messages out across gateway instances through NATS core
// pub/sub. Reconnection is handled by the client library; while the
// connection is down, Publish reports ErrBackendDegraded and callers fall
// back to local-only delivery.
type NATSBus struct {
	id     string
	conn   *nats.Conn
	logger zerolog.Logger

	relay atomic.Value // RelayFunc

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds connection tuning for the NATS backend.
type NATSConfig struct {
	URL           string
	MaxReconnects int // -1 retries forever
	ReconnectWait time.Duration
}

// NewNATS connects to the bus. The connection is shared by all local
// sessions; its reconnect logic runs independently of per-session paths.
func NewNATS(gatewayID string, cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}

	b := &NATSBus{
		id:     gatewayID,
		logger: logger.With().Str("component", "nats_bus").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("relay-gateway-" + gatewayID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Bus disconnected, continuing in degraded mode")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("Bus async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	return b, nil
}

func (b *NATSBus) SetRelay(fn RelayFunc) {
	b.relay.Store(fn)
}

func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("%w: nats %s", gateway.ErrBackendDegraded, b.conn.Status())
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}
	if err := b.conn.Publish(msg.Topic, data); err != nil {
		return fmt.Errorf("%w: %s", gateway.ErrBackendDegraded, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; ok {
		return nil
	}

	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		b.dispatch(m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.subs[topic] = sub
	b.logger.Debug().Str("topic", topic).Msg("Bus interest registered")
	return nil
}

func (b *NATSBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	b.logger.Debug().Str("topic", topic).Msg("Bus interest dropped")
	return nil
}

func (b *NATSBus) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping malformed bus message")
		return
	}
	if msg.Origin == b.id {
		return
	}
	if fn, ok := b.relay.Load().(RelayFunc); ok && fn != nil {
		fn(msg)
	}
}

func (b *NATSBus) Status() Status {
	switch b.conn.Status() {
	case nats.CONNECTED:
		return StatusConnected
	case nats.CONNECTING:
		return StatusConnecting
	case nats.RECONNECTING:
		return StatusReconnecting
	case nats.CLOSED:
		return StatusClosed
	default:
		return StatusDisconnected
	}
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("Error unsubscribing during close")
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	b.conn.Close()
	return nil
}
