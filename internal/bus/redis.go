package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/relay-gateway/internal/gateway"
)

// RedisBus fans messages out across gateway instances through Redis pub/sub.
// A single background listener relays received messages into local fan-out,
// skipping self-originated ones. Receive failures drive the explicit state
// machine (Connected -> Reconnecting with exponential backoff -> Connected);
// local delivery is never blocked by it.
type RedisBus struct {
	id     string
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger

	relay  atomic.Value // RelayFunc
	status atomic.Value // Status

	mu     sync.Mutex
	topics map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects to the bus at the given URL (redis://host:port/db).
// The initial connection attempt is non-blocking: if the bus is unreachable
// the backend starts in Reconnecting state and the gateway runs degraded.
func NewRedis(gatewayID, url string, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid bus connection string: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		id:     gatewayID,
		client: redis.NewClient(opts),
		logger: logger.With().Str("component", "redis_bus").Logger(),
		topics: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	b.status.Store(StatusConnecting)

	// Subscribe with no channels yet; topics attach as local interest appears.
	b.pubsub = b.client.Subscribe(ctx)

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("Bus unreachable at startup, continuing in degraded mode")
		b.status.Store(StatusReconnecting)
	} else {
		b.status.Store(StatusConnected)
	}

	b.wg.Add(1)
	go b.receiveLoop()

	return b, nil
}

func (b *RedisBus) SetRelay(fn RelayFunc) {
	b.relay.Store(fn)
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}

	if err := b.client.Publish(ctx, msg.Topic, data).Err(); err != nil {
		return fmt.Errorf("%w: %s", gateway.ErrBackendDegraded, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; ok {
		return nil
	}
	if err := b.pubsub.Subscribe(b.ctx, topic); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.topics[topic] = struct{}{}
	b.logger.Debug().Str("topic", topic).Msg("Bus interest registered")
	return nil
}

func (b *RedisBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		return nil
	}
	delete(b.topics, topic)

	if err := b.pubsub.Unsubscribe(b.ctx, topic); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	b.logger.Debug().Str("topic", topic).Msg("Bus interest dropped")
	return nil
}

// receiveLoop is the shared background listener. go-redis re-establishes the
// pub/sub connection and its subscriptions on its own; the loop tracks that
// churn to keep Status accurate and applies exponential backoff between
// failed receives.
func (b *RedisBus) receiveLoop() {
	defer b.wg.Done()

	backoff := defaultReconnectWait
	const maxBackoff = 30 * time.Second

	for {
		msg, err := b.pubsub.ReceiveMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}

			b.status.Store(StatusReconnecting)
			b.logger.Warn().
				Err(err).
				Dur("backoff", backoff).
				Msg("Bus receive failed, backing off")

			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if b.status.Load() != StatusConnected {
			b.status.Store(StatusConnected)
			b.logger.Info().Msg("Bus connection restored")
		}
		backoff = defaultReconnectWait

		decoded, err := Decode([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("Dropping malformed bus message")
			continue
		}
		if decoded.Origin == b.id {
			continue
		}
		if fn, ok := b.relay.Load().(RelayFunc); ok && fn != nil {
			fn(decoded)
		}
	}
}

func (b *RedisBus) Status() Status {
	return b.status.Load().(Status)
}

func (b *RedisBus) Close() error {
	b.cancel()
	b.status.Store(StatusClosed)
	if err := b.pubsub.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("Error closing bus subscription")
	}
	err := b.client.Close()
	b.wg.Wait()
	return err
}
