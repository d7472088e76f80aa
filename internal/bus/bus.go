// Package bus abstracts the scaling backend that lets multiple gateway
// instances share channel delivery. The local backend serves single-node
// deployments and tests; the NATS and Redis backends fan out across
// instances through an external pub/sub bus.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the envelope exchanged between gateway instances. Origin and ID
// exist to prevent re-broadcast loops: an instance never relays a message
// whose origin is itself.
type Message struct {
	Origin  string          `json:"origin"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Scope   string          `json:"scope"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sent_at"`
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// RelayFunc receives messages arriving from peer instances. Implementations
// must be safe for concurrent use; the bus never delivers self-originated
// messages to it.
type RelayFunc func(Message)

// Status describes the backend connection state machine:
// Disconnected -> Connecting -> Connected -> Reconnecting -> Connected.
type Status string

const (
	StatusLocal        Status = "local"
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Healthy reports whether publishes currently reach peer instances.
func (s Status) Healthy() bool {
	return s == StatusLocal || s == StatusConnected
}

// Bus is the scaling backend interface. While a distributed bus is not
// Connected, local fan-out continues uninterrupted; Publish errors are
// absorbed by the caller into degraded-mode metrics, never surfaced to
// broadcast callers.
type Bus interface {
	// Publish sends a message to every peer instance interested in its topic.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers interest in a topic. Idempotent.
	Subscribe(topic string) error
	// Unsubscribe drops interest in a topic. Idempotent.
	Unsubscribe(topic string) error
	// SetRelay installs the local fan-out sink. Must be called before Subscribe.
	SetRelay(fn RelayFunc)
	// Status reports the connection state.
	Status() Status
	// Close tears the backend down.
	Close() error
}

// Topic builders. Channel topics carry the tenant-qualified channel key;
// scope topics are shared by all instances so user/role/tenant broadcasts
// reach sessions on any instance.
const topicPrefix = "gw"

func ChannelTopic(key string) string { return topicPrefix + ".ch." + key }
func ScopeTopic(scope string) string { return topicPrefix + ".scope." + scope }

const defaultReconnectWait = 500 * time.Millisecond
