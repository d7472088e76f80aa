package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Local is the in-process scaling backend: publish loops straight back into
// the relay with no network hop. The relay's origin check makes this a no-op
// for the publishing instance itself, which keeps the dedup path exercised
// in single-node deployments.
type Local struct {
	relay  atomic.Value // RelayFunc
	mu     sync.Mutex
	topics map[string]struct{}
	closed atomic.Bool
}

func NewLocal() *Local {
	return &Local{topics: make(map[string]struct{})}
}

func (l *Local) SetRelay(fn RelayFunc) {
	l.relay.Store(fn)
}

func (l *Local) Publish(_ context.Context, msg Message) error {
	if l.closed.Load() {
		return nil
	}

	l.mu.Lock()
	_, interested := l.topics[msg.Topic]
	l.mu.Unlock()
	if !interested {
		return nil
	}

	if fn, ok := l.relay.Load().(RelayFunc); ok && fn != nil {
		fn(msg)
	}
	return nil
}

func (l *Local) Subscribe(topic string) error {
	l.mu.Lock()
	l.topics[topic] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *Local) Unsubscribe(topic string) error {
	l.mu.Lock()
	delete(l.topics, topic)
	l.mu.Unlock()
	return nil
}

func (l *Local) Status() Status {
	if l.closed.Load() {
		return StatusClosed
	}
	return StatusLocal
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}
