package event

import (
	"context"
	"sync"
	"time"
)

// Event is a message published on the bus. Source is the plugin id or host
// component that published it.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Bus is the delivery contract plugins receive through their context.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(topic string) (<-chan Event, func())
}

// MemoryBus is an in-process Bus. Delivery is best-effort: a subscriber
// whose channel is full misses the event rather than blocking the
// publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]chan Event),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[topic]
		for i, c := range chans {
			if c == ch {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Close drops all subscribers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
