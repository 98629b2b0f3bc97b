package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Loopback is an in-process Bus. It backs local-only mode (no bus server
// configured) and lets tests run several relay instances against a shared
// fabric without a broker.
type Loopback struct {
	mu     sync.RWMutex
	subs   map[string][]*loopbackSub
	closed bool
}

// NewLoopback creates an in-process bus.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string][]*loopbackSub)}
}

type loopbackSub struct {
	bus     *Loopback
	topic   string
	handler Handler
}

func (s *loopbackSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.topic]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// EnsureTopic is a no-op: loopback topics exist implicitly.
func (b *Loopback) EnsureTopic(ctx context.Context, topic string) error {
	return nil
}

// Subscribe attaches a handler to a topic.
func (b *Loopback) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &loopbackSub{bus: b, topic: topic, handler: h}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Publish delivers data to every subscriber of the topic. Delivery is
// asynchronous, matching a real broker; handler nacks are logged, not
// redelivered.
func (b *Loopback) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrPublish
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			if err := h(data); err != nil {
				slog.Warn("loopback bus: handler rejected message", "topic", topic, "error", err)
			}
		}(h)
	}
	return nil
}

// Close shuts down the bus; further publishes fail.
func (b *Loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*loopbackSub)
	return nil
}
