// Package memorybus provides an in-memory implementation of bus.Bus. It is
// suitable for single-node deployments and tests.
package memorybus

import (
	"context"
	"io"
	"sync"

	"github.com/ggoodman/access-relay-go/bus"
)

// Bus implements bus.Bus with one unbounded queue per subscription.
// Publish never blocks on a subscriber and never discards a message for
// one; a stalled consumer only grows its own queue.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type subscription struct {
	bus    *Bus
	topics map[string]struct{}

	mu     sync.Mutex
	queue  []bus.Message
	ready  chan struct{} // signalled when queue becomes non-empty
	done   chan struct{}
	closed bool
}

// New creates a new memory-based bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscribers reports the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Pending reports the total number of queued, undelivered messages.
func (b *Bus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for sub := range b.subs {
		sub.mu.Lock()
		n += len(sub.queue)
		sub.mu.Unlock()
	}
	return n
}

// Publish implements bus.Bus.Publish
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := bus.Message{Topic: topic, Data: append([]byte(nil), data...)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if _, ok := sub.topics[topic]; ok {
			sub.push(msg)
		}
	}
	return nil
}

// Subscribe implements bus.Bus.Subscribe
func (b *Bus) Subscribe(ctx context.Context, topics ...string) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func (s *subscription) push(msg bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (bus.Message, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bus.Message{}, false, true
	}
	if len(s.queue) == 0 {
		return bus.Message{}, false, false
	}
	msg := s.queue[0]
	s.queue[0] = bus.Message{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return msg, true, false
}

// Next implements bus.Subscription.Next
func (s *subscription) Next(ctx context.Context) (bus.Message, error) {
	for {
		msg, ok, closed := s.pop()
		if closed {
			return bus.Message{}, io.EOF
		}
		if ok {
			return msg, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			return bus.Message{}, io.EOF
		case <-ctx.Done():
			return bus.Message{}, ctx.Err()
		}
	}
}

// Close implements bus.Subscription.Close
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

// Compile-time interface checks
var (
	_ bus.Bus          = (*Bus)(nil)
	_ bus.Subscription = (*subscription)(nil)
)
