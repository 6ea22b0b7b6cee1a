package bus

import (
	"context"
	"sync"
)

// MemoryPubSub is an in-process broker: every publish is delivered to every
// live subscription of that channel. It backs local development and tests
// where several messengers run inside one binary without Redis.
type MemoryPubSub struct {
	mu   sync.Mutex
	subs []*memorySubscription
}

type memorySubscription struct {
	hub      *MemoryPubSub
	channels map[string]bool
	ch       chan Message
	closed   bool
}

// NewMemoryPubSub creates an empty hub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{}
}

// Publish delivers payload to every subscriber of channel. Subscribers whose
// buffers are full lose the message, mirroring the broker's at-most-once
// delivery.
func (h *MemoryPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.closed || !s.channels[channel] {
			continue
		}
		select {
		case s.ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription for the given channels.
func (h *MemoryPubSub) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s := &memorySubscription{
		hub:      h,
		channels: make(map[string]bool, len(channels)),
		ch:       make(chan Message, 256),
	}
	for _, c := range channels {
		s.channels[c] = true
	}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s, nil
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)

	for i, sub := range s.hub.subs {
		if sub == s {
			s.hub.subs = append(s.hub.subs[:i], s.hub.subs[i+1:]...)
			break
		}
	}
	return nil
}
