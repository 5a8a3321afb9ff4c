package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrSlowConsumer ends a hub subscription whose buffer overflowed. The
// subscriber is expected to resubscribe and resync.
var ErrSlowConsumer = errors.New("subscriber fell behind and was disconnected")

// MemoryHub is an in-process Transport and Publisher.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*hubSubscription]struct{}
}

// NewMemoryHub creates a hub whose subscriptions buffer up to 256 changes.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		buffer: 256,
		subs:   make(map[string]map[*hubSubscription]struct{}),
	}
}

// Publish delivers c to every subscriber of topic that wants its table.
func (h *MemoryHub) Publish(ctx context.Context, topic string, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*hubSubscription, 0, len(h.subs[topic]))
	for s := range h.subs[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.deliver(c) {
			h.remove(s)
		}
	}
	return nil
}

// Subscribe opens a feed of topic filtered to tables (all tables when none
// are given).
func (h *MemoryHub) Subscribe(ctx context.Context, topic string, tables ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &hubSubscription{
		hub:     h,
		topic:   topic,
		changes: make(chan Change, h.buffer),
	}
	if len(tables) > 0 {
		s.tables = make(map[string]struct{}, len(tables))
		for _, t := range tables {
			s.tables[t] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*hubSubscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// Disconnect ends every subscription with err, as a dropped network link
// would.
func (h *MemoryHub) Disconnect(err error) {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*hubSubscription]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.end(err)
		}
	}
}

// Subscribers returns the number of open subscriptions on topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *MemoryHub) remove(s *hubSubscription) {
	h.mu.Lock()
	if set := h.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.topic)
		}
	}
	h.mu.Unlock()
}

type hubSubscription struct {
	hub     *MemoryHub
	topic   string
	tables  map[string]struct{}
	changes chan Change

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *hubSubscription) Changes() <-chan Change { return s.changes }

func (s *hubSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubSubscription) Close() error {
	s.hub.remove(s)
	s.end(nil)
	return nil
}

// deliver reports false when the subscription is gone or overflowed.
func (s *hubSubscription) deliver(c Change) bool {
	if s.tables != nil {
		if _, ok := s.tables[c.Table]; !ok {
			return true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.changes <- c:
		return true
	default:
		s.closeLocked(ErrSlowConsumer)
		return false
	}
}

func (s *hubSubscription) end(err error) {
	s.mu.Lock()
	s.closeLocked(err)
	s.mu.Unlock()
}

func (s *hubSubscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.changes)
}
