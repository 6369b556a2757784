package events

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind live delivery is closed and must resume via
// catch-up with its last seen seq.
const subscriberBuffer = 256

// Hub routes NOTIFY envelopes to in-process subscribers keyed by logical
// channel. Each server process has one Hub; SSE handlers subscribe for
// the duration of a client connection.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

// Subscriber receives envelopes for one logical channel.
type Subscriber struct {
	ch      chan Notification
	channel string
	closed  bool
}

// C returns the delivery channel. It is closed when the subscriber is
// cancelled or evicted for falling behind.
func (s *Subscriber) C() <-chan Notification { return s.ch }

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for a logical channel and returns it
// with a cancel function. Cancel is idempotent.
func (h *Hub) Subscribe(channel string) (*Subscriber, func()) {
	sub := &Subscriber{ch: make(chan Notification, subscriberBuffer), channel: channel}

	h.mu.Lock()
	set, ok := h.subscribers[channel]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[channel] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(sub) })
	}
	return sub, cancel
}

// Broadcast delivers an envelope to every subscriber of its channel.
// Delivery never blocks: a subscriber whose buffer is full is evicted so
// one stalled client cannot back-pressure the publisher path.
func (h *Hub) Broadcast(n Notification) {
	h.mu.RLock()
	set := h.subscribers[n.Channel]
	subs := make([]*Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- n:
		default:
			slog.Warn("Evicting slow event subscriber", "channel", n.Channel)
			h.remove(s)
		}
	}
}

// SubscriberCount returns the number of subscribers for a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	if set, ok := h.subscribers[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.channel)
		}
	}
	sub.closed = true
	close(sub.ch)
}
