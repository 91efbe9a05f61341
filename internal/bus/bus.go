package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Envelope is the wire form of every event crossing a unit boundary.
// Origin carries the publishing unit's identifier so receivers can
// discard their own loopback; Seq is monotonic per publisher.
type Envelope struct {
	Origin    string          `json:"origin"`
	Seq       int64           `json:"seq"`
	Topic     string          `json:"topic"`
	Durable   bool            `json:"durable,omitempty"`
	LocalOnly bool            `json:"local_only,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler receives one delivered envelope. Handlers run on the bus's
// delivery goroutine and must not block for long.
type Handler func(ev Envelope)

// Bus is the publish/subscribe capability units communicate through.
// Publish with localOnly delivers to this unit's own subscribers only;
// durable asks the transport to retain the event for late joiners where
// the transport supports that. A unit's own publish may loop back to its
// own subscription, so receivers are expected to check Envelope.Origin.
type Bus interface {
	Publish(topic string, payload []byte, durable, localOnly bool) error
	Subscribe(topic string, h Handler)
	Origin() string
	Close() error
}

// subscriptions is the handler registry shared by all bus implementations.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{handlers: make(map[string][]Handler)}
}

func (s *subscriptions) add(topic string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = append(s.handlers[topic], h)
}

func (s *subscriptions) dispatch(ev Envelope) {
	s.mu.RLock()
	handlers := s.handlers[ev.Topic]
	s.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// seqCounter hands out per-publisher sequence numbers.
type seqCounter struct {
	n atomic.Int64
}

func (c *seqCounter) next() int64 {
	return c.n.Add(1)
}
