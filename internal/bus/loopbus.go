package bus

import (
	"sync"
)

// Loopback is an in-process exchange joining any number of unit endpoints.
// Delivery is synchronous within Publish, including the publisher's own
// loopback, which makes it the reference transport for tests and for
// running several units inside one process.
type Loopback struct {
	mu        sync.Mutex
	endpoints []*LoopEndpoint
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// Endpoint attaches a new unit to the exchange under the given origin ID.
func (l *Loopback) Endpoint(origin string) *LoopEndpoint {
	ep := &LoopEndpoint{
		exchange: l,
		origin:   origin,
		subs:     newSubscriptions(),
	}
	l.mu.Lock()
	l.endpoints = append(l.endpoints, ep)
	l.mu.Unlock()
	return ep
}

func (l *Loopback) deliver(ev Envelope) {
	l.mu.Lock()
	endpoints := make([]*LoopEndpoint, len(l.endpoints))
	copy(endpoints, l.endpoints)
	l.mu.Unlock()

	for _, ep := range endpoints {
		ep.subs.dispatch(ev)
	}
}

// LoopEndpoint is one unit's view of a Loopback exchange.
type LoopEndpoint struct {
	exchange *Loopback
	origin   string
	subs     *subscriptions
	seq      seqCounter
}

func (ep *LoopEndpoint) Publish(topic string, payload []byte, durable, localOnly bool) error {
	ev := Envelope{
		Origin:    ep.origin,
		Seq:       ep.seq.next(),
		Topic:     topic,
		Durable:   durable,
		LocalOnly: localOnly,
		Payload:   payload,
	}
	if localOnly {
		ep.subs.dispatch(ev)
		return nil
	}
	ep.exchange.deliver(ev)
	return nil
}

func (ep *LoopEndpoint) Subscribe(topic string, h Handler) {
	ep.subs.add(topic, h)
}

func (ep *LoopEndpoint) Origin() string {
	return ep.origin
}

func (ep *LoopEndpoint) Close() error {
	return nil
}
