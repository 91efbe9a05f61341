package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries envelopes over a single Redis pub/sub channel shared
// by every unit in the logical group. Redis delivers a publisher's own
// message back to its own subscription, the loopback the sync layer's
// origin check exists for.
type RedisBus struct {
	origin  string
	channel string
	rdb     *redis.Client
	pubsub  *redis.PubSub
	subs    *subscriptions
	seq     seqCounter
	cancel  context.CancelFunc
}

// DialRedisBus connects to Redis at addr and joins the named channel.
func DialRedisBus(addr, channel, origin string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		cancel()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}
	log.Printf("connected to Redis %s channel %s as unit %s", addr, channel, origin)

	rb := &RedisBus{
		origin:  origin,
		channel: channel,
		rdb:     rdb,
		pubsub:  rdb.Subscribe(ctx, channel),
		subs:    newSubscriptions(),
		cancel:  cancel,
	}
	return rb, nil
}

// Listen starts the pump delivering inbound envelopes to handlers.
func (rb *RedisBus) Listen() {
	go rb.readPump()
}

func (rb *RedisBus) readPump() {
	for msg := range rb.pubsub.Channel() {
		var ev Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("discarding malformed Redis envelope: %v. Raw: %s", err, msg.Payload)
			continue
		}
		rb.subs.dispatch(ev)
	}
}

func (rb *RedisBus) Publish(topic string, payload []byte, durable, localOnly bool) error {
	ev := Envelope{
		Origin:    rb.origin,
		Seq:       rb.seq.next(),
		Topic:     topic,
		Durable:   durable,
		LocalOnly: localOnly,
		Payload:   payload,
	}
	if localOnly {
		rb.subs.dispatch(ev)
		return nil
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error marshaling envelope: %w", err)
	}
	if err := rb.rdb.Publish(context.Background(), rb.channel, msg).Err(); err != nil {
		return fmt.Errorf("error publishing to Redis: %w", err)
	}
	return nil
}

func (rb *RedisBus) Subscribe(topic string, h Handler) {
	rb.subs.add(topic, h)
}

func (rb *RedisBus) Origin() string {
	return rb.origin
}

func (rb *RedisBus) Close() error {
	rb.pubsub.Close()
	rb.cancel()
	return rb.rdb.Close()
}
