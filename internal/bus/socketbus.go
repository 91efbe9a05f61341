package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/curbz/fplsync/pkg/util"
)

// SocketBus connects a unit to a relay over a WebSocket. All envelopes
// published by any connected unit are fanned back out to every unit,
// including the publisher, so loopback filtering is left to subscribers.
type SocketBus struct {
	origin  string
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    *subscriptions
	seq     seqCounter
	done    chan struct{}
}

// DialSocketBus connects to the relay at the given ws:// URL, retrying
// with exponential backoff so units can come up before their relay.
// Inbound delivery does not start until Listen is called; register all
// subscriptions first, since the relay may replay journaled events the
// moment the pump starts.
func DialSocketBus(relayURL, origin string) (*SocketBus, error) {
	var conn *websocket.Conn

	dial := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(relayURL, nil)
		if err != nil {
			log.Printf("relay not reachable at %s, retrying: %v", relayURL, err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("could not connect to relay %s: %w", relayURL, err)
	}
	log.Printf("connected to relay %s as unit %s", relayURL, origin)

	sb := &SocketBus{
		origin: origin,
		conn:   conn,
		subs:   newSubscriptions(),
		done:   make(chan struct{}),
	}
	return sb, nil
}

// Listen starts the read pump delivering inbound envelopes to handlers.
func (sb *SocketBus) Listen() {
	go sb.readPump()
}

func (sb *SocketBus) readPump() {
	defer close(sb.done)
	for {
		_, message, err := sb.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("relay connection closed.")
				return
			}
			log.Println("relay read error:", err)
			return
		}
		var ev Envelope
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Printf("discarding malformed relay envelope: %v. Raw: %s", err, string(message))
			continue
		}
		sb.subs.dispatch(ev)
	}
}

func (sb *SocketBus) Publish(topic string, payload []byte, durable, localOnly bool) error {
	ev := Envelope{
		Origin:    sb.origin,
		Seq:       sb.seq.next(),
		Topic:     topic,
		Durable:   durable,
		LocalOnly: localOnly,
		Payload:   payload,
	}
	if localOnly {
		sb.subs.dispatch(ev)
		return nil
	}

	sb.writeMu.Lock()
	defer sb.writeMu.Unlock()
	if err := util.SendJSON(sb.conn, ev); err != nil {
		return fmt.Errorf("error writing to relay: %w", err)
	}
	return nil
}

func (sb *SocketBus) Subscribe(topic string, h Handler) {
	sb.subs.add(topic, h)
}

func (sb *SocketBus) Origin() string {
	return sb.origin
}

// Close sends a normal close frame and waits briefly for the read pump
// to drain before tearing the connection down.
func (sb *SocketBus) Close() error {
	sb.writeMu.Lock()
	sb.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	sb.writeMu.Unlock()

	select {
	case <-sb.done:
	case <-time.After(time.Second):
	}
	return sb.conn.Close()
}
