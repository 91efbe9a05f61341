package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var journalBucket = []byte("journal")

// Relay fans every envelope received from one unit out to all connected
// units, the sender included; loopback filtering is the units' concern.
// Envelopes flagged durable are journaled and replayed to units that
// connect later, in publish order.
type Relay struct {
	journal *bolt.DB

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// client is one connected unit.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New opens the durable journal at journalPath and starts the hub loop.
// An empty journalPath disables durability; durable envelopes are then
// relayed like any other.
func New(journalPath string) (*Relay, error) {
	r := &Relay{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
	}

	if journalPath != "" {
		db, err := bolt.Open(journalPath, 0o600, nil)
		if err != nil {
			return nil, err
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(journalBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, err
		}
		r.journal = db
	}

	go r.run()
	return r, nil
}

func (r *Relay) run() {
	for {
		select {
		case c := <-r.register:
			r.clients[c] = true
			log.Printf("relay: unit connected. Total units: %d", len(r.clients))
		case c := <-r.unregister:
			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
				log.Printf("relay: unit disconnected. Total units: %d", len(r.clients))
			}
		case message := <-r.broadcast:
			for c := range r.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(r.clients, c)
				}
			}
		case <-r.done:
			for c := range r.clients {
				close(c.send)
				delete(r.clients, c)
			}
			return
		}
	}
}

// ServeHTTP upgrades the request and attaches the unit to the hub. The
// journal is replayed to the new connection before it joins live
// traffic, so durable events from before its boot are not lost.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("relay: websocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	r.replayJournal(c)
	r.register <- c
	go c.writePump()
	go c.readPump(r)
}

func (r *Relay) replayJournal(c *client) {
	if r.journal == nil {
		return
	}
	err := r.journal.View(func(tx *bolt.Tx) error {
		// ULID keys sort lexicographically by publish time.
		return tx.Bucket(journalBucket).ForEach(func(_, v []byte) error {
			msg := make([]byte, len(v))
			copy(msg, v)
			return c.conn.WriteMessage(websocket.TextMessage, msg)
		})
	})
	if err != nil {
		log.Printf("relay: journal replay error: %v", err)
	}
}

func (r *Relay) appendJournal(message []byte) {
	if r.journal == nil {
		return
	}
	id := ulid.Make()
	err := r.journal.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(id[:], message)
	})
	if err != nil {
		log.Printf("relay: journal append error: %v", err)
	}
}

// Close shuts the hub down and closes the journal.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	if r.journal != nil {
		return r.journal.Close()
	}
	return nil
}

// Start serves the relay at addr under the /bus path and returns the
// server so the caller can shut it down when desired.
func Start(addr, journalPath string) (*Relay, *http.Server, error) {
	r, err := New(journalPath)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/bus", r)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("relay: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("relay: ListenAndServe error: %v", err)
		}
	}()
	return r, srv, nil
}

func (c *client) readPump(r *Relay) {
	defer func() {
		r.unregister <- c
		c.conn.Close()
	}()
	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if isDurable(message) {
			r.appendJournal(message)
		}
		r.broadcast <- message
	}
}

// isDurable peeks at the envelope's durable flag without decoding the
// rest; the relay never interprets payloads.
func isDurable(message []byte) bool {
	var flag struct {
		Durable bool `json:"durable"`
	}
	if err := json.Unmarshal(message, &flag); err != nil {
		return false
	}
	return flag.Durable
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		c.conn.WriteMessage(websocket.TextMessage, message)
	}
}
