package syncmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/curbz/fplsync/internal/bus"
	"github.com/curbz/fplsync/internal/fpl"
)

// Sync event topics. Every unit in a logical group subscribes to all of
// them; payload shapes are slotRef for the slot mutations and a sparse
// index -> serialized-plan map for snapshot responses.
const (
	TopicRequest   = "sync.request"
	TopicResponse  = "sync.response"
	TopicCreate    = "sync.create"
	TopicDelete    = "sync.delete"
	TopicDeleteAll = "sync.deleteAll"
	TopicCopy      = "sync.copy"
	TopicSwap      = "sync.swap"
)

var (
	// ErrSlotNotFound reports an operation that required an occupied
	// slot finding it empty.
	ErrSlotNotFound = errors.New("flight plan slot not occupied")
	// ErrSlotOccupied reports a create targeting a slot that already
	// holds a plan. Create is not idempotent; delete first.
	ErrSlotOccupied = errors.New("flight plan slot already occupied")
)

// slotRef is the payload for single- and two-slot mutation events.
type slotRef struct {
	Index       int `json:"index"`
	TargetIndex int `json:"targetIndex,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Master units never self-initiate a bootstrap snapshot request;
	// they only answer. Exactly one unit per group should be master.
	Master bool
	// SettleDelay is how long a non-master waits after construction
	// before requesting a snapshot, giving peers time to register
	// their subscriptions. There is no retry if nobody answers.
	SettleDelay time.Duration
}

// Manager owns one unit's slot table of flight plans and keeps it
// aligned with every other unit in the group through sync events. The
// table is exclusively owned: peers only ever see serialized snapshots
// and mutation events, never the plans themselves.
type Manager struct {
	mu    sync.Mutex
	bus   bus.Bus
	slots map[int]*fpl.FlightPlan

	master    bool
	bootstrap *time.Timer
}

// New builds a manager on the given bus, registers its event handlers
// and, on non-master units, schedules the one-shot bootstrap request.
func New(b bus.Bus, opts Options) *Manager {
	m := &Manager{
		bus:    b,
		slots:  make(map[int]*fpl.FlightPlan),
		master: opts.Master,
	}

	b.Subscribe(TopicRequest, m.onSnapshotRequest)
	b.Subscribe(TopicResponse, m.onSnapshotResponse)
	b.Subscribe(TopicCreate, m.onCreate)
	b.Subscribe(TopicDelete, m.onDelete)
	b.Subscribe(TopicDeleteAll, m.onDeleteAll)
	b.Subscribe(TopicCopy, m.onCopy)
	b.Subscribe(TopicSwap, m.onSwap)

	if !opts.Master {
		delay := opts.SettleDelay
		if delay <= 0 {
			delay = 3 * time.Second
		}
		m.bootstrap = time.AfterFunc(delay, m.requestSnapshot)
	}

	return m
}

// Close cancels the pending bootstrap request, if any. The bus is owned
// by the caller and is not closed here.
func (m *Manager) Close() {
	if m.bootstrap != nil {
		m.bootstrap.Stop()
	}
}

// --- Mutation API ---
// Each operation mutates the local table synchronously and, on success,
// broadcasts the corresponding sync event. Replays of remote events go
// through the unexported variants, which never broadcast; that is what
// stops a mutation ping-ponging between units forever.

// Has reports whether a plan occupies the slot.
func (m *Manager) Has(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[index]
	return ok
}

// Get returns the occupant of the slot.
func (m *Manager) Get(index int) (*fpl.FlightPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.slots[index]
	if !ok {
		return nil, fmt.Errorf("get slot %d: %w", index, ErrSlotNotFound)
	}
	return plan, nil
}

// Create inserts a fresh, empty plan tagged with index.
// The broadcast happens after the lock is released: transports may
// deliver synchronously within Publish, and holding the table lock
// across delivery to a peer in the same process could deadlock.
func (m *Manager) Create(index int) error {
	m.mu.Lock()
	err := m.create(index)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TopicCreate, slotRef{Index: index})
	return nil
}

// Delete removes the occupant of the slot.
func (m *Manager) Delete(index int) error {
	m.mu.Lock()
	err := m.delete(index)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TopicDelete, slotRef{Index: index})
	return nil
}

// DeleteAll clears every slot unconditionally.
func (m *Manager) DeleteAll() {
	m.mu.Lock()
	m.deleteAll()
	m.mu.Unlock()
	m.broadcast(TopicDeleteAll, nil)
}

// Copy installs a deep clone of the source plan at target, overwriting
// any existing occupant there. The clone's version counter is bumped.
func (m *Manager) Copy(source, target int) error {
	m.mu.Lock()
	err := m.copy(source, target)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TopicCopy, slotRef{Index: source, TargetIndex: target})
	return nil
}

// Swap exchanges the occupants of two slots. If either slot is empty the
// operation fails before touching anything; partial swaps never happen.
func (m *Manager) Swap(a, b int) error {
	m.mu.Lock()
	err := m.swap(a, b)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TopicSwap, slotRef{Index: a, TargetIndex: b})
	return nil
}

// IsMaster reports the role fixed at construction. Role only affects
// bootstrap timing; steady-state mutation semantics are identical.
func (m *Manager) IsMaster() bool {
	return m.master
}

// OccupiedIndices returns the occupied slot indices in ascending order.
func (m *Manager) OccupiedIndices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	indices := make([]int, 0, len(m.slots))
	for index := range m.slots {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// --- local table operations, callers hold m.mu ---

func (m *Manager) create(index int) error {
	if _, ok := m.slots[index]; ok {
		return fmt.Errorf("create slot %d: %w", index, ErrSlotOccupied)
	}
	m.slots[index] = fpl.New(index, m.bus)
	return nil
}

func (m *Manager) delete(index int) error {
	if _, ok := m.slots[index]; !ok {
		return fmt.Errorf("delete slot %d: %w", index, ErrSlotNotFound)
	}
	delete(m.slots, index)
	return nil
}

func (m *Manager) deleteAll() {
	m.slots = make(map[int]*fpl.FlightPlan)
}

func (m *Manager) copy(source, target int) error {
	plan, ok := m.slots[source]
	if !ok {
		return fmt.Errorf("copy slot %d to %d: %w", source, target, ErrSlotNotFound)
	}
	clone := plan.Clone(target)
	clone.IncrementVersion()
	m.slots[target] = clone
	return nil
}

func (m *Manager) swap(a, b int) error {
	planA, okA := m.slots[a]
	planB, okB := m.slots[b]
	if !okA || !okB {
		return fmt.Errorf("swap slots %d and %d: %w", a, b, ErrSlotNotFound)
	}
	delete(m.slots, a)
	delete(m.slots, b)
	planA.Index = b
	planB.Index = a
	m.slots[b] = planA
	m.slots[a] = planB
	return nil
}

func (m *Manager) broadcast(topic string, payload interface{}) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			log.Printf("error marshaling %s payload: %v", topic, err)
			return
		}
	}
	if err := m.bus.Publish(topic, data, false, false); err != nil {
		log.Printf("error broadcasting %s: %v", topic, err)
	}
}

// --- Sync event handlers ---
// Remote mutations are advisory: a replay that fails because the tables
// have diverged is logged and dropped rather than crashing the unit.
// A unit's own events loop back through the transport; the origin check
// is what keeps a unit from re-applying its own broadcast.

func (m *Manager) isEcho(ev bus.Envelope) bool {
	return ev.Origin == m.bus.Origin()
}

func (m *Manager) decodeRef(ev bus.Envelope) (slotRef, bool) {
	var ref slotRef
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		log.Printf("discarding malformed %s event from %s: %v", ev.Topic, ev.Origin, err)
		return ref, false
	}
	return ref, true
}

func (m *Manager) onCreate(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	ref, ok := m.decodeRef(ev)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.create(ref.Index); err != nil {
		log.Printf("reconciliation miss replaying create from %s: %v", ev.Origin, err)
	}
}

func (m *Manager) onDelete(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	ref, ok := m.decodeRef(ev)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.delete(ref.Index); err != nil {
		log.Printf("reconciliation miss replaying delete from %s: %v", ev.Origin, err)
	}
}

func (m *Manager) onDeleteAll(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteAll()
}

func (m *Manager) onCopy(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	ref, ok := m.decodeRef(ev)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.copy(ref.Index, ref.TargetIndex); err != nil {
		log.Printf("reconciliation miss replaying copy from %s: %v", ev.Origin, err)
	}
}

func (m *Manager) onSwap(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	ref, ok := m.decodeRef(ev)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.swap(ref.Index, ref.TargetIndex); err != nil {
		log.Printf("reconciliation miss replaying swap from %s: %v", ev.Origin, err)
	}
}

// --- Snapshot handshake ---

// requestSnapshot fires once on non-master units after the settling
// delay. Fire-and-forget: a unit booting with no peer present simply
// starts empty and picks up ordinary mutation events from then on.
func (m *Manager) requestSnapshot() {
	log.Printf("unit %s requesting flight plan snapshot", m.bus.Origin())
	if err := m.bus.Publish(TopicRequest, nil, false, false); err != nil {
		log.Printf("error requesting snapshot: %v", err)
	}
}

// onSnapshotRequest answers with the full current table. Any unit
// answers, regardless of role.
func (m *Manager) onSnapshotRequest(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}

	m.mu.Lock()
	snapshot := make(map[int]json.RawMessage, len(m.slots))
	for index, plan := range m.slots {
		data, err := plan.Serialize()
		if err != nil {
			log.Printf("skipping slot %d in snapshot: %v", index, err)
			continue
		}
		snapshot[index] = data
	}
	m.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("error marshaling snapshot for %s: %v", ev.Origin, err)
		return
	}
	log.Printf("unit %s answering snapshot request from %s with %d slots",
		m.bus.Origin(), ev.Origin, len(snapshot))
	if err := m.bus.Publish(TopicResponse, payload, false, false); err != nil {
		log.Printf("error publishing snapshot response: %v", err)
	}
}

// onSnapshotResponse installs each listed slot, overwriting whatever was
// there. Indices absent from the response are left untouched, so a slot
// created locally while the exchange was in flight survives. A late
// response is processed exactly like an on-time one.
func (m *Manager) onSnapshotResponse(ev bus.Envelope) {
	if m.isEcho(ev) {
		return
	}
	var snapshot map[int]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &snapshot); err != nil {
		log.Printf("discarding malformed snapshot response from %s: %v", ev.Origin, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for index, data := range snapshot {
		plan, err := fpl.Deserialize(index, data, m.bus)
		if err != nil {
			log.Fatalf("FATAL: corrupt flight plan snapshot from %s for slot %d: %v", ev.Origin, index, err)
		}
		m.slots[index] = plan
	}
	log.Printf("unit %s installed snapshot from %s covering %d slots",
		m.bus.Origin(), ev.Origin, len(snapshot))
}
