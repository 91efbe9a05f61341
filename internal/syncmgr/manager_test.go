package syncmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/curbz/fplsync/internal/bus"
	"github.com/curbz/fplsync/internal/fpl"
)

// spyBus wraps a bus endpoint and counts outbound publishes per topic.
type spyBus struct {
	bus.Bus
	mu     sync.Mutex
	counts map[string]int
}

func newSpyBus(inner bus.Bus) *spyBus {
	return &spyBus{Bus: inner, counts: make(map[string]int)}
}

func (s *spyBus) Publish(topic string, payload []byte, durable, localOnly bool) error {
	s.mu.Lock()
	s.counts[topic]++
	s.mu.Unlock()
	return s.Bus.Publish(topic, payload, durable, localOnly)
}

func (s *spyBus) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[topic]
}

// twoUnits wires two follower managers to one in-process exchange. The
// managers are built master so neither fires a bootstrap request during
// steady-state tests.
func twoUnits(t *testing.T) (*Manager, *spyBus, *Manager, *spyBus, *bus.Loopback) {
	t.Helper()
	exchange := bus.NewLoopback()
	busA := newSpyBus(exchange.Endpoint("unit-a"))
	busB := newSpyBus(exchange.Endpoint("unit-b"))
	mgrA := New(busA, Options{Master: true})
	mgrB := New(busB, Options{Master: true})
	t.Cleanup(func() {
		mgrA.Close()
		mgrB.Close()
	})
	return mgrA, busA, mgrB, busB, exchange
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateThenHasAndGet(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)

	for _, index := range []int{fpl.Active, fpl.Temporary, fpl.FirstSecondary, 7} {
		if err := mgrA.Create(index); err != nil {
			t.Fatalf("create slot %d: %v", index, err)
		}
		if !mgrA.Has(index) {
			t.Fatalf("Has(%d) = false immediately after create", index)
		}
		plan, err := mgrA.Get(index)
		if err != nil {
			t.Fatalf("get slot %d: %v", index, err)
		}
		if plan.Index != index {
			t.Fatalf("plan in slot %d reports index %d", index, plan.Index)
		}
	}
}

func TestCreateOccupiedFails(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)

	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("first create: %v", err)
	}
	before, _ := mgrA.Get(fpl.Active)

	err := mgrA.Create(fpl.Active)
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("second create error = %v, want ErrSlotOccupied", err)
	}
	after, _ := mgrA.Get(fpl.Active)
	if before != after {
		t.Fatal("failed create replaced the existing occupant")
	}
}

func TestDeleteEmptyFails(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)

	err := mgrA.Delete(fpl.Uplink)
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("delete error = %v, want ErrSlotNotFound", err)
	}
	if got := mgrA.OccupiedIndices(); len(got) != 0 {
		t.Fatalf("table mutated by failed delete: %v", got)
	}
}

func TestGetEmptyFails(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)
	if _, err := mgrA.Get(fpl.Active); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("get error = %v, want ErrSlotNotFound", err)
	}
}

func TestSwapFailsAtomically(t *testing.T) {
	mgrA, busA, mgrB, _, _ := twoUnits(t)

	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("create: %v", err)
	}
	occupant, _ := mgrA.Get(fpl.Active)

	err := mgrA.Swap(fpl.Active, fpl.Temporary)
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("swap error = %v, want ErrSlotNotFound", err)
	}

	// neither slot mutated
	if mgrA.Has(fpl.Temporary) {
		t.Fatal("failed swap populated the empty slot")
	}
	still, _ := mgrA.Get(fpl.Active)
	if still != occupant || still.Index != fpl.Active {
		t.Fatal("failed swap disturbed the occupied slot")
	}

	// the local call failed before anything was broadcast
	if n := busA.count(TopicSwap); n != 0 {
		t.Fatalf("failed swap broadcast %d events, want 0", n)
	}
	if mgrB.Has(fpl.Temporary) {
		t.Fatal("peer saw an event for a failed swap")
	}
}

func TestSwapExchangesAndRetags(t *testing.T) {
	mgrA, _, mgrB, _, _ := twoUnits(t)

	mgrA.Create(fpl.Active)
	mgrA.Create(fpl.FirstSecondary)
	planActive, _ := mgrA.Get(fpl.Active)
	planSecondary, _ := mgrA.Get(fpl.FirstSecondary)

	if err := mgrA.Swap(fpl.Active, fpl.FirstSecondary); err != nil {
		t.Fatalf("swap: %v", err)
	}

	nowActive, _ := mgrA.Get(fpl.Active)
	nowSecondary, _ := mgrA.Get(fpl.FirstSecondary)
	if nowActive != planSecondary || nowSecondary != planActive {
		t.Fatal("occupants not exchanged")
	}
	if nowActive.Index != fpl.Active || nowSecondary.Index != fpl.FirstSecondary {
		t.Fatalf("occupants not re-tagged: %d, %d", nowActive.Index, nowSecondary.Index)
	}

	// peer replayed the swap
	if !mgrB.Has(fpl.Active) || !mgrB.Has(fpl.FirstSecondary) {
		t.Fatal("peer missing swapped slots")
	}
}

func TestCopyOverwritesAndBumpsVersion(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)

	mgrA.Create(fpl.Active)
	source, _ := mgrA.Get(fpl.Active)
	source.Origin = "EGLL"
	source.Destination = "EHAM"
	source.IncrementVersion() // v1

	// pre-occupy the target; copy overwrites without error
	mgrA.Create(fpl.FirstSecondary)

	if err := mgrA.Copy(fpl.Active, fpl.FirstSecondary); err != nil {
		t.Fatalf("copy: %v", err)
	}

	clone, _ := mgrA.Get(fpl.FirstSecondary)
	if clone == source {
		t.Fatal("copy installed the source itself, not a clone")
	}
	if clone.Index != fpl.FirstSecondary {
		t.Fatalf("clone index = %d, want %d", clone.Index, fpl.FirstSecondary)
	}
	if clone.Version != source.Version+1 {
		t.Fatalf("clone version = %d, want %d", clone.Version, source.Version+1)
	}
	if clone.Origin != "EGLL" || clone.Destination != "EHAM" {
		t.Fatalf("clone content mismatch: %+v", clone)
	}
}

func TestCopyEmptySourceFails(t *testing.T) {
	mgrA, _, _, _, _ := twoUnits(t)
	if err := mgrA.Copy(fpl.Active, fpl.FirstSecondary); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("copy error = %v, want ErrSlotNotFound", err)
	}
}

func TestEchoDoesNotReApplyOrRebroadcast(t *testing.T) {
	mgrA, busA, _, _, _ := twoUnits(t)

	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("create: %v", err)
	}

	// the loopback delivered A's own event back to A synchronously; had
	// the guard failed, the replay would have re-broadcast or the table
	// would show a double apply
	if n := busA.count(TopicCreate); n != 1 {
		t.Fatalf("create broadcast %d times, want exactly 1", n)
	}
	if got := mgrA.OccupiedIndices(); len(got) != 1 || got[0] != fpl.Active {
		t.Fatalf("occupied = %v, want [%d]", got, fpl.Active)
	}
}

func TestMutationPropagatesWithoutLocalCall(t *testing.T) {
	mgrA, _, mgrB, busB, _ := twoUnits(t)

	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !mgrB.Has(fpl.Active) {
		t.Fatal("peer did not observe remote create")
	}
	// the replay itself must not have been re-broadcast by B
	if n := busB.count(TopicCreate); n != 0 {
		t.Fatalf("peer re-broadcast the replayed create %d times", n)
	}
}

func TestCreateCopyDeleteAllScenario(t *testing.T) {
	mgrA, _, mgrB, _, _ := twoUnits(t)

	if err := mgrA.Create(1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgrA.Copy(1, 3); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !mgrB.Has(1) || !mgrB.Has(3) {
		t.Fatalf("peer state before deleteAll: %v", mgrB.OccupiedIndices())
	}

	mgrA.DeleteAll()

	if got := mgrA.OccupiedIndices(); len(got) != 0 {
		t.Fatalf("local slots not empty: %v", got)
	}
	if got := mgrB.OccupiedIndices(); len(got) != 0 {
		t.Fatalf("peer slots not empty: %v", got)
	}
}

func TestReplayFailureIsSwallowed(t *testing.T) {
	mgrA, _, _, _, exchange := twoUnits(t)

	// a divergent peer tells us to delete a slot we never had
	ghost := exchange.Endpoint("unit-ghost")
	payload, _ := json.Marshal(slotRef{Index: 9})
	if err := ghost.Publish(TopicDelete, payload, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// the unit carries on; remote state is advisory
	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("unit unusable after bad replay: %v", err)
	}
}

func TestMalformedEventIsDiscarded(t *testing.T) {
	mgrA, _, _, _, exchange := twoUnits(t)

	ghost := exchange.Endpoint("unit-ghost")
	ghost.Publish(TopicCreate, []byte("{broken"), false, false)

	if got := mgrA.OccupiedIndices(); len(got) != 0 {
		t.Fatalf("malformed event mutated the table: %v", got)
	}
}

func TestMasterNeverRequestsSnapshot(t *testing.T) {
	exchange := bus.NewLoopback()
	busA := newSpyBus(exchange.Endpoint("unit-a"))
	mgr := New(busA, Options{Master: true, SettleDelay: 20 * time.Millisecond})
	defer mgr.Close()

	time.Sleep(100 * time.Millisecond)
	if n := busA.count(TopicRequest); n != 0 {
		t.Fatalf("master published %d snapshot requests, want 0", n)
	}
}

func TestFollowerRequestsSnapshotOnce(t *testing.T) {
	exchange := bus.NewLoopback()
	busA := newSpyBus(exchange.Endpoint("unit-a"))
	mgr := New(busA, Options{SettleDelay: 20 * time.Millisecond})
	defer mgr.Close()

	waitFor(t, "bootstrap request", func() bool { return busA.count(TopicRequest) == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := busA.count(TopicRequest); n != 1 {
		t.Fatalf("follower published %d snapshot requests, want exactly 1", n)
	}
}

func TestAnyUnitAnswersSnapshotRequest(t *testing.T) {
	exchange := bus.NewLoopback()
	busA := exchange.Endpoint("unit-a")
	// a follower with state answers requests just like a master would
	mgrA := New(busA, Options{SettleDelay: time.Hour})
	defer mgrA.Close()
	mgrA.Create(fpl.Active)

	ghost := exchange.Endpoint("unit-ghost")
	var responses []bus.Envelope
	ghost.Subscribe(TopicResponse, func(ev bus.Envelope) {
		if ev.Origin != "unit-ghost" {
			responses = append(responses, ev)
		}
	})
	ghost.Publish(TopicRequest, nil, false, false)

	if len(responses) != 1 {
		t.Fatalf("got %d snapshot responses, want 1", len(responses))
	}
	var snapshot map[int]json.RawMessage
	if err := json.Unmarshal(responses[0].Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if _, ok := snapshot[fpl.Active]; !ok || len(snapshot) != 1 {
		t.Fatalf("snapshot contents = %v, want only the active slot", snapshot)
	}
}

func TestBootstrapReconciliation(t *testing.T) {
	exchange := bus.NewLoopback()

	// unit A is up first, as master, with established state
	busA := exchange.Endpoint("unit-a")
	mgrA := New(busA, Options{Master: true})
	defer mgrA.Close()

	if err := mgrA.Create(fpl.Active); err != nil {
		t.Fatalf("create: %v", err)
	}
	plan, _ := mgrA.Get(fpl.Active)
	plan.Origin = "EGLL"
	plan.Destination = "LGAV"
	plan.CruiseAltFt = 36000
	plan.Waypoints = []fpl.Waypoint{
		{Ident: "EGLL", Lat: 51.4706, Lon: -0.4619},
		{Ident: "LGAV", Lat: 37.9364, Lon: 23.9445},
	}
	plan.IncrementVersion()
	if err := mgrA.Copy(fpl.Active, fpl.FirstSecondary); err != nil {
		t.Fatalf("copy: %v", err)
	}

	// unit B boots later and reconciles after its settling delay
	busB := exchange.Endpoint("unit-b")
	mgrB := New(busB, Options{SettleDelay: 30 * time.Millisecond})
	defer mgrB.Close()

	waitFor(t, "snapshot install", func() bool {
		return mgrB.Has(fpl.Active) && mgrB.Has(fpl.FirstSecondary)
	})

	for _, index := range []int{fpl.Active, fpl.FirstSecondary} {
		planA, _ := mgrA.Get(index)
		planB, err := mgrB.Get(index)
		if err != nil {
			t.Fatalf("slot %d missing on B: %v", index, err)
		}
		wantData, _ := planA.Serialize()
		gotData, _ := planB.Serialize()
		if !bytes.Equal(wantData, gotData) {
			t.Fatalf("slot %d diverged after reconciliation\nA: %s\nB: %s", index, wantData, gotData)
		}
	}
}

func TestSnapshotPartialOverwrite(t *testing.T) {
	exchange := bus.NewLoopback()
	busB := exchange.Endpoint("unit-b")
	mgrB := New(busB, Options{Master: true})
	defer mgrB.Close()

	// B created a slot while a snapshot exchange was in flight
	mgrB.Create(8)

	// the arriving snapshot lists only the active slot
	snapPlan := fpl.New(fpl.Active, nil)
	snapPlan.Origin = "EGLL"
	snapPlan.IncrementVersion()
	data, _ := snapPlan.Serialize()
	payload, _ := json.Marshal(map[int]json.RawMessage{fpl.Active: data})
	ghost := exchange.Endpoint("unit-ghost")
	ghost.Publish(TopicResponse, payload, false, false)

	if !mgrB.Has(fpl.Active) {
		t.Fatal("snapshot response did not install the listed slot")
	}
	installed, _ := mgrB.Get(fpl.Active)
	if installed.Origin != "EGLL" || installed.Version != 1 {
		t.Fatalf("installed plan mismatch: %+v", installed)
	}
	if !mgrB.Has(8) {
		t.Fatal("snapshot response clobbered a slot it did not list")
	}
}
