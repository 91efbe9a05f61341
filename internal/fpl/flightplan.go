package fpl

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohae/deepcopy"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/curbz/fplsync/pkg/geometry"
)

// Well-known slot indices. Indices from FirstSecondary upward are
// caller-defined secondary/alternate plans.
const (
	Active         = 0
	Temporary      = 1
	Uplink         = 2
	FirstSecondary = 3
)

// Publisher is the transport handle a plan carries so edits to its
// contents can be announced without going back through the owning unit.
type Publisher interface {
	Publish(topic string, payload []byte, durable, localOnly bool) error
}

// Waypoint is one fix on the route.
type Waypoint struct {
	Ident string  `json:"ident"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltFt int     `json:"alt_ft,omitempty"`
}

// FlightPlan is the versioned record occupying one slot. A plan always
// reports the index of the slot it currently occupies; anything that
// moves a plan between slots must re-tag it first.
type FlightPlan struct {
	Index       int        `json:"index"`
	Version     int64      `json:"version"`
	Origin      string     `json:"origin,omitempty"`
	Destination string     `json:"destination,omitempty"`
	CruiseAltFt int        `json:"cruise_alt_ft,omitempty"`
	Waypoints   []Waypoint `json:"waypoints,omitempty"`

	pub Publisher
}

// New returns an empty plan tagged with the given slot index.
func New(index int, pub Publisher) *FlightPlan {
	return &FlightPlan{Index: index, pub: pub}
}

// Clone produces an independent deep copy re-tagged with newIndex. The
// transport handle is shared, not copied.
func (fp *FlightPlan) Clone(newIndex int) *FlightPlan {
	cp := deepcopy.Copy(fp).(*FlightPlan)
	cp.Index = newIndex
	cp.pub = fp.pub
	return cp
}

// TopicChanged announces a content edit to subscribers on the owning
// unit only. Slot-level mutations are the sync layer's business; the
// plan itself never broadcasts off-unit.
const TopicChanged = "fpl.changed"

// IncrementVersion bumps the monotonic edit counter.
func (fp *FlightPlan) IncrementVersion() {
	fp.Version++
}

// MarkEdited bumps the version and notifies local subscribers, such as
// instrument pages, that the plan's contents changed.
func (fp *FlightPlan) MarkEdited() {
	fp.IncrementVersion()
	if fp.pub == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		Index   int   `json:"index"`
		Version int64 `json:"version"`
	}{fp.Index, fp.Version})
	if err := fp.pub.Publish(TopicChanged, payload, false, true); err != nil {
		log.Printf("error announcing edit to slot %d: %v", fp.Index, err)
	}
}

// Serialize renders the transport-safe snapshot form of the plan.
func (fp *FlightPlan) Serialize() ([]byte, error) {
	data, err := json.Marshal(fp)
	if err != nil {
		return nil, fmt.Errorf("error serializing flight plan in slot %d: %w", fp.Index, err)
	}
	return data, nil
}

// Deserialize rebuilds a plan from its snapshot form, re-tagged to the
// destination index and bound to the receiving unit's transport handle.
func Deserialize(index int, data []byte, pub Publisher) (*FlightPlan, error) {
	var fp FlightPlan
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("error deserializing flight plan for slot %d: %w", index, err)
	}
	fp.Index = index
	fp.pub = pub
	return &fp, nil
}

// RouteDistanceNM is the great-circle length of the waypoint sequence.
func (fp *FlightPlan) RouteDistanceNM() float64 {
	points := make([][2]float64, 0, len(fp.Waypoints))
	for _, wp := range fp.Waypoints {
		points = append(points, [2]float64{wp.Lat, wp.Lon})
	}
	return geometry.RouteDistanceNM(points)
}

// DisplayName renders a human-readable route label for instrument pages,
// e.g. "Egll - Lgav" for an EGLL-LGAV plan.
func (fp *FlightPlan) DisplayName() string {
	if fp.Origin == "" && fp.Destination == "" {
		return fmt.Sprintf("Slot %d (empty route)", fp.Index)
	}
	title := cases.Title(language.English)
	return fmt.Sprintf("%s - %s",
		title.String(strings.ToLower(fp.Origin)),
		title.String(strings.ToLower(fp.Destination)))
}
