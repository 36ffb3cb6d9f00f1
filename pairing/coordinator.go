// Package pairing owns the per-pair connection state machine. A Pairing is
// an active logical connection between two device handles authorizing
// transfers between them without further negotiation.
package pairing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"landrop/registry"
)

// Pairing statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// Event kinds emitted by the coordinator.
const (
	EventPairAccepted EventKind = "pair-accepted"
	EventAutoPaired   EventKind = "auto-paired"
	EventTerminated   EventKind = "terminated"
)

// EventKind identifies a pairing lifecycle event.
type EventKind string

// Event carries one pairing lifecycle change. TerminatedBy is set only on
// termination events and names the handle that initiated the teardown.
type Event struct {
	Kind         EventKind
	Pairing      Pairing
	TerminatedBy string
}

// Pairing is one logical connection between two device handles.
type Pairing struct {
	ID            string     `json:"id"`
	DeviceAHandle string     `json:"deviceAHandle"`
	DeviceBHandle string     `json:"deviceBHandle"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
}

// Involves reports whether the pairing references the given handle.
func (p Pairing) Involves(handle string) bool {
	return p.DeviceAHandle == handle || p.DeviceBHandle == handle
}

// PartnerOf returns the other member of the pairing.
func (p Pairing) PartnerOf(handle string) string {
	if p.DeviceAHandle == handle {
		return p.DeviceBHandle
	}
	return p.DeviceAHandle
}

// Coordinator owns all Pairing records. It reads Device records through the
// registry but never mutates them.
type Coordinator struct {
	registry *registry.Registry

	mu       sync.Mutex
	pairings map[string]*Pairing

	events chan Event
}

// NewCoordinator creates a coordinator bound to a device registry.
func NewCoordinator(reg *registry.Registry) *Coordinator {
	return &Coordinator{
		registry: reg,
		pairings: make(map[string]*Pairing),
		events:   make(chan Event, 128),
	}
}

// Events returns the pairing lifecycle event stream.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Pair creates an active pairing between two handles and emits a
// pair-accepted event. If an active pairing already exists between them the
// call is an idempotent no-op returning the existing record.
func (c *Coordinator) Pair(initiator, target string) (Pairing, bool) {
	return c.pair(initiator, target, EventPairAccepted)
}

func (c *Coordinator) pair(initiator, target string, kind EventKind) (Pairing, bool) {
	if initiator == "" || target == "" || initiator == target {
		return Pairing{}, false
	}

	c.mu.Lock()
	if existing := c.activeBetweenLocked(initiator, target); existing != nil {
		snapshot := *existing
		c.mu.Unlock()
		return snapshot, false
	}

	pairing := &Pairing{
		ID:            uuid.NewString(),
		DeviceAHandle: initiator,
		DeviceBHandle: target,
		Status:        StatusActive,
		CreatedAt:     time.Now(),
	}
	c.pairings[pairing.ID] = pairing
	snapshot := *pairing
	c.mu.Unlock()

	c.emit(Event{Kind: kind, Pairing: snapshot})
	return snapshot, true
}

// Terminate moves a pairing to terminated and emits a terminated event
// naming the handle that requested it.
func (c *Coordinator) Terminate(pairingID, byHandle string) (Pairing, bool) {
	c.mu.Lock()
	pairing, ok := c.pairings[pairingID]
	if !ok || pairing.Status != StatusActive {
		c.mu.Unlock()
		return Pairing{}, false
	}
	now := time.Now()
	pairing.Status = StatusTerminated
	pairing.TerminatedAt = &now
	snapshot := *pairing
	c.mu.Unlock()

	c.emit(Event{Kind: EventTerminated, Pairing: snapshot, TerminatedBy: byHandle})
	return snapshot, true
}

// DeviceOffline terminates every active pairing involving the lost handle
// and returns the terminated records.
func (c *Coordinator) DeviceOffline(handle string) []Pairing {
	c.mu.Lock()
	terminated := make([]Pairing, 0, 2)
	now := time.Now()
	for _, pairing := range c.pairings {
		if pairing.Status == StatusActive && pairing.Involves(handle) {
			pairing.Status = StatusTerminated
			pairing.TerminatedAt = &now
			terminated = append(terminated, *pairing)
		}
	}
	c.mu.Unlock()

	for _, pairing := range terminated {
		c.emit(Event{Kind: EventTerminated, Pairing: pairing, TerminatedBy: handle})
	}
	return terminated
}

// CheckAutoPair applies the auto-pair rule to an online-devices snapshot:
// when exactly two devices are online and no active pairing exists between
// them, pair them automatically and tag the event auto-paired. With three or
// more devices online pairing stays explicit.
func (c *Coordinator) CheckAutoPair(online []registry.Device) (Pairing, bool) {
	if len(online) != 2 {
		return Pairing{}, false
	}
	return c.pair(online[0].Handle, online[1].Handle, EventAutoPaired)
}

// ActiveFor returns all active pairings involving a handle.
func (c *Coordinator) ActiveFor(handle string) []Pairing {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Pairing, 0, 2)
	for _, pairing := range c.pairings {
		if pairing.Status == StatusActive && pairing.Involves(handle) {
			out = append(out, *pairing)
		}
	}
	return out
}

// ActiveBetween returns the active pairing between two handles, if any.
// Pairings are symmetric: the member order does not matter.
func (c *Coordinator) ActiveBetween(a, b string) (Pairing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pairing := c.activeBetweenLocked(a, b); pairing != nil {
		return *pairing, true
	}
	return Pairing{}, false
}

// Get returns a pairing by ID.
func (c *Coordinator) Get(pairingID string) (Pairing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pairing, ok := c.pairings[pairingID]
	if !ok {
		return Pairing{}, false
	}
	return *pairing, true
}

func (c *Coordinator) activeBetweenLocked(a, b string) *Pairing {
	for _, pairing := range c.pairings {
		if pairing.Status != StatusActive {
			continue
		}
		if (pairing.DeviceAHandle == a && pairing.DeviceBHandle == b) ||
			(pairing.DeviceAHandle == b && pairing.DeviceBHandle == a) {
			return pairing
		}
	}
	return nil
}

func (c *Coordinator) emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}
