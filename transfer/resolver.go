package transfer

import (
	"sync"
	"time"

	"landrop/pairing"
	"landrop/registry"
)

// Resolution decisions.
const (
	DecisionDeliverNow Decision = "deliver-now"
	DecisionQueued     Decision = "queued"
	DecisionSavedLocal Decision = "saved-local"
)

// Decision tags a resolver outcome.
type Decision string

// Outcome is the result of resolving a transfer's destination. Channels is
// populated only for DeliverNow.
type Outcome struct {
	Decision Decision
	Channels []Channel
}

// Pending is a transfer whose target was unreachable at resolve time. It is
// held in memory only and flushed when a pairing for its exact target
// becomes active.
type Pending struct {
	Transfer   Transfer
	Payload    Payload
	EnqueuedAt time.Time
}

// Resolver decides where an outgoing transfer goes and owns the pending
// transfer queue, keyed by target stable identity.
type Resolver struct {
	registry    *registry.Registry
	coordinator *pairing.Coordinator
	channels    ChannelDirectory

	mu    sync.Mutex
	queue map[string][]Pending
}

// NewResolver creates a resolver reading pairing and registry state through
// their owners.
func NewResolver(reg *registry.Registry, coord *pairing.Coordinator, channels ChannelDirectory) *Resolver {
	return &Resolver{
		registry:    reg,
		coordinator: coord,
		channels:    channels,
		queue:       make(map[string][]Pending),
	}
}

// Resolve applies the destination rules and, for a queued outcome, places
// the transfer on the pending queue.
func (r *Resolver) Resolve(fromHandle string, t Transfer, payload Payload) Outcome {
	outcome := r.Route(fromHandle, t)
	if outcome.Decision == DecisionQueued {
		r.Enqueue(t, payload)
	}
	return outcome
}

// Route applies the destination rules in order without touching the queue:
// Local always saves locally; a specific device delivers over its active
// pairing or reports queued; Broadcast delivers to every active pairing or
// falls back to a local save; broadcast transfers are never queued.
func (r *Resolver) Route(fromHandle string, t Transfer) Outcome {
	switch t.Target.Kind {
	case TargetLocal:
		return Outcome{Decision: DecisionSavedLocal}

	case TargetDevice, TargetRelayedClient:
		if channel, ok := r.reachable(fromHandle, t.Target); ok {
			return Outcome{Decision: DecisionDeliverNow, Channels: []Channel{channel}}
		}
		return Outcome{Decision: DecisionQueued}

	case TargetBroadcast:
		channels := r.broadcastChannels(fromHandle)
		if len(channels) == 0 {
			// Queuing a broadcast would auto-flush it to whichever device
			// connects next, which leaks data to an unintended recipient.
			return Outcome{Decision: DecisionSavedLocal}
		}
		return Outcome{Decision: DecisionDeliverNow, Channels: channels}

	default:
		return Outcome{Decision: DecisionSavedLocal}
	}
}

// Enqueue places a transfer on the pending queue under its target's stable
// identity. Used directly when the payload becomes available only after
// routing, such as a chunked transfer assembled for an offline target.
func (r *Resolver) Enqueue(t Transfer, payload Payload) {
	r.enqueue(t, payload)
}

// FlushFor removes and returns, in FIFO enqueue order, every pending
// transfer queued for the given stable identity. Called when a pairing for
// that exact target becomes active. Broadcast transfers never appear here.
func (r *Resolver) FlushFor(stableID string) []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.queue[stableID]
	if len(pending) == 0 {
		return nil
	}
	delete(r.queue, stableID)
	return pending
}

// PendingFor returns a snapshot of the queue for one stable identity.
func (r *Resolver) PendingFor(stableID string) []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, len(r.queue[stableID]))
	copy(out, r.queue[stableID])
	return out
}

// QueuedCount returns the total number of pending transfers.
func (r *Resolver) QueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, pending := range r.queue {
		total += len(pending)
	}
	return total
}

func (r *Resolver) reachable(fromHandle string, target Target) (Channel, bool) {
	channel, ok := r.channels.ChannelFor(target.Handle)
	if !ok {
		return nil, false
	}
	// A relayed client is reachable through its host's attachment alone;
	// a device target additionally needs the active pairing.
	if target.Kind == TargetRelayedClient {
		return channel, true
	}
	if _, ok := r.coordinator.ActiveBetween(fromHandle, target.Handle); !ok {
		return nil, false
	}
	return channel, true
}

func (r *Resolver) broadcastChannels(fromHandle string) []Channel {
	active := r.coordinator.ActiveFor(fromHandle)
	channels := make([]Channel, 0, len(active))
	for _, p := range active {
		partner := p.PartnerOf(fromHandle)
		if channel, ok := r.channels.ChannelFor(partner); ok {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (r *Resolver) enqueue(t Transfer, payload Payload) {
	// The target may already be offline; StableIDFor still resolves its
	// handle so the entry matches the flush when the device reconnects.
	key := t.Target.Handle
	if stableID, ok := r.registry.StableIDFor(t.Target.Handle); ok {
		key = stableID
	} else if device, ok := r.registry.GetByStableID(t.Target.Handle); ok {
		key = device.StableID
	}

	t.Direction = DirectionQueued
	r.mu.Lock()
	r.queue[key] = append(r.queue[key], Pending{
		Transfer:   t,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
	r.mu.Unlock()
}
