// Package registry tracks known and currently-online devices. It is the
// single owner of Device records; other components read them through
// registry operations only.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Event types emitted on every registry change.
const (
	EventDeviceOnline  EventType = "device-online"
	EventDeviceOffline EventType = "device-offline"
	EventDeviceRenamed EventType = "device-renamed"
)

// EventType identifies a registry change.
type EventType string

// Event carries one registry change plus a snapshot of the online devices
// at the moment of the change.
type Event struct {
	Type          EventType
	Device        Device
	OnlineDevices []Device
}

// Device is one known device. Handle is the transient connection identifier
// and changes on every reconnect; StableID is generated once per installation
// and survives reconnects.
type Device struct {
	Handle      string    `json:"id"`
	StableID    string    `json:"stableId"`
	DisplayName string    `json:"displayName"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Registry is the device table. All mutation goes through its methods;
// a single mutex gives the required single-writer semantics.
type Registry struct {
	mu       sync.Mutex
	byStable map[string]*Device
	byHandle map[string]string // handle -> stableID

	events chan Event
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byStable: make(map[string]*Device),
		byHandle: make(map[string]string),
		events:   make(chan Event, 128),
	}
}

// Events returns the registry-changed event stream. Events are dropped,
// not blocked on, if the consumer falls behind.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register records a device coming online. A known StableID updates the
// existing record in place: handle, display name, and last-seen move to the
// newest registration so a reconnect never duplicates the device.
func (r *Registry) Register(stableID, displayName, handle string) Device {
	r.mu.Lock()

	device, exists := r.byStable[stableID]
	if exists {
		delete(r.byHandle, device.Handle)
	} else {
		device = &Device{StableID: stableID}
		r.byStable[stableID] = device
	}

	device.Handle = handle
	if displayName != "" {
		device.DisplayName = displayName
	}
	device.Online = true
	device.LastSeen = time.Now()
	r.byHandle[handle] = stableID

	snapshot := *device
	event := Event{Type: EventDeviceOnline, Device: snapshot, OnlineDevices: r.onlineLocked()}
	r.mu.Unlock()

	r.emit(event)
	return snapshot
}

// MarkOffline records a device going offline by its transient handle.
// Returns false if the handle is unknown or already superseded.
func (r *Registry) MarkOffline(handle string) (Device, bool) {
	r.mu.Lock()

	stableID, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		return Device{}, false
	}
	device := r.byStable[stableID]
	if device == nil || device.Handle != handle {
		r.mu.Unlock()
		return Device{}, false
	}

	delete(r.byHandle, handle)
	device.Online = false
	device.LastSeen = time.Now()

	snapshot := *device
	event := Event{Type: EventDeviceOffline, Device: snapshot, OnlineDevices: r.onlineLocked()}
	r.mu.Unlock()

	r.emit(event)
	return snapshot, true
}

// Rename updates a device's display name by stable identity.
func (r *Registry) Rename(stableID, newName string) (Device, bool) {
	r.mu.Lock()

	device, ok := r.byStable[stableID]
	if !ok || newName == "" {
		r.mu.Unlock()
		return Device{}, false
	}
	device.DisplayName = newName

	snapshot := *device
	event := Event{Type: EventDeviceRenamed, Device: snapshot, OnlineDevices: r.onlineLocked()}
	r.mu.Unlock()

	r.emit(event)
	return snapshot, true
}

// Get returns the device currently bound to a transient handle.
func (r *Registry) Get(handle string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stableID, ok := r.byHandle[handle]
	if !ok {
		return Device{}, false
	}
	device := r.byStable[stableID]
	if device == nil {
		return Device{}, false
	}
	return *device, true
}

// StableIDFor resolves a transient handle to its stable identity. Unlike
// Get, it still resolves a handle whose device has gone offline; the mapping
// lasts until a reconnect supersedes the handle.
func (r *Registry) StableIDFor(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stableID, ok := r.byHandle[handle]; ok {
		return stableID, true
	}
	for stableID, device := range r.byStable {
		if device.Handle == handle {
			return stableID, true
		}
	}
	return "", false
}

// GetByStableID returns the record for a stable identity, online or not.
func (r *Registry) GetByStableID(stableID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.byStable[stableID]
	if !ok {
		return Device{}, false
	}
	return *device, true
}

// ListOnline returns a snapshot of all online devices sorted by display name.
func (r *Registry) ListOnline() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []Device {
	out := make([]Device, 0, len(r.byHandle))
	for _, device := range r.byStable {
		if device.Online {
			out = append(out, *device)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].StableID < out[j].StableID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
