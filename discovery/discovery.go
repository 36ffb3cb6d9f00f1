// Package discovery provides device discovery: a common Provider capability
// with two interchangeable strategies, local-network mDNS (this package)
// and relay signaling (the relay package's client).
package discovery

import (
	"net"
	"strconv"
	"time"
)

const (
	// EventDeviceAppeared is emitted when a device becomes reachable.
	EventDeviceAppeared EventType = "device-appeared"
	// EventDeviceLost is emitted when a device's advertisement expires or
	// its relay registration drops.
	EventDeviceLost EventType = "device-lost"
)

// EventType identifies a discovery update.
type EventType string

// Announcement describes one discovered device endpoint. Handle is set only
// by relay discovery, where the relay assigns the transient identifier;
// local-network announcements carry dialable addresses instead.
type Announcement struct {
	StableID    string
	DisplayName string
	Handle      string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// Addr returns the dialable host:port for a discovered device, empty if the
// announcement carries no usable address.
func (a Announcement) Addr() string {
	if len(a.Addresses) == 0 || a.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(a.Addresses[0], strconv.Itoa(a.Port))
}

// Event carries one discovery update.
type Event struct {
	Type   EventType
	Device Announcement
}

// Provider is the discovery capability: a stream of device appearances and
// departures. Connecting to a discovered device is the consumer's policy:
// the local-network agent auto-connects, the relay client needs no connect
// step because registry membership is the discovery event.
type Provider interface {
	Events() <-chan Event
	Stop()
}
