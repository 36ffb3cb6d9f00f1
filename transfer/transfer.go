// Package transfer implements outgoing target resolution, the pending
// transfer queue, and the chunked transfer engine.
package transfer

import (
	"bytes"
	"io"
	"path/filepath"
)

// Transfer directions.
const (
	DirectionSent       = "sent"
	DirectionReceived   = "received"
	DirectionQueued     = "queued"
	DirectionSavedLocal = "saved-local"
)

// Target kinds.
const (
	// TargetLocal saves the transfer on this device only; it never leaves it.
	TargetLocal TargetKind = "local"
	// TargetDevice delivers to one specific paired device handle.
	TargetDevice TargetKind = "device"
	// TargetRelayedClient delivers to a client attached to a peer acting as
	// a relay host.
	TargetRelayedClient TargetKind = "relayed-client"
	// TargetBroadcast delivers to every active pairing.
	TargetBroadcast TargetKind = "broadcast"
)

// TargetKind tags a transfer destination.
type TargetKind string

// Target describes where an outgoing transfer should go. Handle is set for
// device and relayed-client targets only.
type Target struct {
	Kind   TargetKind `json:"kind"`
	Handle string     `json:"handle,omitempty"`
}

// Transfer is the metadata for one payload movement. Payload bytes travel
// separately as a Payload source; a transfer above the chunk threshold never
// carries its content inline in any record.
type Transfer struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	IsClipboard  bool   `json:"isClipboard"`
	Direction    string `json:"direction"`
	Target       Target `json:"target"`
}

// WireFilename returns the collision-safe name used on the wire and on disk.
func (t Transfer) WireFilename() string {
	base := filepath.Base(t.OriginalName)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return t.ID + "_" + base
}

// Payload is a readable payload source. Inline payloads stay in memory;
// file-backed payloads re-open their source on each read.
type Payload interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

type bytesPayload struct {
	data []byte
}

// BytesPayload wraps an in-memory payload.
func BytesPayload(data []byte) Payload {
	return bytesPayload{data: data}
}

func (p bytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.data)), nil
}

func (p bytesPayload) Size() int64 {
	return int64(len(p.data))
}

// Channel is an established delivery path to one device: a relay socket
// scoped to a target handle, or a direct peer connection.
type Channel interface {
	// DeviceHandle is the transient handle of the device behind the channel.
	DeviceHandle() string
	// Send writes one typed message to the channel.
	Send(msgType string, payload any) error
	// Done is closed when the channel is lost.
	Done() <-chan struct{}
}

// ChannelDirectory resolves device handles to their established channels.
// The relay hub and the device agent each own one.
type ChannelDirectory interface {
	ChannelFor(handle string) (Channel, bool)
}
