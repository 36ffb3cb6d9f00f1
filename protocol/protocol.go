// Package protocol defines the wire message envelope and payload types
// exchanged between devices and the relay signaling server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"landrop/pairing"
	"landrop/registry"
)

// Message type tags. Every wire message is an Envelope whose Type selects
// the payload struct.
const (
	TypeDeviceSetup          = "device-setup"
	TypeSetupComplete        = "setup-complete"
	TypeDeviceConnected      = "device-connected"
	TypeDeviceDisconnected   = "device-disconnected"
	TypePairRequest          = "pair-request"
	TypePairAccepted         = "pair-accepted"
	TypeAutoPaired           = "auto-paired"
	TypeTerminateConnection  = "terminate-connection"
	TypeConnectionTerminated = "connection-terminated"
	TypeFileTransfer         = "file-transfer"
	TypeFileReceived         = "file-received"
	TypeFileSentConfirmation = "file-sent-confirmation"
	TypeFileQueued           = "file-queued"
	TypeFileChunk            = "file-chunk"
	TypeHello                = "hello"
	TypeHelloAccepted        = "hello-accepted"
	TypeError                = "error"
)

var (
	// ErrInvalidMessageType indicates the envelope type tag is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrMalformedMessage indicates the envelope or payload could not be decoded.
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

// Envelope wraps every wire message as {type, data}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DeviceSetup announces a device to the relay after connecting.
type DeviceSetup struct {
	Name     string `json:"name"`
	StableID string `json:"stableId"`
}

// SetupComplete acknowledges device-setup with the assigned device record
// and the current online device list.
type SetupComplete struct {
	Device        registry.Device   `json:"device"`
	OnlineDevices []registry.Device `json:"onlineDevices"`
}

// DeviceChange is broadcast to all sockets when a device joins or leaves.
type DeviceChange struct {
	Device        registry.Device   `json:"device"`
	OnlineDevices []registry.Device `json:"onlineDevices"`
}

// PairRequest asks the relay to pair the sender with a target device.
type PairRequest struct {
	TargetDeviceHandle string `json:"targetDeviceHandle"`
}

// PairNotice is sent to both members of a new pairing. The same payload is
// used for pair-accepted and auto-paired; only the envelope type differs.
type PairNotice struct {
	Pairing       pairing.Pairing `json:"pairing"`
	PartnerDevice registry.Device `json:"partnerDevice"`
}

// TerminateConnection asks the relay to terminate a pairing.
type TerminateConnection struct {
	PairingID string `json:"pairingId"`
}

// ConnectionTerminated notifies both members of a terminated pairing.
type ConnectionTerminated struct {
	PairingID    string `json:"pairingId"`
	TerminatedBy string `json:"terminatedBy"`
}

// FileTransfer starts a transfer. Content is present only for payloads at or
// below the chunk threshold (base64 for binary, raw text for clipboard);
// larger transfers carry TotalChunks and stream file-chunk frames instead.
type FileTransfer struct {
	TransferID         string `json:"transferId"`
	Filename           string `json:"filename"`
	OriginalName       string `json:"originalName"`
	MimeType           string `json:"mimeType"`
	Size               int64  `json:"size"`
	Content            string `json:"content,omitempty"`
	IsClipboard        bool   `json:"isClipboard,omitempty"`
	TargetDeviceHandle string `json:"targetDeviceHandle,omitempty"`
	TotalChunks        int    `json:"totalChunks,omitempty"`
}

// FileReceived delivers a completed inline transfer to its target.
type FileReceived struct {
	File       FileTransfer    `json:"file"`
	FromDevice registry.Device `json:"fromDevice"`
}

// FileSentConfirmation reports delivery fan-out back to the sender.
// RecipientCount zero on a broadcast means the transfer was saved locally.
type FileSentConfirmation struct {
	TransferID     string `json:"transferId"`
	Filename       string `json:"filename"`
	RecipientCount int    `json:"recipientCount"`
	IsClipboard    bool   `json:"isClipboard,omitempty"`
}

// FileQueued reports that a transfer entered the queued state because its
// target is currently unreachable.
type FileQueued struct {
	TransferID         string `json:"transferId"`
	Filename           string `json:"filename"`
	TargetDeviceHandle string `json:"targetDeviceHandle"`
}

// ChunkFrame is one fixed-size slice of a large payload. Data is base64.
type ChunkFrame struct {
	TransferID  string `json:"transferId"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// Hello is the direct-plane connection greeting carrying the dialer's
// identity. HelloAccepted mirrors it back from the listener.
type Hello struct {
	StableID    string `json:"stableId"`
	DisplayName string `json:"displayName"`
	ListenPort  int    `json:"listenPort,omitempty"`
}

// ErrorMessage reports a recoverable protocol-level problem to one socket.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode marshals a payload into an envelope of the given type.
func Encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", msgType, err)
	}
	raw, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %q envelope: %w", msgType, err)
	}
	return raw, nil
}

// DecodeEnvelope parses the outer envelope and validates its type tag.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !knownType(envelope.Type) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, envelope.Type)
	}
	return envelope, nil
}

// DecodePayload unmarshals an envelope's data into the given payload struct.
func DecodePayload(envelope Envelope, payload any) error {
	if len(envelope.Data) == 0 {
		return fmt.Errorf("%w: empty %q payload", ErrMalformedMessage, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return fmt.Errorf("%w: decode %q payload: %v", ErrMalformedMessage, envelope.Type, err)
	}
	return nil
}

func knownType(msgType string) bool {
	switch msgType {
	case TypeDeviceSetup, TypeSetupComplete,
		TypeDeviceConnected, TypeDeviceDisconnected,
		TypePairRequest, TypePairAccepted, TypeAutoPaired,
		TypeTerminateConnection, TypeConnectionTerminated,
		TypeFileTransfer, TypeFileReceived,
		TypeFileSentConfirmation, TypeFileQueued,
		TypeFileChunk, TypeHello, TypeHelloAccepted, TypeError:
		return true
	default:
		return false
	}
}
