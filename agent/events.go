package agent

import (
	"landrop/pairing"
	"landrop/registry"
	"landrop/storage"
	"landrop/transfer"
)

// Event kinds surfaced to the presentation layer.
const (
	EventDeviceOnline      EventKind = "device-online"
	EventDeviceOffline     EventKind = "device-offline"
	EventPaired            EventKind = "paired"
	EventTerminated        EventKind = "terminated"
	EventFileReceived      EventKind = "file-received"
	EventClipboardReceived EventKind = "clipboard-received"
	EventFileSent          EventKind = "file-sent"
	EventFileQueued        EventKind = "file-queued"
	EventFileSavedLocal    EventKind = "file-saved-local"
	EventTransferProgress  EventKind = "transfer-progress"
	EventTransferFailed    EventKind = "transfer-failed"
	EventError             EventKind = "error"
)

// EventKind identifies an agent notification.
type EventKind string

// Event is one agent notification. Only the fields relevant to the kind are
// populated.
type Event struct {
	Kind EventKind

	Device  registry.Device
	Pairing pairing.Pairing

	Record    storage.TransferRecord
	Clipboard string

	RecipientCount int

	Progress transfer.Progress
	Err      error
}
