package agent

import (
	"bytes"

	"landrop/protocol"
	"landrop/registry"
	"landrop/storage"
	"landrop/transfer"
)

// expectInbound registers an announced chunked transfer so its chunks can be
// attributed and its progress totals are exact from the first frame.
func (a *Agent) expectInbound(fromHandle string, ft protocol.FileTransfer, from registry.Device) {
	a.engine.ExpectAssembly(fromHandle, ft)

	a.mu.Lock()
	a.inbound[ft.TransferID] = inboundHeader{file: ft, from: from}
	a.mu.Unlock()
}

// receiveChunk feeds one chunk frame into the engine and completes the
// transfer when the last missing chunk arrives.
func (a *Agent) receiveChunk(fromHandle string, frame protocol.ChunkFrame) {
	payload, complete, err := a.engine.Receive(fromHandle, frame)
	if err != nil {
		a.log.WithField("transferId", frame.TransferID).WithError(err).Warn("bad chunk frame")
		return
	}
	if !complete {
		return
	}

	a.mu.Lock()
	header, ok := a.inbound[frame.TransferID]
	delete(a.inbound, frame.TransferID)
	a.mu.Unlock()

	if !ok {
		// Chunks without a header still assemble; fall back to a generic name.
		header.file = protocol.FileTransfer{
			TransferID:   frame.TransferID,
			OriginalName: frame.TransferID + ".bin",
			Size:         int64(len(payload)),
		}
	}
	a.deliverReceived(header.file, header.from, payload)
}

// deliverReceived persists and reports one complete inbound transfer.
// Clipboard content is surfaced directly; file content is written to the
// downloads directory first.
func (a *Agent) deliverReceived(ft protocol.FileTransfer, from registry.Device, data []byte) {
	record := storage.TransferRecord{
		TransferID:   ft.TransferID,
		OriginalName: displayName(ft),
		MimeType:     ft.MimeType,
		SizeBytes:    int64(len(data)),
		IsClipboard:  ft.IsClipboard,
		Direction:    transfer.DirectionReceived,
		PeerStableID: from.StableID,
		PeerName:     from.DisplayName,
	}

	if ft.IsClipboard {
		if err := a.store.RecordReceivedTransfer(record); err != nil {
			a.log.WithField("transferId", ft.TransferID).WithError(err).Warn("record clipboard")
		}
		a.emit(Event{Kind: EventClipboardReceived, Record: record, Clipboard: string(data), Device: from})
		return
	}

	path, err := storage.WritePayload(a.cfg.DownloadsDir, record.OriginalName, bytes.NewReader(data))
	if err != nil {
		a.log.WithField("transferId", ft.TransferID).WithError(err).Warn("write received file")
		a.emit(Event{Kind: EventTransferFailed, Progress: transfer.Progress{TransferID: ft.TransferID, Direction: transfer.DirectionReceived}, Err: err})
		return
	}
	record.StoredPath = path

	if err := a.store.RecordReceivedTransfer(record); err != nil {
		a.log.WithField("transferId", ft.TransferID).WithError(err).Warn("record received file")
	}
	a.emit(Event{Kind: EventFileReceived, Record: record, Device: from})
}

// saveLocal writes an outgoing transfer's payload to this device's own
// downloads directory. Used for explicit local targets and for broadcasts
// with no recipients.
func (a *Agent) saveLocal(t transfer.Transfer, payload transfer.Payload) (storage.TransferRecord, error) {
	record := recordOf(t, transfer.DirectionSavedLocal)

	reader, err := payload.Open()
	if err != nil {
		return storage.TransferRecord{}, err
	}
	defer func() {
		_ = reader.Close()
	}()

	path, err := storage.WritePayload(a.cfg.DownloadsDir, t.OriginalName, reader)
	if err != nil {
		return storage.TransferRecord{}, err
	}
	record.StoredPath = path

	if err := a.store.RecordSentTransfer(record); err != nil {
		return storage.TransferRecord{}, err
	}
	return record, nil
}

func recordOf(t transfer.Transfer, direction string) storage.TransferRecord {
	return storage.TransferRecord{
		TransferID:   t.ID,
		OriginalName: t.OriginalName,
		MimeType:     t.MimeType,
		SizeBytes:    t.SizeBytes,
		IsClipboard:  t.IsClipboard,
		Direction:    direction,
	}
}

func displayName(ft protocol.FileTransfer) string {
	if ft.OriginalName != "" {
		return ft.OriginalName
	}
	if ft.Filename != "" {
		return ft.Filename
	}
	return ft.TransferID + ".bin"
}
