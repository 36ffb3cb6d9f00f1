package agent

import (
	"time"

	"landrop/discovery"
	"landrop/pairing"
	"landrop/protocol"
	"landrop/relay"
	"landrop/transfer"
)

// startRelay connects to the signaling server. Discovery, pairing, and
// transfer routing are all owned by the hub in this mode; the agent mirrors
// enough state to present devices and pairings locally.
func (a *Agent) startRelay() error {
	client, err := relay.StartClient(relay.ClientConfig{
		URL:        a.cfg.RelayURL,
		StableID:   a.cfg.StableID,
		DeviceName: a.cfg.DeviceName,
	}, a.log)
	if err != nil {
		return err
	}
	a.relay = client

	a.log.WithField("url", a.cfg.RelayURL).Info("relay mode up")

	a.wg.Add(2)
	go a.pumpRelayDiscovery()
	go a.pumpRelayInbound()

	return nil
}

// pumpRelayDiscovery mirrors the hub's registry membership into the local
// registry so Devices() works identically in both modes.
func (a *Agent) pumpRelayDiscovery() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.relay.Events():
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventDeviceAppeared:
				a.registry.Register(event.Device.StableID, event.Device.DisplayName, event.Device.Handle)
			case discovery.EventDeviceLost:
				a.handleRelayPeerLost(event.Device.Handle)
			}
		}
	}
}

// handleRelayPeerLost mirrors a hub-side departure: the device goes offline,
// partial assemblies from it are dropped, and mirrored pairings involving it
// are terminated. This covers both a single peer leaving and the agent's own
// relay connection dropping, which reports every known peer lost at once.
func (a *Agent) handleRelayPeerLost(handle string) {
	a.registry.MarkOffline(handle)
	a.engine.DiscardFrom(handle)

	now := time.Now()
	a.mu.Lock()
	terminated := make([]pairing.Pairing, 0, 2)
	for id, p := range a.hubPairings {
		if p.Status == pairing.StatusActive && p.Involves(handle) {
			p.Status = pairing.StatusTerminated
			p.TerminatedAt = &now
			a.hubPairings[id] = p
			terminated = append(terminated, p)
		}
	}
	a.mu.Unlock()

	for _, p := range terminated {
		a.emit(Event{Kind: EventTerminated, Pairing: p})
	}
}

func (a *Agent) pumpRelayInbound() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case envelope, ok := <-a.relay.Inbound():
			if !ok {
				return
			}
			a.handleRelayMessage(envelope)
		}
	}
}

func (a *Agent) handleRelayMessage(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypePairAccepted, protocol.TypeAutoPaired:
		var notice protocol.PairNotice
		if err := protocol.DecodePayload(envelope, &notice); err != nil {
			a.log.WithError(err).Warn("malformed pairing notice")
			return
		}
		a.mu.Lock()
		a.hubPairings[notice.Pairing.ID] = notice.Pairing
		a.mu.Unlock()
		a.emit(Event{Kind: EventPaired, Pairing: notice.Pairing, Device: notice.PartnerDevice})

	case protocol.TypeConnectionTerminated:
		var notice protocol.ConnectionTerminated
		if err := protocol.DecodePayload(envelope, &notice); err != nil {
			a.log.WithError(err).Warn("malformed termination notice")
			return
		}
		a.mu.Lock()
		p, known := a.hubPairings[notice.PairingID]
		if known {
			p.Status = pairing.StatusTerminated
			a.hubPairings[notice.PairingID] = p
		}
		a.mu.Unlock()
		a.emit(Event{Kind: EventTerminated, Pairing: p})

	case protocol.TypeFileReceived:
		var fr protocol.FileReceived
		if err := protocol.DecodePayload(envelope, &fr); err != nil {
			a.log.WithError(err).Warn("malformed file-received")
			return
		}
		if fr.File.TotalChunks > 0 {
			a.expectInbound(fr.FromDevice.Handle, fr.File, fr.FromDevice)
			return
		}
		data, err := transfer.DecodeInline(fr.File.IsClipboard, fr.File.Content)
		if err != nil {
			a.log.WithError(err).Warn("undecodable transfer content")
			return
		}
		a.deliverReceived(fr.File, fr.FromDevice, data)

	case protocol.TypeFileChunk:
		var frame protocol.ChunkFrame
		if err := protocol.DecodePayload(envelope, &frame); err != nil {
			a.log.WithError(err).Warn("malformed file-chunk")
			return
		}
		a.mu.Lock()
		header, known := a.inbound[frame.TransferID]
		a.mu.Unlock()
		fromHandle := ""
		if known {
			fromHandle = header.from.Handle
		}
		a.receiveChunk(fromHandle, frame)

	case protocol.TypeFileSentConfirmation:
		var confirmation protocol.FileSentConfirmation
		if err := protocol.DecodePayload(envelope, &confirmation); err != nil {
			a.log.WithError(err).Warn("malformed confirmation")
			return
		}
		a.handleRelayConfirmation(confirmation)

	case protocol.TypeFileQueued:
		var queued protocol.FileQueued
		if err := protocol.DecodePayload(envelope, &queued); err != nil {
			a.log.WithError(err).Warn("malformed file-queued")
			return
		}
		a.handleRelayQueued(queued)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := protocol.DecodePayload(envelope, &msg); err != nil {
			return
		}
		a.log.Warn("relay reported error: " + msg.Message)
		a.emit(Event{Kind: EventError, Err: protocol.ErrMalformedMessage})

	default:
		a.log.WithField("type", envelope.Type).Warn("unexpected relay message")
	}
}

// handleRelayConfirmation settles an outbound transfer. A broadcast confirmed
// with zero recipients means nobody was paired; the payload is kept on this
// device instead.
func (a *Agent) handleRelayConfirmation(confirmation protocol.FileSentConfirmation) {
	entry, ok := a.takeOutbound(confirmation.TransferID)
	if !ok {
		return
	}

	if confirmation.RecipientCount == 0 && entry.transfer.Target.Kind == transfer.TargetBroadcast {
		record, err := a.saveLocal(entry.transfer, entry.payload)
		if err != nil {
			a.log.WithField("transferId", entry.transfer.ID).WithError(err).Warn("save broadcast fallback")
			return
		}
		a.emit(Event{Kind: EventFileSavedLocal, Record: record})
		return
	}

	record := recordOf(entry.transfer, transfer.DirectionSent)
	if err := a.store.RecordSentTransfer(record); err != nil {
		a.log.WithField("transferId", entry.transfer.ID).WithError(err).Warn("record sent transfer")
	}
	a.emit(Event{Kind: EventFileSent, Record: record, RecipientCount: confirmation.RecipientCount})
}

func (a *Agent) handleRelayQueued(queued protocol.FileQueued) {
	entry, ok := a.takeOutbound(queued.TransferID)
	if !ok {
		return
	}

	record := recordOf(entry.transfer, transfer.DirectionQueued)
	if err := a.store.RecordSentTransfer(record); err != nil {
		a.log.WithField("transferId", entry.transfer.ID).WithError(err).Warn("record queued transfer")
	}
	a.emit(Event{Kind: EventFileQueued, Record: record})
}

// relaySend fires one transfer at the hub; the hub resolves it and answers
// with a confirmation, a queued notice, or an error.
func (a *Agent) relaySend(t transfer.Transfer, payload transfer.Payload) error {
	if t.Target.Kind == transfer.TargetLocal {
		record, err := a.saveLocal(t, payload)
		if err != nil {
			return err
		}
		a.emit(Event{Kind: EventFileSavedLocal, Record: record})
		return nil
	}

	if a.relay == nil {
		return ErrNotConnected
	}
	channel, ok := a.relay.SocketChannel()
	if !ok {
		return ErrNotConnected
	}

	a.mu.Lock()
	a.outbound[t.ID] = outboundEntry{transfer: t, payload: payload}
	a.mu.Unlock()

	a.sendOn(channel, t, payload)
	return nil
}

// takeOutbound matches a hub reply to its in-flight transfer.
func (a *Agent) takeOutbound(transferID string) (outboundEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.outbound[transferID]
	if ok {
		delete(a.outbound, transferID)
	}
	return entry, ok
}
