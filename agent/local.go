package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"landrop/discovery"
	"landrop/network"
	"landrop/protocol"
	"landrop/transfer"
)

// startLocal brings up the direct transfer plane: a TCP server, an mDNS
// advertisement for it, and a scanner whose appearances drive auto-connect.
func (a *Agent) startLocal() error {
	identity := network.Identity{
		StableID:    a.cfg.StableID,
		DisplayName: a.cfg.DeviceName,
	}

	server, err := network.Listen(identity, a.cfg.ListeningPort)
	if err != nil {
		return err
	}
	a.server = server

	// The device itself occupies a registry slot so pairing and resolution
	// have a local endpoint to reference.
	a.registry.Register(a.cfg.StableID, a.cfg.DeviceName, selfHandle)

	provider := a.provider
	if provider == nil {
		lan, err := discovery.StartLAN(discovery.Config{
			SelfStableID:  a.cfg.StableID,
			DeviceName:    a.cfg.DeviceName,
			ListeningPort: server.Port(),
		})
		if err != nil {
			_ = server.Close()
			return err
		}
		a.lan = lan
		provider = lan
		a.provider = lan
	}

	a.log.WithFields(logrus.Fields{
		"port": server.Port(),
		"name": a.cfg.DeviceName,
	}).Info("local transfer plane up")

	a.wg.Add(3)
	go a.pumpDiscovery(provider)
	go a.pumpIncoming()
	go a.pumpServerErrors()

	return nil
}

func (a *Agent) pumpDiscovery(provider discovery.Provider) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-provider.Events():
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventDeviceAppeared:
				a.maybeDial(event.Device)
			case discovery.EventDeviceLost:
				// Nothing to do: a lost advertisement with a live connection
				// is just mDNS flakiness, and a dead connection already
				// cleaned itself up.
			}
		}
	}
}

func (a *Agent) pumpIncoming() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case conn, ok := <-a.server.Incoming():
			if !ok {
				return
			}
			a.adoptConnection(conn)
		}
	}
}

func (a *Agent) pumpServerErrors() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case err := <-a.server.Errors():
			a.log.WithError(err).Warn("transfer server error")
		}
	}
}

// maybeDial connects to a newly discovered device. The side with the lower
// stable identity dials; the other waits for the inbound connection, so two
// devices discovering each other simultaneously produce one link, not two.
func (a *Agent) maybeDial(ann discovery.Announcement) {
	if ann.StableID == a.cfg.StableID || a.cfg.StableID >= ann.StableID {
		return
	}

	a.mu.Lock()
	_, connected := a.connsByStable[ann.StableID]
	a.mu.Unlock()
	if connected {
		return
	}

	addr := ann.Addr()
	if addr == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(a.ctx, network.DefaultConnectTimeout)
		defer cancel()

		conn, err := network.Dial(ctx, addr, network.Identity{
			StableID:    a.cfg.StableID,
			DisplayName: a.cfg.DeviceName,
		})
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"addr": addr,
				"peer": ann.DisplayName,
			}).WithError(err).Warn("dial failed")
			return
		}
		a.adoptConnection(conn)
	}()
}

// adoptConnection registers an established direct link. A duplicate link to
// an already connected device is closed immediately. Establishing a direct
// link implies pairing: both devices explicitly reached for each other.
func (a *Agent) adoptConnection(conn *network.PeerConnection) {
	handle := conn.DeviceHandle()

	a.mu.Lock()
	if _, dup := a.connsByStable[conn.PeerStableID()]; dup {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.conns[handle] = conn
	a.connsByStable[conn.PeerStableID()] = handle
	a.mu.Unlock()

	a.registry.Register(conn.PeerStableID(), conn.PeerName(), handle)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runConnection(conn)
	}()

	a.coordinator.Pair(selfHandle, handle)
}

func (a *Agent) runConnection(conn *network.PeerConnection) {
	for {
		envelope, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) || errors.Is(err, protocol.ErrInvalidMessageType) {
				a.log.WithField("peer", conn.PeerName()).WithError(err).Warn("malformed message")
				continue
			}
			break
		}
		a.handleDirect(conn, envelope)
	}
	a.dropConnection(conn)
}

func (a *Agent) handleDirect(conn *network.PeerConnection, envelope protocol.Envelope) {
	handle := conn.DeviceHandle()

	switch envelope.Type {
	case protocol.TypeFileTransfer:
		var ft protocol.FileTransfer
		if err := protocol.DecodePayload(envelope, &ft); err != nil {
			a.log.WithError(err).Warn("malformed file-transfer")
			return
		}
		from, _ := a.registry.Get(handle)
		if ft.TotalChunks > 0 {
			a.expectInbound(handle, ft, from)
			return
		}
		data, err := transfer.DecodeInline(ft.IsClipboard, ft.Content)
		if err != nil {
			a.log.WithError(err).Warn("undecodable transfer content")
			return
		}
		a.deliverReceived(ft, from, data)

	case protocol.TypeFileChunk:
		var frame protocol.ChunkFrame
		if err := protocol.DecodePayload(envelope, &frame); err != nil {
			a.log.WithError(err).Warn("malformed file-chunk")
			return
		}
		a.receiveChunk(handle, frame)

	case protocol.TypeTerminateConnection, protocol.TypeConnectionTerminated:
		// Pairing IDs are local to each side; terminate whatever pairing
		// binds us to this peer.
		if p, ok := a.coordinator.ActiveBetween(selfHandle, handle); ok {
			a.coordinator.Terminate(p.ID, handle)
		}

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := protocol.DecodePayload(envelope, &msg); err == nil {
			a.log.WithField("peer", conn.PeerName()).Warn("peer reported error: " + msg.Message)
		}

	default:
		a.log.WithFields(logrus.Fields{
			"peer": conn.PeerName(),
			"type": envelope.Type,
		}).Warn("unexpected message type")
	}
}

func (a *Agent) dropConnection(conn *network.PeerConnection) {
	handle := conn.DeviceHandle()
	_ = conn.Close()

	a.mu.Lock()
	delete(a.conns, handle)
	if a.connsByStable[conn.PeerStableID()] == handle {
		delete(a.connsByStable, conn.PeerStableID())
	}
	a.mu.Unlock()

	a.registry.MarkOffline(handle)
	a.coordinator.DeviceOffline(handle)
	a.engine.DiscardFrom(handle)
}

// localSend resolves and executes one outgoing transfer on the direct plane.
func (a *Agent) localSend(t transfer.Transfer, payload transfer.Payload) error {
	outcome := a.resolver.Resolve(selfHandle, t, payload)

	switch outcome.Decision {
	case transfer.DecisionSavedLocal:
		record, err := a.saveLocal(t, payload)
		if err != nil {
			return err
		}
		a.emit(Event{Kind: EventFileSavedLocal, Record: record})
		return nil

	case transfer.DecisionQueued:
		record := recordOf(t, transfer.DirectionQueued)
		if err := a.store.RecordSentTransfer(record); err != nil {
			return err
		}
		a.emit(Event{Kind: EventFileQueued, Record: record})
		return nil

	case transfer.DecisionDeliverNow:
		record := recordOf(t, transfer.DirectionSent)
		if err := a.store.RecordSentTransfer(record); err != nil {
			return err
		}
		for _, channel := range outcome.Channels {
			a.sendOn(channel, t, payload)
		}
		a.emit(Event{
			Kind:           EventFileSent,
			Record:         record,
			RecipientCount: len(outcome.Channels),
		})
		return nil

	default:
		return fmt.Errorf("agent: unknown resolution %q", outcome.Decision)
	}
}

// flushQueuedFor delivers, oldest first, the transfers queued for the device
// behind the given handle.
func (a *Agent) flushQueuedFor(partnerHandle string) {
	device, ok := a.registry.Get(partnerHandle)
	if !ok {
		return
	}
	channel, ok := a.ChannelFor(partnerHandle)
	if !ok {
		return
	}

	for _, pending := range a.resolver.FlushFor(device.StableID) {
		t := pending.Transfer
		t.Direction = transfer.DirectionSent
		if err := a.store.UpdateTransferDirection(t.ID, transfer.DirectionSent); err != nil {
			a.log.WithField("transferId", t.ID).WithError(err).Warn("update flushed transfer")
		}
		a.sendOn(channel, t, pending.Payload)
		a.emit(Event{Kind: EventFileSent, Record: recordOf(t, transfer.DirectionSent), RecipientCount: 1})
	}
}

// sendOn fires one transfer at one channel. Chunked sends run in the
// background under a per-transfer context so terminating the pairing stops
// the chunk loop; failures surface through the engine's failure stream.
func (a *Agent) sendOn(channel transfer.Channel, t transfer.Transfer, payload transfer.Payload) {
	if !a.engine.RequiresChunking(payload.Size()) {
		if err := a.engine.Send(a.ctx, channel, t, payload); err != nil {
			a.log.WithField("transferId", t.ID).WithError(err).Warn("send failed")
			a.emit(Event{Kind: EventTransferFailed, Progress: transfer.Progress{TransferID: t.ID, Direction: transfer.DirectionSent}, Err: err})
		}
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.trackSend(channel.DeviceHandle(), t.ID, cancel)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		defer a.untrackSend(channel.DeviceHandle(), t.ID)
		if err := a.engine.Send(ctx, channel, t, payload); err != nil {
			a.log.WithField("transferId", t.ID).WithError(err).Warn("chunked send failed")
		}
	}()
}
