// Package relay implements the optional signaling server and its device-side
// client. The server is a websocket hub owning the authoritative registry and
// pairing state for all connected devices; the client turns a relay
// connection into a discovery provider and a set of transfer channels.
package relay

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"landrop/pairing"
	"landrop/protocol"
	"landrop/registry"
	"landrop/transfer"
)

const (
	// maxMessageSize must fit an inline transfer at the chunk threshold after
	// base64 expansion plus envelope overhead.
	maxMessageSize = 128 << 20

	writeWait      = 30 * time.Second
	outboundBuffer = 256
)

// pendingSource remembers who sent a transfer that could not be delivered
// immediately, so the flush can attribute it.
type pendingSource struct {
	from registry.Device
}

// assemblingTransfer is a chunked transfer the relay is buffering because its
// target was unreachable when the header arrived.
type assemblingTransfer struct {
	transfer transfer.Transfer
	from     registry.Device
}

// chunkRoute is an in-flight chunked transfer being forwarded live: chunks
// from the sender fan out to the target sessions. Kept under the hub mutex.
type chunkRoute struct {
	from    string
	targets []*session
}

// Server is the relay signaling hub. Every connected device gets a transient
// handle; the hub owns the device registry, the pairing coordinator, and the
// pending transfer queue on their behalf.
type Server struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	registry    *registry.Registry
	coordinator *pairing.Coordinator
	resolver    *transfer.Resolver
	engine      *transfer.Engine

	mu          sync.Mutex
	sessions    map[string]*session
	chunkRoutes map[string]*chunkRoute
	assembling  map[string]assemblingTransfer
	pendingFrom map[string]pendingSource

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a relay hub and starts its event pumps.
func NewServer(log *logrus.Logger) *Server {
	return newServer(log, transfer.EngineOptions{})
}

func newServer(log *logrus.Logger, engineOpts transfer.EngineOptions) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry:    registry.New(),
		sessions:    make(map[string]*session),
		chunkRoutes: make(map[string]*chunkRoute),
		assembling:  make(map[string]assemblingTransfer),
		pendingFrom: make(map[string]pendingSource),
		done:        make(chan struct{}),
	}
	s.coordinator = pairing.NewCoordinator(s.registry)
	s.resolver = transfer.NewResolver(s.registry, s.coordinator, s)
	s.engine = transfer.NewEngine(engineOpts)

	s.wg.Add(3)
	go s.pumpRegistryEvents()
	go s.pumpPairingEvents()
	go s.pumpEngineFailures()

	return s
}

// Close stops the event pumps and closes every session.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.close()
		}
		s.engine.Stop()
		s.wg.Wait()
	})
}

// Handler returns the websocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// ChannelFor implements the resolver's channel directory over live sessions.
func (s *Server) ChannelFor(handle string) (transfer.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[handle]
	if !ok {
		return nil, false
	}
	return sess, true
}

// OnlineDevices returns the hub's current online device snapshot.
func (s *Server) OnlineDevices() []registry.Device {
	return s.registry.ListOnline()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := newSession(uuid.NewString(), conn)

	s.mu.Lock()
	s.sessions[sess.handle] = sess
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"handle": sess.handle,
		"remote": r.RemoteAddr,
	}).Info("device socket connected")

	go sess.writeLoop()
	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.dropSession(sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithField("handle", sess.handle).WithError(err).Warn("socket read failed")
			}
			return
		}

		envelope, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			// A malformed message costs the sender an error reply, not the
			// connection.
			s.log.WithField("handle", sess.handle).WithError(err).Warn("malformed message")
			s.sendError(sess, "malformed message")
			continue
		}

		s.dispatch(sess, envelope)
	}
}

func (s *Server) dispatch(sess *session, envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeDeviceSetup:
		s.handleDeviceSetup(sess, envelope)
	case protocol.TypePairRequest:
		s.handlePairRequest(sess, envelope)
	case protocol.TypeTerminateConnection:
		s.handleTerminate(sess, envelope)
	case protocol.TypeFileTransfer:
		s.handleFileTransfer(sess, envelope)
	case protocol.TypeFileChunk:
		s.handleFileChunk(sess, envelope)
	default:
		s.log.WithFields(logrus.Fields{
			"handle": sess.handle,
			"type":   envelope.Type,
		}).Warn("unexpected message type")
		s.sendError(sess, "unexpected message type: "+envelope.Type)
	}
}

func (s *Server) handleDeviceSetup(sess *session, envelope protocol.Envelope) {
	var setup protocol.DeviceSetup
	if err := protocol.DecodePayload(envelope, &setup); err != nil {
		s.sendError(sess, "malformed device-setup")
		return
	}
	if setup.StableID == "" {
		s.sendError(sess, "device-setup requires a stable ID")
		return
	}

	device := s.registry.Register(setup.StableID, setup.Name, sess.handle)
	sess.setStableID(setup.StableID)

	s.log.WithFields(logrus.Fields{
		"handle":   sess.handle,
		"stableId": device.StableID,
		"name":     device.DisplayName,
	}).Info("device registered")

	s.send(sess, protocol.TypeSetupComplete, protocol.SetupComplete{
		Device:        device,
		OnlineDevices: s.registry.ListOnline(),
	})
}

func (s *Server) handlePairRequest(sess *session, envelope protocol.Envelope) {
	var req protocol.PairRequest
	if err := protocol.DecodePayload(envelope, &req); err != nil {
		s.sendError(sess, "malformed pair-request")
		return
	}

	if _, ok := s.registry.Get(req.TargetDeviceHandle); !ok {
		s.sendError(sess, "unknown pairing target")
		return
	}

	// An existing active pairing makes this an idempotent no-op; the
	// coordinator emits nothing and no duplicate notices go out.
	s.coordinator.Pair(sess.handle, req.TargetDeviceHandle)
}

func (s *Server) handleTerminate(sess *session, envelope protocol.Envelope) {
	var req protocol.TerminateConnection
	if err := protocol.DecodePayload(envelope, &req); err != nil {
		s.sendError(sess, "malformed terminate-connection")
		return
	}

	if _, ok := s.coordinator.Terminate(req.PairingID, sess.handle); !ok {
		s.sendError(sess, "unknown or already terminated pairing")
	}
}

func (s *Server) handleFileTransfer(sess *session, envelope protocol.Envelope) {
	var ft protocol.FileTransfer
	if err := protocol.DecodePayload(envelope, &ft); err != nil {
		s.sendError(sess, "malformed file-transfer")
		return
	}

	fromDevice, ok := s.registry.Get(sess.handle)
	if !ok {
		s.sendError(sess, "device-setup required before transfers")
		return
	}

	t := transferFromWire(ft)

	if ft.TotalChunks > 0 {
		s.handleChunkedHeader(sess, fromDevice, t, ft)
		return
	}

	data, err := transfer.DecodeInline(ft.IsClipboard, ft.Content)
	if err != nil {
		s.sendError(sess, "undecodable transfer content")
		return
	}

	outcome := s.resolver.Resolve(sess.handle, t, transfer.BytesPayload(data))
	switch outcome.Decision {
	case transfer.DecisionDeliverNow:
		for _, channel := range outcome.Channels {
			s.sendOn(channel, protocol.TypeFileReceived, protocol.FileReceived{
				File:       ft,
				FromDevice: fromDevice,
			})
		}
		s.send(sess, protocol.TypeFileSentConfirmation, protocol.FileSentConfirmation{
			TransferID:     ft.TransferID,
			Filename:       ft.OriginalName,
			RecipientCount: len(outcome.Channels),
			IsClipboard:    ft.IsClipboard,
		})

	case transfer.DecisionQueued:
		s.rememberSender(t.ID, fromDevice)
		s.send(sess, protocol.TypeFileQueued, protocol.FileQueued{
			TransferID:         ft.TransferID,
			Filename:           ft.OriginalName,
			TargetDeviceHandle: ft.TargetDeviceHandle,
		})

	case transfer.DecisionSavedLocal:
		s.send(sess, protocol.TypeFileSentConfirmation, protocol.FileSentConfirmation{
			TransferID:     ft.TransferID,
			Filename:       ft.OriginalName,
			RecipientCount: 0,
			IsClipboard:    ft.IsClipboard,
		})
	}
}

// handleChunkedHeader routes a chunked transfer. Reachable targets get the
// header now and the chunk frames forwarded as they arrive; an unreachable
// target makes the relay assemble the payload itself and queue it complete.
func (s *Server) handleChunkedHeader(sess *session, fromDevice registry.Device, t transfer.Transfer, ft protocol.FileTransfer) {
	outcome := s.resolver.Route(sess.handle, t)

	switch outcome.Decision {
	case transfer.DecisionDeliverNow:
		targets := make([]*session, 0, len(outcome.Channels))
		for _, channel := range outcome.Channels {
			target, ok := channel.(*session)
			if !ok {
				continue
			}
			targets = append(targets, target)
			s.sendOn(channel, protocol.TypeFileReceived, protocol.FileReceived{
				File:       ft,
				FromDevice: fromDevice,
			})
		}
		s.mu.Lock()
		s.chunkRoutes[t.ID] = &chunkRoute{from: sess.handle, targets: targets}
		s.mu.Unlock()

		s.send(sess, protocol.TypeFileSentConfirmation, protocol.FileSentConfirmation{
			TransferID:     ft.TransferID,
			Filename:       ft.OriginalName,
			RecipientCount: len(targets),
			IsClipboard:    ft.IsClipboard,
		})

	case transfer.DecisionQueued:
		s.engine.ExpectAssembly(sess.handle, ft)
		s.mu.Lock()
		s.assembling[t.ID] = assemblingTransfer{transfer: t, from: fromDevice}
		s.mu.Unlock()

		s.send(sess, protocol.TypeFileQueued, protocol.FileQueued{
			TransferID:         ft.TransferID,
			Filename:           ft.OriginalName,
			TargetDeviceHandle: ft.TargetDeviceHandle,
		})

	case transfer.DecisionSavedLocal:
		// Broadcast with nobody paired: the sender keeps its own copy. Any
		// chunks already in flight arrive without a route and are dropped.
		s.send(sess, protocol.TypeFileSentConfirmation, protocol.FileSentConfirmation{
			TransferID:     ft.TransferID,
			Filename:       ft.OriginalName,
			RecipientCount: 0,
			IsClipboard:    ft.IsClipboard,
		})
	}
}

func (s *Server) handleFileChunk(sess *session, envelope protocol.Envelope) {
	var frame protocol.ChunkFrame
	if err := protocol.DecodePayload(envelope, &frame); err != nil {
		s.sendError(sess, "malformed file-chunk")
		return
	}

	s.mu.Lock()
	route, routed := s.chunkRoutes[frame.TransferID]
	var targets []*session
	if routed {
		targets = make([]*session, len(route.targets))
		copy(targets, route.targets)
	}
	_, isAssembling := s.assembling[frame.TransferID]
	s.mu.Unlock()

	if routed {
		dead := make(map[*session]bool)
		for _, target := range targets {
			select {
			case <-target.Done():
				dead[target] = true
				continue
			default:
			}
			s.sendOn(target, protocol.TypeFileChunk, frame)
		}

		// Re-read the route under the lock: a disconnect or termination may
		// have rewritten it while the chunk was being forwarded.
		s.mu.Lock()
		if route, ok := s.chunkRoutes[frame.TransferID]; ok {
			if frame.Index == frame.TotalChunks-1 {
				delete(s.chunkRoutes, frame.TransferID)
			} else {
				alive := route.targets[:0]
				for _, target := range route.targets {
					if !dead[target] {
						alive = append(alive, target)
					}
				}
				route.targets = alive
				if len(alive) == 0 {
					delete(s.chunkRoutes, frame.TransferID)
				}
			}
		}
		s.mu.Unlock()
		return
	}

	if !isAssembling {
		// Routeless chunk: its transfer was never announced, was aborted, or
		// was a broadcast with no recipients.
		return
	}

	payload, complete, err := s.engine.Receive(sess.handle, frame)
	if err != nil {
		s.sendError(sess, "invalid chunk frame")
		return
	}
	if !complete {
		return
	}

	s.mu.Lock()
	entry := s.assembling[frame.TransferID]
	delete(s.assembling, frame.TransferID)
	s.mu.Unlock()

	s.rememberSender(entry.transfer.ID, entry.from)
	s.resolver.Enqueue(entry.transfer, transfer.BytesPayload(payload))
	s.log.WithFields(logrus.Fields{
		"transferId": entry.transfer.ID,
		"bytes":      len(payload),
	}).Info("assembled transfer queued for offline target")
}

func (s *Server) pumpRegistryEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event := <-s.registry.Events():
			change := protocol.DeviceChange{
				Device:        event.Device,
				OnlineDevices: event.OnlineDevices,
			}
			switch event.Type {
			case registry.EventDeviceOnline:
				s.broadcast(protocol.TypeDeviceConnected, change, event.Device.Handle)
				s.coordinator.CheckAutoPair(event.OnlineDevices)
			case registry.EventDeviceOffline:
				s.broadcast(protocol.TypeDeviceDisconnected, change, event.Device.Handle)
				// A departure can also bring the online count down to
				// exactly two, which qualifies for auto-pairing.
				s.coordinator.CheckAutoPair(event.OnlineDevices)
			case registry.EventDeviceRenamed:
				s.broadcast(protocol.TypeDeviceConnected, change, "")
			}
		}
	}
}

func (s *Server) pumpPairingEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event := <-s.coordinator.Events():
			switch event.Kind {
			case pairing.EventPairAccepted, pairing.EventAutoPaired:
				s.notifyPaired(event)
			case pairing.EventTerminated:
				s.notifyTerminated(event)
			}
		}
	}
}

// notifyPaired tells both members about the new pairing, then flushes any
// transfers queued for either of them.
func (s *Server) notifyPaired(event pairing.Event) {
	msgType := protocol.TypePairAccepted
	if event.Kind == pairing.EventAutoPaired {
		msgType = protocol.TypeAutoPaired
	}

	members := []string{event.Pairing.DeviceAHandle, event.Pairing.DeviceBHandle}
	for _, handle := range members {
		partner, _ := s.registry.Get(event.Pairing.PartnerOf(handle))
		if sess, ok := s.sessionFor(handle); ok {
			s.send(sess, msgType, protocol.PairNotice{
				Pairing:       event.Pairing,
				PartnerDevice: partner,
			})
		}
	}

	for _, handle := range members {
		s.flushQueuedFor(handle)
	}
}

func (s *Server) notifyTerminated(event pairing.Event) {
	s.cancelChunkRoutes(event.Pairing)

	notice := protocol.ConnectionTerminated{
		PairingID:    event.Pairing.ID,
		TerminatedBy: event.TerminatedBy,
	}
	for _, handle := range []string{event.Pairing.DeviceAHandle, event.Pairing.DeviceBHandle} {
		if sess, ok := s.sessionFor(handle); ok {
			s.send(sess, protocol.TypeConnectionTerminated, notice)
		}
	}
}

// cancelChunkRoutes stops forwarding in-flight chunk streams that ran over a
// terminated pairing, in either direction. Later chunks for those transfers
// arrive routeless and are dropped.
func (s *Server) cancelChunkRoutes(p pairing.Pairing) {
	s.mu.Lock()
	for transferID, route := range s.chunkRoutes {
		if !p.Involves(route.from) {
			continue
		}
		partner := p.PartnerOf(route.from)
		alive := route.targets[:0]
		for _, target := range route.targets {
			if target.handle != partner {
				alive = append(alive, target)
			}
		}
		route.targets = alive
		if len(alive) == 0 {
			delete(s.chunkRoutes, transferID)
		}
	}
	s.mu.Unlock()
}

// pumpEngineFailures reacts to engine aborts, the assembly-timeout janitor
// included: the hub's bookkeeping for the dead transfer is dropped so late
// chunks fall through as routeless, and the sender is told.
func (s *Server) pumpEngineFailures() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case failure := <-s.engine.Failures():
			s.mu.Lock()
			entry, wasAssembling := s.assembling[failure.TransferID]
			delete(s.assembling, failure.TransferID)
			delete(s.pendingFrom, failure.TransferID)
			delete(s.chunkRoutes, failure.TransferID)
			s.mu.Unlock()

			s.log.WithFields(logrus.Fields{
				"transferId": failure.TransferID,
				"direction":  failure.Direction,
			}).WithError(failure.Err).Warn("transfer failed")

			if wasAssembling {
				if sess, ok := s.sessionFor(entry.from.Handle); ok {
					s.sendError(sess, "transfer "+failure.TransferID+" failed: "+failure.Err.Error())
				}
			}
		}
	}
}

// flushQueuedFor delivers, oldest first, every transfer queued for the
// device behind the given handle.
func (s *Server) flushQueuedFor(handle string) {
	device, ok := s.registry.Get(handle)
	if !ok {
		return
	}
	sess, ok := s.sessionFor(handle)
	if !ok {
		return
	}

	for _, pending := range s.resolver.FlushFor(device.StableID) {
		from := s.takeSender(pending.Transfer.ID)
		if err := s.deliverPending(sess, pending, from); err != nil {
			s.log.WithFields(logrus.Fields{
				"transferId": pending.Transfer.ID,
				"handle":     handle,
			}).WithError(err).Warn("queued transfer delivery failed")
		}
	}
}

func (s *Server) deliverPending(sess *session, pending transfer.Pending, from registry.Device) error {
	t := pending.Transfer

	if s.engine.RequiresChunking(pending.Payload.Size()) {
		return s.streamAssembled(sess, t, from, pending.Payload)
	}

	reader, err := pending.Payload.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	return sess.Send(protocol.TypeFileReceived, protocol.FileReceived{
		File: protocol.FileTransfer{
			TransferID:   t.ID,
			Filename:     t.WireFilename(),
			OriginalName: t.OriginalName,
			MimeType:     t.MimeType,
			Size:         t.SizeBytes,
			Content:      transfer.EncodeInline(t, data),
			IsClipboard:  t.IsClipboard,
		},
		FromDevice: from,
	})
}

// streamAssembled replays a relay-buffered chunked transfer to its target:
// header as file-received, then the chunk sequence.
func (s *Server) streamAssembled(sess *session, t transfer.Transfer, from registry.Device, payload transfer.Payload) error {
	totalChunks := s.engine.TotalChunks(payload.Size())

	err := sess.Send(protocol.TypeFileReceived, protocol.FileReceived{
		File: protocol.FileTransfer{
			TransferID:   t.ID,
			Filename:     t.WireFilename(),
			OriginalName: t.OriginalName,
			MimeType:     t.MimeType,
			Size:         t.SizeBytes,
			IsClipboard:  t.IsClipboard,
			TotalChunks:  totalChunks,
		},
		FromDevice: from,
	})
	if err != nil {
		return err
	}

	reader, err := payload.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()

	buffer := make([]byte, transfer.ChunkSize)
	for index := 0; index < totalChunks; index++ {
		n, err := io.ReadFull(reader, buffer)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 {
			break
		}
		frame := protocol.ChunkFrame{
			TransferID:  t.ID,
			Index:       index,
			TotalChunks: totalChunks,
			Data:        base64.StdEncoding.EncodeToString(buffer[:n]),
		}
		if err := sess.Send(protocol.TypeFileChunk, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) dropSession(sess *session) {
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.handle)
	for transferID, route := range s.chunkRoutes {
		// A lost sender ends its streams outright; otherwise the session is
		// removed as a target.
		if route.from == sess.handle {
			delete(s.chunkRoutes, transferID)
			continue
		}
		alive := route.targets[:0]
		for _, target := range route.targets {
			if target != sess {
				alive = append(alive, target)
			}
		}
		route.targets = alive
		if len(alive) == 0 {
			delete(s.chunkRoutes, transferID)
		}
	}
	s.mu.Unlock()

	s.registry.MarkOffline(sess.handle)
	s.coordinator.DeviceOffline(sess.handle)
	for _, transferID := range s.engine.DiscardFrom(sess.handle) {
		s.mu.Lock()
		delete(s.assembling, transferID)
		s.mu.Unlock()
	}

	s.log.WithFields(logrus.Fields{
		"handle":   sess.handle,
		"stableId": sess.getStableID(),
	}).Info("device socket closed")
}

func (s *Server) sessionFor(handle string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	return sess, ok
}

func (s *Server) broadcast(msgType string, payload any, exceptHandle string) {
	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		s.log.WithError(err).Error("encode broadcast")
		return
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for handle, sess := range s.sessions {
		if handle == exceptHandle {
			continue
		}
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.enqueue(raw)
	}
}

func (s *Server) send(sess *session, msgType string, payload any) {
	if err := sess.Send(msgType, payload); err != nil {
		s.log.WithFields(logrus.Fields{
			"handle": sess.handle,
			"type":   msgType,
		}).WithError(err).Warn("send failed")
	}
}

func (s *Server) sendOn(channel transfer.Channel, msgType string, payload any) {
	if err := channel.Send(msgType, payload); err != nil {
		s.log.WithFields(logrus.Fields{
			"handle": channel.DeviceHandle(),
			"type":   msgType,
		}).WithError(err).Warn("send failed")
	}
}

func (s *Server) sendError(sess *session, message string) {
	s.send(sess, protocol.TypeError, protocol.ErrorMessage{Message: message})
}

func (s *Server) rememberSender(transferID string, from registry.Device) {
	s.mu.Lock()
	s.pendingFrom[transferID] = pendingSource{from: from}
	s.mu.Unlock()
}

func (s *Server) takeSender(transferID string) registry.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	source := s.pendingFrom[transferID]
	delete(s.pendingFrom, transferID)
	return source.from
}

// transferFromWire maps a file-transfer message to the resolver's view of it.
// An empty target handle means broadcast.
func transferFromWire(ft protocol.FileTransfer) transfer.Transfer {
	target := transfer.Target{Kind: transfer.TargetBroadcast}
	if ft.TargetDeviceHandle != "" {
		target = transfer.Target{Kind: transfer.TargetDevice, Handle: ft.TargetDeviceHandle}
	}
	return transfer.Transfer{
		ID:           ft.TransferID,
		OriginalName: ft.OriginalName,
		MimeType:     ft.MimeType,
		SizeBytes:    ft.Size,
		IsClipboard:  ft.IsClipboard,
		Direction:    transfer.DirectionSent,
		Target:       target,
	}
}
