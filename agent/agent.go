// Package agent composes the device-side runtime: discovery, the device
// registry, pairing, target resolution, the transfer engine, and persistence,
// wired to either the local-network transfer plane or a relay connection.
package agent

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"landrop/config"
	"landrop/discovery"
	"landrop/network"
	"landrop/pairing"
	"landrop/protocol"
	"landrop/registry"
	"landrop/relay"
	"landrop/storage"
	"landrop/transfer"
)

// selfHandle is the fixed handle the local device occupies in its own
// registry in local-network mode. Peers get their connection address.
const selfHandle = "self"

// ErrNotConnected indicates no usable transport for the requested operation.
var ErrNotConnected = errors.New("agent: not connected")

// inboundHeader remembers an announced chunked transfer until its payload
// completes.
type inboundHeader struct {
	file protocol.FileTransfer
	from registry.Device
}

// outboundEntry tracks a relay-mode transfer between fire and confirmation.
type outboundEntry struct {
	transfer transfer.Transfer
	payload  transfer.Payload
}

// Options configures an Agent.
type Options struct {
	Config *config.DeviceConfig
	Store  *storage.Store
	Log    *logrus.Logger

	// provider overrides discovery in tests.
	provider discovery.Provider
}

// Agent is one running device. All component state is owned by the component
// packages; the agent wires their event streams together and exposes the
// user-facing operations.
type Agent struct {
	cfg   *config.DeviceConfig
	store *storage.Store
	log   *logrus.Logger

	registry    *registry.Registry
	coordinator *pairing.Coordinator
	resolver    *transfer.Resolver
	engine      *transfer.Engine

	// local-network mode
	server   *network.Server
	lan      *discovery.LAN
	provider discovery.Provider

	// relay mode
	relay *relay.Client

	mu            sync.Mutex
	conns         map[string]*network.PeerConnection            // by handle
	connsByStable map[string]string                             // stableID -> handle
	inbound       map[string]inboundHeader                      // by transfer ID
	outbound      map[string]outboundEntry                      // by transfer ID
	hubPairings   map[string]pairing.Pairing                    // relay mode mirror
	sendCancels   map[string]map[string]context.CancelFunc      // partner handle -> transfer ID

	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an agent. Start establishes transports.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	a := &Agent{
		cfg:           opts.Config,
		store:         opts.Store,
		log:           log,
		registry:      registry.New(),
		engine:        transfer.NewEngine(transfer.EngineOptions{}),
		provider:      opts.provider,
		conns:         make(map[string]*network.PeerConnection),
		connsByStable: make(map[string]string),
		inbound:       make(map[string]inboundHeader),
		outbound:      make(map[string]outboundEntry),
		hubPairings:   make(map[string]pairing.Pairing),
		sendCancels:   make(map[string]map[string]context.CancelFunc),
		events:        make(chan Event, 256),
	}
	a.coordinator = pairing.NewCoordinator(a.registry)
	a.resolver = transfer.NewResolver(a.registry, a.coordinator, a)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	return a, nil
}

// Start brings up the configured transport and all event pumps.
func (a *Agent) Start() error {
	var startErr error
	a.startOnce.Do(func() {
		a.wg.Add(3)
		go a.pumpRegistryEvents()
		go a.pumpPairingEvents()
		go a.pumpEngineEvents()

		switch a.cfg.Mode {
		case config.ModeRelay:
			startErr = a.startRelay()
		default:
			startErr = a.startLocal()
		}
	})
	return startErr
}

// Stop tears everything down.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()

		if a.lan != nil {
			a.lan.Stop()
		} else if a.provider != nil {
			a.provider.Stop()
		}
		if a.server != nil {
			_ = a.server.Close()
		}
		if a.relay != nil {
			a.relay.Stop()
		}

		a.mu.Lock()
		conns := make([]*network.PeerConnection, 0, len(a.conns))
		for _, conn := range a.conns {
			conns = append(conns, conn)
		}
		a.mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}

		a.engine.Stop()
		a.wg.Wait()
		close(a.events)
	})
}

// Events returns the agent's notification stream for the presentation layer.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Devices returns the currently online peers.
func (a *Agent) Devices() []registry.Device {
	devices := a.registry.ListOnline()
	out := devices[:0]
	for _, device := range devices {
		if device.StableID == a.cfg.StableID {
			continue
		}
		out = append(out, device)
	}
	return out
}

// Pairings returns the active pairings this device participates in.
func (a *Agent) Pairings() []pairing.Pairing {
	if a.cfg.Mode == config.ModeRelay {
		a.mu.Lock()
		defer a.mu.Unlock()
		out := make([]pairing.Pairing, 0, len(a.hubPairings))
		for _, p := range a.hubPairings {
			if p.Status == pairing.StatusActive {
				out = append(out, p)
			}
		}
		return out
	}
	return a.coordinator.ActiveFor(selfHandle)
}

// History returns the persisted transfer records, newest first.
func (a *Agent) History() ([]storage.TransferRecord, error) {
	return a.store.ListTransfers()
}

// Pair requests a pairing with the device behind the given handle.
func (a *Agent) Pair(targetHandle string) error {
	if a.cfg.Mode == config.ModeRelay {
		if a.relay == nil {
			return ErrNotConnected
		}
		return a.relay.Send(protocol.TypePairRequest, protocol.PairRequest{
			TargetDeviceHandle: targetHandle,
		})
	}

	a.mu.Lock()
	_, connected := a.conns[targetHandle]
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: no direct link to %q", ErrNotConnected, targetHandle)
	}
	a.coordinator.Pair(selfHandle, targetHandle)
	return nil
}

// Terminate tears down an active pairing.
func (a *Agent) Terminate(pairingID string) error {
	if a.cfg.Mode == config.ModeRelay {
		if a.relay == nil {
			return ErrNotConnected
		}
		return a.relay.Send(protocol.TypeTerminateConnection, protocol.TerminateConnection{
			PairingID: pairingID,
		})
	}

	p, ok := a.coordinator.Get(pairingID)
	if !ok {
		return fmt.Errorf("agent: unknown pairing %q", pairingID)
	}

	partner := p.PartnerOf(selfHandle)
	a.mu.Lock()
	conn := a.conns[partner]
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Send(protocol.TypeTerminateConnection, protocol.TerminateConnection{PairingID: pairingID})
	}

	if _, ok := a.coordinator.Terminate(pairingID, selfHandle); !ok {
		return fmt.Errorf("agent: pairing %q is not active", pairingID)
	}
	return nil
}

// SendFile sends the file at path to the given target.
func (a *Agent) SendFile(path string, target transfer.Target) (string, error) {
	payload, err := storage.FilePayload(path)
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	t := transfer.Transfer{
		ID:           uuid.NewString(),
		OriginalName: name,
		MimeType:     mimeTypeOf(name),
		SizeBytes:    payload.Size(),
		Direction:    transfer.DirectionSent,
		Target:       target,
	}
	return t.ID, a.send(t, payload)
}

// SendClipboard sends clipboard text to the given target.
func (a *Agent) SendClipboard(text string, target transfer.Target) (string, error) {
	payload := transfer.BytesPayload([]byte(text))
	t := transfer.Transfer{
		ID:           uuid.NewString(),
		OriginalName: fmt.Sprintf("clipboard-%d.txt", time.Now().UnixMilli()),
		MimeType:     "text/plain",
		SizeBytes:    payload.Size(),
		IsClipboard:  true,
		Direction:    transfer.DirectionSent,
		Target:       target,
	}
	return t.ID, a.send(t, payload)
}

func (a *Agent) send(t transfer.Transfer, payload transfer.Payload) error {
	if a.cfg.Mode == config.ModeRelay {
		return a.relaySend(t, payload)
	}
	return a.localSend(t, payload)
}

// ChannelFor implements the resolver's channel directory over the direct
// connections. Relay mode does not resolve locally; the hub does.
func (a *Agent) ChannelFor(handle string) (transfer.Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, ok := a.conns[handle]
	if !ok {
		return nil, false
	}
	return conn, true
}

func (a *Agent) pumpRegistryEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-a.registry.Events():
			if event.Device.StableID == a.cfg.StableID {
				continue
			}
			switch event.Type {
			case registry.EventDeviceOnline, registry.EventDeviceRenamed:
				a.emit(Event{Kind: EventDeviceOnline, Device: event.Device})
			case registry.EventDeviceOffline:
				a.emit(Event{Kind: EventDeviceOffline, Device: event.Device})
			}
		}
	}
}

func (a *Agent) pumpPairingEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-a.coordinator.Events():
			switch event.Kind {
			case pairing.EventPairAccepted, pairing.EventAutoPaired:
				a.emit(Event{Kind: EventPaired, Pairing: event.Pairing})
				a.flushQueuedFor(event.Pairing.PartnerOf(selfHandle))
			case pairing.EventTerminated:
				a.cancelSendsTo(event.Pairing.PartnerOf(selfHandle))
				a.emit(Event{Kind: EventTerminated, Pairing: event.Pairing})
			}
		}
	}
}

func (a *Agent) pumpEngineEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case progress := <-a.engine.ProgressEvents():
			a.emit(Event{Kind: EventTransferProgress, Progress: progress})
		case failure := <-a.engine.Failures():
			a.log.WithFields(logrus.Fields{
				"transferId": failure.TransferID,
				"direction":  failure.Direction,
			}).WithError(failure.Err).Warn("transfer failed")
			a.emit(Event{
				Kind:     EventTransferFailed,
				Progress: transfer.Progress{TransferID: failure.TransferID, Direction: failure.Direction},
				Err:      failure.Err,
			})
		}
	}
}

// trackSend registers the cancel hook for an in-flight chunked send so a
// pairing termination can stop its chunk loop.
func (a *Agent) trackSend(partnerHandle, transferID string, cancel context.CancelFunc) {
	a.mu.Lock()
	if a.sendCancels[partnerHandle] == nil {
		a.sendCancels[partnerHandle] = make(map[string]context.CancelFunc)
	}
	a.sendCancels[partnerHandle][transferID] = cancel
	a.mu.Unlock()
}

func (a *Agent) untrackSend(partnerHandle, transferID string) {
	a.mu.Lock()
	if cancels := a.sendCancels[partnerHandle]; cancels != nil {
		delete(cancels, transferID)
		if len(cancels) == 0 {
			delete(a.sendCancels, partnerHandle)
		}
	}
	a.mu.Unlock()
}

// cancelSendsTo aborts every in-flight chunked send bound to a partner.
func (a *Agent) cancelSendsTo(partnerHandle string) {
	a.mu.Lock()
	cancels := a.sendCancels[partnerHandle]
	delete(a.sendCancels, partnerHandle)
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (a *Agent) emit(event Event) {
	select {
	case a.events <- event:
	default:
	}
}

func mimeTypeOf(name string) string {
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
