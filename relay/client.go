package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"landrop/discovery"
	"landrop/protocol"
	"landrop/registry"
	"landrop/transfer"
)

// DefaultReconnectInterval is the fixed delay between relay reconnect
// attempts. Attempts continue indefinitely; there is no backoff and no cap.
const DefaultReconnectInterval = 3 * time.Second

type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// ClientConfig configures a device's relay connection.
type ClientConfig struct {
	URL               string
	StableID          string
	DeviceName        string
	ReconnectInterval time.Duration

	dialFn dialFunc
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.dialFn == nil {
		out.dialFn = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		}
	}
	return out
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("relay URL is required")
	}
	if strings.TrimSpace(c.StableID) == "" {
		return errors.New("stable ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// Client maintains a device's relay connection. It doubles as the discovery
// provider in relay mode: registry membership changes arrive as
// device-connected and device-disconnected messages and are surfaced as
// discovery events. Non-discovery messages flow out on Inbound for the agent.
type Client struct {
	cfg ClientConfig
	log *logrus.Logger

	events  chan discovery.Event
	inbound chan protocol.Envelope

	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}
	self     registry.Device
	ready    bool
	known    map[string]registry.Device // by handle, excluding self

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartClient connects to the relay and keeps the connection alive until
// Stop. The initial dial happens in the background like every reconnect.
func StartClient(config ClientConfig, log *logrus.Logger) (*Client, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		events:  make(chan discovery.Event, 128),
		inbound: make(chan protocol.Envelope, 256),
		known:   make(map[string]registry.Device),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run()

	return c, nil
}

// Events implements the discovery provider.
func (c *Client) Events() <-chan discovery.Event {
	return c.events
}

// Inbound delivers relay messages other than discovery updates: pairing
// notices, transfers, chunk frames, confirmations, errors.
func (c *Client) Inbound() <-chan protocol.Envelope {
	return c.inbound
}

// Stop implements the discovery provider and tears the connection down.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

		c.wg.Wait()
		close(c.events)
	})
}

// Self returns this device's registry record as assigned by the relay.
// ok is false until setup-complete has been received.
func (c *Client) Self() (registry.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.ready
}

// OnlineDevices returns the relay's last known online peers, sorted by name.
func (c *Client) OnlineDevices() []registry.Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]registry.Device, 0, len(c.known))
	for _, device := range c.known {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].StableID < out[j].StableID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// ChannelFor returns a transfer channel scoped to an online peer handle.
// Every channel shares the one relay socket; Done trips when the current
// connection generation ends, failing in-flight sends.
func (c *Client) ChannelFor(handle string) (transfer.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, false
	}
	if _, ok := c.known[handle]; !ok {
		return nil, false
	}
	return &relayChannel{client: c, handle: handle, done: c.connDone}, true
}

// SocketChannel returns a channel over the relay socket itself, for messages
// the hub routes on the device's behalf: transfers to specific targets and
// broadcasts alike carry their destination in the payload.
func (c *Client) SocketChannel() (transfer.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, false
	}
	return &relayChannel{client: c, done: c.connDone}, true
}

// Send writes one typed message on the relay socket.
func (c *Client) Send(msgType string, payload any) error {
	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *Client) write(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("relay: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.cfg.dialFn(c.ctx, c.cfg.URL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("url", c.cfg.URL).Warn("relay dial failed")
			if !c.sleep(c.cfg.ReconnectInterval) {
				return
			}
			continue
		}

		conn.SetReadLimit(maxMessageSize)
		connDone := make(chan struct{})

		c.mu.Lock()
		c.conn = conn
		c.connDone = connDone
		c.mu.Unlock()

		if err := c.Send(protocol.TypeDeviceSetup, protocol.DeviceSetup{
			Name:     c.cfg.DeviceName,
			StableID: c.cfg.StableID,
		}); err != nil {
			c.log.WithError(err).Warn("relay setup send failed")
		}

		c.readLoop(conn)

		close(connDone)
		c.dropConnection(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.log.WithField("url", c.cfg.URL).Info("relay connection lost, reconnecting")
		if !c.sleep(c.cfg.ReconnectInterval) {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		envelope, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.log.WithError(err).Warn("malformed relay message")
			continue
		}

		switch envelope.Type {
		case protocol.TypeSetupComplete:
			c.handleSetupComplete(envelope)
		case protocol.TypeDeviceConnected:
			c.handleDeviceChange(envelope, true)
		case protocol.TypeDeviceDisconnected:
			c.handleDeviceChange(envelope, false)
		default:
			select {
			case c.inbound <- envelope:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Client) handleSetupComplete(envelope protocol.Envelope) {
	var setup protocol.SetupComplete
	if err := protocol.DecodePayload(envelope, &setup); err != nil {
		c.log.WithError(err).Warn("malformed setup-complete")
		return
	}

	c.mu.Lock()
	c.self = setup.Device
	c.ready = true
	appeared := make([]registry.Device, 0, len(setup.OnlineDevices))
	for _, device := range setup.OnlineDevices {
		if device.StableID == c.cfg.StableID {
			continue
		}
		c.known[device.Handle] = device
		appeared = append(appeared, device)
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"handle": setup.Device.Handle,
		"peers":  len(appeared),
	}).Info("relay setup complete")

	for _, device := range appeared {
		c.emit(discovery.Event{Type: discovery.EventDeviceAppeared, Device: toAnnouncement(device)})
	}
}

func (c *Client) handleDeviceChange(envelope protocol.Envelope, online bool) {
	var change protocol.DeviceChange
	if err := protocol.DecodePayload(envelope, &change); err != nil {
		c.log.WithError(err).Warn("malformed device change")
		return
	}
	if change.Device.StableID == c.cfg.StableID {
		return
	}

	c.mu.Lock()
	if online {
		c.known[change.Device.Handle] = change.Device
	} else {
		delete(c.known, change.Device.Handle)
	}
	c.mu.Unlock()

	eventType := discovery.EventDeviceAppeared
	if !online {
		eventType = discovery.EventDeviceLost
	}
	c.emit(discovery.Event{Type: eventType, Device: toAnnouncement(change.Device)})
}

// dropConnection clears connection state and reports every known peer lost,
// since registry membership does not survive a relay reconnect.
func (c *Client) dropConnection(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	lost := make([]registry.Device, 0, len(c.known))
	for _, device := range c.known {
		lost = append(lost, device)
	}
	c.known = make(map[string]registry.Device)
	c.ready = false
	c.mu.Unlock()

	for _, device := range lost {
		c.emit(discovery.Event{Type: discovery.EventDeviceLost, Device: toAnnouncement(device)})
	}
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) emit(event discovery.Event) {
	select {
	case c.events <- event:
	default:
	}
}

func toAnnouncement(device registry.Device) discovery.Announcement {
	return discovery.Announcement{
		StableID:    device.StableID,
		DisplayName: device.DisplayName,
		Handle:      device.Handle,
		LastSeen:    device.LastSeen,
	}
}

// relayChannel scopes the shared relay socket to one target handle.
type relayChannel struct {
	client *Client
	handle string
	done   chan struct{}
}

func (ch *relayChannel) DeviceHandle() string {
	return ch.handle
}

func (ch *relayChannel) Send(msgType string, payload any) error {
	select {
	case <-ch.done:
		return errors.New("relay: connection lost")
	default:
	}
	return ch.client.Send(msgType, payload)
}

func (ch *relayChannel) Done() <-chan struct{} {
	return ch.done
}
