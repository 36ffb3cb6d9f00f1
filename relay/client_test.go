package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"landrop/discovery"
	"landrop/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startTestClient(t *testing.T, hub *testHub, stableID, name string, cfg ...func(*ClientConfig)) *Client {
	t.Helper()

	config := ClientConfig{
		URL:               hub.wsURL,
		StableID:          stableID,
		DeviceName:        name,
		ReconnectInterval: 20 * time.Millisecond,
	}
	for _, apply := range cfg {
		apply(&config)
	}

	client, err := StartClient(config, quietLogger())
	if err != nil {
		t.Fatalf("StartClient returned error: %v", err)
	}
	t.Cleanup(client.Stop)
	return client
}

func waitForDiscovery(t *testing.T, client *Client, want discovery.EventType) discovery.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-client.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q discovery event", want)
		}
	}
}

func waitForCondition(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientCompletesSetup(t *testing.T) {
	hub := newTestHub(t)
	client := startTestClient(t, hub, "stable-a", "Alpha")

	waitForCondition(t, "setup-complete", func() bool {
		_, ready := client.Self()
		return ready
	})

	self, _ := client.Self()
	if self.StableID != "stable-a" || self.Handle == "" {
		t.Fatalf("unexpected self record: %+v", self)
	}
}

func TestClientSurfacesPeersAsDiscoveryEvents(t *testing.T) {
	hub := newTestHub(t)
	client := startTestClient(t, hub, "stable-a", "Alpha")
	waitForCondition(t, "setup-complete", func() bool {
		_, ready := client.Self()
		return ready
	})

	peer := connectDevice(t, hub, "Beta", "stable-b")

	event := waitForDiscovery(t, client, discovery.EventDeviceAppeared)
	if event.Device.StableID != "stable-b" || event.Device.Handle != peer.device.Handle {
		t.Fatalf("unexpected appearance: %+v", event.Device)
	}

	if _, ok := client.ChannelFor(peer.device.Handle); !ok {
		t.Fatal("online peer should have a channel")
	}
	if _, ok := client.ChannelFor("no-such-handle"); ok {
		t.Fatal("unknown handle should have no channel")
	}

	_ = peer.conn.Close()
	lost := waitForDiscovery(t, client, discovery.EventDeviceLost)
	if lost.Device.StableID != "stable-b" {
		t.Fatalf("unexpected loss: %+v", lost.Device)
	}
}

func TestClientReconnectsWithFixedInterval(t *testing.T) {
	hub := newTestHub(t)

	var failures atomic.Int32
	failing := func(cfg *ClientConfig) {
		realDial := cfg.dialFn
		if realDial == nil {
			realDial = func(ctx context.Context, url string) (*websocket.Conn, error) {
				conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
				return conn, err
			}
		}
		cfg.dialFn = func(ctx context.Context, url string) (*websocket.Conn, error) {
			if failures.Add(1) <= 3 {
				return nil, errors.New("synthetic dial failure")
			}
			return realDial(ctx, url)
		}
	}

	client := startTestClient(t, hub, "stable-a", "Alpha", failing)

	// The client keeps retrying through failures and eventually registers.
	waitForCondition(t, "setup after retries", func() bool {
		_, ready := client.Self()
		return ready
	})
	if failures.Load() < 4 {
		t.Fatalf("expected at least 4 dial attempts, got %d", failures.Load())
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	hub := newTestHub(t)

	neverDial := func(cfg *ClientConfig) {
		cfg.dialFn = func(ctx context.Context, url string) (*websocket.Conn, error) {
			return nil, errors.New("offline")
		}
	}
	client := startTestClient(t, hub, "stable-a", "Alpha", neverDial)

	if err := client.Send(protocol.TypePairRequest, protocol.PairRequest{TargetDeviceHandle: "x"}); err == nil {
		t.Fatal("send without a connection should fail")
	}
	if _, ok := client.SocketChannel(); ok {
		t.Fatal("no socket channel without a connection")
	}
}
