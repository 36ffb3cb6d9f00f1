package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

// fakeBrowser serves a mutable set of service entries to every browse call.
type fakeBrowser struct {
	mu      sync.Mutex
	entries []*zeroconf.ServiceEntry
}

func (f *fakeBrowser) set(entries ...*zeroconf.ServiceEntry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

func (f *fakeBrowser) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	snapshot := make([]*zeroconf.ServiceEntry, len(f.entries))
	copy(snapshot, f.entries)
	f.mu.Unlock()

	for _, entry := range snapshot {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func serviceEntry(instance, stableID string, port int) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.Text = []string{"stable_id=" + stableID, "version=1"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	return entry
}

func newTestScanner(t *testing.T, browser *fakeBrowser, staleAfter time.Duration) *Scanner {
	t.Helper()

	scanner, err := NewScanner(Config{
		SelfStableID:    "stable-self",
		RefreshInterval: time.Hour, // refreshes are explicit in tests
		ScanTimeout:     30 * time.Millisecond,
		StaleAfter:      staleAfter,
		browseFn:        browser.browse,
	})
	if err != nil {
		t.Fatalf("NewScanner returned error: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(scanner.Stop)
	return scanner
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
			return Event{}
		}
	}
}

func TestScannerReportsAppearedDevice(t *testing.T) {
	browser := &fakeBrowser{}
	browser.set(serviceEntry("Laptop", "stable-b", 40100))

	scanner := newTestScanner(t, browser, time.Hour)

	event := waitForEvent(t, scanner.Events(), EventDeviceAppeared)
	if event.Device.StableID != "stable-b" || event.Device.DisplayName != "Laptop" {
		t.Fatalf("unexpected device: %+v", event.Device)
	}
	if event.Device.Addr() != "192.168.1.20:40100" {
		t.Fatalf("unexpected address: %q", event.Device.Addr())
	}

	devices := scanner.ListDevices()
	if len(devices) != 1 || devices[0].StableID != "stable-b" {
		t.Fatalf("unexpected device list: %+v", devices)
	}
}

func TestScannerFiltersSelf(t *testing.T) {
	browser := &fakeBrowser{}
	browser.set(
		serviceEntry("Me", "stable-self", 40100),
		serviceEntry("Other", "stable-b", 40200),
	)

	scanner := newTestScanner(t, browser, time.Hour)
	waitForEvent(t, scanner.Events(), EventDeviceAppeared)

	devices := scanner.ListDevices()
	if len(devices) != 1 || devices[0].StableID != "stable-b" {
		t.Fatalf("self must be filtered out, got %+v", devices)
	}
}

func TestScannerReportsLostAfterStaleWindow(t *testing.T) {
	browser := &fakeBrowser{}
	browser.set(serviceEntry("Laptop", "stable-b", 40100))

	scanner := newTestScanner(t, browser, 50*time.Millisecond)
	waitForEvent(t, scanner.Events(), EventDeviceAppeared)

	// The device stops advertising.
	browser.set()
	time.Sleep(80 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	waitForEvent(t, scanner.Events(), EventDeviceLost)
	if len(scanner.ListDevices()) != 0 {
		t.Fatal("lost device should leave the list")
	}
}

func TestScannerSilenceWithinStaleWindowKeepsDevice(t *testing.T) {
	browser := &fakeBrowser{}
	browser.set(serviceEntry("Laptop", "stable-b", 40100))

	scanner := newTestScanner(t, browser, time.Hour)
	waitForEvent(t, scanner.Events(), EventDeviceAppeared)

	// One quiet scan does not evict a recently seen device.
	browser.set()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	if len(scanner.ListDevices()) != 1 {
		t.Fatal("device should survive a single missed scan")
	}
}

func TestParseEntryRequiresStableID(t *testing.T) {
	entry := zeroconf.NewServiceEntry("NoID", DefaultService, DefaultDomain)
	entry.Text = []string{"version=1"}

	if _, ok := parseEntry(entry, "stable-self"); ok {
		t.Fatal("entry without stable_id must be ignored")
	}
}
