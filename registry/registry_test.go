package registry

import (
	"testing"
	"time"
)

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registry event")
		return Event{}
	}
}

func TestRegisterNewDevice(t *testing.T) {
	reg := New()

	device := reg.Register("stable-a", "Laptop", "handle-1")
	if device.Handle != "handle-1" || device.StableID != "stable-a" || !device.Online {
		t.Fatalf("unexpected device: %+v", device)
	}

	event := waitForEvent(t, reg.Events())
	if event.Type != EventDeviceOnline {
		t.Fatalf("expected device-online event, got %q", event.Type)
	}
	if len(event.OnlineDevices) != 1 {
		t.Fatalf("expected 1 online device in snapshot, got %d", len(event.OnlineDevices))
	}
}

func TestRegisterReconnectKeepsOneRecord(t *testing.T) {
	reg := New()

	reg.Register("stable-a", "Laptop", "handle-1")
	reg.Register("stable-a", "Laptop", "handle-2")

	online := reg.ListOnline()
	if len(online) != 1 {
		t.Fatalf("expected one record after reconnect, got %d", len(online))
	}
	if online[0].Handle != "handle-2" {
		t.Fatalf("expected most recent handle handle-2, got %q", online[0].Handle)
	}

	// The superseded handle no longer resolves.
	if _, ok := reg.Get("handle-1"); ok {
		t.Fatal("superseded handle should not resolve")
	}
	if device, ok := reg.Get("handle-2"); !ok || device.StableID != "stable-a" {
		t.Fatalf("current handle did not resolve: %+v ok=%v", device, ok)
	}
}

func TestMarkOfflineIgnoresSupersededHandle(t *testing.T) {
	reg := New()

	reg.Register("stable-a", "Laptop", "handle-1")
	reg.Register("stable-a", "Laptop", "handle-2")

	if _, ok := reg.MarkOffline("handle-1"); ok {
		t.Fatal("stale handle should not mark the device offline")
	}
	if len(reg.ListOnline()) != 1 {
		t.Fatal("device should still be online")
	}

	device, ok := reg.MarkOffline("handle-2")
	if !ok || device.Online {
		t.Fatalf("expected offline device, got %+v ok=%v", device, ok)
	}
	if len(reg.ListOnline()) != 0 {
		t.Fatal("expected no online devices")
	}
}

func TestGetByStableIDSurvivesOffline(t *testing.T) {
	reg := New()

	reg.Register("stable-a", "Laptop", "handle-1")
	reg.MarkOffline("handle-1")

	device, ok := reg.GetByStableID("stable-a")
	if !ok {
		t.Fatal("offline device should remain known by stable ID")
	}
	if device.Online {
		t.Fatal("device should be offline")
	}
}

func TestStableIDForResolvesOfflineHandleUntilSuperseded(t *testing.T) {
	reg := New()

	reg.Register("stable-a", "Laptop", "handle-1")
	reg.MarkOffline("handle-1")

	if stableID, ok := reg.StableIDFor("handle-1"); !ok || stableID != "stable-a" {
		t.Fatalf("offline handle should still resolve, got %q ok=%v", stableID, ok)
	}

	// Reconnecting supersedes the old handle.
	reg.Register("stable-a", "Laptop", "handle-2")
	if _, ok := reg.StableIDFor("handle-1"); ok {
		t.Fatal("superseded handle should not resolve")
	}
	if stableID, ok := reg.StableIDFor("handle-2"); !ok || stableID != "stable-a" {
		t.Fatalf("current handle should resolve, got %q ok=%v", stableID, ok)
	}
}

func TestRename(t *testing.T) {
	reg := New()
	reg.Register("stable-a", "Laptop", "handle-1")

	device, ok := reg.Rename("stable-a", "Workstation")
	if !ok || device.DisplayName != "Workstation" {
		t.Fatalf("rename failed: %+v ok=%v", device, ok)
	}
	if _, ok := reg.Rename("stable-a", ""); ok {
		t.Fatal("empty name should be rejected")
	}
	if _, ok := reg.Rename("stable-missing", "X"); ok {
		t.Fatal("unknown stable ID should be rejected")
	}
}

func TestListOnlineSortedByName(t *testing.T) {
	reg := New()
	reg.Register("stable-c", "Zebra", "h-1")
	reg.Register("stable-a", "Alpha", "h-2")
	reg.Register("stable-b", "Mango", "h-3")

	online := reg.ListOnline()
	if len(online) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(online))
	}
	if online[0].DisplayName != "Alpha" || online[1].DisplayName != "Mango" || online[2].DisplayName != "Zebra" {
		t.Fatalf("unexpected order: %+v", online)
	}
}
