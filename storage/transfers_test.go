package storage

import (
	"errors"
	"testing"

	"landrop/transfer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestRecordAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	record := TransferRecord{
		TransferID:   "t1",
		OriginalName: "report.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    1024,
		Direction:    transfer.DirectionSent,
		PeerStableID: "stable-b",
		PeerName:     "Laptop",
	}
	if err := store.RecordSentTransfer(record); err != nil {
		t.Fatalf("RecordSentTransfer returned error: %v", err)
	}

	got, err := store.GetTransfer("t1")
	if err != nil {
		t.Fatalf("GetTransfer returned error: %v", err)
	}
	if got.OriginalName != "report.pdf" || got.Direction != transfer.DirectionSent || got.PeerName != "Laptop" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt == 0 {
		t.Fatal("CreatedAt should be stamped on insert")
	}
}

func TestRecordReceivedForcesDirection(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordReceivedTransfer(TransferRecord{
		TransferID:   "t1",
		OriginalName: "photo.jpg",
		Direction:    transfer.DirectionSent, // overridden
	}); err != nil {
		t.Fatalf("RecordReceivedTransfer returned error: %v", err)
	}

	got, err := store.GetTransfer("t1")
	if err != nil {
		t.Fatalf("GetTransfer returned error: %v", err)
	}
	if got.Direction != transfer.DirectionReceived {
		t.Fatalf("expected received direction, got %q", got.Direction)
	}
}

func TestInsertUpsertsDirectionAndPath(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSentTransfer(TransferRecord{
		TransferID:   "t1",
		OriginalName: "big.iso",
		Direction:    transfer.DirectionQueued,
	}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.RecordSentTransfer(TransferRecord{
		TransferID:   "t1",
		OriginalName: "big.iso",
		Direction:    transfer.DirectionSent,
		StoredPath:   "/tmp/big.iso",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetTransfer("t1")
	if err != nil {
		t.Fatalf("GetTransfer returned error: %v", err)
	}
	if got.Direction != transfer.DirectionSent || got.StoredPath != "/tmp/big.iso" {
		t.Fatalf("upsert did not apply: %+v", got)
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"t1", "t2", "t3"} {
		if err := store.RecordSentTransfer(TransferRecord{
			TransferID:   id,
			OriginalName: id + ".txt",
			Direction:    transfer.DirectionSent,
			CreatedAt:    int64(1000 + i),
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	records, err := store.ListTransfers()
	if err != nil {
		t.Fatalf("ListTransfers returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].TransferID != "t3" || records[2].TransferID != "t1" {
		t.Fatalf("unexpected order: %+v", records)
	}
}

func TestDeleteTransfer(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSentTransfer(TransferRecord{TransferID: "t1", Direction: transfer.DirectionSent}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.DeleteTransfer("t1"); err != nil {
		t.Fatalf("DeleteTransfer returned error: %v", err)
	}
	if _, err := store.GetTransfer("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteTransfer("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should report ErrNotFound, got %v", err)
	}
}

func TestUpdateTransferDirection(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSentTransfer(TransferRecord{TransferID: "t1", Direction: transfer.DirectionQueued}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateTransferDirection("t1", transfer.DirectionSent); err != nil {
		t.Fatalf("UpdateTransferDirection returned error: %v", err)
	}

	got, err := store.GetTransfer("t1")
	if err != nil {
		t.Fatalf("GetTransfer returned error: %v", err)
	}
	if got.Direction != transfer.DirectionSent {
		t.Fatalf("expected sent direction, got %q", got.Direction)
	}

	if err := store.UpdateTransferDirection("missing", transfer.DirectionSent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequiresTransferID(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSentTransfer(TransferRecord{Direction: transfer.DirectionSent}); err == nil {
		t.Fatal("missing transfer ID should be rejected")
	}
}
