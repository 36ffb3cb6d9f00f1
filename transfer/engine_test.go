package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"landrop/protocol"
)

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	engine := NewEngine(opts)
	t.Cleanup(engine.Stop)
	return engine
}

func TestInlineEncodingClipboardStaysRaw(t *testing.T) {
	clip := Transfer{ID: "t1", IsClipboard: true}
	content := EncodeInline(clip, []byte("hello clipboard"))
	if content != "hello clipboard" {
		t.Fatalf("clipboard content should travel raw, got %q", content)
	}

	decoded, err := DecodeInline(true, content)
	if err != nil || string(decoded) != "hello clipboard" {
		t.Fatalf("decode round trip failed: %q %v", decoded, err)
	}
}

func TestInlineEncodingBinaryUsesBase64(t *testing.T) {
	file := Transfer{ID: "t1"}
	raw := []byte{0x00, 0xff, 0x10, 0x80}

	content := EncodeInline(file, raw)
	decoded, err := DecodeInline(false, content)
	if err != nil || !bytes.Equal(decoded, raw) {
		t.Fatalf("decode round trip failed: %v %v", decoded, err)
	}

	if _, err := DecodeInline(false, "not base64!!"); err == nil {
		t.Fatal("invalid base64 should be rejected")
	}
}

func TestTotalChunksCeiling(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})

	cases := []struct {
		size int64
		want int
	}{
		{size: 1, want: 1},
		{size: 4, want: 1},
		{size: 5, want: 2},
		{size: 20, want: 5},
	}
	for _, tc := range cases {
		if got := engine.TotalChunks(tc.size); got != tc.want {
			t.Fatalf("TotalChunks(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestSendInlineSingleMessage(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	channel := newFakeChannel("handle-b")

	transfer := Transfer{ID: "t1", OriginalName: "note.txt", SizeBytes: 5}
	if err := engine.Send(context.Background(), channel, transfer, BytesPayload([]byte("12345"))); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	sent := channel.sent()
	if len(sent) != 1 || sent[0].msgType != protocol.TypeFileTransfer {
		t.Fatalf("expected one inline file-transfer message, got %+v", sent)
	}
	message := sent[0].payload.(protocol.FileTransfer)
	if message.TotalChunks != 0 || message.Content == "" {
		t.Fatalf("inline message malformed: %+v", message)
	}
}

func TestSendChunkedFrameCount(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	channel := newFakeChannel("handle-b")

	data := []byte("abcdefghijklmnopqr") // 18 bytes, 5 chunks of 4
	transfer := Transfer{ID: "t1", OriginalName: "big.bin", SizeBytes: int64(len(data))}
	if err := engine.Send(context.Background(), channel, transfer, BytesPayload(data)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	sent := channel.sent()
	if sent[0].msgType != protocol.TypeFileTransfer {
		t.Fatal("first message must be the transfer header")
	}
	header := sent[0].payload.(protocol.FileTransfer)
	if header.TotalChunks != 5 || header.Content != "" {
		t.Fatalf("header malformed: %+v", header)
	}

	frames := channel.chunkFrames()
	if len(frames) != 5 {
		t.Fatalf("expected 5 chunk frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if frame.Index != i || frame.TotalChunks != 5 || frame.TransferID != "t1" {
			t.Fatalf("frame %d malformed: %+v", i, frame)
		}
	}

	if engine.InFlight() != 0 {
		t.Fatal("progress record should be discarded at completion")
	}
}

func TestReceiveReassemblesOutOfOrder(t *testing.T) {
	sender := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	receiver := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	channel := newFakeChannel("handle-b")

	data := []byte("the quick brown fox jumps")
	transfer := Transfer{ID: "t1", OriginalName: "fox.txt", SizeBytes: int64(len(data))}
	if err := sender.Send(context.Background(), channel, transfer, BytesPayload(data)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	frames := channel.chunkFrames()
	// Deliver in a scrambled order with one duplicate.
	order := []int{3, 0, 4, 1, 1, 2}
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}

	var payload []byte
	completions := 0
	for _, i := range order[:len(order)-1] {
		if _, complete, err := receiver.Receive("handle-a", frames[i]); err != nil {
			t.Fatalf("Receive returned error: %v", err)
		} else if complete {
			completions++
		}
	}
	result, complete, err := receiver.Receive("handle-a", frames[order[len(order)-1]])
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if !complete {
		t.Fatal("final chunk should complete the assembly")
	}
	if completions != 0 {
		t.Fatal("assembly completed before all indices were seen")
	}
	payload = result

	if !bytes.Equal(payload, data) {
		t.Fatalf("reassembled payload mismatch: %q", payload)
	}
}

func TestReceiveRejectsInvalidFrames(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{})

	bad := []protocol.ChunkFrame{
		{TransferID: "", Index: 0, TotalChunks: 1},
		{TransferID: "t1", Index: -1, TotalChunks: 2},
		{TransferID: "t1", Index: 2, TotalChunks: 2},
		{TransferID: "t1", Index: 0, TotalChunks: 0},
	}
	for _, frame := range bad {
		if _, _, err := engine.Receive("handle-a", frame); err == nil {
			t.Fatalf("frame %+v should be rejected", frame)
		}
	}
}

func TestSendAbortsOnChannelLoss(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	channel := newFakeChannel("handle-b")
	channel.close()

	data := make([]byte, 40)
	transfer := Transfer{ID: "t1", OriginalName: "big.bin", SizeBytes: int64(len(data))}
	err := engine.Send(context.Background(), channel, transfer, BytesPayload(data))
	if !errors.Is(err, ErrChannelLost) {
		t.Fatalf("expected ErrChannelLost, got %v", err)
	}

	select {
	case failure := <-engine.Failures():
		if failure.TransferID != "t1" || !errors.Is(failure.Err, ErrChannelLost) {
			t.Fatalf("unexpected failure: %+v", failure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}

	if engine.InFlight() != 0 {
		t.Fatal("aborted transfer should not keep a progress record")
	}
}

func TestSendAbortsOnContextCancel(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})
	channel := newFakeChannel("handle-b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transfer := Transfer{ID: "t1", SizeBytes: 40}
	if err := engine.Send(ctx, channel, transfer, BytesPayload(make([]byte, 40))); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStaleAssemblyIsSweptAndReported(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{
		ChunkSize:       4,
		ChunkThreshold:  8,
		AssemblyTimeout: 20 * time.Millisecond,
		JanitorInterval: 5 * time.Millisecond,
	})

	frame := protocol.ChunkFrame{
		TransferID:  "t-stale",
		Index:       0,
		TotalChunks: 2,
		Data:        EncodeInline(Transfer{}, []byte("abcd")),
	}
	if _, complete, err := engine.Receive("handle-a", frame); err != nil || complete {
		t.Fatalf("unexpected receive result: complete=%v err=%v", complete, err)
	}

	select {
	case failure := <-engine.Failures():
		if failure.TransferID != "t-stale" || !errors.Is(failure.Err, ErrAssemblyTimeout) {
			t.Fatalf("unexpected failure: %+v", failure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stale assembly sweep")
	}
}

func TestDiscardFromDropsPartialAssemblies(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{ChunkSize: 4, ChunkThreshold: 8})

	frame := protocol.ChunkFrame{
		TransferID:  "t1",
		Index:       0,
		TotalChunks: 3,
		Data:        EncodeInline(Transfer{}, []byte("abcd")),
	}
	if _, _, err := engine.Receive("handle-gone", frame); err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}

	discarded := engine.DiscardFrom("handle-gone")
	if len(discarded) != 1 || discarded[0] != "t1" {
		t.Fatalf("unexpected discards: %v", discarded)
	}

	// The transfer can start over from scratch afterwards.
	if _, complete, err := engine.Receive("handle-gone", frame); err != nil || complete {
		t.Fatalf("fresh assembly failed: complete=%v err=%v", complete, err)
	}
}

func TestProgressPercentClamped(t *testing.T) {
	cases := []struct {
		progress Progress
		want     float64
	}{
		{Progress{TotalBytes: 100, BytesDelivered: 0}, 0},
		{Progress{TotalBytes: 100, BytesDelivered: 50}, 50},
		{Progress{TotalBytes: 100, BytesDelivered: 150}, 100},
		{Progress{TotalBytes: 0, BytesDelivered: 0}, 100},
	}
	for _, tc := range cases {
		if got := tc.progress.Percent(); got != tc.want {
			t.Fatalf("Percent() = %v, want %v for %+v", got, tc.want, tc.progress)
		}
	}
}
