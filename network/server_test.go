package network

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"landrop/protocol"
)

func testIdentity(stableID, name string) Identity {
	return Identity{StableID: stableID, DisplayName: name}
}

func acceptOne(t *testing.T, server *Server) *PeerConnection {
	t.Helper()
	select {
	case conn := <-server.Incoming():
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound connection")
		return nil
	}
}

func TestDialHandshakeExchangesIdentities(t *testing.T) {
	server, err := Listen(testIdentity("stable-srv", "Server Device"), 0)
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", server.Port())
	client, err := Dial(context.Background(), addr, testIdentity("stable-cli", "Client Device"))
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if client.PeerStableID() != "stable-srv" || client.PeerName() != "Server Device" {
		t.Fatalf("dialer learned wrong identity: %q %q", client.PeerStableID(), client.PeerName())
	}

	inbound := acceptOne(t, server)
	defer func() {
		_ = inbound.Close()
	}()
	if inbound.PeerStableID() != "stable-cli" || inbound.PeerName() != "Client Device" {
		t.Fatalf("listener learned wrong identity: %q %q", inbound.PeerStableID(), inbound.PeerName())
	}
}

func TestSendReceiveOverConnection(t *testing.T) {
	server, err := Listen(testIdentity("stable-srv", "Server"), 0)
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", server.Port())
	client, err := Dial(context.Background(), addr, testIdentity("stable-cli", "Client"))
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	inbound := acceptOne(t, server)
	defer func() {
		_ = inbound.Close()
	}()

	want := protocol.ChunkFrame{TransferID: "t1", Index: 2, TotalChunks: 5, Data: "ZGF0YQ=="}
	if err := client.Send(protocol.TypeFileChunk, want); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	envelope, err := inbound.Receive()
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if envelope.Type != protocol.TypeFileChunk {
		t.Fatalf("expected file-chunk, got %q", envelope.Type)
	}

	var got protocol.ChunkFrame
	if err := protocol.DecodePayload(envelope, &got); err != nil {
		t.Fatalf("DecodePayload returned error: %v", err)
	}
	if got != want {
		t.Fatalf("frame mismatch: %+v vs %+v", got, want)
	}
}

func TestConnectionDoneOnPeerClose(t *testing.T) {
	server, err := Listen(testIdentity("stable-srv", "Server"), 0)
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", server.Port())
	client, err := Dial(context.Background(), addr, testIdentity("stable-cli", "Client"))
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}

	inbound := acceptOne(t, server)
	_ = client.Close()

	// The peer's read unblocks with an error and Done trips.
	if _, err := inbound.Receive(); err == nil {
		t.Fatal("Receive should fail after peer close")
	}
	select {
	case <-inbound.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done should be closed after transport failure")
	}
}

func TestDialRejectsNonHelloReply(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		raw, _ := protocol.Encode(protocol.TypeError, protocol.ErrorMessage{Message: "nope"})
		_ = WriteFrame(conn, raw)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := Dial(ctx, listener.Addr().String(), testIdentity("stable-cli", "Client")); err == nil {
		t.Fatal("handshake with wrong reply type should fail")
	}
}

func TestListenRejectsInvalidIdentity(t *testing.T) {
	if _, err := Listen(Identity{}, 0); err == nil {
		t.Fatal("empty identity should be rejected")
	}
	if _, err := Dial(context.Background(), "127.0.0.1:1", Identity{StableID: "x"}); err == nil {
		t.Fatal("identity without display name should be rejected")
	}
}
