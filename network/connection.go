package network

import (
	"errors"
	"net"
	"sync"

	"landrop/protocol"
)

// PeerConnection is one established direct link to another device. It is the
// local-network mode transfer channel: writes are serialized, Done is closed
// when the link is lost, and the handle is the remote endpoint address.
type PeerConnection struct {
	conn net.Conn

	peerStableID string
	peerName     string
	handle       string

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

func newPeerConnection(conn net.Conn, hello protocol.Hello) *PeerConnection {
	return &PeerConnection{
		conn:         conn,
		peerStableID: hello.StableID,
		peerName:     hello.DisplayName,
		handle:       conn.RemoteAddr().String(),
		done:         make(chan struct{}),
	}
}

// PeerStableID returns the remote device's persisted identity.
func (c *PeerConnection) PeerStableID() string {
	return c.peerStableID
}

// PeerName returns the remote device's display name.
func (c *PeerConnection) PeerName() string {
	return c.peerName
}

// DeviceHandle implements the transfer channel: the transient handle is the
// remote socket address and changes on every reconnect.
func (c *PeerConnection) DeviceHandle() string {
	return c.handle
}

// Send writes one typed message as a frame. Safe for concurrent use.
func (c *PeerConnection) Send(msgType string, payload any) error {
	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return errors.New("network: connection closed")
	default:
	}

	if err := WriteFrame(c.conn, raw); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

// Receive blocks until the next frame arrives and decodes its envelope.
// A decode failure is returned without closing the connection; transport
// errors close it.
func (c *PeerConnection) Receive() (protocol.Envelope, error) {
	raw, err := ReadFrame(c.conn)
	if err != nil {
		c.closeWithError(err)
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(raw)
}

// Done is closed when the connection is lost or closed.
func (c *PeerConnection) Done() <-chan struct{} {
	return c.done
}

// LastError returns the transport error that closed the connection, if any.
func (c *PeerConnection) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// RemoteAddr returns the remote endpoint address.
func (c *PeerConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close tears the connection down.
func (c *PeerConnection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		closeErr = c.conn.Close()
	})
	return closeErr
}

func (c *PeerConnection) closeWithError(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
	_ = c.Close()
}
