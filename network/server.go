package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"landrop/protocol"
)

// Identity is the local device's announced identity for the hello exchange.
type Identity struct {
	StableID    string
	DisplayName string
	ListenPort  int
}

func (id Identity) validate() error {
	if strings.TrimSpace(id.StableID) == "" {
		return errors.New("stable ID is required")
	}
	if strings.TrimSpace(id.DisplayName) == "" {
		return errors.New("display name is required")
	}
	return nil
}

func (id Identity) hello() protocol.Hello {
	return protocol.Hello{
		StableID:    id.StableID,
		DisplayName: id.DisplayName,
		ListenPort:  id.ListenPort,
	}
}

// Server accepts inbound direct connections from other devices on the local
// network. Each accepted socket completes the hello exchange before it is
// surfaced on Incoming.
type Server struct {
	identity Identity

	listener net.Listener

	incoming chan *PeerConnection
	errors   chan error

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Listen binds the transfer server on the given port. Port 0 picks a free
// port; Port() reports the bound one.
func Listen(identity Identity, port int) (*Server, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	s := &Server{
		identity: identity,
		listener: listener,
		incoming: make(chan *PeerConnection, 16),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Incoming delivers connections that completed the hello exchange.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors delivers non-fatal accept and handshake errors.
func (s *Server) Errors() <-chan error {
	return s.errors
}

// Close stops accepting and releases the listener. Established connections
// are not touched; their owners close them.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(conn)
		}()
	}
}

// handleInbound waits for the dialer's hello, replies hello-accepted, and
// hands the connection over.
func (s *Server) handleInbound(conn net.Conn) {
	raw, err := ReadFrameWithTimeout(conn, DefaultConnectTimeout)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("read hello from %s: %w", conn.RemoteAddr(), err))
		return
	}

	envelope, err := protocol.DecodeEnvelope(raw)
	if err != nil || envelope.Type != protocol.TypeHello {
		_ = conn.Close()
		s.reportError(fmt.Errorf("unexpected first frame from %s: %w", conn.RemoteAddr(), protocol.ErrMalformedMessage))
		return
	}

	var hello protocol.Hello
	if err := protocol.DecodePayload(envelope, &hello); err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("decode hello from %s: %w", conn.RemoteAddr(), err))
		return
	}
	if strings.TrimSpace(hello.StableID) == "" {
		_ = conn.Close()
		s.reportError(fmt.Errorf("hello from %s carries no stable ID", conn.RemoteAddr()))
		return
	}

	accepted, err := protocol.Encode(protocol.TypeHelloAccepted, s.identity.hello())
	if err != nil {
		_ = conn.Close()
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, accepted); err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("send hello-accepted to %s: %w", conn.RemoteAddr(), err))
		return
	}

	peer := newPeerConnection(conn, hello)

	select {
	case s.incoming <- peer:
	case <-s.done:
		_ = peer.Close()
	}
}

func (s *Server) reportError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// Dial connects to another device's transfer server and completes the hello
// exchange as the initiating side.
func Dial(ctx context.Context, address string, identity Identity) (*PeerConnection, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: DefaultConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(DefaultConnectTimeout))
	}

	hello, err := protocol.Encode(protocol.TypeHello, identity.hello())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello to %s: %w", address, err)
	}

	raw, err := ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello-accepted from %s: %w", address, err)
	}

	envelope, err := protocol.DecodeEnvelope(raw)
	if err != nil || envelope.Type != protocol.TypeHelloAccepted {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply from %s: %w", address, protocol.ErrMalformedMessage)
	}

	var accepted protocol.Hello
	if err := protocol.DecodePayload(envelope, &accepted); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode hello-accepted from %s: %w", address, err)
	}

	_ = conn.SetDeadline(time.Time{})

	return newPeerConnection(conn, accepted), nil
}
