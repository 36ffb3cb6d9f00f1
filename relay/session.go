package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"landrop/protocol"
)

// session is one connected device socket. All writes funnel through a single
// writer goroutine so concurrent senders never interleave on the websocket.
type session struct {
	handle string
	conn   *websocket.Conn

	mu       sync.Mutex
	stableID string

	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(handle string, conn *websocket.Conn) *session {
	return &session{
		handle:   handle,
		conn:     conn,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// DeviceHandle implements the transfer channel.
func (s *session) DeviceHandle() string {
	return s.handle
}

// Send encodes and queues one typed message for the writer goroutine.
func (s *session) Send(msgType string, payload any) error {
	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return s.enqueue(raw)
}

// Done implements the transfer channel; closed when the socket is gone.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) setStableID(stableID string) {
	s.mu.Lock()
	s.stableID = stableID
	s.mu.Unlock()
}

func (s *session) getStableID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stableID
}

func (s *session) enqueue(raw []byte) error {
	select {
	case <-s.done:
		return errors.New("relay: session closed")
	case s.outbound <- raw:
		return nil
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case raw := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
