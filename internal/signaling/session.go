package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
)

const sendBufferSize = 64

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one accepted real-time connection bound to exactly one
// (consultation, user) pair.
type Session struct {
	ID             string
	ConsultationID uuid.UUID
	UserID         uuid.UUID
	Name           string
	Role           string

	conn Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	missed int
	closed bool
}

// NewSession wraps a connection. Pumps are started by the handler after the
// session has joined its room.
func NewSession(consultationID, userID uuid.UUID, name, role string, conn Conn) *Session {
	return &Session{
		ID:             uuid.New().String(),
		ConsultationID: consultationID,
		UserID:         userID,
		Name:           name,
		Role:           role,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
	}
}

// Queue enqueues an outbound frame without blocking. A slow consumer whose
// buffer is full loses the frame rather than stalling the broadcast.
func (s *Session) Queue(data []byte) {
	if data == nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

func (s *Session) QueueOutbound(o Outbound) { s.Queue(o.encode()) }

// alive resets the missed-ping counter. Called on heartbeat envelopes and
// transport-level pongs.
func (s *Session) alive() {
	s.mu.Lock()
	s.missed = 0
	s.mu.Unlock()
}

// probe counts one liveness probe and reports the number missed so far.
func (s *Session) probe() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed++
	return s.missed
}

// Close shuts the connection down; safe to call more than once. The read
// pump observes the closed connection and runs the normal cleanup path.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
}

// writePump drains the send buffer and probes liveness on a fixed interval.
// A session that misses missLimit consecutive probes is forcibly closed,
// which funnels it into the same cleanup path as a client disconnect.
func (s *Session) writePump(interval time.Duration, missLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if s.probe() > missLimit {
				return
			}
			if err := s.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
