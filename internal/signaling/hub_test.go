package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/auth"
)

// fakeConn is an in-memory Conn for exercising sessions without a network.
type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	inbound chan []byte
	pings   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return gorillawebsocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	if messageType == gorillawebsocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func newSessionFor(consultationID uuid.UUID, role string) *Session {
	return NewSession(consultationID, uuid.New(), "Test "+role, role, newFakeConn())
}

func receiveOutbound(t *testing.T, s *Session) Outbound {
	t.Helper()
	select {
	case raw := <-s.send:
		var o Outbound
		if err := json.Unmarshal(raw, &o); err != nil {
			t.Fatalf("failed to decode outbound frame: %v", err)
		}
		return o
	case <-time.After(time.Second):
		t.Fatal("no outbound frame received")
		return Outbound{}
	}
}

func assertNoOutbound(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected outbound frame: %s", raw)
	default:
	}
}

func TestHub_JoinCreatesRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()

	s1 := newSessionFor(consultationID, auth.RoleDoctor)
	s2 := newSessionFor(consultationID, auth.RolePatient)
	hub.Join(s1)
	hub.Join(s2)

	if hub.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", hub.RoomCount())
	}
	if hub.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", hub.SessionCount())
	}
}

func TestHub_JoinDuringConcurrentLeaveKeepsRoomReachable(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()

	for i := 0; i < 200; i++ {
		leaving := newSessionFor(consultationID, auth.RoleDoctor)
		hub.Join(leaving)

		joining := newSessionFor(consultationID, auth.RolePatient)
		done := make(chan struct{})
		go func() {
			hub.Leave(leaving)
			close(done)
		}()
		joined := hub.Join(joining)
		<-done

		registered, ok := hub.Room(consultationID)
		if !ok {
			t.Fatalf("iteration %d: room dropped while a session is joined", i)
		}
		if registered != joined {
			t.Fatalf("iteration %d: joined room is not the registered room", i)
		}

		hub.Publish(consultationID, "system_notice", nil)
		select {
		case <-joining.send:
		default:
			t.Fatalf("iteration %d: publish did not reach joined session", i)
		}

		hub.Leave(joining)
	}
}

func TestHub_LeaveDropsEmptyRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()

	s := newSessionFor(consultationID, auth.RoleDoctor)
	hub.Join(s)
	hub.Leave(s)

	if hub.RoomCount() != 0 {
		t.Fatalf("expected empty room dropped, got %d rooms", hub.RoomCount())
	}
	if _, ok := hub.Room(consultationID); ok {
		t.Fatal("expected room lookup to miss after last leave")
	}
}

func TestHub_RoomsAreIndependent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := newSessionFor(uuid.New(), auth.RoleDoctor)
	b := newSessionFor(uuid.New(), auth.RoleDoctor)
	hub.Join(a)
	hub.Join(b)

	hub.Publish(a.ConsultationID, "consultation_started", nil)

	out := receiveOutbound(t, a)
	if out.Type != "consultation_started" {
		t.Fatalf("expected consultation_started, got %s", out.Type)
	}
	assertNoOutbound(t, b)
}

func TestHub_PublishWithoutRoomIsNoop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	// Should not panic.
	hub.Publish(uuid.New(), "consultation_ended", map[string]interface{}{"duration": 20})
}

func TestHub_CloseShutsSessions(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	s := newSessionFor(uuid.New(), auth.RolePatient)
	hub.Join(s)

	hub.Close()

	if hub.RoomCount() != 0 {
		t.Fatalf("expected 0 rooms after close, got %d", hub.RoomCount())
	}
	if !s.conn.(*fakeConn).isClosed() {
		t.Fatal("expected session connection closed")
	}
}

func TestRoom_BroadcastExceptSkipsSender(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()
	sender := newSessionFor(consultationID, auth.RoleDoctor)
	other := newSessionFor(consultationID, auth.RolePatient)
	room := hub.Join(sender)
	hub.Join(other)

	room.BroadcastExcept(sender, Outbound{Type: TypeTyping, Timestamp: time.Now()}.encode())

	out := receiveOutbound(t, other)
	if out.Type != TypeTyping {
		t.Fatalf("expected typing, got %s", out.Type)
	}
	assertNoOutbound(t, sender)
}

func TestRoom_BroadcastStaffExcludesPatient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()
	doctor := newSessionFor(consultationID, auth.RoleDoctor)
	patient := newSessionFor(consultationID, auth.RolePatient)
	assistant := newSessionFor(consultationID, auth.RoleAssistant)
	room := hub.Join(doctor)
	hub.Join(patient)
	hub.Join(assistant)

	room.BroadcastStaff(Outbound{Type: TypeChat, Timestamp: time.Now()}.encode())

	receiveOutbound(t, doctor)
	receiveOutbound(t, assistant)
	assertNoOutbound(t, patient)
}

func TestRoom_PresenceTracksStatus(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	consultationID := uuid.New()
	s := newSessionFor(consultationID, auth.RolePatient)
	room := hub.Join(s)

	room.setStatus(s.UserID, "away")

	list := room.PresenceList()
	if len(list) != 1 {
		t.Fatalf("expected 1 presence entry, got %d", len(list))
	}
	if list[0].Status != "away" {
		t.Fatalf("expected away, got %s", list[0].Status)
	}
	if list[0].Role != auth.RolePatient {
		t.Fatalf("expected patient role, got %s", list[0].Role)
	}
}

func TestSession_QueueDropsWhenFull(t *testing.T) {
	s := newSessionFor(uuid.New(), auth.RolePatient)

	// Overfill the buffer; Queue must never block.
	frame := []byte(`{"type":"typing"}`)
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBufferSize*2; i++ {
			s.Queue(frame)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Queue blocked on a full buffer")
	}
	if len(s.send) != sendBufferSize {
		t.Fatalf("expected buffer capped at %d, got %d", sendBufferSize, len(s.send))
	}
}

func TestSession_LivenessDisconnect(t *testing.T) {
	fc := newFakeConn()
	s := NewSession(uuid.New(), uuid.New(), "Quiet", auth.RolePatient, fc)

	go s.writePump(5*time.Millisecond, 2)

	deadline := time.After(time.Second)
	for !fc.isClosed() {
		select {
		case <-deadline:
			t.Fatal("expected silent session to be disconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if fc.pingCount() < 2 {
		t.Fatalf("expected at least 2 probes before disconnect, got %d", fc.pingCount())
	}
}

func TestSession_HeartbeatKeepsAlive(t *testing.T) {
	fc := newFakeConn()
	s := NewSession(uuid.New(), uuid.New(), "Live", auth.RolePatient, fc)

	go s.writePump(10*time.Millisecond, 2)
	defer s.Close()

	// Keep resetting the probe counter; the session must stay up.
	for i := 0; i < 10; i++ {
		s.alive()
		time.Sleep(5 * time.Millisecond)
	}
	if fc.isClosed() {
		t.Fatal("heartbeating session was disconnected")
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"chat ok", Envelope{Type: TypeChat, Body: "hello"}, false},
		{"chat empty body", Envelope{Type: TypeChat}, true},
		{"typing", Envelope{Type: TypeTyping}, false},
		{"heartbeat", Envelope{Type: TypeHeartbeat}, false},
		{"status missing", Envelope{Type: TypeStatus}, true},
		{"quality missing", Envelope{Type: TypeConnectionQuality}, true},
		{"screen share bad action", Envelope{Type: TypeScreenShare, Action: "maybe"}, true},
		{"screen share start", Envelope{Type: TypeScreenShare, Action: "start"}, false},
		{"file share missing url", Envelope{Type: TypeFileShare, FileName: "scan.pdf"}, true},
		{"issue missing description", Envelope{Type: TypeTechnicalIssue, Category: "audio"}, true},
		{"control pause accepted", Envelope{Type: TypeControl, Action: "pause"}, false},
		{"control resume rejected", Envelope{Type: TypeControl, Action: "resume"}, true},
		{"control start", Envelope{Type: TypeControl, Action: "start"}, false},
		{"participant action no target", Envelope{Type: TypeParticipantAction, Action: "mute"}, true},
		{"unknown type", Envelope{Type: "telepathy"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
