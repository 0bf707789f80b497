package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/platform/auth"
)

const snapshotMessageLimit = 50

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// ConsultationService is the slice of the consultation service the hub
// needs: authorization lookups, presence writes, and the side effects behind
// persisted event types.
type ConsultationService interface {
	GetConsultation(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error)
	MarkWaiting(ctx context.Context, id uuid.UUID) (*consultation.Consultation, bool, error)
	StartConsultation(ctx context.Context, id uuid.UUID) (*consultation.Consultation, bool, error)
	EndConsultation(ctx context.Context, id uuid.UUID, notes *string) (*consultation.Consultation, bool, error)
	PostMessage(ctx context.Context, m *consultation.Message) error
	RecentMessages(ctx context.Context, consultationID uuid.UUID, limit int) ([]*consultation.Message, error)
	Participants(ctx context.Context, consultationID uuid.UUID) ([]*consultation.Participant, error)
	JoinParticipant(ctx context.Context, p *consultation.Participant) error
	LeaveParticipant(ctx context.Context, consultationID, userID uuid.UUID) error
	SetConnectionQuality(ctx context.Context, consultationID uuid.UUID, quality string) error
	ReportIssue(ctx context.Context, ti *consultation.TechnicalIssue) error
}

// Handler owns the WebSocket endpoint and the per-envelope dispatch.
type Handler struct {
	hub *Hub
	svc ConsultationService
	jwt auth.JWTConfig

	pingInterval  time.Duration
	pingMissLimit int
	logger        zerolog.Logger
}

func NewHandler(hub *Hub, svc ConsultationService, jwtCfg auth.JWTConfig,
	pingInterval time.Duration, pingMissLimit int, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:           hub,
		svc:           svc,
		jwt:           jwtCfg,
		pingInterval:  pingInterval,
		pingMissLimit: pingMissLimit,
		logger:        logger,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/consultations/:id/ws", h.HandleConnect)
}

// HandleConnect authenticates and authorizes the caller before the upgrade
// completes; a rejected connect never reaches the handshake. Browsers cannot
// set headers on WebSocket dials, so the token travels in the query string
// with an Authorization header fallback.
func (h *Handler) HandleConnect(c echo.Context) error {
	consultationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consultation id")
	}

	tokenStr := c.QueryParam("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	}
	if tokenStr == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}
	claims, err := auth.ParseToken(tokenStr, h.jwt)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
	}

	ctx := c.Request().Context()
	cons, err := h.svc.GetConsultation(ctx, consultationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	}

	role, ok := sessionRole(cons, userID, claims.Roles)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "not a participant in this consultation")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sess := NewSession(consultationID, userID, claims.Name, role, &gorillaConnAdapter{ws})
	ws.SetPongHandler(func(string) error {
		sess.alive()
		return nil
	})

	h.accept(ctx, sess, cons)

	go sess.writePump(h.pingInterval, h.pingMissLimit)
	go h.readPump(sess)

	return nil
}

// sessionRole maps the authenticated user onto their role in this
// consultation. Administrators may observe any consultation.
func sessionRole(cons *consultation.Consultation, userID uuid.UUID, roles []string) (string, bool) {
	switch userID {
	case cons.DoctorID:
		return auth.RoleDoctor, true
	case cons.PatientID:
		return auth.RolePatient, true
	}
	for _, r := range roles {
		if r == auth.RoleAdmin {
			return auth.RoleAdmin, true
		}
	}
	return "", false
}

// accept records the join, queues the state snapshot ahead of anything else,
// and only then joins the broadcast group. The snapshot sits first in the
// session's FIFO send buffer, so no relayed event can precede it.
func (h *Handler) accept(ctx context.Context, sess *Session, cons *consultation.Consultation) {
	if err := h.svc.JoinParticipant(ctx, &consultation.Participant{
		ConsultationID: sess.ConsultationID,
		UserID:         sess.UserID,
		Name:           sess.Name,
		Role:           sess.Role,
	}); err != nil {
		h.logger.Warn().Err(err).Str("consultation_id", sess.ConsultationID.String()).
			Msg("participant join not recorded")
	}

	if sess.Role == auth.RolePatient {
		if updated, _, err := h.svc.MarkWaiting(ctx, sess.ConsultationID); err == nil {
			cons = updated
		}
	}

	sess.QueueOutbound(h.snapshot(ctx, cons, sess.Role))

	room := h.hub.Join(sess)
	room.BroadcastExcept(sess, Outbound{
		Type:      OutUserJoined,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"user_id": sess.UserID.String(),
			"name":    sess.Name,
			"role":    sess.Role,
		},
	}.encode())
}

// snapshot assembles the full-state message every session receives first:
// consultation status, current participants, recent chat history. Private
// messages are visible to clinical staff only, so the history is filtered
// by the receiving session's role.
func (h *Handler) snapshot(ctx context.Context, cons *consultation.Consultation, role string) Outbound {
	participants, err := h.svc.Participants(ctx, cons.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("consultation_id", cons.ID.String()).
			Msg("snapshot participants unavailable")
	}
	messages, err := h.svc.RecentMessages(ctx, cons.ID, snapshotMessageLimit)
	if err != nil {
		h.logger.Warn().Err(err).Str("consultation_id", cons.ID.String()).
			Msg("snapshot messages unavailable")
	}
	if !staffRole(role) {
		visible := messages[:0]
		for _, m := range messages {
			if !m.Private {
				visible = append(visible, m)
			}
		}
		messages = visible
	}
	return Outbound{
		Type:      OutSnapshot,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"status":       cons.Status,
			"participants": participants,
			"messages":     messages,
		},
	}
}

// readPump consumes inbound frames until the connection dies, then runs the
// disconnect cleanup. Forced closes (liveness, shutdown) surface here as a
// read error, so every exit shares one path.
func (h *Handler) readPump(sess *Session) {
	defer h.disconnect(sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(sess, raw)
	}
}

// disconnect records left_at (with attended duration), leaves the room, and
// tells the remaining participants.
func (h *Handler) disconnect(sess *Session) {
	sess.Close()
	h.hub.Leave(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.svc.LeaveParticipant(ctx, sess.ConsultationID, sess.UserID); err != nil {
		h.logger.Warn().Err(err).Str("consultation_id", sess.ConsultationID.String()).
			Msg("participant leave not recorded")
	}

	if room, ok := h.hub.Room(sess.ConsultationID); ok {
		room.Broadcast(Outbound{
			Type:      OutUserLeft,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"user_id": sess.UserID.String(),
				"name":    sess.Name,
			},
		}.encode())
	}
}

// dispatch handles one inbound frame. Malformed envelopes get a typed error
// reply and nothing else; the connection stays open. Side-effecting types
// persist first and broadcast only on success.
func (h *Handler) dispatch(sess *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		sess.QueueOutbound(errorReply("validation_error", "malformed envelope"))
		return
	}
	if err := env.Validate(); err != nil {
		sess.QueueOutbound(errorReply("validation_error", err.Error()))
		return
	}

	room, ok := h.hub.Room(sess.ConsultationID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Type {
	case TypeChat:
		h.handleChat(ctx, sess, room, &env)
	case TypeTyping:
		room.BroadcastExcept(sess, relay(sess, &env, nil).encode())
	case TypeStatus:
		room.setStatus(sess.UserID, env.Status)
		room.Broadcast(relay(sess, &env, map[string]interface{}{"status": env.Status}).encode())
	case TypeConnectionQuality:
		if err := h.svc.SetConnectionQuality(ctx, sess.ConsultationID, env.Quality); err != nil {
			h.replyPersistenceError(sess, env.Type, err)
			return
		}
		room.Broadcast(relay(sess, &env, map[string]interface{}{"quality": env.Quality}).encode())
	case TypeScreenShare:
		room.Broadcast(relay(sess, &env, map[string]interface{}{"action": env.Action}).encode())
	case TypeFileShare:
		room.Broadcast(relay(sess, &env, map[string]interface{}{
			"file_name": env.FileName,
			"file_url":  env.FileURL,
		}).encode())
	case TypeTechnicalIssue:
		h.handleIssue(ctx, sess, room, &env)
	case TypeControl:
		h.handleControl(ctx, sess, &env)
	case TypeParticipantAction:
		if targetID, err := uuid.Parse(env.TargetID); err == nil {
			room.setLastAction(targetID, env.Action)
		}
		room.Broadcast(relay(sess, &env, map[string]interface{}{
			"action":    env.Action,
			"target_id": env.TargetID,
		}).encode())
	case TypeCursor:
		room.BroadcastExcept(sess, relay(sess, &env, map[string]interface{}{
			"x": env.X,
			"y": env.Y,
		}).encode())
	case TypeHeartbeat:
		sess.alive()
		room.touch(sess.UserID)
		sess.QueueOutbound(Outbound{
			Type:      OutAck,
			Timestamp: time.Now().UTC(),
			Data:      map[string]interface{}{"of": TypeHeartbeat},
		})
	}
}

func (h *Handler) handleChat(ctx context.Context, sess *Session, room *Room, env *Envelope) {
	msg := &consultation.Message{
		ConsultationID: sess.ConsultationID,
		SenderID:       sess.UserID,
		SenderName:     sess.Name,
		SenderRole:     sess.Role,
		Body:           env.Body,
		Kind:           env.Kind,
		Private:        env.Private,
	}
	if err := h.svc.PostMessage(ctx, msg); err != nil {
		h.replyPersistenceError(sess, env.Type, err)
		return
	}

	out := relay(sess, env, map[string]interface{}{
		"message_id": msg.ID.String(),
		"body":       msg.Body,
		"kind":       msg.Kind,
		"private":    msg.Private,
	}).encode()
	if msg.Private {
		room.BroadcastStaff(out)
	} else {
		room.Broadcast(out)
	}
}

func (h *Handler) handleIssue(ctx context.Context, sess *Session, room *Room, env *Envelope) {
	ti := &consultation.TechnicalIssue{
		ConsultationID: sess.ConsultationID,
		ReporterID:     sess.UserID,
		Category:       env.Category,
		Description:    env.Description,
		Severity:       env.Severity,
	}
	if err := h.svc.ReportIssue(ctx, ti); err != nil {
		h.replyPersistenceError(sess, env.Type, err)
		return
	}
	room.Broadcast(relay(sess, env, map[string]interface{}{
		"issue_id":    ti.ID.String(),
		"category":    ti.Category,
		"description": ti.Description,
		"severity":    ti.Severity,
	}).encode())
}

// handleControl runs a state-machine transition from inside a session. Only
// the doctor drives the consultation; the group broadcast comes from the
// state machine's publisher, so concurrent starts yield exactly one
// broadcast and the loser gets a no-op acknowledgment.
func (h *Handler) handleControl(ctx context.Context, sess *Session, env *Envelope) {
	if sess.Role != auth.RoleDoctor && sess.Role != auth.RoleAdmin {
		sess.QueueOutbound(errorReply("forbidden", "consultation control is doctor-only"))
		return
	}

	var (
		changed bool
		err     error
	)
	switch env.Action {
	case "start":
		_, changed, err = h.svc.StartConsultation(ctx, sess.ConsultationID)
	case "end":
		_, changed, err = h.svc.EndConsultation(ctx, sess.ConsultationID, nil)
	case "pause":
		// No paused state in the lifecycle; acknowledged as a no-op.
	}
	if err != nil {
		sess.QueueOutbound(errorReply("transition_error", err.Error()))
		return
	}

	result := "applied"
	if !changed {
		result = "not_applicable"
	}
	sess.QueueOutbound(Outbound{
		Type:      OutAck,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"of":     TypeControl,
			"action": env.Action,
			"result": result,
		},
	})
}

func (h *Handler) replyPersistenceError(sess *Session, eventType string, err error) {
	h.logger.Error().Err(err).
		Str("consultation_id", sess.ConsultationID.String()).
		Str("event_type", eventType).
		Msg("event persistence failed, broadcast suppressed")
	sess.QueueOutbound(errorReply("persistence_error", "event could not be recorded"))
}

func errorReply(code, message string) Outbound {
	return Outbound{
		Type:      OutError,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
