// Package signaling multiplexes real-time consultation events. Each accepted
// connection is one session bound to exactly one (consultation, user) pair;
// sessions join a broadcast group keyed by consultation id and exchange JSON
// envelopes with a closed set of types.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound envelope types. The set is closed: anything else is a validation
// error replied to the sender.
const (
	TypeChat              = "chat"
	TypeTyping            = "typing"
	TypeStatus            = "status"
	TypeConnectionQuality = "connection_quality"
	TypeScreenShare       = "screen_share"
	TypeFileShare         = "file_share"
	TypeTechnicalIssue    = "technical_issue"
	TypeControl           = "consultation_control"
	TypeParticipantAction = "participant_action"
	TypeHeartbeat         = "heartbeat"
	TypeCursor            = "cursor"
)

// Outbound-only envelope types. Relayed events keep their inbound type.
const (
	OutSnapshot   = "snapshot"
	OutUserJoined = "user_joined"
	OutUserLeft   = "user_left"
	OutError      = "error"
	OutAck        = "ack"
)

// Envelope is an inbound client message. Only the fields relevant to the
// discriminant Type are expected to be set.
type Envelope struct {
	Type        string  `json:"type"`
	Body        string  `json:"body,omitempty"`
	Kind        string  `json:"kind,omitempty"`
	Private     bool    `json:"private,omitempty"`
	Status      string  `json:"status,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	Action      string  `json:"action,omitempty"`
	TargetID    string  `json:"target_id,omitempty"`
	FileName    string  `json:"file_name,omitempty"`
	FileURL     string  `json:"file_url,omitempty"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	Severity    string  `json:"severity,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
}

// Validate checks the envelope's required fields for its type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeChat:
		if e.Body == "" {
			return fmt.Errorf("chat body must not be empty")
		}
	case TypeConnectionQuality:
		if e.Quality == "" {
			return fmt.Errorf("quality is required")
		}
	case TypeStatus:
		if e.Status == "" {
			return fmt.Errorf("status is required")
		}
	case TypeScreenShare:
		switch e.Action {
		case "start", "stop", "request":
		default:
			return fmt.Errorf("screen_share action must be start, stop or request")
		}
	case TypeFileShare:
		if e.FileName == "" || e.FileURL == "" {
			return fmt.Errorf("file_share requires file_name and file_url")
		}
	case TypeTechnicalIssue:
		if e.Category == "" || e.Description == "" {
			return fmt.Errorf("technical_issue requires category and description")
		}
	case TypeControl:
		switch e.Action {
		case "start", "end", "pause":
		default:
			return fmt.Errorf("consultation_control action must be start, end or pause")
		}
	case TypeParticipantAction:
		if e.TargetID == "" {
			return fmt.Errorf("participant_action requires target_id")
		}
		switch e.Action {
		case "mute", "unmute", "remove":
		default:
			return fmt.Errorf("participant_action must be mute, unmute or remove")
		}
	case TypeTyping, TypeHeartbeat, TypeCursor:
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	return nil
}

// Outbound is a server-to-client message. Relayed events carry the sender's
// identity; hub-originated events (snapshot, lifecycle updates) leave the
// sender fields empty.
type Outbound struct {
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	SenderID   string                 `json:"sender_id,omitempty"`
	SenderName string                 `json:"sender_name,omitempty"`
	SenderRole string                 `json:"sender_role,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

func (o Outbound) encode() []byte {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}

// relay builds the outbound form of an inbound envelope, stamped with the
// sending session's identity.
func relay(s *Session, e *Envelope, data map[string]interface{}) Outbound {
	return Outbound{
		Type:       e.Type,
		Timestamp:  time.Now().UTC(),
		SenderID:   s.UserID.String(),
		SenderName: s.Name,
		SenderRole: s.Role,
		Data:       data,
	}
}
