package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JitsiConfig holds settings for a self-hosted Jitsi Meet deployment.
type JitsiConfig struct {
	BaseURL string
	// AppID and AppSecret enable signed room tokens (jitsi JWT auth). When
	// AppSecret is empty the deployment is open and join URLs carry no token.
	AppID     string
	AppSecret string
}

// Jitsi is a self-hosted backend. Rooms are ephemeral and created lazily by
// the conferencing server on first join, so meeting creation is a local
// operation: mint a room name, a password, and optionally a signed room token.
// Jitsi delivers no webhooks and its recording (Jibri) is host-controlled.
type Jitsi struct {
	cfg JitsiConfig
}

func NewJitsi(cfg JitsiConfig) *Jitsi {
	return &Jitsi{cfg: cfg}
}

func (j *Jitsi) Name() string { return "jitsi" }

func (j *Jitsi) Capabilities() Capabilities {
	return Capabilities{
		Recording:           true,
		ScreenShare:         true,
		WaitingRoom:         false,
		Webhooks:            false,
		Authentication:      j.cfg.AppSecret != "",
		ManualRecordingOnly: true,
	}
}

func (j *Jitsi) CreateMeeting(_ context.Context, m Meeting) (*MeetingInfo, error) {
	room := fmt.Sprintf("telemed-%s", m.ConsultationID)
	password, err := randomHex(8)
	if err != nil {
		return nil, fmt.Errorf("generate room password: %w", err)
	}

	joinURL := fmt.Sprintf("%s/%s", strings.TrimRight(j.cfg.BaseURL, "/"), room)
	hostURL := joinURL
	expiry := m.ScheduledStart.Add(time.Duration(m.DurationMinutes+120) * time.Minute)

	if j.cfg.AppSecret != "" {
		guestToken, err := j.roomToken(room, false, expiry)
		if err != nil {
			return nil, fmt.Errorf("sign room token: %w", err)
		}
		hostToken, err := j.roomToken(room, true, expiry)
		if err != nil {
			return nil, fmt.Errorf("sign host token: %w", err)
		}
		joinURL = fmt.Sprintf("%s?jwt=%s", joinURL, guestToken)
		hostURL = fmt.Sprintf("%s?jwt=%s", hostURL, hostToken)
	}

	return &MeetingInfo{
		ProviderMeetingID: room,
		JoinURL:           joinURL,
		HostURL:           hostURL,
		Password:          password,
		ExpiresAt:         &expiry,
	}, nil
}

// GetMeetingInfo reconstructs the join URL. Jitsi keeps no server-side meeting
// record, so the information is derived from the room name alone.
func (j *Jitsi) GetMeetingInfo(_ context.Context, providerMeetingID string) (*MeetingInfo, error) {
	if providerMeetingID == "" {
		return nil, ErrMeetingNotFound
	}
	return &MeetingInfo{
		ProviderMeetingID: providerMeetingID,
		JoinURL:           fmt.Sprintf("%s/%s", strings.TrimRight(j.cfg.BaseURL, "/"), providerMeetingID),
	}, nil
}

// DeleteMeeting is a no-op: rooms vanish when the last participant leaves.
func (j *Jitsi) DeleteMeeting(_ context.Context, _ string) error { return nil }

func (j *Jitsi) ValidateWebhook(_ []byte, _ string) bool { return false }

func (j *Jitsi) HandleWebhook(_ []byte) (*WebhookResult, error) {
	return nil, ErrWebhooksUnsupported
}

// StartRecording cannot be triggered remotely; the host starts Jibri from
// inside the room.
func (j *Jitsi) StartRecording(_ context.Context, _ string) (RecordingAction, error) {
	return RecordingManualRequired, nil
}

func (j *Jitsi) StopRecording(_ context.Context, _ string) (RecordingAction, error) {
	return RecordingManualRequired, nil
}

// DeleteRecording has nothing to remove on the provider side: Jibri writes
// to operator-managed storage.
func (j *Jitsi) DeleteRecording(_ context.Context, _, _ string) (RecordingAction, error) {
	return RecordingManualRequired, nil
}

func (j *Jitsi) ParticipantCount(_ context.Context, _ string) (int, bool, error) {
	return 0, false, nil
}

// roomToken mints a Jitsi-style room JWT scoped to one room. Moderator tokens
// let the doctor control the lobby and recording.
func (j *Jitsi) roomToken(room string, moderator bool, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"aud":  "jitsi",
		"iss":  j.cfg.AppID,
		"sub":  "*",
		"room": room,
		"exp":  expiry.Unix(),
		"context": map[string]interface{}{
			"user": map[string]interface{}{
				"moderator": moderator,
			},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.cfg.AppSecret))
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
