// Package provider abstracts over third-party video-conferencing backends.
// Each backend implements the Provider interface; callers branch on the
// capability matrix, never on provider name, so adding a backend means
// implementing the interface rather than touching call sites.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMeetingNotFound is returned when a provider has no meeting with the
	// given identifier.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrWebhooksUnsupported is returned by HandleWebhook on providers that
	// never deliver webhooks.
	ErrWebhooksUnsupported = errors.New("provider does not support webhooks")
	// ErrUnknownProvider is returned by the registry for unregistered names.
	ErrUnknownProvider = errors.New("unknown video provider")
)

// Capabilities describes which optional features a backend supports. The
// orchestrator and UI adapt behavior from these flags.
type Capabilities struct {
	Recording             bool `json:"recording"`
	ScreenShare           bool `json:"screen_share"`
	WaitingRoom           bool `json:"waiting_room"`
	Webhooks              bool `json:"webhooks"`
	Authentication        bool `json:"authentication"`
	ParticipantManagement bool `json:"participant_management"`
	// ManualRecordingOnly marks providers where recording is host-controlled
	// and cannot be triggered through the API.
	ManualRecordingOnly bool `json:"manual_recording_only"`
}

// Meeting carries the consultation details a backend needs to create a room.
type Meeting struct {
	ConsultationID   uuid.UUID
	Topic            string
	ScheduledStart   time.Time
	DurationMinutes  int
	MaxParticipants  int
	RecordingEnabled bool
}

// MeetingInfo is the provider-neutral description of a created meeting.
type MeetingInfo struct {
	ProviderMeetingID string     `json:"provider_meeting_id"`
	JoinURL           string     `json:"join_url"`
	HostURL           string     `json:"host_url,omitempty"`
	Password          string     `json:"password,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// RecordingAction is the typed outcome of a start/stop recording request.
// Optional capabilities report "unsupported" or "manual action required"
// through this value rather than through an error.
type RecordingAction string

const (
	RecordingStarted        RecordingAction = "started"
	RecordingStopped        RecordingAction = "stopped"
	RecordingDeleted        RecordingAction = "deleted"
	RecordingManualRequired RecordingAction = "manual_action_required"
	RecordingUnsupported    RecordingAction = "unsupported"
)

// WebhookEventKind classifies provider webhook events after translation into
// the internal vocabulary.
type WebhookEventKind string

const (
	WebhookMeetingStarted WebhookEventKind = "meeting_started"
	WebhookMeetingEnded   WebhookEventKind = "meeting_ended"
	WebhookRecordingReady WebhookEventKind = "recording_ready"
	WebhookIgnored        WebhookEventKind = "ignored"
)

// RecordingFile describes one captured media file reported by a provider.
// Only metadata crosses this boundary; the bytes stay with the provider.
type RecordingFile struct {
	SegmentID       string
	DownloadURL     string
	FileSizeBytes   int64
	DurationSeconds int
	StartedAt       time.Time
	EndedAt         time.Time
	Quality         string
}

// WebhookResult is the provider-neutral translation of one webhook payload.
type WebhookResult struct {
	Kind              WebhookEventKind
	ProviderMeetingID string
	OccurredAt        time.Time
	Recordings        []RecordingFile
	RawEvent          string
}

// Provider is implemented once per video-conferencing backend.
//
// Backends differ widely: some are self-hosted with signed room tokens and no
// webhook delivery, others are hosted APIs with OAuth and cloud recording.
// Implementations must tolerate partial feature support; optional methods
// return typed "unsupported" results instead of failing.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	CreateMeeting(ctx context.Context, m Meeting) (*MeetingInfo, error)
	GetMeetingInfo(ctx context.Context, providerMeetingID string) (*MeetingInfo, error)
	DeleteMeeting(ctx context.Context, providerMeetingID string) error

	// ValidateWebhook verifies the provider-specific payload signature.
	ValidateWebhook(payload []byte, signature string) bool
	// HandleWebhook translates a provider payload into a WebhookResult.
	HandleWebhook(payload []byte) (*WebhookResult, error)

	StartRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error)
	StopRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error)
	// DeleteRecording removes one captured segment on the provider side.
	// Backends whose recordings never live with the provider report
	// RecordingManualRequired; the meeting itself is left untouched.
	DeleteRecording(ctx context.Context, providerMeetingID, segmentID string) (RecordingAction, error)

	// ParticipantCount reports how many participants are currently in the
	// meeting; supported is false for backends without presence APIs.
	ParticipantCount(ctx context.Context, providerMeetingID string) (count int, supported bool, err error)
}

// interactiveTimeout bounds provider HTTP calls made while a caller waits.
const interactiveTimeout = 30 * time.Second

// selfHostedTimeout allows slower self-hosted deployments a longer budget.
const selfHostedTimeout = 60 * time.Second
