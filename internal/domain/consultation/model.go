package consultation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Consultation statuses. Completed, Cancelled and NoShow are terminal.
const (
	StatusScheduled  = "scheduled"
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
)

// Participant roles within a consultation.
const (
	ParticipantDoctor    = "doctor"
	ParticipantPatient   = "patient"
	ParticipantObserver  = "observer"
	ParticipantAssistant = "assistant"
)

// Message kinds.
const (
	MessageText            = "text"
	MessageSystem          = "system"
	MessageFile            = "file"
	MessagePrescriptionRef = "prescription_reference"
)

// Technical issue categories and severities.
const (
	IssueAudio       = "audio"
	IssueVideo       = "video"
	IssueConnection  = "connection"
	IssueScreenShare = "screen_share"
	IssueRecording   = "recording"
	IssueOther       = "other"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var (
	// ErrOutOfWindow is returned when start() is attempted outside the
	// allowed window around the scheduled time.
	ErrOutOfWindow = errors.New("consultation cannot be started outside its scheduled window")

	// ErrInvalidTransition is returned when a transition is requested from a
	// state that does not permit it.
	ErrInvalidTransition = errors.New("invalid consultation state transition")

	// ErrNotFound is returned when a referenced consultation does not exist.
	ErrNotFound = errors.New("consultation not found")

	// ErrBookingActive is returned when a booking already has a non-terminal
	// consultation.
	ErrBookingActive = errors.New("booking already has an active consultation")
)

// WindowPolicy bounds how far before and after the scheduled time a
// consultation may be started. Values come from configuration, not constants.
type WindowPolicy struct {
	EarlyStart time.Duration
	LateStart  time.Duration
}

// Consultation maps to the consultation table. One row per video session,
// tied 1:1 to a booking. Rows are never hard-deleted.
type Consultation struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	BookingID         uuid.UUID  `db:"booking_id" json:"booking_id"`
	DoctorID          uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	Provider          string     `db:"provider" json:"provider"`
	MeetingID         *string    `db:"meeting_id" json:"meeting_id,omitempty"`
	MeetingURL        *string    `db:"meeting_url" json:"meeting_url,omitempty"`
	MeetingPassword   *string    `db:"meeting_password" json:"-"`
	Status            string     `db:"status" json:"status"`
	ScheduledStart    time.Time  `db:"scheduled_start" json:"scheduled_start"`
	ActualStart       *time.Time `db:"actual_start" json:"actual_start,omitempty"`
	ActualEnd         *time.Time `db:"actual_end" json:"actual_end,omitempty"`
	DurationMinutes   *int       `db:"duration_minutes" json:"duration_minutes,omitempty"`
	RecordingEnabled  bool       `db:"recording_enabled" json:"recording_enabled"`
	RecordingURL      *string    `db:"recording_url" json:"recording_url,omitempty"`
	ConnectionQuality *string    `db:"connection_quality" json:"connection_quality,omitempty"`
	Notes             *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the consultation has reached a final state.
func (c *Consultation) IsTerminal() bool {
	switch c.Status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// CanStart reports whether start() would succeed at the given instant under
// the given window policy.
func (c *Consultation) CanStart(now time.Time, policy WindowPolicy) error {
	switch c.Status {
	case StatusScheduled, StatusWaiting:
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, c.Status)
	}
	if now.Before(c.ScheduledStart.Add(-policy.EarlyStart)) || now.After(c.ScheduledStart.Add(policy.LateStart)) {
		return ErrOutOfWindow
	}
	return nil
}

// Start moves the consultation to in_progress. Returns changed=false with a
// nil error when the consultation is already in progress, so two racing
// start calls resolve as one transition and one no-op.
func (c *Consultation) Start(now time.Time, policy WindowPolicy) (bool, error) {
	if c.Status == StatusInProgress {
		return false, nil
	}
	if err := c.CanStart(now, policy); err != nil {
		return false, err
	}
	c.Status = StatusInProgress
	t := now
	c.ActualStart = &t
	return true, nil
}

// End moves the consultation to completed and computes its duration. Already
// completed is a no-op.
func (c *Consultation) End(now time.Time) (bool, error) {
	if c.Status == StatusCompleted {
		return false, nil
	}
	if c.Status != StatusInProgress {
		return false, fmt.Errorf("%w: cannot end from %s", ErrInvalidTransition, c.Status)
	}
	t := now
	c.ActualEnd = &t
	if c.ActualStart != nil {
		mins := int(now.Sub(*c.ActualStart).Minutes())
		c.DurationMinutes = &mins
	}
	c.Status = StatusCompleted
	return true, nil
}

// Cancel is administrative: permitted from any non-terminal state, no time
// window. Already cancelled is a no-op.
func (c *Consultation) Cancel() (bool, error) {
	if c.Status == StatusCancelled {
		return false, nil
	}
	if c.IsTerminal() {
		return false, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, c.Status)
	}
	c.Status = StatusCancelled
	return true, nil
}

// MarkNoShow is administrative: permitted from any non-terminal state.
func (c *Consultation) MarkNoShow() (bool, error) {
	if c.Status == StatusNoShow {
		return false, nil
	}
	if c.IsTerminal() {
		return false, fmt.Errorf("%w: cannot mark no-show from %s", ErrInvalidTransition, c.Status)
	}
	c.Status = StatusNoShow
	return true, nil
}

// Participant maps to the consultation_participant table. One row per
// (consultation, user) pair recording attendance.
type Participant struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	ConsultationID   uuid.UUID  `db:"consultation_id" json:"consultation_id"`
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	Name             string     `db:"name" json:"name"`
	Role             string     `db:"role" json:"role"`
	JoinedAt         time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt           *time.Time `db:"left_at" json:"left_at,omitempty"`
	AttendedSeconds  *int       `db:"attended_seconds" json:"attended_seconds,omitempty"`
	ConnectionIssues int        `db:"connection_issues" json:"connection_issues"`
}

// Message maps to the consultation_message table. Append-only chat log; a
// private message is visible to clinical staff only.
type Message struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ConsultationID uuid.UUID `db:"consultation_id" json:"consultation_id"`
	SenderID       uuid.UUID `db:"sender_id" json:"sender_id"`
	SenderName     string    `db:"sender_name" json:"sender_name"`
	SenderRole     string    `db:"sender_role" json:"sender_role"`
	Body           string    `db:"body" json:"body"`
	Kind           string    `db:"kind" json:"kind"`
	Private        bool      `db:"private" json:"private"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TechnicalIssue maps to the technical_issue table.
type TechnicalIssue struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ConsultationID  uuid.UUID  `db:"consultation_id" json:"consultation_id"`
	ReporterID      uuid.UUID  `db:"reporter_id" json:"reporter_id"`
	Category        string     `db:"category" json:"category"`
	Description     string     `db:"description" json:"description"`
	Severity        string     `db:"severity" json:"severity"`
	Resolved        bool       `db:"resolved" json:"resolved"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// VideoProviderConfig maps to the video_provider_config table. Read-mostly,
// looked up by provider name; written only by configuration management.
type VideoProviderConfig struct {
	ID                      uuid.UUID      `db:"id" json:"id"`
	Provider                string         `db:"provider" json:"provider"`
	Active                  bool           `db:"active" json:"active"`
	MaxParticipants         int            `db:"max_participants" json:"max_participants"`
	RecordingEnabledDefault bool           `db:"recording_enabled_default" json:"recording_enabled_default"`
	Settings                map[string]any `db:"settings" json:"settings,omitempty"`
	UpdatedAt               time.Time      `db:"updated_at" json:"updated_at"`
}

// Stats summarizes consultations scoped to a doctor or patient.
type Stats struct {
	Total                  int     `json:"total"`
	Completed              int     `json:"completed"`
	Upcoming               int     `json:"upcoming"`
	Active                 int     `json:"active"`
	AverageDurationMinutes float64 `json:"average_duration_minutes"`
}

func validCategory(c string) bool {
	switch c {
	case IssueAudio, IssueVideo, IssueConnection, IssueScreenShare, IssueRecording, IssueOther:
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}
