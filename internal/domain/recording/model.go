package recording

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processing statuses for a recording segment.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

var (
	// ErrNotFound is returned when a referenced recording does not exist.
	ErrNotFound = errors.New("recording not found")

	// ErrAccessDenied is returned when the caller has no relationship to the
	// recording's consultation.
	ErrAccessDenied = errors.New("recording access denied")

	// ErrTokenInvalid is returned for expired or otherwise unusable access
	// tokens.
	ErrTokenInvalid = errors.New("recording access token is invalid or expired")
)

// Recording maps to the recording table. Metadata only, never media bytes.
// Immutable once ready, except for access bookkeeping.
type Recording struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ConsultationID    uuid.UUID  `db:"consultation_id" json:"consultation_id"`
	ProviderSegmentID string     `db:"provider_segment_id" json:"provider_segment_id"`
	StorageURL        string     `db:"storage_url" json:"-"`
	FileSizeBytes     int64      `db:"file_size_bytes" json:"file_size_bytes"`
	DurationSeconds   int        `db:"duration_seconds" json:"duration_seconds"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt           *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Quality           *string    `db:"quality" json:"quality,omitempty"`
	Status            string     `db:"status" json:"status"`
	Downloads         int        `db:"downloads" json:"downloads"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// LifecycleEvent is one entry in the per-consultation recent-events log,
// kept for audit and support.
type LifecycleEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// eventLog keeps a bounded ring of recent lifecycle events per consultation.
// It is in-memory only; the durable trail is the audit log.
type eventLog struct {
	mu    sync.Mutex
	limit int
	byID  map[uuid.UUID][]LifecycleEvent
}

func newEventLog(limit int) *eventLog {
	return &eventLog{limit: limit, byID: make(map[uuid.UUID][]LifecycleEvent)}
}

func (l *eventLog) append(consultationID uuid.UUID, kind, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := append(l.byID[consultationID], LifecycleEvent{
		At:     time.Now().UTC(),
		Kind:   kind,
		Detail: detail,
	})
	if len(events) > l.limit {
		events = events[len(events)-l.limit:]
	}
	l.byID[consultationID] = events
}

func (l *eventLog) recent(consultationID uuid.UUID) []LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.byID[consultationID]
	out := make([]LifecycleEvent, len(events))
	copy(out, events)
	return out
}
