package consultation

import (
	"context"

	"github.com/google/uuid"
)

type ConsultationRepository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetByMeetingID(ctx context.Context, meetingID string) (*Consultation, error)
	GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*Consultation, error)
	Update(ctx context.Context, c *Consultation) error
	// UpdateStatus performs a conditional transition: the row is updated only
	// if its current status is in fromStatuses. Returns false when no row
	// matched, which is how a racing caller loses without erroring.
	UpdateStatus(ctx context.Context, c *Consultation, fromStatuses ...string) (bool, error)
	SetConnectionQuality(ctx context.Context, id uuid.UUID, quality string) error
	SetRecordingURL(ctx context.Context, id uuid.UUID, url string) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consultation, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Consultation, int, error)
	StatsByDoctor(ctx context.Context, doctorID uuid.UUID) (*Stats, error)
	StatsByPatient(ctx context.Context, patientID uuid.UUID) (*Stats, error)
}

type ParticipantRepository interface {
	// UpsertJoin records a join, resetting left_at when the same user
	// reconnects.
	UpsertJoin(ctx context.Context, p *Participant) error
	// MarkLeft sets left_at and the computed attendance duration.
	MarkLeft(ctx context.Context, consultationID, userID uuid.UUID) error
	IncrementConnectionIssues(ctx context.Context, consultationID, userID uuid.UUID) error
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Participant, error)
	Get(ctx context.Context, consultationID, userID uuid.UUID) (*Participant, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	ListRecent(ctx context.Context, consultationID uuid.UUID, limit int) ([]*Message, error)
}

type TechnicalIssueRepository interface {
	Create(ctx context.Context, ti *TechnicalIssue) error
	GetByID(ctx context.Context, id uuid.UUID) (*TechnicalIssue, error)
	Resolve(ctx context.Context, id uuid.UUID, notes string) error
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*TechnicalIssue, error)
}

type ProviderConfigRepository interface {
	GetByName(ctx context.Context, provider string) (*VideoProviderConfig, error)
	List(ctx context.Context) ([]*VideoProviderConfig, error)
}
