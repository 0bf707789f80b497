package recording

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Ingest stores a segment. Returns false when a segment with the same
	// (consultation, provider segment id) already exists; re-ingesting must
	// never create duplicates.
	Ingest(ctx context.Context, r *Recording) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Recording, error)
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Recording, error)
	IncrementDownloads(ctx context.Context, id uuid.UUID) error
	MarkDeleted(ctx context.Context, id uuid.UUID) error
}
