package recording

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordingCols = `id, consultation_id, provider_segment_id, storage_url,
	file_size_bytes, duration_seconds, started_at, ended_at, quality, status,
	downloads, created_at`

func (r *repoPG) scan(row pgx.Row) (*Recording, error) {
	var rec Recording
	err := row.Scan(&rec.ID, &rec.ConsultationID, &rec.ProviderSegmentID, &rec.StorageURL,
		&rec.FileSizeBytes, &rec.DurationSeconds, &rec.StartedAt, &rec.EndedAt, &rec.Quality,
		&rec.Status, &rec.Downloads, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// Ingest relies on the unique index over (consultation_id,
// provider_segment_id); a conflicting insert is silently skipped so webhook
// retries are harmless.
func (r *repoPG) Ingest(ctx context.Context, rec *Recording) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusReady
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recording (id, consultation_id, provider_segment_id, storage_url,
			file_size_bytes, duration_seconds, started_at, ended_at, quality, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (consultation_id, provider_segment_id) DO NOTHING`,
		rec.ID, rec.ConsultationID, rec.ProviderSegmentID, rec.StorageURL,
		rec.FileSizeBytes, rec.DurationSeconds, rec.StartedAt, rec.EndedAt, rec.Quality, rec.Status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Recording, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+recordingCols+` FROM recording WHERE id = $1`, id))
}

func (r *repoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Recording, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordingCols+` FROM recording WHERE consultation_id = $1 ORDER BY created_at`,
		consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Recording
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, nil
}

func (r *repoPG) IncrementDownloads(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE recording SET downloads = downloads + 1 WHERE id = $1`, id)
	return err
}

func (r *repoPG) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE recording SET status = $2 WHERE id = $1`, id, StatusDeleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
