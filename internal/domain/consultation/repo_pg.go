package consultation

import (
	"context"
	"errors"
	"fmt"

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

// =========== Consultation Repository ===========

type consultationRepoPG struct{ pool *pgxpool.Pool }

func NewConsultationRepoPG(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pool: pool}
}

func (r *consultationRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const consultCols = `id, booking_id, doctor_id, patient_id, provider,
	meeting_id, meeting_url, meeting_password, status, scheduled_start,
	actual_start, actual_end, duration_minutes, recording_enabled, recording_url,
	connection_quality, notes, created_at, updated_at`

func (r *consultationRepoPG) scan(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.BookingID, &c.DoctorID, &c.PatientID, &c.Provider,
		&c.MeetingID, &c.MeetingURL, &c.MeetingPassword, &c.Status, &c.ScheduledStart,
		&c.ActualStart, &c.ActualEnd, &c.DurationMinutes, &c.RecordingEnabled, &c.RecordingURL,
		&c.ConnectionQuality, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation (id, booking_id, doctor_id, patient_id, provider,
			meeting_id, meeting_url, meeting_password, status, scheduled_start,
			recording_enabled, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.BookingID, c.DoctorID, c.PatientID, c.Provider,
		c.MeetingID, c.MeetingURL, c.MeetingPassword, c.Status, c.ScheduledStart,
		c.RecordingEnabled, c.Notes)
	return err
}

func (r *consultationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+consultCols+` FROM consultation WHERE id = $1`, id))
}

func (r *consultationRepoPG) GetByMeetingID(ctx context.Context, meetingID string) (*Consultation, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+consultCols+` FROM consultation WHERE meeting_id = $1`, meetingID))
}

func (r *consultationRepoPG) GetActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*Consultation, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+consultCols+` FROM consultation
		WHERE booking_id = $1 AND status NOT IN ($2,$3,$4)`,
		bookingID, StatusCompleted, StatusCancelled, StatusNoShow))
}

func (r *consultationRepoPG) Update(ctx context.Context, c *Consultation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET meeting_id=$2, meeting_url=$3, meeting_password=$4,
			status=$5, actual_start=$6, actual_end=$7, duration_minutes=$8,
			recording_enabled=$9, recording_url=$10, connection_quality=$11,
			notes=$12, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.MeetingID, c.MeetingURL, c.MeetingPassword,
		c.Status, c.ActualStart, c.ActualEnd, c.DurationMinutes,
		c.RecordingEnabled, c.RecordingURL, c.ConnectionQuality, c.Notes)
	return err
}

// UpdateStatus writes the transitioned fields conditionally on the current
// status still being one of fromStatuses. With two racing transitions the
// database serializes them and exactly one sees a row affected.
func (r *consultationRepoPG) UpdateStatus(ctx context.Context, c *Consultation, fromStatuses ...string) (bool, error) {
	if len(fromStatuses) == 0 {
		return false, fmt.Errorf("at least one source status is required")
	}
	args := []interface{}{c.ID, c.Status, c.ActualStart, c.ActualEnd, c.DurationMinutes, c.Notes}
	placeholders := ""
	for i, s := range fromStatuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, s)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET status=$2, actual_start=$3, actual_end=$4,
			duration_minutes=$5, notes=COALESCE($6, notes), updated_at=NOW()
		WHERE id = $1 AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *consultationRepoPG) SetConnectionQuality(ctx context.Context, id uuid.UUID, quality string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE consultation SET connection_quality=$2, updated_at=NOW() WHERE id = $1`, id, quality)
	return err
}

func (r *consultationRepoPG) SetRecordingURL(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE consultation SET recording_url=$2, updated_at=NOW() WHERE id = $1`, id, url)
	return err
}

func (r *consultationRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return r.list(ctx, `doctor_id = $1`, doctorID, limit, offset)
}

func (r *consultationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return r.list(ctx, `patient_id = $1`, patientID, limit, offset)
}

func (r *consultationRepoPG) list(ctx context.Context, where string, id uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultation WHERE `+where, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consultCols+` FROM consultation WHERE `+where+
		` ORDER BY scheduled_start DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *consultationRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Consultation, int, error) {
	query := `SELECT ` + consultCols + ` FROM consultation WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM consultation WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["doctor"]; ok {
		query += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["patient"]; ok {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["provider"]; ok {
		query += fmt.Sprintf(` AND provider = $%d`, idx)
		countQuery += fmt.Sprintf(` AND provider = $%d`, idx)
		args = append(args, p)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY scheduled_start DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *consultationRepoPG) collect(rows pgx.Rows, total int) ([]*Consultation, int, error) {
	var items []*Consultation
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func (r *consultationRepoPG) StatsByDoctor(ctx context.Context, doctorID uuid.UUID) (*Stats, error) {
	return r.stats(ctx, `doctor_id`, doctorID)
}

func (r *consultationRepoPG) StatsByPatient(ctx context.Context, patientID uuid.UUID) (*Stats, error) {
	return r.stats(ctx, `patient_id`, patientID)
}

func (r *consultationRepoPG) stats(ctx context.Context, col string, id uuid.UUID) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status IN ($3,$4) AND scheduled_start > NOW()),
			COUNT(*) FILTER (WHERE status = $5),
			COALESCE(AVG(duration_minutes) FILTER (WHERE duration_minutes IS NOT NULL), 0)
		FROM consultation WHERE `+col+` = $1`,
		id, StatusCompleted, StatusScheduled, StatusWaiting, StatusInProgress).
		Scan(&s.Total, &s.Completed, &s.Upcoming, &s.Active, &s.AverageDurationMinutes)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// =========== Participant Repository ===========

type participantRepoPG struct{ pool *pgxpool.Pool }

func NewParticipantRepoPG(pool *pgxpool.Pool) ParticipantRepository {
	return &participantRepoPG{pool: pool}
}

func (r *participantRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const participantCols = `id, consultation_id, user_id, name, role, joined_at, left_at, attended_seconds, connection_issues`

func (r *participantRepoPG) scan(row pgx.Row) (*Participant, error) {
	var p Participant
	err := row.Scan(&p.ID, &p.ConsultationID, &p.UserID, &p.Name, &p.Role,
		&p.JoinedAt, &p.LeftAt, &p.AttendedSeconds, &p.ConnectionIssues)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *participantRepoPG) UpsertJoin(ctx context.Context, p *Participant) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation_participant (id, consultation_id, user_id, name, role, joined_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (consultation_id, user_id)
		DO UPDATE SET joined_at = NOW(), left_at = NULL, name = EXCLUDED.name, role = EXCLUDED.role`,
		p.ID, p.ConsultationID, p.UserID, p.Name, p.Role)
	return err
}

func (r *participantRepoPG) MarkLeft(ctx context.Context, consultationID, userID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation_participant
		SET left_at = NOW(),
			attended_seconds = EXTRACT(EPOCH FROM (NOW() - joined_at))::int
		WHERE consultation_id = $1 AND user_id = $2 AND left_at IS NULL`,
		consultationID, userID)
	return err
}

func (r *participantRepoPG) IncrementConnectionIssues(ctx context.Context, consultationID, userID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation_participant SET connection_issues = connection_issues + 1
		WHERE consultation_id = $1 AND user_id = $2`,
		consultationID, userID)
	return err
}

func (r *participantRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Participant, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+participantCols+` FROM consultation_participant WHERE consultation_id = $1 ORDER BY joined_at`,
		consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Participant
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, nil
}

func (r *participantRepoPG) Get(ctx context.Context, consultationID, userID uuid.UUID) (*Participant, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+participantCols+` FROM consultation_participant WHERE consultation_id = $1 AND user_id = $2`,
		consultationID, userID))
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation_message (id, consultation_id, sender_id, sender_name, sender_role, body, kind, private)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ConsultationID, m.SenderID, m.SenderName, m.SenderRole, m.Body, m.Kind, m.Private)
	return err
}

func (r *messageRepoPG) ListRecent(ctx context.Context, consultationID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, consultation_id, sender_id, sender_name, sender_role, body, kind, private, created_at
		FROM (
			SELECT * FROM consultation_message
			WHERE consultation_id = $1 ORDER BY created_at DESC LIMIT $2
		) sub ORDER BY created_at ASC`,
		consultationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConsultationID, &m.SenderID, &m.SenderName, &m.SenderRole,
			&m.Body, &m.Kind, &m.Private, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, nil
}

// =========== Technical Issue Repository ===========

type technicalIssueRepoPG struct{ pool *pgxpool.Pool }

func NewTechnicalIssueRepoPG(pool *pgxpool.Pool) TechnicalIssueRepository {
	return &technicalIssueRepoPG{pool: pool}
}

func (r *technicalIssueRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const issueCols = `id, consultation_id, reporter_id, category, description, severity, resolved, resolution_notes, created_at, resolved_at`

func (r *technicalIssueRepoPG) scan(row pgx.Row) (*TechnicalIssue, error) {
	var ti TechnicalIssue
	err := row.Scan(&ti.ID, &ti.ConsultationID, &ti.ReporterID, &ti.Category, &ti.Description,
		&ti.Severity, &ti.Resolved, &ti.ResolutionNotes, &ti.CreatedAt, &ti.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &ti, err
}

func (r *technicalIssueRepoPG) Create(ctx context.Context, ti *TechnicalIssue) error {
	if ti.ID == uuid.Nil {
		ti.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO technical_issue (id, consultation_id, reporter_id, category, description, severity)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ti.ID, ti.ConsultationID, ti.ReporterID, ti.Category, ti.Description, ti.Severity)
	return err
}

func (r *technicalIssueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TechnicalIssue, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM technical_issue WHERE id = $1`, id))
}

func (r *technicalIssueRepoPG) Resolve(ctx context.Context, id uuid.UUID, notes string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE technical_issue SET resolved = TRUE, resolution_notes = $2, resolved_at = NOW()
		WHERE id = $1`, id, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *technicalIssueRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*TechnicalIssue, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+issueCols+` FROM technical_issue WHERE consultation_id = $1 ORDER BY created_at DESC`,
		consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TechnicalIssue
	for rows.Next() {
		ti, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ti)
	}
	return items, nil
}

// =========== Provider Config Repository ===========

type providerConfigRepoPG struct{ pool *pgxpool.Pool }

func NewProviderConfigRepoPG(pool *pgxpool.Pool) ProviderConfigRepository {
	return &providerConfigRepoPG{pool: pool}
}

func (r *providerConfigRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *providerConfigRepoPG) GetByName(ctx context.Context, provider string) (*VideoProviderConfig, error) {
	var vc VideoProviderConfig
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, provider, active, max_participants, recording_enabled_default, settings, updated_at
		FROM video_provider_config WHERE provider = $1`, provider).
		Scan(&vc.ID, &vc.Provider, &vc.Active, &vc.MaxParticipants, &vc.RecordingEnabledDefault,
			&vc.Settings, &vc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vc, nil
}

func (r *providerConfigRepoPG) List(ctx context.Context) ([]*VideoProviderConfig, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, provider, active, max_participants, recording_enabled_default, settings, updated_at
		FROM video_provider_config ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VideoProviderConfig
	for rows.Next() {
		var vc VideoProviderConfig
		if err := rows.Scan(&vc.ID, &vc.Provider, &vc.Active, &vc.MaxParticipants,
			&vc.RecordingEnabledDefault, &vc.Settings, &vc.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &vc)
	}
	return items, nil
}
