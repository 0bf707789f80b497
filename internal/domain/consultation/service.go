package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/provider"
)

// BookingService is the external booking collaborator. A completed
// consultation marks its booking completed through this port.
type BookingService interface {
	MarkCompleted(ctx context.Context, bookingID uuid.UUID) error
}

// Notifier is the external notification collaborator, called fire-and-forget
// after durable state changes.
type Notifier interface {
	ConsultationScheduled(ctx context.Context, c *Consultation, info *provider.MeetingInfo) error
	CriticalIssue(ctx context.Context, c *Consultation, issue *TechnicalIssue) error
}

// Publisher pushes live updates into the signaling layer. Implemented by the
// hub; a nil publisher disables live updates.
type Publisher interface {
	Publish(consultationID uuid.UUID, eventType string, data map[string]interface{})
}

// RecordingIngestor receives recording segment metadata arriving from
// provider webhooks. Implemented by the recording manager.
type RecordingIngestor interface {
	IngestSegments(ctx context.Context, consultationID uuid.UUID, files []provider.RecordingFile) error
}

// Service orchestrates the consultation lifecycle: creation with its meeting
// in one transaction, state transitions, chat and issue persistence, and
// provider webhook effects.
type Service struct {
	pool          *pgxpool.Pool
	consultations ConsultationRepository
	participants  ParticipantRepository
	messages      MessageRepository
	issues        TechnicalIssueRepository
	providerCfgs  ProviderConfigRepository
	providers     *provider.Registry

	booking    BookingService
	notifier   Notifier
	publisher  Publisher
	recordings RecordingIngestor

	window          WindowPolicy
	defaultProvider string
	logger          zerolog.Logger
	now             func() time.Time
	tx              TxRunner
}

// TxRunner runs fn atomically: if fn returns an error, every repository
// write made through the fn's context is rolled back.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error

type ServiceDeps struct {
	Pool            *pgxpool.Pool
	Consultations   ConsultationRepository
	Participants    ParticipantRepository
	Messages        MessageRepository
	Issues          TechnicalIssueRepository
	ProviderConfigs ProviderConfigRepository
	Providers       *provider.Registry
	Booking         BookingService
	Notifier        Notifier
	Window          WindowPolicy
	DefaultProvider string
	Logger          zerolog.Logger
	// Tx overrides the pool-backed transaction runner; tests use it to
	// exercise rollback without a database.
	Tx TxRunner
}

func NewService(d ServiceDeps) *Service {
	return &Service{
		pool:            d.Pool,
		consultations:   d.Consultations,
		participants:    d.Participants,
		messages:        d.Messages,
		issues:          d.Issues,
		providerCfgs:    d.ProviderConfigs,
		providers:       d.Providers,
		booking:         d.Booking,
		notifier:        d.Notifier,
		window:          d.Window,
		defaultProvider: d.DefaultProvider,
		logger:          d.Logger,
		now:             time.Now,
		tx:              d.Tx,
	}
}

// SetPublisher wires the signaling hub after construction. The hub needs the
// service for connection auth, so one of the two is attached late.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// SetRecordingIngestor wires the recording manager's ingest port.
func (s *Service) SetRecordingIngestor(r RecordingIngestor) { s.recordings = r }

// Window returns the configured start-window policy.
func (s *Service) Window() WindowPolicy { return s.window }

type CreateInput struct {
	BookingID        uuid.UUID `json:"booking_id"`
	DoctorID         uuid.UUID `json:"doctor_id"`
	PatientID        uuid.UUID `json:"patient_id"`
	ScheduledStart   time.Time `json:"scheduled_start"`
	Provider         string    `json:"provider"`
	RecordingEnabled *bool     `json:"recording_enabled"`
	Notes            *string   `json:"notes"`
}

// CreateConsultation creates the consultation record and its provider meeting
// in one transaction: a provider failure rolls the record back. At most one
// non-terminal consultation may exist per booking.
func (s *Service) CreateConsultation(ctx context.Context, in CreateInput) (*Consultation, *provider.MeetingInfo, error) {
	if in.BookingID == uuid.Nil {
		return nil, nil, fmt.Errorf("booking_id is required")
	}
	if in.DoctorID == uuid.Nil || in.PatientID == uuid.Nil {
		return nil, nil, fmt.Errorf("doctor_id and patient_id are required")
	}
	if in.ScheduledStart.IsZero() {
		return nil, nil, fmt.Errorf("scheduled_start is required")
	}

	if existing, err := s.consultations.GetActiveByBooking(ctx, in.BookingID); err == nil && existing != nil {
		return nil, nil, ErrBookingActive
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	providerName := in.Provider
	if providerName == "" {
		providerName = s.defaultProvider
	}
	prov, err := s.providers.Get(providerName)
	if err != nil {
		return nil, nil, err
	}

	recordingEnabled := false
	maxParticipants := 2
	if cfg, err := s.providerCfgs.GetByName(ctx, providerName); err == nil {
		if !cfg.Active {
			return nil, nil, fmt.Errorf("provider %q is disabled", providerName)
		}
		recordingEnabled = cfg.RecordingEnabledDefault
		if cfg.MaxParticipants > 0 {
			maxParticipants = cfg.MaxParticipants
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if in.RecordingEnabled != nil {
		recordingEnabled = *in.RecordingEnabled
	}
	if recordingEnabled && !prov.Capabilities().Recording {
		recordingEnabled = false
	}

	c := &Consultation{
		ID:               uuid.New(),
		BookingID:        in.BookingID,
		DoctorID:         in.DoctorID,
		PatientID:        in.PatientID,
		Provider:         providerName,
		Status:           StatusScheduled,
		ScheduledStart:   in.ScheduledStart,
		RecordingEnabled: recordingEnabled,
		Notes:            in.Notes,
	}

	var info *provider.MeetingInfo
	err = s.withTx(ctx, func(txCtx context.Context) error {
		if err := s.consultations.Create(txCtx, c); err != nil {
			return fmt.Errorf("create consultation: %w", err)
		}
		info, err = prov.CreateMeeting(txCtx, provider.Meeting{
			ConsultationID:   c.ID,
			Topic:            "Consultation " + c.ID.String(),
			ScheduledStart:   c.ScheduledStart,
			DurationMinutes:  60,
			MaxParticipants:  maxParticipants,
			RecordingEnabled: recordingEnabled,
		})
		if err != nil {
			return fmt.Errorf("create meeting with %s: %w", providerName, err)
		}
		c.MeetingID = &info.ProviderMeetingID
		c.MeetingURL = &info.JoinURL
		if info.Password != "" {
			c.MeetingPassword = &info.Password
		}
		return s.consultations.Update(txCtx, c)
	})
	if err != nil {
		return nil, nil, err
	}

	if s.notifier != nil {
		go func(c Consultation, info provider.MeetingInfo) {
			nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.notifier.ConsultationScheduled(nctx, &c, &info); err != nil {
				s.logger.Warn().Err(err).Str("consultation_id", c.ID.String()).
					Msg("scheduled notification failed")
			}
		}(*c, *info)
	}

	return c, info, nil
}

func (s *Service) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.consultations.GetByID(ctx, id)
}

// MarkWaiting moves a scheduled consultation to waiting, typically when the
// first participant connects. Idempotent.
func (s *Service) MarkWaiting(ctx context.Context, id uuid.UUID) (*Consultation, bool, error) {
	c, err := s.consultations.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c.Status == StatusWaiting || c.Status != StatusScheduled {
		return c, false, nil
	}
	c.Status = StatusWaiting
	applied, err := s.consultations.UpdateStatus(ctx, c, StatusScheduled)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		c, err = s.consultations.GetByID(ctx, id)
		return c, false, err
	}
	return c, true, nil
}

// StartConsultation transitions to in_progress within the scheduled window.
// The conditional status update is the single-writer guard: of two racing
// callers exactly one observes changed=true and exactly one broadcast is
// published; the loser gets the refreshed state with changed=false.
func (s *Service) StartConsultation(ctx context.Context, id uuid.UUID) (*Consultation, bool, error) {
	c, err := s.consultations.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	changed, err := c.Start(s.now(), s.window)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return c, false, nil
	}

	applied, err := s.consultations.UpdateStatus(ctx, c, StatusScheduled, StatusWaiting)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		c, err = s.consultations.GetByID(ctx, id)
		return c, false, err
	}

	s.publish(c.ID, "consultation_started", map[string]interface{}{
		"status":       c.Status,
		"actual_start": c.ActualStart,
	})
	return c, true, nil
}

// EndConsultation completes an in-progress consultation, computes its
// duration and marks the linked booking completed.
func (s *Service) EndConsultation(ctx context.Context, id uuid.UUID, notes *string) (*Consultation, bool, error) {
	c, err := s.consultations.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	changed, err := c.End(s.now())
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return c, false, nil
	}
	if notes != nil {
		c.Notes = notes
	}

	applied, err := s.consultations.UpdateStatus(ctx, c, StatusInProgress)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		c, err = s.consultations.GetByID(ctx, id)
		return c, false, err
	}

	if s.booking != nil {
		if err := s.booking.MarkCompleted(ctx, c.BookingID); err != nil {
			s.logger.Error().Err(err).Str("booking_id", c.BookingID.String()).
				Msg("failed to mark booking completed")
		}
	}

	s.publish(c.ID, "consultation_ended", map[string]interface{}{
		"status":           c.Status,
		"actual_end":       c.ActualEnd,
		"duration_minutes": c.DurationMinutes,
	})
	return c, true, nil
}

// CancelConsultation is administrative, no time window.
func (s *Service) CancelConsultation(ctx context.Context, id uuid.UUID) (*Consultation, bool, error) {
	return s.adminTransition(ctx, id, func(c *Consultation) (bool, error) { return c.Cancel() }, "consultation_cancelled")
}

// MarkNoShow is administrative, no time window.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Consultation, bool, error) {
	return s.adminTransition(ctx, id, func(c *Consultation) (bool, error) { return c.MarkNoShow() }, "consultation_no_show")
}

func (s *Service) adminTransition(ctx context.Context, id uuid.UUID, apply func(*Consultation) (bool, error), event string) (*Consultation, bool, error) {
	c, err := s.consultations.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	changed, err := apply(c)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return c, false, nil
	}
	applied, err := s.consultations.UpdateStatus(ctx, c, StatusScheduled, StatusWaiting, StatusInProgress)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		c, err = s.consultations.GetByID(ctx, id)
		return c, false, err
	}
	s.publish(c.ID, event, map[string]interface{}{"status": c.Status})
	return c, true, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return s.consultations.ListByDoctor(ctx, doctorID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return s.consultations.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Consultation, int, error) {
	return s.consultations.Search(ctx, params, limit, offset)
}

func (s *Service) StatsForDoctor(ctx context.Context, doctorID uuid.UUID) (*Stats, error) {
	return s.consultations.StatsByDoctor(ctx, doctorID)
}

func (s *Service) StatsForPatient(ctx context.Context, patientID uuid.UUID) (*Stats, error) {
	return s.consultations.StatsByPatient(ctx, patientID)
}

// PostMessage appends a chat message. An empty body is rejected.
func (s *Service) PostMessage(ctx context.Context, m *Message) error {
	if m.ConsultationID == uuid.Nil {
		return fmt.Errorf("consultation_id is required")
	}
	if m.SenderID == uuid.Nil {
		return fmt.Errorf("sender_id is required")
	}
	if m.Body == "" {
		return fmt.Errorf("message body must not be empty")
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	return s.messages.Create(ctx, m)
}

func (s *Service) RecentMessages(ctx context.Context, consultationID uuid.UUID, limit int) ([]*Message, error) {
	return s.messages.ListRecent(ctx, consultationID, limit)
}

func (s *Service) Participants(ctx context.Context, consultationID uuid.UUID) ([]*Participant, error) {
	return s.participants.ListByConsultation(ctx, consultationID)
}

// JoinParticipant records a session join for presence tracking.
func (s *Service) JoinParticipant(ctx context.Context, p *Participant) error {
	return s.participants.UpsertJoin(ctx, p)
}

// LeaveParticipant records a disconnect: left_at plus attended duration.
func (s *Service) LeaveParticipant(ctx context.Context, consultationID, userID uuid.UUID) error {
	return s.participants.MarkLeft(ctx, consultationID, userID)
}

// SetConnectionQuality records the most recent quality tag reported from a
// live session.
func (s *Service) SetConnectionQuality(ctx context.Context, consultationID uuid.UUID, quality string) error {
	return s.consultations.SetConnectionQuality(ctx, consultationID, quality)
}

// ReportIssue persists a technical issue. Critical issues additionally
// trigger a fire-and-forget notification.
func (s *Service) ReportIssue(ctx context.Context, ti *TechnicalIssue) error {
	if ti.ConsultationID == uuid.Nil {
		return fmt.Errorf("consultation_id is required")
	}
	if !validCategory(ti.Category) {
		return fmt.Errorf("invalid issue category: %s", ti.Category)
	}
	if ti.Description == "" {
		return fmt.Errorf("issue description is required")
	}
	if ti.Severity == "" {
		ti.Severity = SeverityMedium
	}
	if !validSeverity(ti.Severity) {
		return fmt.Errorf("invalid issue severity: %s", ti.Severity)
	}
	if err := s.issues.Create(ctx, ti); err != nil {
		return err
	}

	if ti.Severity == SeverityCritical && s.notifier != nil {
		c, err := s.consultations.GetByID(ctx, ti.ConsultationID)
		if err == nil {
			go func(c Consultation, ti TechnicalIssue) {
				nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := s.notifier.CriticalIssue(nctx, &c, &ti); err != nil {
					s.logger.Warn().Err(err).Str("issue_id", ti.ID.String()).
						Msg("critical issue notification failed")
				}
			}(*c, *ti)
		}
	}
	return nil
}

func (s *Service) ResolveIssue(ctx context.Context, id uuid.UUID, notes string) error {
	return s.issues.Resolve(ctx, id, notes)
}

func (s *Service) ListIssues(ctx context.Context, consultationID uuid.UUID) ([]*TechnicalIssue, error) {
	return s.issues.ListByConsultation(ctx, consultationID)
}

// HandleProviderEvent implements provider.EventSink: webhook events become
// state-machine transitions or recording ingestion. A meeting with no
// matching consultation is logged and swallowed so the ingestion path stays
// available.
func (s *Service) HandleProviderEvent(ctx context.Context, providerName string, result *provider.WebhookResult) error {
	if result.Kind == provider.WebhookIgnored || result.ProviderMeetingID == "" {
		return nil
	}

	c, err := s.consultations.GetByMeetingID(ctx, result.ProviderMeetingID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().
			Str("provider", providerName).
			Str("meeting_id", result.ProviderMeetingID).
			Str("event", result.RawEvent).
			Msg("webhook references unknown meeting")
		return nil
	}
	if err != nil {
		return err
	}

	switch result.Kind {
	case provider.WebhookMeetingStarted:
		return s.applyMeetingStarted(ctx, c, result.OccurredAt)
	case provider.WebhookMeetingEnded:
		return s.applyMeetingEnded(ctx, c, result.OccurredAt)
	case provider.WebhookRecordingReady:
		if s.recordings == nil {
			s.logger.Warn().Str("consultation_id", c.ID.String()).
				Msg("recording segments received but no ingestor is wired")
			return nil
		}
		if err := s.recordings.IngestSegments(ctx, c.ID, result.Recordings); err != nil {
			return err
		}
		s.publish(c.ID, "recording_ready", map[string]interface{}{
			"segments": len(result.Recordings),
		})
		return nil
	}
	return nil
}

// applyMeetingStarted is the webhook-driven start: the provider already
// started the meeting, so the scheduling window does not apply.
func (s *Service) applyMeetingStarted(ctx context.Context, c *Consultation, at time.Time) error {
	if c.Status == StatusInProgress || c.IsTerminal() {
		return nil
	}
	c.Status = StatusInProgress
	t := at
	c.ActualStart = &t
	applied, err := s.consultations.UpdateStatus(ctx, c, StatusScheduled, StatusWaiting)
	if err != nil {
		return err
	}
	if applied {
		s.publish(c.ID, "consultation_started", map[string]interface{}{
			"status":       c.Status,
			"actual_start": c.ActualStart,
		})
	}
	return nil
}

func (s *Service) applyMeetingEnded(ctx context.Context, c *Consultation, at time.Time) error {
	if c.Status != StatusInProgress {
		return nil
	}
	t := at
	c.ActualEnd = &t
	if c.ActualStart != nil {
		mins := int(at.Sub(*c.ActualStart).Minutes())
		c.DurationMinutes = &mins
	}
	c.Status = StatusCompleted
	applied, err := s.consultations.UpdateStatus(ctx, c, StatusInProgress)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if s.booking != nil {
		if err := s.booking.MarkCompleted(ctx, c.BookingID); err != nil {
			s.logger.Error().Err(err).Str("booking_id", c.BookingID.String()).
				Msg("failed to mark booking completed")
		}
	}
	s.publish(c.ID, "consultation_ended", map[string]interface{}{
		"status":           c.Status,
		"actual_end":       c.ActualEnd,
		"duration_minutes": c.DurationMinutes,
	})
	return nil
}

// withTx wraps fn in a database transaction when a pool is available. With
// no pool the repositories are assumed to be atomic on their own.
func (s *Service) withTx(ctx context.Context, fn func(context.Context) error) error {
	if s.tx != nil {
		return s.tx(ctx, fn)
	}
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

func (s *Service) publish(id uuid.UUID, eventType string, data map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(id, eventType, data)
	}
}
