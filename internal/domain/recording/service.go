package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/provider"
)

// ConsultationStore is the slice of the consultation repository the
// recording manager needs: ownership lookups and the recording-URL backlink.
type ConsultationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error)
	SetRecordingURL(ctx context.Context, id uuid.UUID, url string) error
}

// Actor identifies the caller for access decisions.
type Actor struct {
	UserID uuid.UUID
	Admin  bool
}

const recentEventLimit = 50

// Service makes recording an explicit provider-agnostic lifecycle: start,
// stop, ingest, signed access URLs, and audited deletion.
type Service struct {
	repo          Repository
	consultations ConsultationStore
	providers     *provider.Registry
	publisher     consultation.Publisher

	tokenSecret []byte
	tokenTTL    time.Duration

	events *eventLog
	logger zerolog.Logger
}

func NewService(repo Repository, consultations ConsultationStore, providers *provider.Registry,
	tokenSecret string, tokenTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		consultations: consultations,
		providers:     providers,
		tokenSecret:   []byte(tokenSecret),
		tokenTTL:      tokenTTL,
		events:        newEventLog(recentEventLimit),
		logger:        logger,
	}
}

// SetPublisher wires the signaling hub for live recording updates.
func (s *Service) SetPublisher(p consultation.Publisher) { s.publisher = p }

// Start asks the consultation's provider to begin capture. Providers where
// recording is host-controlled return ManualActionRequired instead of
// failing.
func (s *Service) Start(ctx context.Context, consultationID uuid.UUID) (provider.RecordingAction, error) {
	return s.control(ctx, consultationID, "recording_start_requested",
		func(p provider.Provider, meetingID string) (provider.RecordingAction, error) {
			return p.StartRecording(ctx, meetingID)
		})
}

// Stop asks the consultation's provider to end capture.
func (s *Service) Stop(ctx context.Context, consultationID uuid.UUID) (provider.RecordingAction, error) {
	return s.control(ctx, consultationID, "recording_stop_requested",
		func(p provider.Provider, meetingID string) (provider.RecordingAction, error) {
			return p.StopRecording(ctx, meetingID)
		})
}

func (s *Service) control(ctx context.Context, consultationID uuid.UUID, event string,
	call func(p provider.Provider, meetingID string) (provider.RecordingAction, error)) (provider.RecordingAction, error) {
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return provider.RecordingUnsupported, err
	}
	p, err := s.providers.Get(c.Provider)
	if err != nil {
		return provider.RecordingUnsupported, err
	}
	if !p.Capabilities().Recording {
		return provider.RecordingUnsupported, nil
	}
	if c.MeetingID == nil {
		return provider.RecordingUnsupported, fmt.Errorf("consultation has no meeting")
	}

	action, err := call(p, *c.MeetingID)
	if err != nil {
		return action, err
	}
	s.events.append(consultationID, event, string(action))
	return action, nil
}

// Status returns the stored segments and the recent lifecycle events for a
// consultation.
func (s *Service) Status(ctx context.Context, consultationID uuid.UUID) ([]*Recording, []LifecycleEvent, error) {
	recs, err := s.repo.ListByConsultation(ctx, consultationID)
	if err != nil {
		return nil, nil, err
	}
	return recs, s.events.recent(consultationID), nil
}

// IngestSegments implements consultation.RecordingIngestor. Each segment is
// ingested idempotently: a webhook retry carrying the same provider segment
// id is a no-op.
func (s *Service) IngestSegments(ctx context.Context, consultationID uuid.UUID, files []provider.RecordingFile) error {
	for _, f := range files {
		rec := &Recording{
			ConsultationID:    consultationID,
			ProviderSegmentID: f.SegmentID,
			StorageURL:        f.DownloadURL,
			FileSizeBytes:     f.FileSizeBytes,
			DurationSeconds:   f.DurationSeconds,
			Status:            StatusReady,
		}
		if f.Quality != "" {
			q := f.Quality
			rec.Quality = &q
		}
		if !f.StartedAt.IsZero() {
			t := f.StartedAt
			rec.StartedAt = &t
		}
		if !f.EndedAt.IsZero() {
			t := f.EndedAt
			rec.EndedAt = &t
		}

		created, err := s.repo.Ingest(ctx, rec)
		if err != nil {
			return fmt.Errorf("ingest segment %s: %w", f.SegmentID, err)
		}
		if !created {
			s.logger.Debug().
				Str("consultation_id", consultationID.String()).
				Str("segment_id", f.SegmentID).
				Msg("duplicate recording segment skipped")
			continue
		}

		s.events.append(consultationID, "segment_ingested", f.SegmentID)
		if err := s.consultations.SetRecordingURL(ctx, consultationID, f.DownloadURL); err != nil {
			s.logger.Warn().Err(err).Str("consultation_id", consultationID.String()).
				Msg("failed to backlink recording URL")
		}
	}
	return nil
}

type accessClaims struct {
	jwt.RegisteredClaims
	RecordingID string `json:"rid"`
}

// IssueAccessURL verifies the caller's relationship to the recording's
// consultation and mints a signed time-bounded token. Recordings are never
// served through an unguarded static URL.
func (s *Service) IssueAccessURL(ctx context.Context, actor Actor, recordingID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.authorize(ctx, actor, rec); err != nil {
		return "", time.Time{}, err
	}

	if ttl <= 0 || ttl > s.tokenTTL {
		ttl = s.tokenTTL
	}
	expiry := time.Now().Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		RecordingID: rec.ID.String(),
	})
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}

	s.events.append(rec.ConsultationID, "access_url_issued", actor.UserID.String())
	return "/api/v1/recordings/access?token=" + signed, expiry, nil
}

// RedeemAccessToken validates a signed access token and returns the
// recording it grants, bumping the download counter.
func (s *Service) RedeemAccessToken(ctx context.Context, tokenStr string) (*Recording, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.tokenSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}

	recordingID, err := uuid.Parse(claims.RecordingID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusDeleted {
		return nil, ErrNotFound
	}

	if err := s.repo.IncrementDownloads(ctx, rec.ID); err != nil {
		s.logger.Warn().Err(err).Str("recording_id", rec.ID.String()).
			Msg("failed to count download")
	}
	return rec, nil
}

// Delete removes a recording. Restricted to the consultation's doctor or an
// administrator; the audit entry is written before the provider call so a
// failed delete still leaves a trace of the attempt.
func (s *Service) Delete(ctx context.Context, actor Actor, recordingID uuid.UUID) error {
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		return err
	}
	c, err := s.consultations.GetByID(ctx, rec.ConsultationID)
	if err != nil {
		return err
	}
	if !actor.Admin && actor.UserID != c.DoctorID {
		return ErrAccessDenied
	}

	s.logger.Info().
		Str("audit", "recording_deleted").
		Str("recording_id", rec.ID.String()).
		Str("consultation_id", rec.ConsultationID.String()).
		Str("actor_id", actor.UserID.String()).
		Msg("recording deletion requested")
	s.events.append(rec.ConsultationID, "recording_deleted", actor.UserID.String())

	if p, err := s.providers.Get(c.Provider); err == nil && rec.ProviderSegmentID != "" {
		meetingID := ""
		if c.MeetingID != nil {
			meetingID = *c.MeetingID
		}
		action, err := p.DeleteRecording(ctx, meetingID, rec.ProviderSegmentID)
		if err != nil {
			s.logger.Warn().Err(err).Str("recording_id", rec.ID.String()).
				Msg("provider-side recording cleanup failed")
		} else if action == provider.RecordingManualRequired {
			s.logger.Info().Str("recording_id", rec.ID.String()).
				Msg("provider recording must be removed manually")
		}
	}

	return s.repo.MarkDeleted(ctx, rec.ID)
}

// ListByConsultation returns the segments for one consultation after an
// access check.
func (s *Service) ListByConsultation(ctx context.Context, actor Actor, consultationID uuid.UUID) ([]*Recording, error) {
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.UserID != c.DoctorID && actor.UserID != c.PatientID {
		return nil, ErrAccessDenied
	}
	return s.repo.ListByConsultation(ctx, consultationID)
}

func (s *Service) authorize(ctx context.Context, actor Actor, rec *Recording) error {
	if actor.Admin {
		return nil
	}
	c, err := s.consultations.GetByID(ctx, rec.ConsultationID)
	if err != nil {
		return err
	}
	if actor.UserID != c.DoctorID && actor.UserID != c.PatientID {
		return ErrAccessDenied
	}
	return nil
}
