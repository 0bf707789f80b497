package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/provider"
)

// Directory resolves a user id to contact details. User management is an
// external collaborator; the in-process implementation used in development
// returns nothing, which skips delivery for that recipient.
type Directory interface {
	Contact(ctx context.Context, userID uuid.UUID) (email, phone string, err error)
}

// NoopDirectory resolves nobody. Used when no user service is wired.
type NoopDirectory struct{}

func (NoopDirectory) Contact(context.Context, uuid.UUID) (string, string, error) {
	return "", "", nil
}

// ConsultationNotifier implements consultation.Notifier on top of the
// template manager.
type ConsultationNotifier struct {
	manager   *Manager
	directory Directory
	logger    zerolog.Logger
}

func NewConsultationNotifier(manager *Manager, directory Directory, logger zerolog.Logger) *ConsultationNotifier {
	return &ConsultationNotifier{manager: manager, directory: directory, logger: logger}
}

// ConsultationScheduled mails the patient their join link after the meeting
// has been durably created.
func (cn *ConsultationNotifier) ConsultationScheduled(ctx context.Context, c *consultation.Consultation, info *provider.MeetingInfo) error {
	email, _, err := cn.directory.Contact(ctx, c.PatientID)
	if err != nil {
		return fmt.Errorf("resolve patient contact: %w", err)
	}
	if email == "" {
		cn.logger.Debug().Str("consultation_id", c.ID.String()).
			Msg("patient has no email on file, invitation skipped")
		return nil
	}

	data := map[string]string{
		"date": c.ScheduledStart.Format("January 2, 2006"),
		"time": c.ScheduledStart.Format("15:04"),
	}
	if info != nil {
		data["join_url"] = info.JoinURL
	}
	_, err = cn.manager.SendFromTemplate(ctx, "consultation-scheduled", data, email)
	return err
}

// CriticalIssue alerts the doctor about a critical technical issue reported
// during their consultation.
func (cn *ConsultationNotifier) CriticalIssue(ctx context.Context, c *consultation.Consultation, issue *consultation.TechnicalIssue) error {
	email, _, err := cn.directory.Contact(ctx, c.DoctorID)
	if err != nil {
		return fmt.Errorf("resolve doctor contact: %w", err)
	}
	if email == "" {
		return nil
	}

	_, err = cn.manager.SendFromTemplate(ctx, "critical-technical-issue", map[string]string{
		"consultation_id": c.ID.String(),
		"category":        issue.Category,
		"description":     issue.Description,
	}, email)
	return err
}
