package notification

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/provider"
)

func newTestManager() (*Manager, *MockEmailSender, *MockSMSSender) {
	email := &MockEmailSender{}
	sms := &MockSMSSender{}
	return NewManager(email, sms, NewTemplateEngine()), email, sms
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()

	subject, body, err := e.Render("consultation-scheduled", map[string]string{
		"patient_name": "Pat Lee",
		"doctor_name":  "Dr. Adams",
		"date":         "March 3, 2026",
		"time":         "10:00",
		"join_url":     "https://meet.example.com/room",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(subject, "March 3, 2026") {
		t.Errorf("subject not rendered: %s", subject)
	}
	if !strings.Contains(body, "Dr. Adams") || !strings.Contains(body, "https://meet.example.com/room") {
		t.Errorf("body not rendered: %s", body)
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	e := NewTemplateEngine()

	_, body, err := e.Render("consultation-reminder", map[string]string{"time": "10:00"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "{{patient_name}}") {
		t.Errorf("expected unresolved placeholder preserved, got %s", body)
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	e := NewTemplateEngine()
	if _, _, err := e.Render("no-such-template", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestManager_SendEmail(t *testing.T) {
	m, email, _ := newTestManager()

	n := &Notification{
		Channel:   ChannelEmail,
		Recipient: "pat@example.com",
		Subject:   "hello",
		Body:      "world",
	}
	if err := m.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n.Status != "sent" || n.SentAt == nil {
		t.Fatalf("expected sent status, got %s", n.Status)
	}
	if len(email.Calls()) != 1 {
		t.Fatalf("expected 1 email, got %d", len(email.Calls()))
	}
}

func TestManager_SendFailureStoredAndRetryable(t *testing.T) {
	m, email, _ := newTestManager()
	email.ShouldFail = true
	email.FailError = "smtp down"

	n := &Notification{Channel: ChannelEmail, Recipient: "pat@example.com", Body: "x"}
	if err := m.Send(context.Background(), n); err == nil {
		t.Fatal("expected send error")
	}

	stored, err := m.Get(n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != "failed" || stored.Error != "smtp down" {
		t.Fatalf("expected stored failure, got %+v", stored)
	}

	email.ShouldFail = false
	if err := m.Retry(context.Background(), n.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	stored, _ = m.Get(n.ID)
	if stored.Status != "sent" || stored.Error != "" {
		t.Fatalf("expected sent after retry, got %+v", stored)
	}
}

func TestManager_RetryOnlyFailed(t *testing.T) {
	m, _, _ := newTestManager()

	n := &Notification{Channel: ChannelEmail, Recipient: "pat@example.com", Body: "x"}
	if err := m.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Retry(context.Background(), n.ID); err == nil {
		t.Fatal("expected error retrying a sent notification")
	}
}

func TestManager_SendFromTemplatePicksChannel(t *testing.T) {
	m, _, sms := newTestManager()

	n, err := m.SendFromTemplate(context.Background(), "consultation-reminder-sms",
		map[string]string{"time": "10:00", "join_url": "https://meet.example.com/r"}, "+15550100")
	if err != nil {
		t.Fatalf("send from template: %v", err)
	}
	if n.Channel != ChannelSMS {
		t.Fatalf("expected sms channel, got %s", n.Channel)
	}
	calls := sms.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Body, "10:00") {
		t.Fatalf("unexpected sms calls: %+v", calls)
	}
}

func TestManager_Stats(t *testing.T) {
	m, email, _ := newTestManager()

	_ = m.Send(context.Background(), &Notification{Channel: ChannelEmail, Recipient: "a@example.com", Body: "x"})
	email.ShouldFail = true
	email.FailError = "down"
	_ = m.Send(context.Background(), &Notification{Channel: ChannelEmail, Recipient: "b@example.com", Body: "y"})

	stats := m.Stats()
	if stats["sent"] != 1 || stats["failed"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

type staticDirectory struct {
	email string
}

func (d staticDirectory) Contact(context.Context, uuid.UUID) (string, string, error) {
	return d.email, "", nil
}

func TestConsultationNotifier_Scheduled(t *testing.T) {
	m, email, _ := newTestManager()
	cn := NewConsultationNotifier(m, staticDirectory{email: "pat@example.com"}, zerolog.Nop())

	c := &consultation.Consultation{
		ID:             uuid.New(),
		PatientID:      uuid.New(),
		ScheduledStart: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	info := &provider.MeetingInfo{JoinURL: "https://meet.example.com/room?jwt=abc"}

	if err := cn.ConsultationScheduled(context.Background(), c, info); err != nil {
		t.Fatalf("notify: %v", err)
	}
	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "pat@example.com" {
		t.Errorf("wrong recipient: %s", calls[0].To)
	}
	if !strings.Contains(calls[0].Body, info.JoinURL) {
		t.Errorf("join link missing from body: %s", calls[0].Body)
	}
}

func TestConsultationNotifier_NoContactSkips(t *testing.T) {
	m, email, _ := newTestManager()
	cn := NewConsultationNotifier(m, NoopDirectory{}, zerolog.Nop())

	c := &consultation.Consultation{ID: uuid.New(), PatientID: uuid.New(), ScheduledStart: time.Now()}
	if err := cn.ConsultationScheduled(context.Background(), c, nil); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
	if len(email.Calls()) != 0 {
		t.Fatal("expected no delivery without contact details")
	}
}

func TestConsultationNotifier_CriticalIssue(t *testing.T) {
	m, email, _ := newTestManager()
	cn := NewConsultationNotifier(m, staticDirectory{email: "dr@example.com"}, zerolog.Nop())

	c := &consultation.Consultation{ID: uuid.New(), DoctorID: uuid.New()}
	issue := &consultation.TechnicalIssue{
		ConsultationID: c.ID,
		Category:       "video",
		Description:    "stream frozen for both sides",
		Severity:       consultation.SeverityCritical,
	}
	if err := cn.CriticalIssue(context.Background(), c, issue); err != nil {
		t.Fatalf("notify: %v", err)
	}
	calls := email.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Body, "stream frozen") {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}
