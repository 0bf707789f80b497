package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/provider"
)

// -- Mock Repositories --

type mockConsultationRepo struct {
	mu       sync.Mutex
	consults map[uuid.UUID]*Consultation
}

func newMockConsultationRepo() *mockConsultationRepo {
	return &mockConsultationRepo{consults: make(map[uuid.UUID]*Consultation)}
}

// runTx gives the mock real rollback semantics: writes made inside a failed
// fn are discarded, mirroring db.WithTx.
func (m *mockConsultationRepo) runTx(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*Consultation, len(m.consults))
	for id, c := range m.consults {
		cp := *c
		snapshot[id] = &cp
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.consults = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockConsultationRepo) Create(_ context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	cp := *c
	m.consults[c.ID] = &cp
	return nil
}

func (m *mockConsultationRepo) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consults[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockConsultationRepo) GetByMeetingID(_ context.Context, meetingID string) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consults {
		if c.MeetingID != nil && *c.MeetingID == meetingID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockConsultationRepo) GetActiveByBooking(_ context.Context, bookingID uuid.UUID) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consults {
		if c.BookingID == bookingID && !c.IsTerminal() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockConsultationRepo) Update(_ context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.consults[c.ID] = &cp
	return nil
}

func (m *mockConsultationRepo) UpdateStatus(_ context.Context, c *Consultation, fromStatuses ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.consults[c.ID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range fromStatuses {
		if stored.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	stored.Status = c.Status
	stored.ActualStart = c.ActualStart
	stored.ActualEnd = c.ActualEnd
	stored.DurationMinutes = c.DurationMinutes
	if c.Notes != nil {
		stored.Notes = c.Notes
	}
	return true, nil
}

func (m *mockConsultationRepo) SetConnectionQuality(_ context.Context, id uuid.UUID, quality string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consults[id]; ok {
		c.ConnectionQuality = &quality
	}
	return nil
}

func (m *mockConsultationRepo) SetRecordingURL(_ context.Context, id uuid.UUID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consults[id]; ok {
		c.RecordingURL = &url
	}
	return nil
}

func (m *mockConsultationRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Consultation
	for _, c := range m.consults {
		if c.DoctorID == doctorID {
			result = append(result, c)
		}
	}
	return result, len(result), nil
}

func (m *mockConsultationRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Consultation
	for _, c := range m.consults {
		if c.PatientID == patientID {
			result = append(result, c)
		}
	}
	return result, len(result), nil
}

func (m *mockConsultationRepo) Search(_ context.Context, _ map[string]string, limit, offset int) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Consultation
	for _, c := range m.consults {
		result = append(result, c)
	}
	return result, len(result), nil
}

func (m *mockConsultationRepo) StatsByDoctor(_ context.Context, doctorID uuid.UUID) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{}
	for _, c := range m.consults {
		if c.DoctorID != doctorID {
			continue
		}
		s.Total++
		if c.Status == StatusCompleted {
			s.Completed++
		}
		if c.Status == StatusInProgress {
			s.Active++
		}
	}
	return s, nil
}

func (m *mockConsultationRepo) StatsByPatient(_ context.Context, patientID uuid.UUID) (*Stats, error) {
	return &Stats{}, nil
}

type mockParticipantRepo struct {
	mu    sync.Mutex
	parts map[string]*Participant
}

func newMockParticipantRepo() *mockParticipantRepo {
	return &mockParticipantRepo{parts: make(map[string]*Participant)}
}

func participantKey(consultationID, userID uuid.UUID) string {
	return consultationID.String() + "/" + userID.String()
}

func (m *mockParticipantRepo) UpsertJoin(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.JoinedAt = time.Now()
	p.LeftAt = nil
	cp := *p
	m.parts[participantKey(p.ConsultationID, p.UserID)] = &cp
	return nil
}

func (m *mockParticipantRepo) MarkLeft(_ context.Context, consultationID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[participantKey(consultationID, userID)]
	if !ok || p.LeftAt != nil {
		return nil
	}
	now := time.Now()
	p.LeftAt = &now
	secs := int(now.Sub(p.JoinedAt).Seconds())
	p.AttendedSeconds = &secs
	return nil
}

func (m *mockParticipantRepo) IncrementConnectionIssues(_ context.Context, consultationID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parts[participantKey(consultationID, userID)]; ok {
		p.ConnectionIssues++
	}
	return nil
}

func (m *mockParticipantRepo) ListByConsultation(_ context.Context, consultationID uuid.UUID) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Participant
	for _, p := range m.parts {
		if p.ConsultationID == consultationID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockParticipantRepo) Get(_ context.Context, consultationID, userID uuid.UUID) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[participantKey(consultationID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages []*Message
	failNext bool
}

func (m *mockMessageRepo) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("store unavailable")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *mockMessageRepo) ListRecent(_ context.Context, consultationID uuid.UUID, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Message
	for _, msg := range m.messages {
		if msg.ConsultationID == consultationID {
			result = append(result, msg)
		}
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

type mockIssueRepo struct {
	mu     sync.Mutex
	issues map[uuid.UUID]*TechnicalIssue
}

func newMockIssueRepo() *mockIssueRepo {
	return &mockIssueRepo{issues: make(map[uuid.UUID]*TechnicalIssue)}
}

func (m *mockIssueRepo) Create(_ context.Context, ti *TechnicalIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ti.ID == uuid.Nil {
		ti.ID = uuid.New()
	}
	ti.CreatedAt = time.Now()
	cp := *ti
	m.issues[ti.ID] = &cp
	return nil
}

func (m *mockIssueRepo) GetByID(_ context.Context, id uuid.UUID) (*TechnicalIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ti, nil
}

func (m *mockIssueRepo) Resolve(_ context.Context, id uuid.UUID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.issues[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	ti.Resolved = true
	ti.ResolutionNotes = &notes
	ti.ResolvedAt = &now
	return nil
}

func (m *mockIssueRepo) ListByConsultation(_ context.Context, consultationID uuid.UUID) ([]*TechnicalIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*TechnicalIssue
	for _, ti := range m.issues {
		if ti.ConsultationID == consultationID {
			result = append(result, ti)
		}
	}
	return result, nil
}

type mockProviderCfgRepo struct{}

func (m *mockProviderCfgRepo) GetByName(_ context.Context, provider string) (*VideoProviderConfig, error) {
	return nil, ErrNotFound
}

func (m *mockProviderCfgRepo) List(_ context.Context) ([]*VideoProviderConfig, error) {
	return nil, nil
}

// -- Mock Collaborators --

type mockBooking struct {
	mu        sync.Mutex
	completed []uuid.UUID
}

func (m *mockBooking) MarkCompleted(_ context.Context, bookingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, bookingID)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *mockPublisher) Publish(_ uuid.UUID, eventType string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockPublisher) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// failingProvider rejects meeting creation, to exercise rollback.
type failingProvider struct{ provider.Jitsi }

func (f *failingProvider) Name() string { return "jitsi" }

func (f *failingProvider) CreateMeeting(_ context.Context, _ provider.Meeting) (*provider.MeetingInfo, error) {
	return nil, fmt.Errorf("provider unavailable")
}

type testEnv struct {
	svc       *Service
	consults  *mockConsultationRepo
	messages  *mockMessageRepo
	issues    *mockIssueRepo
	booking   *mockBooking
	publisher *mockPublisher
}

func newTestEnv(t *testing.T, providers ...provider.Provider) *testEnv {
	t.Helper()
	reg := provider.NewRegistry()
	if len(providers) == 0 {
		providers = []provider.Provider{provider.NewJitsi(provider.JitsiConfig{BaseURL: "https://meet.example.com"})}
	}
	for _, p := range providers {
		reg.Register(p)
	}

	env := &testEnv{
		consults:  newMockConsultationRepo(),
		messages:  &mockMessageRepo{},
		issues:    newMockIssueRepo(),
		booking:   &mockBooking{},
		publisher: &mockPublisher{},
	}
	env.svc = NewService(ServiceDeps{
		Consultations:   env.consults,
		Participants:    newMockParticipantRepo(),
		Messages:        env.messages,
		Issues:          env.issues,
		ProviderConfigs: &mockProviderCfgRepo{},
		Providers:       reg,
		Booking:         env.booking,
		Window:          testWindow,
		DefaultProvider: "jitsi",
		Logger:          zerolog.Nop(),
		Tx:              env.consults.runTx,
	})
	env.svc.SetPublisher(env.publisher)
	return env
}

func validCreateInput() CreateInput {
	return CreateInput{
		BookingID:      uuid.New(),
		DoctorID:       uuid.New(),
		PatientID:      uuid.New(),
		ScheduledStart: time.Now().Add(10 * time.Minute),
	}
}

// -- Tests --

func TestCreateConsultation(t *testing.T) {
	env := newTestEnv(t)
	in := validCreateInput()

	c, info, err := env.svc.CreateConsultation(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", c.Status)
	}
	if c.MeetingURL == nil || *c.MeetingURL == "" {
		t.Error("expected a meeting URL")
	}
	if info.Password == "" {
		t.Error("expected a meeting password")
	}

	stored, err := env.consults.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("stored consultation: %v", err)
	}
	if stored.MeetingID == nil {
		t.Error("meeting credentials must be persisted")
	}
}

func TestCreateConsultation_OneActivePerBooking(t *testing.T) {
	env := newTestEnv(t)
	in := validCreateInput()

	if _, _, err := env.svc.CreateConsultation(context.Background(), in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, _, err := env.svc.CreateConsultation(context.Background(), in); err != ErrBookingActive {
		t.Fatalf("expected ErrBookingActive, got %v", err)
	}
}

func TestCreateConsultation_ProviderFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, &failingProvider{})
	in := validCreateInput()

	c, info, err := env.svc.CreateConsultation(context.Background(), in)
	if err == nil {
		t.Fatal("expected provider failure to surface")
	}
	if c != nil || info != nil {
		t.Error("failed creation must not return a consultation")
	}

	// The consultation row created before the provider call must be gone.
	if _, err := env.consults.GetActiveByBooking(context.Background(), in.BookingID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled-back consultation to be absent, got %v", err)
	}
	env.consults.mu.Lock()
	remaining := len(env.consults.consults)
	env.consults.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no stored rows after rollback, got %d", remaining)
	}
}

func TestCreateConsultation_RebookAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	in := validCreateInput()

	c, _, err := env.svc.CreateConsultation(context.Background(), in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, _, err := env.svc.CancelConsultation(context.Background(), c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A terminal consultation no longer blocks the booking; the cancelled
	// row stays behind for audit.
	second, _, err := env.svc.CreateConsultation(context.Background(), in)
	if err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if second.ID == c.ID {
		t.Fatal("expected a fresh consultation row")
	}
	if stored, err := env.consults.GetByID(context.Background(), c.ID); err != nil || stored.Status != StatusCancelled {
		t.Fatalf("cancelled row must be retained, got %v / %v", stored, err)
	}
}

func TestStartConsultation_SingleTransition(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.svc.CreateConsultation(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var changedCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := env.svc.StartConsultation(context.Background(), c.ID)
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			if changed {
				mu.Lock()
				changedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changedCount != 1 {
		t.Errorf("expected exactly one winning transition, got %d", changedCount)
	}
	if got := env.publisher.count("consultation_started"); got != 1 {
		t.Errorf("expected exactly one consultation_started broadcast, got %d", got)
	}

	stored, _ := env.consults.GetByID(context.Background(), c.ID)
	if stored.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", stored.Status)
	}
	if stored.ActualStart == nil {
		t.Error("expected actual_start to be set")
	}
}

func TestStartConsultation_OutOfWindow(t *testing.T) {
	env := newTestEnv(t)
	in := validCreateInput()
	in.ScheduledStart = time.Now().Add(4 * time.Hour)
	c, _, err := env.svc.CreateConsultation(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := env.svc.StartConsultation(context.Background(), c.ID); err != ErrOutOfWindow {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}
	stored, _ := env.consults.GetByID(context.Background(), c.ID)
	if stored.Status != StatusScheduled {
		t.Errorf("out-of-window start must not change status, got %s", stored.Status)
	}
}

func TestEndConsultation_MarksBookingCompleted(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.svc.CreateConsultation(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.svc.StartConsultation(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	notes := "all good"
	ended, changed, err := env.svc.EndConsultation(context.Background(), c.ID, &notes)
	if err != nil || !changed {
		t.Fatalf("end: changed=%v err=%v", changed, err)
	}
	if ended.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", ended.Status)
	}
	if ended.DurationMinutes == nil {
		t.Error("expected duration to be computed")
	}
	if len(env.booking.completed) != 1 || env.booking.completed[0] != c.BookingID {
		t.Errorf("expected booking %s marked completed, got %v", c.BookingID, env.booking.completed)
	}

	// Ending again is a no-op and does not double-complete the booking.
	_, changed, err = env.svc.EndConsultation(context.Background(), c.ID, nil)
	if err != nil || changed {
		t.Errorf("second end: changed=%v err=%v", changed, err)
	}
	if len(env.booking.completed) != 1 {
		t.Errorf("booking completed %d times", len(env.booking.completed))
	}
}

func TestCancelConsultation(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.svc.CreateConsultation(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, changed, err := env.svc.CancelConsultation(context.Background(), c.ID)
	if err != nil || !changed {
		t.Fatalf("cancel: changed=%v err=%v", changed, err)
	}
	_, changed, err = env.svc.CancelConsultation(context.Background(), c.ID)
	if err != nil || changed {
		t.Errorf("second cancel: changed=%v err=%v", changed, err)
	}
}

func TestPostMessage_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.PostMessage(context.Background(), &Message{
		ConsultationID: uuid.New(),
		SenderID:       uuid.New(),
		Body:           "",
	})
	if err == nil {
		t.Fatal("expected empty body to be rejected")
	}
}

func TestReportIssue_Validation(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	if err := env.svc.ReportIssue(context.Background(), &TechnicalIssue{
		ConsultationID: id,
		Category:       "quantum",
		Description:    "weird",
	}); err == nil {
		t.Error("expected invalid category to be rejected")
	}

	ti := &TechnicalIssue{
		ConsultationID: id,
		ReporterID:     uuid.New(),
		Category:       IssueAudio,
		Description:    "echo on the line",
	}
	if err := env.svc.ReportIssue(context.Background(), ti); err != nil {
		t.Fatalf("report: %v", err)
	}
	if ti.Severity != SeverityMedium {
		t.Errorf("expected default severity medium, got %s", ti.Severity)
	}
}

func TestHandleProviderEvent_MeetingEnded(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.svc.CreateConsultation(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.svc.StartConsultation(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	endedAt := time.Now().Add(20 * time.Minute)
	err = env.svc.HandleProviderEvent(context.Background(), "jitsi", &provider.WebhookResult{
		Kind:              provider.WebhookMeetingEnded,
		ProviderMeetingID: *c.MeetingID,
		OccurredAt:        endedAt,
		RawEvent:          "meeting.ended",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}

	stored, _ := env.consults.GetByID(context.Background(), c.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", stored.Status)
	}
	if stored.ActualEnd == nil || stored.DurationMinutes == nil {
		t.Error("expected actual_end and duration to be set")
	}
	if len(env.booking.completed) != 1 {
		t.Errorf("expected booking marked completed, got %d calls", len(env.booking.completed))
	}
}

func TestHandleProviderEvent_UnknownMeeting(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.HandleProviderEvent(context.Background(), "zoom", &provider.WebhookResult{
		Kind:              provider.WebhookMeetingEnded,
		ProviderMeetingID: "no-such-meeting",
		RawEvent:          "meeting.ended",
	})
	if err != nil {
		t.Fatalf("unknown meeting must be swallowed, got %v", err)
	}
}

func TestMarkWaiting(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.svc.CreateConsultation(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, changed, err := env.svc.MarkWaiting(context.Background(), c.ID)
	if err != nil || !changed {
		t.Fatalf("mark waiting: changed=%v err=%v", changed, err)
	}
	_, changed, err = env.svc.MarkWaiting(context.Background(), c.ID)
	if err != nil || changed {
		t.Errorf("second mark waiting: changed=%v err=%v", changed, err)
	}
}
