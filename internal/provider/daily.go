package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DailyConfig holds credentials for the Daily REST API.
type DailyConfig struct {
	APIKey        string
	WebhookSecret string
	// Domain is the Daily subdomain used to build join URLs.
	Domain string
	// BaseURL is overridable for tests.
	BaseURL string
}

// Daily is a hosted backend authenticated with a static bearer token. Rooms
// are created up front with an expiry; recording runs in Daily's cloud.
type Daily struct {
	cfg    DailyConfig
	client *http.Client
}

func NewDaily(cfg DailyConfig) *Daily {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.daily.co/v1"
	}
	return &Daily{
		cfg:    cfg,
		client: &http.Client{Timeout: interactiveTimeout},
	}
}

func (d *Daily) Name() string { return "daily" }

func (d *Daily) Capabilities() Capabilities {
	return Capabilities{
		Recording:             true,
		ScreenShare:           true,
		WaitingRoom:           true,
		Webhooks:              true,
		Authentication:        true,
		ParticipantManagement: true,
	}
}

func (d *Daily) doAPI(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daily api %s %s: %w", method, path, err)
	}
	return resp, nil
}

type dailyRoomResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (d *Daily) CreateMeeting(ctx context.Context, m Meeting) (*MeetingInfo, error) {
	expiry := m.ScheduledStart.Add(time.Duration(m.DurationMinutes+120) * time.Minute)
	payload := map[string]interface{}{
		"name":    fmt.Sprintf("telemed-%s", m.ConsultationID),
		"privacy": "private",
		"properties": map[string]interface{}{
			"exp":                  expiry.Unix(),
			"enable_screenshare":   true,
			"enable_chat":          false, // chat is relayed through the signaling hub
			"enable_knocking":      true,
			"enable_recording":     dailyRecordingMode(m.RecordingEnabled),
			"max_participants":     m.MaxParticipants,
			"eject_at_room_exp":    true,
		},
	}

	resp, err := d.doAPI(ctx, http.MethodPost, "/rooms", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("daily create room returned status %d: %s", resp.StatusCode, body)
	}

	var room dailyRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, fmt.Errorf("decode daily room: %w", err)
	}

	return &MeetingInfo{
		ProviderMeetingID: room.Name,
		JoinURL:           room.URL,
		HostURL:           room.URL,
		ExpiresAt:         &expiry,
	}, nil
}

func (d *Daily) GetMeetingInfo(ctx context.Context, providerMeetingID string) (*MeetingInfo, error) {
	resp, err := d.doAPI(ctx, http.MethodGet, "/rooms/"+providerMeetingID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daily get room returned status %d", resp.StatusCode)
	}

	var room dailyRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, fmt.Errorf("decode daily room: %w", err)
	}
	return &MeetingInfo{
		ProviderMeetingID: room.Name,
		JoinURL:           room.URL,
		HostURL:           room.URL,
	}, nil
}

func (d *Daily) DeleteMeeting(ctx context.Context, providerMeetingID string) error {
	resp, err := d.doAPI(ctx, http.MethodDelete, "/rooms/"+providerMeetingID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daily delete room returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Daily) ValidateWebhook(payload []byte, signature string) bool {
	if d.cfg.WebhookSecret == "" {
		return false
	}
	return VerifySignature(payload, d.cfg.WebhookSecret, signature)
}

type dailyWebhookPayload struct {
	Type    string `json:"type"`
	Payload struct {
		Room        string  `json:"room"`
		RecordingID string  `json:"recording_id"`
		DownloadURL string  `json:"download_link"`
		Duration    float64 `json:"duration"`
		StartTS     int64   `json:"start_ts"`
	} `json:"payload"`
}

func (d *Daily) HandleWebhook(payload []byte) (*WebhookResult, error) {
	var wh dailyWebhookPayload
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode daily webhook: %w", err)
	}

	result := &WebhookResult{
		ProviderMeetingID: wh.Payload.Room,
		RawEvent:          wh.Type,
		OccurredAt:        time.Now().UTC(),
	}
	if wh.Payload.StartTS > 0 {
		result.OccurredAt = time.Unix(wh.Payload.StartTS, 0).UTC()
	}

	switch wh.Type {
	case "meeting.started":
		result.Kind = WebhookMeetingStarted
	case "meeting.ended":
		result.Kind = WebhookMeetingEnded
	case "recording.ready-to-download":
		result.Kind = WebhookRecordingReady
		started := result.OccurredAt
		ended := started.Add(time.Duration(wh.Payload.Duration * float64(time.Second)))
		result.Recordings = []RecordingFile{{
			SegmentID:       wh.Payload.RecordingID,
			DownloadURL:     wh.Payload.DownloadURL,
			DurationSeconds: int(wh.Payload.Duration),
			StartedAt:       started,
			EndedAt:         ended,
		}}
	default:
		result.Kind = WebhookIgnored
	}
	return result, nil
}

func (d *Daily) StartRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error) {
	return d.recordingControl(ctx, providerMeetingID, "start", RecordingStarted)
}

func (d *Daily) StopRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error) {
	return d.recordingControl(ctx, providerMeetingID, "stop", RecordingStopped)
}

func (d *Daily) recordingControl(ctx context.Context, room, action string, ok RecordingAction) (RecordingAction, error) {
	resp, err := d.doAPI(ctx, http.MethodPost, "/rooms/"+room+"/recordings/"+action, nil)
	if err != nil {
		return ok, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ok, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return ok, fmt.Errorf("daily recording %s returned status %d", action, resp.StatusCode)
	}
	return ok, nil
}

// DeleteRecording removes one stored recording; Daily keys recordings by
// their own identifier, so the room name goes unused.
func (d *Daily) DeleteRecording(ctx context.Context, _, segmentID string) (RecordingAction, error) {
	resp, err := d.doAPI(ctx, http.MethodDelete, "/recordings/"+segmentID, nil)
	if err != nil {
		return RecordingDeleted, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RecordingDeleted, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return RecordingDeleted, fmt.Errorf("daily delete recording returned status %d", resp.StatusCode)
	}
	return RecordingDeleted, nil
}

func (d *Daily) ParticipantCount(ctx context.Context, providerMeetingID string) (int, bool, error) {
	resp, err := d.doAPI(ctx, http.MethodGet, "/rooms/"+providerMeetingID+"/presence", nil)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, true, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, true, fmt.Errorf("daily presence returned status %d", resp.StatusCode)
	}

	var presence struct {
		TotalCount int `json:"total_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
		return 0, true, fmt.Errorf("decode daily presence: %w", err)
	}
	return presence.TotalCount, true, nil
}

func dailyRecordingMode(enabled bool) string {
	if enabled {
		return "cloud"
	}
	return ""
}
