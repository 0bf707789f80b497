package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ZoomConfig holds server-to-server OAuth credentials for the Zoom API.
type ZoomConfig struct {
	AccountID     string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	// BaseURL and OAuthURL are overridable for tests.
	BaseURL  string
	OAuthURL string
}

// Zoom is a hosted backend using server-to-server OAuth. Access tokens are
// cached until shortly before expiry and refreshed lazily; a request that
// still comes back 401 is retried exactly once with a fresh token.
type Zoom struct {
	cfg    ZoomConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewZoom(cfg ZoomConfig) *Zoom {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.zoom.us/v2"
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = "https://zoom.us/oauth/token"
	}
	return &Zoom{
		cfg:    cfg,
		client: &http.Client{Timeout: interactiveTimeout},
	}
}

func (z *Zoom) Name() string { return "zoom" }

func (z *Zoom) Capabilities() Capabilities {
	return Capabilities{
		Recording:             true,
		ScreenShare:           true,
		WaitingRoom:           true,
		Webhooks:              true,
		Authentication:        true,
		ParticipantManagement: true,
	}
}

// token returns a cached access token, fetching a new one when the cache is
// empty or about to expire.
func (z *Zoom) token(ctx context.Context) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.accessToken != "" && time.Until(z.tokenExpiry) > time.Minute {
		return z.accessToken, nil
	}
	return z.refreshTokenLocked(ctx)
}

// invalidateAndRefresh drops the cached token and fetches a fresh one. Used
// once after a 401 response.
func (z *Zoom) invalidateAndRefresh(ctx context.Context) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.accessToken = ""
	return z.refreshTokenLocked(ctx)
}

func (z *Zoom) refreshTokenLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "account_credentials")
	form.Set("account_id", z.cfg.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.cfg.OAuthURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(z.cfg.ClientID + ":" + z.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := z.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("zoom oauth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("zoom oauth returned status %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode zoom token: %w", err)
	}

	z.accessToken = tok.AccessToken
	z.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return z.accessToken, nil
}

// doAPI performs an authenticated API call with a single retry on 401.
func (z *Zoom) doAPI(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	token, err := z.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := z.doOnce(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = z.invalidateAndRefresh(ctx)
		if err != nil {
			return nil, err
		}
		return z.doOnce(ctx, method, path, body, token)
	}
	return resp, nil
}

func (z *Zoom) doOnce(ctx context.Context, method, path string, body interface{}, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, z.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := z.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zoom api %s %s: %w", method, path, err)
	}
	return resp, nil
}

type zoomMeetingResponse struct {
	ID       int64  `json:"id"`
	JoinURL  string `json:"join_url"`
	StartURL string `json:"start_url"`
	Password string `json:"password"`
}

func (z *Zoom) CreateMeeting(ctx context.Context, m Meeting) (*MeetingInfo, error) {
	payload := map[string]interface{}{
		"topic":      m.Topic,
		"type":       2, // scheduled meeting
		"start_time": m.ScheduledStart.UTC().Format("2006-01-02T15:04:05Z"),
		"duration":   m.DurationMinutes,
		"settings": map[string]interface{}{
			"waiting_room":     true,
			"join_before_host": false,
			"auto_recording":   zoomAutoRecording(m.RecordingEnabled),
		},
	}

	resp, err := z.doAPI(ctx, http.MethodPost, "/users/me/meetings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("zoom create meeting returned status %d: %s", resp.StatusCode, body)
	}

	var meeting zoomMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&meeting); err != nil {
		return nil, fmt.Errorf("decode zoom meeting: %w", err)
	}

	return &MeetingInfo{
		ProviderMeetingID: fmt.Sprintf("%d", meeting.ID),
		JoinURL:           meeting.JoinURL,
		HostURL:           meeting.StartURL,
		Password:          meeting.Password,
	}, nil
}

func (z *Zoom) GetMeetingInfo(ctx context.Context, providerMeetingID string) (*MeetingInfo, error) {
	resp, err := z.doAPI(ctx, http.MethodGet, "/meetings/"+providerMeetingID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zoom get meeting returned status %d", resp.StatusCode)
	}

	var meeting zoomMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&meeting); err != nil {
		return nil, fmt.Errorf("decode zoom meeting: %w", err)
	}
	return &MeetingInfo{
		ProviderMeetingID: providerMeetingID,
		JoinURL:           meeting.JoinURL,
		HostURL:           meeting.StartURL,
		Password:          meeting.Password,
	}, nil
}

func (z *Zoom) DeleteMeeting(ctx context.Context, providerMeetingID string) error {
	resp, err := z.doAPI(ctx, http.MethodDelete, "/meetings/"+providerMeetingID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("zoom delete meeting returned status %d", resp.StatusCode)
	}
	return nil
}

func (z *Zoom) ValidateWebhook(payload []byte, signature string) bool {
	if z.cfg.WebhookSecret == "" {
		return false
	}
	return VerifySignature(payload, z.cfg.WebhookSecret, signature)
}

type zoomWebhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Object struct {
			ID             json.Number `json:"id"`
			EndTime        time.Time   `json:"end_time"`
			StartTime      time.Time   `json:"start_time"`
			RecordingFiles []struct {
				ID             string    `json:"id"`
				DownloadURL    string    `json:"download_url"`
				FileSize       int64     `json:"file_size"`
				RecordingStart time.Time `json:"recording_start"`
				RecordingEnd   time.Time `json:"recording_end"`
				RecordingType  string    `json:"recording_type"`
			} `json:"recording_files"`
		} `json:"object"`
	} `json:"payload"`
}

// HandleWebhook maps the Zoom event vocabulary onto internal effects. Events
// outside the known set are reported as ignored, never as errors: the
// ingestion path must stay available regardless of what Zoom sends.
func (z *Zoom) HandleWebhook(payload []byte) (*WebhookResult, error) {
	var wh zoomWebhookPayload
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode zoom webhook: %w", err)
	}

	result := &WebhookResult{
		ProviderMeetingID: wh.Payload.Object.ID.String(),
		RawEvent:          wh.Event,
		OccurredAt:        time.Now().UTC(),
	}

	switch wh.Event {
	case "meeting.started":
		result.Kind = WebhookMeetingStarted
		if !wh.Payload.Object.StartTime.IsZero() {
			result.OccurredAt = wh.Payload.Object.StartTime
		}
	case "meeting.ended":
		result.Kind = WebhookMeetingEnded
		if !wh.Payload.Object.EndTime.IsZero() {
			result.OccurredAt = wh.Payload.Object.EndTime
		}
	case "recording.completed":
		result.Kind = WebhookRecordingReady
		for _, f := range wh.Payload.Object.RecordingFiles {
			duration := int(f.RecordingEnd.Sub(f.RecordingStart).Seconds())
			result.Recordings = append(result.Recordings, RecordingFile{
				SegmentID:       f.ID,
				DownloadURL:     f.DownloadURL,
				FileSizeBytes:   f.FileSize,
				DurationSeconds: duration,
				StartedAt:       f.RecordingStart,
				EndedAt:         f.RecordingEnd,
				Quality:         f.RecordingType,
			})
		}
	default:
		result.Kind = WebhookIgnored
	}
	return result, nil
}

func (z *Zoom) StartRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error) {
	return z.recordingControl(ctx, providerMeetingID, "recording.start", RecordingStarted)
}

func (z *Zoom) StopRecording(ctx context.Context, providerMeetingID string) (RecordingAction, error) {
	return z.recordingControl(ctx, providerMeetingID, "recording.stop", RecordingStopped)
}

func (z *Zoom) recordingControl(ctx context.Context, meetingID, method string, ok RecordingAction) (RecordingAction, error) {
	payload := map[string]string{"method": method}
	resp, err := z.doAPI(ctx, http.MethodPatch, "/live_meetings/"+meetingID+"/events", payload)
	if err != nil {
		return ok, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ok, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return ok, fmt.Errorf("zoom %s returned status %d", method, resp.StatusCode)
	}
	return ok, nil
}

// DeleteRecording trashes one cloud recording file. The meeting object is
// never touched here.
func (z *Zoom) DeleteRecording(ctx context.Context, providerMeetingID, segmentID string) (RecordingAction, error) {
	resp, err := z.doAPI(ctx, http.MethodDelete,
		"/meetings/"+providerMeetingID+"/recordings/"+segmentID+"?action=trash", nil)
	if err != nil {
		return RecordingDeleted, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RecordingDeleted, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return RecordingDeleted, fmt.Errorf("zoom delete recording returned status %d", resp.StatusCode)
	}
	return RecordingDeleted, nil
}

func (z *Zoom) ParticipantCount(ctx context.Context, providerMeetingID string) (int, bool, error) {
	resp, err := z.doAPI(ctx, http.MethodGet, "/metrics/meetings/"+providerMeetingID+"/participants", nil)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, true, ErrMeetingNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, true, fmt.Errorf("zoom participant metrics returned status %d", resp.StatusCode)
	}

	var metrics struct {
		TotalRecords int `json:"total_records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return 0, true, fmt.Errorf("decode zoom participants: %w", err)
	}
	return metrics.TotalRecords, true, nil
}

func zoomAutoRecording(enabled bool) string {
	if enabled {
		return "cloud"
	}
	return "none"
}
