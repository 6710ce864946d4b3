// Package hostapi wraps the meeting-hosting service's REST API: the external
// collaborator that actually places bots into meetings and later ejects them.
package hostapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

const apiKeyHeader = "x-meeting-baas-api-key"

// Client wraps the meeting host's bot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// CreateBotRequest is the request body for POST /bots.
type CreateBotRequest struct {
	MeetingURL       string         `json:"meeting_url"`
	BotName          string         `json:"bot_name"`
	WebSocketURL     string         `json:"websocket_url"`
	BotImage         string         `json:"bot_image,omitempty"`
	EntryMessage     string         `json:"entry_message,omitempty"`
	RecorderOnly     bool           `json:"recorder_only"`
	SpeechToTextOnly bool           `json:"speech_to_text,omitempty"`
	AudioFrequency   string         `json:"streaming_audio_frequency,omitempty"`
	DeduplicationKey string         `json:"deduplication_key,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`

	// APIKey goes into the auth header, never the body.
	APIKey string `json:"-"`
}

type createBotResponse struct {
	BotID string `json:"bot_id"`
}

// NewClient creates a host API client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.meetingbaas.com"
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateBot asks the host to place a bot into a meeting and returns the
// host-assigned bot id.
func (c *Client) CreateBot(ctx context.Context, req CreateBotRequest) (string, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("hostapi: marshal create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bots", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("hostapi: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("hostapi: create bot: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hostapi: read create response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("hostapi: create bot: status %d: %s", resp.StatusCode, respBody)
	}

	var created createBotResponse
	if err := sonic.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("hostapi: decode create response: %w", err)
	}
	if created.BotID == "" {
		return "", fmt.Errorf("hostapi: create bot: empty bot_id in response")
	}
	return created.BotID, nil
}

// LeaveBot asks the host to remove a bot from its meeting.
func (c *Client) LeaveBot(ctx context.Context, botID, apiKey string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/bots/"+botID, nil)
	if err != nil {
		return fmt.Errorf("hostapi: leave request: %w", err)
	}
	httpReq.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("hostapi: leave bot %s: %w", botID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hostapi: leave bot %s: status %d", botID, resp.StatusCode)
	}
	return nil
}
