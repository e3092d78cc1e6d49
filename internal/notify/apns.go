package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Reasons the APNs gateway uses for a token that will never accept pushes again.
var apnsInvalidReasons = map[string]bool{
	"BadDeviceToken":         true,
	"Unregistered":           true,
	"DeviceTokenNotForTopic": true,
	"ExpiredToken":           true,
}

// APNSProvider posts to an APNs-compatible HTTP gateway.
type APNSProvider struct {
	baseURL string
	topic   string
	client  *http.Client
}

func NewAPNSProvider(baseURL, topic string, timeout time.Duration) *APNSProvider {
	return &APNSProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		topic:   topic,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *APNSProvider) Name() string { return "apns" }

func (p *APNSProvider) Send(ctx context.Context, token string, payload map[string]any) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal apns payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/3/device/"+url.PathEscape(token), bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-push-type", "alert")
	if p.topic != "" {
		req.Header.Set("apns-topic", p.topic)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return SendResult{Success: true}, nil
	}
	var apnsErr struct {
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apnsErr)

	if resp.StatusCode == http.StatusGone || apnsInvalidReasons[apnsErr.Reason] {
		return SendResult{ErrorCode: apnsErr.Reason, TokenInvalid: true}, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return SendResult{}, fmt.Errorf("apns status %d: %s", resp.StatusCode, apnsErr.Reason)
	}
	return SendResult{ErrorCode: apnsErr.Reason}, nil
}
