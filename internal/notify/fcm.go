package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var fcmInvalidErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// FCMProvider posts to an FCM legacy-HTTP compatible gateway.
type FCMProvider struct {
	url       string
	serverKey string
	client    *http.Client
}

func NewFCMProvider(gatewayURL, serverKey string, timeout time.Duration) *FCMProvider {
	return &FCMProvider{url: gatewayURL, serverKey: serverKey, client: &http.Client{Timeout: timeout}}
}

func (p *FCMProvider) Name() string { return "fcm" }

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (p *FCMProvider) Send(ctx context.Context, token string, payload map[string]any) (SendResult, error) {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["to"] = token
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal fcm payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.serverKey != "" {
		req.Header.Set("Authorization", "key="+p.serverKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SendResult{}, fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SendResult{}, fmt.Errorf("decode fcm response: %w", err)
	}
	if out.Success > 0 {
		return SendResult{Success: true}, nil
	}
	code := ""
	if len(out.Results) > 0 {
		code = out.Results[0].Error
	}
	switch {
	case fcmInvalidErrors[code]:
		return SendResult{ErrorCode: code, TokenInvalid: true}, nil
	case code == "Unavailable" || code == "InternalServerError":
		return SendResult{}, fmt.Errorf("fcm %s", code)
	default:
		return SendResult{ErrorCode: code}, nil
	}
}
