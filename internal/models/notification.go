package models

import "time"

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a supported device platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// DeviceToken is a push registration. Tokens are deactivated, never deleted.
type DeviceToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Token      string     `json:"token"`
	Platform   Platform   `json:"platform"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NotificationTrigger is what the API layer hands to the dispatcher.
type NotificationTrigger struct {
	AppID           string         `json:"app_id"`
	EventKey        string         `json:"event_key"`
	Recipients      []string       `json:"recipients"`
	Data            map[string]any `json:"data,omitempty"`
	BusinessContext map[string]any `json:"business_context,omitempty"`
}

// NotificationOperation is a trigger accepted for dispatch.
type NotificationOperation struct {
	OperationID     string         `json:"operation_id"`
	AppID           string         `json:"app_id"`
	EventKey        string         `json:"event_key"`
	Recipients      []string       `json:"recipients"`
	Data            map[string]any `json:"data,omitempty"`
	BusinessContext map[string]any `json:"business_context,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NotificationAudit is the persisted outcome of one dispatch attempt.
type NotificationAudit struct {
	OperationID string    `json:"operation_id"`
	AppID       string    `json:"app_id"`
	EventKey    string    `json:"event_key"`
	Attempt     int       `json:"attempt"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Deactivated int       `json:"deactivated"`
	Detail      string    `json:"detail"`
	RecordedAt  time.Time `json:"recorded_at"`
}
