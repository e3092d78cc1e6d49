package notify

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
)

// SendResult is what a push provider reports for one token. A transport failure is
// returned as an error instead.
type SendResult struct {
	Success   bool
	ErrorCode string
	// TokenInvalid is set when the provider says the token will never work again.
	TokenInvalid bool
}

// Provider delivers a normalized payload to one device token.
type Provider interface {
	Name() string
	Send(ctx context.Context, token string, payload map[string]any) (SendResult, error)
}

// Notification is the platform-neutral content of a push.
type Notification struct {
	Title string
	Body  string
	Data  map[string]any
}

// normalize shapes the payload for the platform: iOS gets the aps badge/sound wrapper,
// Android gets click action, priority and ttl.
func normalize(p models.Platform, n Notification, cfg config.NotifyConfig) map[string]any {
	sound := cfg.DefaultSound
	if s, ok := n.Data["sound"].(string); ok && s != "" {
		sound = s
	}
	switch p {
	case models.PlatformIOS:
		badge := 1
		switch b := n.Data["badge"].(type) {
		case int:
			badge = b
		case float64:
			badge = int(b)
		}
		out := map[string]any{
			"aps": map[string]any{
				"alert": map[string]any{"title": n.Title, "body": n.Body},
				"badge": badge,
				"sound": sound,
			},
		}
		if len(n.Data) > 0 {
			out["data"] = n.Data
		}
		return out
	default:
		data := make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			data[k] = stringify(v)
		}
		return map[string]any{
			"notification": map[string]any{
				"title":        n.Title,
				"body":         n.Body,
				"sound":        sound,
				"click_action": cfg.AndroidClickAction,
			},
			"data":         data,
			"priority":     "high",
			"time_to_live": int(cfg.AndroidTTL.Seconds()),
		}
	}
}

// FCM data values must be strings.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// LogProvider accepts every send and logs it. It stands in for a platform without a
// configured gateway.
type LogProvider struct {
	platform models.Platform
	log      *zap.Logger
}

func NewLogProvider(platform models.Platform, log *zap.Logger) *LogProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProvider{platform: platform, log: log}
}

func (p *LogProvider) Name() string { return "log:" + string(p.platform) }

func (p *LogProvider) Send(ctx context.Context, token string, payload map[string]any) (SendResult, error) {
	p.log.Info("push notification (log provider)", zap.String("platform", string(p.platform)), zap.String("token", maskToken(token)), zap.Any("payload", payload))
	return SendResult{Success: true}, nil
}

// Providers builds the provider per platform from configuration, falling back to the
// log provider when a gateway URL is not set.
func Providers(cfg config.NotifyConfig, log *zap.Logger) map[models.Platform]Provider {
	out := map[models.Platform]Provider{
		models.PlatformIOS:     NewLogProvider(models.PlatformIOS, log),
		models.PlatformAndroid: NewLogProvider(models.PlatformAndroid, log),
	}
	if cfg.APNSGatewayURL != "" {
		out[models.PlatformIOS] = NewAPNSProvider(cfg.APNSGatewayURL, cfg.APNSTopic, cfg.ProviderTimeout)
	}
	if cfg.FCMGatewayURL != "" {
		out[models.PlatformAndroid] = NewFCMProvider(cfg.FCMGatewayURL, cfg.FCMServerKey, cfg.ProviderTimeout)
	}
	return out
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
