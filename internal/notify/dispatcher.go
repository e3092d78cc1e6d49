package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat-delivery-pipeline/internal/breaker"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/telemetry"
	"chat-delivery-pipeline/internal/worker"
)

const NotificationQueue = "notifications"

const fanoutConcurrency = 8

// Reason explains an undelivered push.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTokenInvalid  Reason = "token_invalid"
	ReasonProviderError Reason = "provider_error"
)

// DeliveryResult is the outcome of one send. An invalid token is an expected outcome,
// not an error.
type DeliveryResult struct {
	Delivered bool
	Reason    Reason
	Err       error
}

// FanoutReport summarizes a multi-recipient dispatch. A recipient counts as succeeded
// when at least one of its devices accepted the push.
type FanoutReport struct {
	Succeeded   []string
	Failed      []string
	NoDevice    []string
	Deactivated int
	// Retryable are the failed recipients whose failure was transient.
	Retryable []string
	LastErr   error
}

// Store is the device-token and audit side of notifications.
type Store interface {
	ActiveDeviceTokens(ctx context.Context, userIDs []string) ([]models.DeviceToken, error)
	DeactivateToken(ctx context.Context, token string) (bool, error)
	TouchToken(ctx context.Context, id string, at time.Time) error
	UpsertDeviceToken(ctx context.Context, userID, token string, platform models.Platform) (models.DeviceToken, error)
	DeactivateUnusedTokens(ctx context.Context, cutoff time.Time) (int64, error)
	AppendNotificationAudit(ctx context.Context, a models.NotificationAudit) error
}

type guardedProvider struct {
	provider Provider
	breaker  *breaker.Breaker
	limiter  *rate.Limiter
}

// Dispatcher fans notification operations out to device tokens through per-platform
// providers, each behind its own circuit breaker and rate limiter.
type Dispatcher struct {
	runtime   *worker.Runtime
	store     Store
	providers map[models.Platform]*guardedProvider
	cfg       config.NotifyConfig
	backoff   models.BackoffPolicy
	log       *zap.Logger
	now       func() time.Time
}

func NewDispatcher(rt *worker.Runtime, store Store, providers map[models.Platform]Provider, cfg config.NotifyConfig, breakerCfg config.BreakerConfig, backoff models.BackoffPolicy, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.ProviderRatePerSec > 0 {
		limit = rate.Limit(cfg.ProviderRatePerSec)
	}
	burst := cfg.ProviderBurst
	if burst <= 0 {
		burst = 1
	}
	guarded := make(map[models.Platform]*guardedProvider, len(providers))
	for platform, p := range providers {
		guarded[platform] = &guardedProvider{
			provider: p,
			breaker:  breaker.New("push:"+string(platform), breakerCfg, log),
			limiter:  rate.NewLimiter(limit, burst),
		}
	}
	return &Dispatcher{
		runtime:   rt,
		store:     store,
		providers: guarded,
		cfg:       cfg,
		backoff:   backoff,
		log:       log.With(zap.String("component", "notification_dispatcher")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Trigger validates a trigger and enqueues it as one operation. It returns the operation id.
func (d *Dispatcher) Trigger(ctx context.Context, t models.NotificationTrigger) (string, error) {
	if t.AppID == "" || t.EventKey == "" {
		return "", models.Invalidf("app_id and event_key are required")
	}
	recipients := dedupe(t.Recipients)
	if len(recipients) == 0 {
		return "", models.Invalidf("at least one recipient is required")
	}
	op := models.NotificationOperation{
		OperationID:     uuid.NewString(),
		AppID:           t.AppID,
		EventKey:        t.EventKey,
		Recipients:      recipients,
		Data:            t.Data,
		BusinessContext: t.BusinessContext,
		CreatedAt:       d.now(),
	}
	_, err := d.runtime.Enqueue(ctx, NotificationQueue, op, worker.EnqueueOptions{
		JobID:       op.OperationID,
		MaxAttempts: d.cfg.MaxAttempts,
		Backoff:     d.backoff,
	})
	if err != nil {
		return "", err
	}
	return op.OperationID, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// SendNotification normalizes the content for the device's platform and sends it.
// A token the provider rejects as invalid is deactivated.
func (d *Dispatcher) SendNotification(ctx context.Context, device models.DeviceToken, n Notification) DeliveryResult {
	gp, ok := d.providers[device.Platform]
	if !ok {
		return DeliveryResult{Reason: ReasonProviderError, Err: fmt.Errorf("no provider for platform %q", device.Platform)}
	}
	platform := string(device.Platform)
	if err := gp.limiter.Wait(ctx); err != nil {
		return DeliveryResult{Reason: ReasonProviderError, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	payload := normalize(device.Platform, n, d.cfg)
	var res SendResult
	err := gp.breaker.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		res, sendErr = gp.provider.Send(ctx, device.Token, payload)
		return sendErr
	})
	switch {
	case err != nil:
		telemetry.Notifications.WithLabelValues(platform, "error").Inc()
		return DeliveryResult{Reason: ReasonProviderError, Err: err}
	case res.TokenInvalid:
		telemetry.Notifications.WithLabelValues(platform, "token_invalid").Inc()
		d.deactivate(ctx, device, res.ErrorCode)
		return DeliveryResult{Reason: ReasonTokenInvalid}
	case !res.Success:
		telemetry.Notifications.WithLabelValues(platform, "rejected").Inc()
		return DeliveryResult{Reason: ReasonProviderError, Err: fmt.Errorf("%s rejected push: %s", gp.provider.Name(), res.ErrorCode)}
	}
	telemetry.Notifications.WithLabelValues(platform, "delivered").Inc()
	if err := d.store.TouchToken(ctx, device.ID, d.now()); err != nil {
		d.log.Warn("stamp token last use", zap.String("device_id", device.ID), zap.Error(err))
	}
	return DeliveryResult{Delivered: true}
}

func (d *Dispatcher) deactivate(ctx context.Context, device models.DeviceToken, code string) {
	changed, err := d.store.DeactivateToken(ctx, device.Token)
	if err != nil {
		d.log.Error("deactivate invalid token", zap.String("device_id", device.ID), zap.Error(err))
		return
	}
	if changed {
		telemetry.TokensDeactivated.WithLabelValues("invalid").Inc()
		d.log.Info("device token revoked",
			zap.String("device_id", device.ID),
			zap.String("user_id", device.UserID),
			zap.String("platform", string(device.Platform)),
			zap.String("provider_code", code))
	}
}

// Dispatch sends the operation to every active device of every recipient. Recipients
// are independent; one failing never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, op models.NotificationOperation) (FanoutReport, error) {
	devices, err := d.store.ActiveDeviceTokens(ctx, op.Recipients)
	if err != nil {
		return FanoutReport{}, fmt.Errorf("load device tokens: %w", err)
	}
	byUser := make(map[string][]models.DeviceToken, len(op.Recipients))
	for _, dev := range devices {
		byUser[dev.UserID] = append(byUser[dev.UserID], dev)
	}
	n := content(op)

	var (
		mu     sync.Mutex
		report FanoutReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutConcurrency)
	for _, recipient := range op.Recipients {
		recipient := recipient
		devs := byUser[recipient]
		if len(devs) == 0 {
			report.NoDevice = append(report.NoDevice, recipient)
			continue
		}
		g.Go(func() error {
			delivered, transient, invalid := false, false, 0
			var lastErr error
			for _, dev := range devs {
				res := d.SendNotification(gctx, dev, n)
				switch {
				case res.Delivered:
					delivered = true
				case res.Reason == ReasonTokenInvalid:
					invalid++
				default:
					transient = true
					lastErr = res.Err
				}
			}
			mu.Lock()
			defer mu.Unlock()
			report.Deactivated += invalid
			switch {
			case delivered:
				report.Succeeded = append(report.Succeeded, recipient)
			default:
				report.Failed = append(report.Failed, recipient)
				if transient {
					report.Retryable = append(report.Retryable, recipient)
					report.LastErr = lastErr
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Succeeded)
	sort.Strings(report.Failed)
	sort.Strings(report.Retryable)
	return report, nil
}

func content(op models.NotificationOperation) Notification {
	n := Notification{Title: op.EventKey, Data: make(map[string]any, len(op.Data)+2)}
	for k, v := range op.Data {
		switch k {
		case "title":
			if s, ok := v.(string); ok {
				n.Title = s
				continue
			}
		case "body":
			if s, ok := v.(string); ok {
				n.Body = s
				continue
			}
		}
		n.Data[k] = v
	}
	n.Data["event_key"] = op.EventKey
	n.Data["operation_id"] = op.OperationID
	return n
}

func (d *Dispatcher) handleOperation(ctx context.Context, job models.Job) error {
	var op models.NotificationOperation
	if err := worker.Decode(job.Payload, &op); err != nil {
		return err
	}
	if op.OperationID == "" || len(op.Recipients) == 0 {
		return worker.Permanentf("notification job %s has no operation id or recipients", job.ID)
	}
	report, err := d.Dispatch(ctx, op)
	if err != nil {
		return err
	}

	audit := models.NotificationAudit{
		OperationID: op.OperationID,
		AppID:       op.AppID,
		EventKey:    op.EventKey,
		Attempt:     job.AttemptsMade + 1,
		Succeeded:   len(report.Succeeded),
		Failed:      len(report.Failed),
		Deactivated: report.Deactivated,
		RecordedAt:  d.now(),
	}
	if len(report.NoDevice) > 0 {
		audit.Detail = "no active device: " + strings.Join(report.NoDevice, ",")
	}
	if err := d.store.AppendNotificationAudit(ctx, audit); err != nil {
		d.log.Warn("write notification audit", zap.String("operation_id", op.OperationID), zap.Error(err))
	}
	d.log.Info("notification fan-out",
		zap.String("operation_id", op.OperationID),
		zap.String("event_key", op.EventKey),
		zap.Int("attempt", audit.Attempt),
		zap.Int("succeeded", audit.Succeeded),
		zap.Int("failed", audit.Failed),
		zap.Int("deactivated", audit.Deactivated))

	if len(report.Retryable) > 0 {
		op.Recipients = report.Retryable
		return worker.RetryWith(op, fmt.Errorf("%d recipients failed transiently: %w", len(report.Retryable), report.LastErr))
	}
	return nil
}

// RegisterToken stores a device token; registering a revoked token reactivates it.
func (d *Dispatcher) RegisterToken(ctx context.Context, userID, token string, platform models.Platform) (models.DeviceToken, error) {
	if userID == "" || token == "" {
		return models.DeviceToken{}, models.Invalidf("user_id and token are required")
	}
	if !platform.Valid() {
		return models.DeviceToken{}, models.Invalidf("unsupported platform %q", platform)
	}
	return d.store.UpsertDeviceToken(ctx, userID, token, platform)
}

// CleanupStaleTokens deactivates tokens unused for the idle window.
func (d *Dispatcher) CleanupStaleTokens(ctx context.Context) (int64, error) {
	n, err := d.store.DeactivateUnusedTokens(ctx, d.now().Add(-d.cfg.TokenIdleWindow))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.TokensDeactivated.WithLabelValues("idle").Add(float64(n))
		d.log.Info("idle device tokens deactivated", zap.Int64("count", n), zap.Duration("idle_window", d.cfg.TokenIdleWindow))
	}
	return n, nil
}

// Register binds the notification consumer to the runtime.
func (d *Dispatcher) Register() *worker.Consumer {
	return d.runtime.Process(NotificationQueue, d.handleOperation, worker.Policy{PollInterval: d.cfg.PollInterval})
}
