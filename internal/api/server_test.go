package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/ratelimit"
)

type fakeMessages struct {
	err      error
	receipts []string
}

func (f *fakeMessages) EnqueueMessage(ctx context.Context, m models.Message) (string, error) {
	if m.ConversationID == "" {
		return "", models.Invalidf("conversation_id and sender_id are required")
	}
	return "m1", f.err
}

func (f *fakeMessages) EnqueueBatchMessages(ctx context.Context, msgs []models.Message) ([]string, error) {
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = "m" + string(rune('1'+i))
	}
	return ids, f.err
}

func (f *fakeMessages) EnqueueDeliveryReceipt(ctx context.Context, userID string, ids []string) (string, error) {
	f.receipts = append(f.receipts, "delivery:"+userID)
	return "job-d", f.err
}

func (f *fakeMessages) EnqueueReadReceipt(ctx context.Context, userID string, ids []string, conv string) (string, error) {
	f.receipts = append(f.receipts, "read:"+userID+":"+conv)
	return "job-r", f.err
}

func (f *fakeMessages) UnreadCount(ctx context.Context, conv, user string) (int64, error) {
	return 4, f.err
}

type fakePresence struct{}

func (fakePresence) EnqueuePresenceUpdate(ctx context.Context, userID string, online bool, conn string) (string, error) {
	if userID == "" {
		return "", models.Invalidf("user_id is required")
	}
	return "job-p", nil
}

func (fakePresence) SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error) {
	return models.PresenceRecord{UserID: userID, IsOnline: true, InvisibleMode: enabled}, nil
}

func (fakePresence) Presence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	return models.PresenceRecord{UserID: userID, IsOnline: true, InvisibleMode: true}, nil
}

type fakeNotifications struct{ triggers int }

func (f *fakeNotifications) Trigger(ctx context.Context, t models.NotificationTrigger) (string, error) {
	f.triggers++
	return "op-1", nil
}

func (f *fakeNotifications) RegisterToken(ctx context.Context, userID, token string, p models.Platform) (models.DeviceToken, error) {
	if !p.Valid() {
		return models.DeviceToken{}, models.Invalidf("unsupported platform %q", p)
	}
	return models.DeviceToken{ID: "d1", UserID: userID, Token: token, Platform: p, Active: true}, nil
}

type fakeQueues struct{}

func (fakeQueues) DeadLetters(ctx context.Context, n int64) ([]models.DeadLetter, error) {
	return []models.DeadLetter{{JobID: "j1", Queue: "receipts"}}, nil
}

func (fakeQueues) Stats(ctx context.Context) ([]models.QueueStats, int64, error) {
	return []models.QueueStats{{Queue: "messages", Ready: 3}}, 1, nil
}

func (fakeQueues) Job(ctx context.Context, id string) (models.Job, error) {
	if id != "j1" {
		return models.Job{}, queue.ErrJobNotFound
	}
	return models.Job{ID: "j1", Queue: "receipts", State: models.StateDeadLettered, AttemptsMade: 5}, nil
}

type fakeLimiter struct {
	allow int
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, appID string) (ratelimit.Decision, error) {
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	if f.allow <= 0 {
		return ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}, nil
	}
	f.allow--
	return ratelimit.Decision{Allowed: true}, nil
}

func newTestServer(msgs *fakeMessages, notes *fakeNotifications, lim Limiter) http.Handler {
	return New(msgs, fakePresence{}, notes, fakeQueues{}, lim, nil).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestEnqueueEndpoints(t *testing.T) {
	msgs := &fakeMessages{}
	h := newTestServer(msgs, &fakeNotifications{}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		key    string
	}{
		{"message", http.MethodPost, "/v1/messages", `{"conversation_id":"c1","sender_id":"u1","content":"hi"}`, http.StatusAccepted, "message_id"},
		{"message missing conversation", http.MethodPost, "/v1/messages", `{"sender_id":"u1"}`, http.StatusBadRequest, "error"},
		{"bad json", http.MethodPost, "/v1/messages", `{`, http.StatusBadRequest, "error"},
		{"batch", http.MethodPost, "/v1/messages/batch", `{"messages":[{"conversation_id":"c1"},{"conversation_id":"c1"}]}`, http.StatusAccepted, "message_ids"},
		{"delivery receipt", http.MethodPost, "/v1/receipts/delivery", `{"user_id":"u2","message_ids":["m1"]}`, http.StatusAccepted, "job_id"},
		{"read receipt", http.MethodPost, "/v1/receipts/read", `{"user_id":"u2","message_ids":["m1"],"conversation_id":"c1"}`, http.StatusAccepted, "job_id"},
		{"presence", http.MethodPost, "/v1/presence", `{"user_id":"u1","is_online":true,"connection_id":"s1"}`, http.StatusAccepted, "job_id"},
		{"presence without user", http.MethodPost, "/v1/presence", `{"is_online":true}`, http.StatusBadRequest, "error"},
		{"trigger", http.MethodPost, "/v1/notifications/trigger", `{"app_id":"a","event_key":"e","recipients":["u1"]}`, http.StatusAccepted, "operation_id"},
		{"device", http.MethodPost, "/v1/devices", `{"user_id":"u1","token":"t","platform":"ios"}`, http.StatusCreated, "token"},
		{"device bad platform", http.MethodPost, "/v1/devices", `{"user_id":"u1","token":"t","platform":"web"}`, http.StatusBadRequest, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("expected %d got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if _, ok := out[tt.key]; !ok {
				t.Fatalf("expected %q in response %v", tt.key, out)
			}
		})
	}
	if len(msgs.receipts) != 2 || msgs.receipts[1] != "read:u2:c1" {
		t.Fatalf("unexpected receipts %v", msgs.receipts)
	}
}

func TestQueueFailureIsUnavailable(t *testing.T) {
	h := newTestServer(&fakeMessages{err: errors.New("redis: connection refused")}, &fakeNotifications{}, nil)
	rec, out := do(t, h, http.MethodPost, "/v1/messages", `{"conversation_id":"c1","sender_id":"u1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if strings.Contains(out["error"].(string), "redis") {
		t.Fatalf("internal error leaked: %v", out)
	}
}

func TestTriggerRateLimitedPerApp(t *testing.T) {
	notes := &fakeNotifications{}
	h := newTestServer(&fakeMessages{}, notes, &fakeLimiter{allow: 1})
	body := `{"app_id":"a","event_key":"e","recipients":["u1"]}`

	if rec, _ := do(t, h, http.MethodPost, "/v1/notifications/trigger", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected first trigger accepted, got %d", rec.Code)
	}
	rec, _ := do(t, h, http.MethodPost, "/v1/notifications/trigger", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if notes.triggers != 1 {
		t.Fatalf("rejected trigger must not be enqueued, got %d", notes.triggers)
	}
}

func TestTriggerLimiterFailsOpen(t *testing.T) {
	notes := &fakeNotifications{}
	h := newTestServer(&fakeMessages{}, notes, &fakeLimiter{err: errors.New("redis down")})
	rec, _ := do(t, h, http.MethodPost, "/v1/notifications/trigger", `{"app_id":"a","event_key":"e","recipients":["u1"]}`)
	if rec.Code != http.StatusAccepted || notes.triggers != 1 {
		t.Fatalf("expected trigger accepted, code=%d triggers=%d", rec.Code, notes.triggers)
	}
}

func TestReadEndpoints(t *testing.T) {
	h := newTestServer(&fakeMessages{}, &fakeNotifications{}, nil)

	rec, out := do(t, h, http.MethodGet, "/v1/presence/u1", "")
	if rec.Code != http.StatusOK || out["visible_online"] != false {
		t.Fatalf("invisible user must not look online: %d %v", rec.Code, out)
	}
	rec, out = do(t, h, http.MethodPut, "/v1/presence/u1/invisible", `{"enabled":true}`)
	if rec.Code != http.StatusOK || out["invisible_mode"] != true {
		t.Fatalf("unexpected invisible response %d %v", rec.Code, out)
	}
	rec, out = do(t, h, http.MethodGet, "/v1/conversations/c1/unread/u2", "")
	if rec.Code != http.StatusOK || out["unread_count"] != float64(4) {
		t.Fatalf("unexpected unread response %d %v", rec.Code, out)
	}
	rec, out = do(t, h, http.MethodGet, "/v1/dlq?limit=10", "")
	if rec.Code != http.StatusOK || len(out["items"].([]any)) != 1 {
		t.Fatalf("unexpected dlq response %d %v", rec.Code, out)
	}
	if rec, _ := do(t, h, http.MethodGet, "/v1/dlq?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	rec, out = do(t, h, http.MethodGet, "/v1/queues/stats", "")
	if rec.Code != http.StatusOK || out["dlq"] != float64(1) {
		t.Fatalf("unexpected stats response %d %v", rec.Code, out)
	}
	rec, out = do(t, h, http.MethodGet, "/v1/jobs/j1", "")
	if rec.Code != http.StatusOK || out["state"] != string(models.StateDeadLettered) {
		t.Fatalf("unexpected job response %d %v", rec.Code, out)
	}
	if rec, _ := do(t, h, http.MethodGet, "/v1/jobs/gone", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}
