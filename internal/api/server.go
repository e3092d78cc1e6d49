package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/ratelimit"
	"chat-delivery-pipeline/internal/telemetry"
)

// MessageService is the messaging surface used by the handlers.
type MessageService interface {
	EnqueueMessage(ctx context.Context, m models.Message) (string, error)
	EnqueueBatchMessages(ctx context.Context, msgs []models.Message) ([]string, error)
	EnqueueDeliveryReceipt(ctx context.Context, userID string, messageIDs []string) (string, error)
	EnqueueReadReceipt(ctx context.Context, userID string, messageIDs []string, conversationID string) (string, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

type PresenceService interface {
	EnqueuePresenceUpdate(ctx context.Context, userID string, isOnline bool, connectionID string) (string, error)
	SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error)
	Presence(ctx context.Context, userID string) (models.PresenceRecord, error)
}

type NotificationService interface {
	Trigger(ctx context.Context, t models.NotificationTrigger) (string, error)
	RegisterToken(ctx context.Context, userID, token string, platform models.Platform) (models.DeviceToken, error)
}

// QueueInspector reads the job runtime for operators.
type QueueInspector interface {
	DeadLetters(ctx context.Context, n int64) ([]models.DeadLetter, error)
	Stats(ctx context.Context) ([]models.QueueStats, int64, error)
	Job(ctx context.Context, id string) (models.Job, error)
}

type Limiter interface {
	Allow(ctx context.Context, appID string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	messages      MessageService
	presence      PresenceService
	notifications NotificationService
	queues        QueueInspector
	limiter       Limiter
	log           *zap.Logger
}

// New constructs the API server. limiter may be nil to disable trigger throttling.
func New(messages MessageService, presence PresenceService, notifications NotificationService, queues QueueInspector, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		messages:      messages,
		presence:      presence,
		notifications: notifications,
		queues:        queues,
		limiter:       limiter,
		log:           log.With(zap.String("component", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Post("/messages/batch", s.handleMessageBatch)
		r.Post("/receipts/delivery", s.handleDeliveryReceipt)
		r.Post("/receipts/read", s.handleReadReceipt)
		r.Get("/conversations/{conversationID}/unread/{userID}", s.handleUnread)

		r.Post("/presence", s.handlePresence)
		r.Get("/presence/{userID}", s.handleGetPresence)
		r.Put("/presence/{userID}/invisible", s.handleInvisible)

		r.Post("/notifications/trigger", s.handleTrigger)
		r.Post("/devices", s.handleRegisterDevice)

		r.Get("/dlq", s.handleDLQ)
		r.Get("/queues/stats", s.handleStats)
		r.Get("/jobs/{jobID}", s.handleJob)
	})
	return r
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if !decode(w, r, &m) {
		return
	}
	id, err := s.messages.EnqueueMessage(r.Context(), m)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}

type batchRequest struct {
	Messages []models.Message `json:"messages"`
}

func (s *Server) handleMessageBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := s.messages.EnqueueBatchMessages(r.Context(), req.Messages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_ids": ids})
}

type receiptRequest struct {
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
	ConversationID string   `json:"conversation_id"`
}

func (s *Server) handleDeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.messages.EnqueueDeliveryReceipt(r.Context(), req.UserID, req.MessageIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleReadReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.messages.EnqueueReadReceipt(r.Context(), req.UserID, req.MessageIDs, req.ConversationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	conv, user := chi.URLParam(r, "conversationID"), chi.URLParam(r, "userID")
	n, err := s.messages.UnreadCount(r.Context(), conv, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": conv, "user_id": user, "unread_count": n})
}

type presenceRequest struct {
	UserID       string `json:"user_id"`
	IsOnline     bool   `json:"is_online"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.presence.EnqueuePresenceUpdate(r.Context(), req.UserID, req.IsOnline, req.ConnectionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	rec, err := s.presence.Presence(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": rec, "visible_online": rec.Visible()})
}

func (s *Server) handleInvisible(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.presence.SetInvisible(r.Context(), chi.URLParam(r, "userID"), req.Enabled)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var t models.NotificationTrigger
	if !decode(w, r, &t) {
		return
	}
	if s.limiter != nil && t.AppID != "" {
		d, err := s.limiter.Allow(r.Context(), t.AppID)
		switch {
		case err != nil:
			// Fail open: throttling is a guard, not part of delivery.
			s.log.Warn("trigger rate limiter unavailable", zap.String("app_id", t.AppID), zap.Error(err))
		case !d.Allowed:
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}
	id, err := s.notifications.Trigger(r.Context(), t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
}

type deviceRequest struct {
	UserID   string          `json:"user_id"`
	Token    string          `json:"token"`
	Platform models.Platform `json:"platform"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	device, err := s.notifications.RegisterToken(r.Context(), req.UserID, req.Token, req.Platform)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

// handleDLQ returns up to ?limit entries from the head of the dead-letter queue.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queues.DeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	queues, dlq, err := s.queues.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues, "dlq": dlq})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queues.Job(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found, it completed or its record expired")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// fail maps validation errors to 400. Anything else means the queue or store could not
// be reached, which is reported as 503 so clients retry the enqueue.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
