package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/cache"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/telemetry"
	"chat-delivery-pipeline/internal/worker"
)

const (
	MessageQueue = "messages"
	ReceiptQueue = "receipts"
)

// Store is the relational side of message persistence.
type Store interface {
	PersistMessage(ctx context.Context, m models.Message) (models.PersistResult, error)
	AdvanceStatus(ctx context.Context, r models.Receipt) (models.ReceiptResult, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
	ParticipantUnread(ctx context.Context, conversationID string) ([]models.ConversationParticipant, error)
}

// Service enqueues chat messages and receipts and consumes them.
type Service struct {
	runtime *worker.Runtime
	store   Store
	cache   *cache.Cache
	log     *zap.Logger
	msgCfg  config.MessageConfig
	rcptCfg config.ReceiptConfig
}

func NewService(rt *worker.Runtime, store Store, c *cache.Cache, msgCfg config.MessageConfig, rcptCfg config.ReceiptConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		runtime: rt,
		store:   store,
		cache:   c,
		log:     log.With(zap.String("component", "message_processor")),
		msgCfg:  msgCfg,
		rcptCfg: rcptCfg,
	}
}

func (s *Service) messageOptions() worker.EnqueueOptions {
	return worker.EnqueueOptions{
		MaxAttempts: s.msgCfg.MaxAttempts,
		Backoff:     models.BackoffPolicy{Type: models.BackoffNone},
	}
}

func (s *Service) receiptOptions() worker.EnqueueOptions {
	return worker.EnqueueOptions{
		MaxAttempts: s.rcptCfg.MaxAttempts,
		Backoff:     models.BackoffPolicy{Type: models.BackoffLinear, Delay: s.rcptCfg.BackoffBase},
	}
}

func prepare(m models.Message, now time.Time) (models.Message, error) {
	if m.ConversationID == "" || m.SenderID == "" {
		return m, models.Invalidf("conversation_id and sender_id are required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = models.TextMessage
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Status = models.StatusSent
	m.EnqueuedAt = now
	return m, nil
}

// EnqueueMessage assigns an id if absent and queues the message for persistence.
// The returned id is final; persistence happens later.
func (s *Service) EnqueueMessage(ctx context.Context, m models.Message) (string, error) {
	m, err := prepare(m, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if _, err := s.runtime.Enqueue(ctx, MessageQueue, m, s.messageOptions()); err != nil {
		return "", err
	}
	return m.ID, nil
}

// EnqueueBatchMessages queues every message as its own job and returns their ids in order.
func (s *Service) EnqueueBatchMessages(ctx context.Context, msgs []models.Message) ([]string, error) {
	now := time.Now().UTC()
	payloads := make([]any, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		m, err := prepare(m, now)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		payloads[i] = m
		ids[i] = m.ID
	}
	if len(payloads) == 0 {
		return ids, nil
	}
	if _, err := s.runtime.EnqueueMany(ctx, MessageQueue, payloads, s.messageOptions()); err != nil {
		return nil, err
	}
	return ids, nil
}

// EnqueueDeliveryReceipt queues a forward-only move of the messages to delivered.
func (s *Service) EnqueueDeliveryReceipt(ctx context.Context, userID string, messageIDs []string) (string, error) {
	return s.enqueueReceipt(ctx, models.Receipt{Kind: models.ReceiptDelivery, UserID: userID, MessageIDs: messageIDs})
}

// EnqueueReadReceipt queues a forward-only move of the messages to read. With a
// conversationID it also resets the user's unread count there.
func (s *Service) EnqueueReadReceipt(ctx context.Context, userID string, messageIDs []string, conversationID string) (string, error) {
	return s.enqueueReceipt(ctx, models.Receipt{Kind: models.ReceiptRead, UserID: userID, MessageIDs: messageIDs, ConversationID: conversationID})
}

func (s *Service) enqueueReceipt(ctx context.Context, r models.Receipt) (string, error) {
	if err := validReceipt(r); err != nil {
		return "", err
	}
	r.At = time.Now().UTC()
	return s.runtime.Enqueue(ctx, ReceiptQueue, r, s.receiptOptions())
}

func validReceipt(r models.Receipt) error {
	if r.UserID == "" {
		return models.Invalidf("user_id is required")
	}
	if len(r.MessageIDs) == 0 && r.ConversationID == "" {
		return models.Invalidf("message_ids or conversation_id is required")
	}
	return nil
}

// ApplyReceipt writes a receipt directly. The API uses it for the optimistic path;
// the receipt consumer uses it as the canonical writer.
func (s *Service) ApplyReceipt(ctx context.Context, r models.Receipt) (models.ReceiptResult, error) {
	res, err := s.store.AdvanceStatus(ctx, r)
	if err != nil {
		return models.ReceiptResult{}, err
	}
	if r.Kind == models.ReceiptRead && r.ConversationID != "" {
		if err := s.cache.ClearUnread(ctx, r.ConversationID, r.UserID); err != nil {
			s.log.Warn("clear unread mirror", zap.String("conversation_id", r.ConversationID), zap.String("user_id", r.UserID), zap.Error(err))
		}
	}
	return res, nil
}

// UnreadCount reads the cache mirror, falling back to the store and refilling the mirror.
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	if n, ok, err := s.cache.Unread(ctx, conversationID, userID); err == nil && ok {
		return n, nil
	}
	n, err := s.store.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.SetUnread(ctx, conversationID, userID, n); err != nil {
		s.log.Warn("refill unread mirror", zap.Error(err))
	}
	return n, nil
}

// ReconcileTask is the task type that rewrites the unread mirrors of one conversation.
const ReconcileTask = "unread.reconcile"

// ReconcileUnread overwrites the cached unread counts of a conversation with the stored ones.
func (s *Service) ReconcileUnread(ctx context.Context, conversationID string) (int, error) {
	participants, err := s.store.ParticipantUnread(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	for _, p := range participants {
		if err := s.cache.SetUnread(ctx, p.ConversationID, p.UserID, p.UnreadCount); err != nil {
			return 0, fmt.Errorf("mirror unread for %s: %w", p.UserID, err)
		}
	}
	return len(participants), nil
}

// HandleReconcileTask runs ReconcileUnread from the generic task queue.
func (s *Service) HandleReconcileTask(ctx context.Context, _ models.Job, data json.RawMessage) error {
	var args struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := worker.Decode(data, &args); err != nil {
		return err
	}
	if args.ConversationID == "" {
		return worker.Permanentf("%s task without conversation_id", ReconcileTask)
	}
	_, err := s.ReconcileUnread(ctx, args.ConversationID)
	return err
}

func (s *Service) handleMessage(ctx context.Context, job models.Job) error {
	var m models.Message
	if err := worker.Decode(job.Payload, &m); err != nil {
		return err
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return worker.Permanentf("message job %s missing id, conversation or sender", job.ID)
	}
	res, err := s.store.PersistMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("persist message %s: %w", m.ID, err)
	}
	if !res.Inserted {
		telemetry.MessagesDuplicate.Inc()
		s.log.Debug("message already persisted", zap.String("message_id", m.ID))
		return nil
	}
	for _, p := range res.Unread {
		if err := s.cache.SetUnread(ctx, p.ConversationID, p.UserID, p.UnreadCount); err != nil {
			// The store holds the truth; a stale mirror is dropped so reads fall back to it.
			_ = s.cache.ClearUnread(ctx, p.ConversationID, p.UserID)
			s.log.Warn("mirror unread count", zap.String("conversation_id", p.ConversationID), zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) handleReceipt(ctx context.Context, job models.Job) error {
	var r models.Receipt
	if err := worker.Decode(job.Payload, &r); err != nil {
		return err
	}
	if err := validReceipt(r); err != nil {
		return worker.Permanent(err)
	}
	res, err := s.ApplyReceipt(ctx, r)
	if err != nil {
		return fmt.Errorf("apply %s receipt: %w", r.Kind, err)
	}
	if len(res.Missing) > 0 {
		// The messages may still be on the message queue. Only the missing ids are retried;
		// the conversation stays so a late message's unread increment is reset again.
		r.MessageIDs = res.Missing
		return worker.RetryWith(r, fmt.Errorf("%d messages not persisted yet", len(res.Missing)))
	}
	return nil
}

// Register binds the message and receipt consumers to the runtime.
func (s *Service) Register() []*worker.Consumer {
	return []*worker.Consumer{
		s.runtime.Process(MessageQueue, s.handleMessage, worker.Policy{
			BatchSize:    s.msgCfg.BatchSize,
			PollInterval: s.msgCfg.PollInterval,
		}),
		s.runtime.Process(ReceiptQueue, s.handleReceipt, worker.Policy{
			PollInterval: s.rcptCfg.PollInterval,
		}),
	}
}
