package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/cache"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/telemetry"
	"chat-delivery-pipeline/internal/worker"
)

const PresenceQueue = "presence"

// Store is the relational side of presence.
type Store interface {
	ApplyPresence(ctx context.Context, online, offline []models.PresenceEvent, now time.Time) ([]models.PresenceRecord, error)
	SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error)
	GetPresence(ctx context.Context, userID string) (models.PresenceRecord, bool, error)
	ExpireStalePresence(ctx context.Context, cutoff, now time.Time) ([]models.PresenceRecord, error)
}

// Service reconciles presence events into the store and the cache mirror.
type Service struct {
	runtime *worker.Runtime
	store   Store
	cache   *cache.Cache
	cfg     config.PresenceConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewService(rt *worker.Runtime, store Store, c *cache.Cache, cfg config.PresenceConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		runtime: rt,
		store:   store,
		cache:   c,
		cfg:     cfg,
		log:     log.With(zap.String("component", "presence_processor")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnqueuePresenceUpdate queues one presence change stamped with the current time.
func (s *Service) EnqueuePresenceUpdate(ctx context.Context, userID string, isOnline bool, connectionID string) (string, error) {
	if userID == "" {
		return "", models.Invalidf("user_id is required")
	}
	return s.enqueue(ctx, models.PresenceEvent{
		UserID:       userID,
		IsOnline:     isOnline,
		ConnectionID: connectionID,
		Timestamp:    s.now(),
	})
}

func (s *Service) enqueue(ctx context.Context, ev models.PresenceEvent) (string, error) {
	return s.runtime.Enqueue(ctx, PresenceQueue, ev, worker.EnqueueOptions{
		Backoff: models.BackoffPolicy{Type: models.BackoffNone},
	})
}

type indexedEvent struct {
	slot int
	ev   models.PresenceEvent
}

// handleBatch orders the batch by event timestamp, keeps the last event per user and
// writes the online and offline groups in one store call each.
func (s *Service) handleBatch(ctx context.Context, jobs []models.Job) []error {
	errs := make([]error, len(jobs))
	events := make([]indexedEvent, 0, len(jobs))
	for i, job := range jobs {
		var ev models.PresenceEvent
		if err := worker.Decode(job.Payload, &ev); err != nil {
			errs[i] = err
			continue
		}
		if ev.UserID == "" {
			errs[i] = worker.Permanentf("presence job %s has no user", job.ID)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = job.EnqueuedAt
		}
		events = append(events, indexedEvent{slot: i, ev: ev})
	}
	if len(events) == 0 {
		return errs
	}

	online, offline := partition(events)
	applied, err := s.store.ApplyPresence(ctx, online, offline, s.now())
	if err != nil {
		err = fmt.Errorf("apply presence batch: %w", err)
		for _, e := range events {
			errs[e.slot] = err
		}
		return errs
	}
	for _, rec := range applied {
		if err := s.cache.PutPresence(ctx, rec); err != nil {
			s.log.Warn("mirror presence", zap.String("user_id", rec.UserID), zap.Error(err))
		}
	}
	if skipped := len(online) + len(offline) - len(applied); skipped > 0 {
		s.log.Debug("presence events older than stored activity ignored", zap.Int("count", skipped))
	}
	return errs
}

// partition sorts events by timestamp, stable on dequeue order, and splits the final
// event of each user by its online value.
func partition(events []indexedEvent) (online, offline []models.PresenceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ev.Timestamp.Before(events[j].ev.Timestamp)
	})
	last := make(map[string]models.PresenceEvent, len(events))
	order := make([]string, 0, len(events))
	for _, e := range events {
		if _, seen := last[e.ev.UserID]; !seen {
			order = append(order, e.ev.UserID)
		}
		last[e.ev.UserID] = e.ev
	}
	for _, user := range order {
		ev := last[user]
		if ev.IsOnline {
			online = append(online, ev)
		} else {
			offline = append(offline, ev)
		}
	}
	return online, offline
}

// SetInvisible toggles invisible mode. The true connection state is kept; only the
// status other users see changes.
func (s *Service) SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error) {
	rec, err := s.store.SetInvisible(ctx, userID, enabled)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	if err := s.cache.PutPresence(ctx, rec); err != nil {
		return rec, fmt.Errorf("mirror presence: %w", err)
	}
	return rec, nil
}

// Presence returns a user's record from the cache, falling back to the store.
func (s *Service) Presence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if rec, ok, err := s.cache.GetPresence(ctx, userID); err == nil && ok {
		return rec, nil
	}
	rec, ok, err := s.store.GetPresence(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	if !ok {
		return models.PresenceRecord{UserID: userID}, nil
	}
	if err := s.cache.PutPresence(ctx, rec); err != nil {
		s.log.Warn("refill presence mirror", zap.String("user_id", userID), zap.Error(err))
	}
	return rec, nil
}

// SweepStale forces offline every online user with no activity within the staleness
// threshold. It returns how many users were changed.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpireStalePresence(ctx, now.Add(-s.cfg.StaleThreshold), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale presence: %w", err)
	}
	for _, rec := range expired {
		if err := s.cache.PutPresence(ctx, rec); err != nil {
			s.log.Warn("mirror swept presence", zap.String("user_id", rec.UserID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		telemetry.PresenceSwept.Add(float64(len(expired)))
		s.log.Info("stale presence swept", zap.Int("count", len(expired)), zap.Duration("threshold", s.cfg.StaleThreshold))
	}
	return len(expired), nil
}

// Register binds the batch consumer to the runtime.
func (s *Service) Register() *worker.Consumer {
	return s.runtime.ProcessBatch(PresenceQueue, s.handleBatch, worker.Policy{
		BatchSize:    s.cfg.BatchSize,
		PollInterval: s.cfg.PollInterval,
	})
}
