package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-delivery-pipeline/internal/cache"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/worker"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string]models.PresenceRecord
	calls    int
	failNext error
	sessions map[string]string // user -> end reason, "" while open
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.PresenceRecord), sessions: make(map[string]string)}
}

func (s *memStore) ApplyPresence(ctx context.Context, online, offline []models.PresenceEvent, now time.Time) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	var out []models.PresenceRecord
	apply := func(ev models.PresenceEvent) {
		rec := s.records[ev.UserID]
		if rec.LastActivity.After(ev.Timestamp) {
			return
		}
		rec.UserID = ev.UserID
		rec.IsOnline = ev.IsOnline
		rec.LastActivity = ev.Timestamp
		if ev.IsOnline {
			rec.LastSeen = nil
			if ev.ConnectionID != "" {
				rec.ConnectionID = ev.ConnectionID
				s.sessions[ev.UserID] = ""
			}
		} else {
			t := now
			rec.LastSeen = &t
			rec.ConnectionID = ""
			if _, ok := s.sessions[ev.UserID]; ok {
				s.sessions[ev.UserID] = "offline"
			}
		}
		s.records[ev.UserID] = rec
		out = append(out, rec)
	}
	for _, ev := range online {
		apply(ev)
	}
	for _, ev := range offline {
		apply(ev)
	}
	return out, nil
}

func (s *memStore) SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[userID]
	rec.UserID = userID
	rec.InvisibleMode = enabled
	s.records[userID] = rec
	return rec, nil
}

func (s *memStore) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	return rec, ok, nil
}

func (s *memStore) ExpireStalePresence(ctx context.Context, cutoff, now time.Time) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PresenceRecord
	for id, rec := range s.records {
		if !rec.IsOnline || !rec.LastActivity.Before(cutoff) {
			continue
		}
		t := now
		rec.IsOnline = false
		rec.ConnectionID = ""
		rec.LastSeen = &t
		s.records[id] = rec
		if _, ok := s.sessions[id]; ok {
			s.sessions[id] = models.SessionEndInactivity
		}
		out = append(out, rec)
	}
	return out, nil
}

type fixture struct {
	svc      *Service
	store    *memStore
	cache    *cache.Cache
	runtime  *worker.Runtime
	consumer *worker.Consumer
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rt := worker.NewRuntime(queue.NewRedisQueue(client, config.QueueConfig{}), nil, nil)
	st := newMemStore()
	c := cache.New(client, time.Hour)
	svc := NewService(rt, st, c, config.PresenceConfig{
		PollInterval:   time.Millisecond,
		BatchSize:      10,
		StaleThreshold: 30 * time.Minute,
	}, nil)
	f := &fixture{svc: svc, store: st, cache: c, runtime: rt, clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return f.clock }
	f.consumer = svc.Register()
	return f
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if _, err := f.consumer.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestOnlineThenOfflineInOneBatchEndsOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.EnqueuePresenceUpdate(ctx, "u1", true, "conn-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.advance(time.Second)
	if _, err := f.svc.EnqueuePresenceUpdate(ctx, "u1", false, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.tick(t)

	rec, _, _ := f.store.GetPresence(ctx, "u1")
	if rec.IsOnline || rec.LastSeen == nil || rec.ConnectionID != "" {
		t.Fatalf("expected offline with last seen, got %+v", rec)
	}
	if f.store.calls != 1 {
		t.Fatalf("expected one grouped store call, got %d", f.store.calls)
	}
	if s, _ := f.cache.VisibleStatus(ctx, "u1"); s != cache.StatusOffline {
		t.Fatalf("cache should report offline, got %s", s)
	}
}

func TestBatchOrderedByEventTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := f.clock

	// Dequeue order is offline then online, but the online event is newer.
	late := models.PresenceEvent{UserID: "u1", IsOnline: true, ConnectionID: "conn-2", Timestamp: base.Add(2 * time.Second)}
	early := models.PresenceEvent{UserID: "u1", IsOnline: false, Timestamp: base.Add(time.Second)}
	if _, err := f.svc.enqueue(ctx, early); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.svc.enqueue(ctx, late); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.tick(t)

	rec, _, _ := f.store.GetPresence(ctx, "u1")
	if !rec.IsOnline || rec.ConnectionID != "conn-2" {
		t.Fatalf("newest event should win, got %+v", rec)
	}

	// An event older than the stored activity arriving in a later batch is ignored.
	stale := models.PresenceEvent{UserID: "u1", IsOnline: false, Timestamp: base}
	_, _ = f.svc.enqueue(ctx, stale)
	f.tick(t)
	rec, _, _ = f.store.GetPresence(ctx, "u1")
	if !rec.IsOnline {
		t.Fatalf("stale event resurrected old state: %+v", rec)
	}
}

func TestPartitionKeepsLastEventPerUser(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []indexedEvent{
		{slot: 0, ev: models.PresenceEvent{UserID: "a", IsOnline: true, Timestamp: ts}},
		{slot: 1, ev: models.PresenceEvent{UserID: "b", IsOnline: true, Timestamp: ts}},
		{slot: 2, ev: models.PresenceEvent{UserID: "a", IsOnline: false, Timestamp: ts}},
		{slot: 3, ev: models.PresenceEvent{UserID: "c", IsOnline: false, Timestamp: ts.Add(-time.Second)}},
	}
	online, offline := partition(events)
	if len(online) != 1 || online[0].UserID != "b" {
		t.Fatalf("unexpected online group %+v", online)
	}
	if len(offline) != 2 || offline[0].UserID != "c" || offline[1].UserID != "a" {
		t.Fatalf("unexpected offline group %+v", offline)
	}
}

func TestStoreFailureRetriesBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.failNext = errors.New("deadlock detected")

	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u1", true, "conn-1")
	f.tick(t)
	if _, ok, _ := f.store.GetPresence(ctx, "u1"); ok {
		t.Fatalf("nothing should be applied on failure")
	}
	f.tick(t)
	rec, ok, _ := f.store.GetPresence(ctx, "u1")
	if !ok || !rec.IsOnline {
		t.Fatalf("expected retry to apply, got %+v", rec)
	}
}

func TestSweepForcesStaleUsersOfflineOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u1", true, "conn-1")
	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u2", true, "conn-2")
	f.tick(t)

	f.advance(10 * time.Minute)
	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u2", true, "conn-2")
	f.tick(t)

	f.advance(25 * time.Minute)
	n, err := f.svc.SweepStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one stale user, n=%d err=%v", n, err)
	}
	rec, _, _ := f.store.GetPresence(ctx, "u1")
	if rec.IsOnline || rec.LastSeen == nil {
		t.Fatalf("u1 should be offline, got %+v", rec)
	}
	if f.store.sessions["u1"] != models.SessionEndInactivity {
		t.Fatalf("session not closed as inactive: %q", f.store.sessions["u1"])
	}
	if s, _ := f.cache.VisibleStatus(ctx, "u1"); s != cache.StatusOffline {
		t.Fatalf("cache not updated by sweep")
	}
	if rec, _, _ := f.store.GetPresence(ctx, "u2"); !rec.IsOnline {
		t.Fatalf("active user swept")
	}

	if n, _ := f.svc.SweepStale(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
}

func TestInvisibleMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u1", true, "conn-1")
	f.tick(t)

	if _, err := f.svc.SetInvisible(ctx, "u1", true); err != nil {
		t.Fatalf("set invisible: %v", err)
	}
	if s, _ := f.cache.VisibleStatus(ctx, "u1"); s != cache.StatusOffline {
		t.Fatalf("invisible user must look offline, got %s", s)
	}
	rec, _ := f.svc.Presence(ctx, "u1")
	if !rec.IsOnline || !rec.InvisibleMode {
		t.Fatalf("true state must be kept, got %+v", rec)
	}

	if _, err := f.svc.SetInvisible(ctx, "u1", false); err != nil {
		t.Fatalf("set visible: %v", err)
	}
	if s, _ := f.cache.VisibleStatus(ctx, "u1"); s != cache.StatusOnline {
		t.Fatalf("visible again with live connection, got %s", s)
	}

	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u1", false, "")
	f.tick(t)
	_, _ = f.svc.SetInvisible(ctx, "u1", false)
	if s, _ := f.cache.VisibleStatus(ctx, "u1"); s != cache.StatusOffline {
		t.Fatalf("no connection means offline, got %s", s)
	}
}

func TestMalformedEventDeadLettersAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.runtime.Enqueue(ctx, PresenceQueue, []byte(`{"user_id":42}`), worker.EnqueueOptions{})
	_, _ = f.svc.EnqueuePresenceUpdate(ctx, "u1", true, "")
	f.tick(t)

	entries, _ := f.runtime.DeadLetters(ctx, 10)
	if len(entries) != 1 || !entries[0].Permanent {
		t.Fatalf("expected one permanent entry, got %+v", entries)
	}
	if rec, _, _ := f.store.GetPresence(ctx, "u1"); !rec.IsOnline {
		t.Fatalf("valid event in the same batch must still apply")
	}
}
