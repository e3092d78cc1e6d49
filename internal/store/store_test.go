package store

import (
	"context"
	"os"
	"testing"
	"time"

	"chat-delivery-pipeline/internal/models"
)

// newTestStore connects to TEST_POSTGRES_DSN, applies the migrations and empties every
// table. Tests are skipped when no database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `
		TRUNCATE messages, conversation_participants, conversations, user_presence,
			user_sessions, device_tokens, notification_operations, audit_logs
	`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func message(id string) models.Message {
	receiver := "u2"
	return models.Message{ID: id, ConversationID: "c1", SenderID: "u1", ReceiverID: &receiver, Content: "hi"}
}

func (s *Store) statusOf(t *testing.T, id string) models.MessageStatus {
	t.Helper()
	var st string
	if err := s.pool.QueryRow(context.Background(), `SELECT status FROM messages WHERE id = $1`, id).Scan(&st); err != nil {
		t.Fatalf("read status of %s: %v", id, err)
	}
	return models.MessageStatus(st)
}

func TestPersistMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.PersistMessage(ctx, message("m1"))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !first.Inserted || len(first.Unread) != 1 || first.Unread[0].UserID != "u2" || first.Unread[0].UnreadCount != 1 {
		t.Fatalf("unexpected first persist %+v", first)
	}
	again, err := s.PersistMessage(ctx, message("m1"))
	if err != nil {
		t.Fatalf("persist again: %v", err)
	}
	if again.Inserted || len(again.Unread) != 0 {
		t.Fatalf("redelivery must change nothing, got %+v", again)
	}
	if n, _ := s.UnreadCount(ctx, "c1", "u2"); n != 1 {
		t.Fatalf("expected unread 1, got %d", n)
	}
	if n, _ := s.UnreadCount(ctx, "c1", "u1"); n != 0 {
		t.Fatalf("sender unread must stay 0, got %d", n)
	}
}

func TestAdvanceStatusIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.PersistMessage(ctx, message("m1")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	own, err := s.AdvanceStatus(ctx, models.Receipt{Kind: models.ReceiptRead, UserID: "u1", MessageIDs: []string{"m1"}})
	if err != nil || own.Updated != 0 {
		t.Fatalf("sender receipt applied: %+v err=%v", own, err)
	}

	read, err := s.AdvanceStatus(ctx, models.Receipt{Kind: models.ReceiptRead, UserID: "u2", MessageIDs: []string{"m1", "m9"}, ConversationID: "c1"})
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	if read.Updated != 1 || len(read.Missing) != 1 || read.Missing[0] != "m9" {
		t.Fatalf("unexpected read result %+v", read)
	}
	if n, _ := s.UnreadCount(ctx, "c1", "u2"); n != 0 {
		t.Fatalf("expected unread reset, got %d", n)
	}

	late, err := s.AdvanceStatus(ctx, models.Receipt{Kind: models.ReceiptDelivery, UserID: "u2", MessageIDs: []string{"m1"}})
	if err != nil || late.Updated != 0 {
		t.Fatalf("delivery after read applied: %+v err=%v", late, err)
	}
	if got := s.statusOf(t, "m1"); got != models.StatusRead {
		t.Fatalf("status regressed to %s", got)
	}
}

func TestApplyPresenceIgnoresOlderEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	applied, err := s.ApplyPresence(ctx, []models.PresenceEvent{{UserID: "u1", IsOnline: true, ConnectionID: "s1", Timestamp: now}}, nil, now)
	if err != nil || len(applied) != 1 {
		t.Fatalf("online: %+v err=%v", applied, err)
	}
	stale, err := s.ApplyPresence(ctx, nil, []models.PresenceEvent{{UserID: "u1", Timestamp: now.Add(-time.Minute)}}, now)
	if err != nil {
		t.Fatalf("stale offline: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("older event must be ignored, applied %+v", stale)
	}
	rec, ok, err := s.GetPresence(ctx, "u1")
	if err != nil || !ok || !rec.IsOnline || rec.ConnectionID != "s1" {
		t.Fatalf("expected u1 online on s1, got %+v ok=%v err=%v", rec, ok, err)
	}

	newer, err := s.ApplyPresence(ctx, nil, []models.PresenceEvent{{UserID: "u1", Timestamp: now.Add(time.Second)}}, now)
	if err != nil || len(newer) != 1 || newer[0].IsOnline {
		t.Fatalf("newer offline not applied: %+v err=%v", newer, err)
	}
}

func TestExpireStalePresenceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)
	old := now.Add(-10 * time.Minute)

	if _, err := s.ApplyPresence(ctx, []models.PresenceEvent{
		{UserID: "idle", IsOnline: true, ConnectionID: "s1", Timestamp: old},
		{UserID: "active", IsOnline: true, ConnectionID: "s2", Timestamp: now},
	}, nil, now); err != nil {
		t.Fatalf("online: %v", err)
	}

	cutoff := now.Add(-5 * time.Minute)
	expired, err := s.ExpireStalePresence(ctx, cutoff, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].UserID != "idle" || expired[0].IsOnline {
		t.Fatalf("expected only idle expired, got %+v", expired)
	}
	var open int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_sessions WHERE user_id = 'idle' AND ended_at IS NULL`).Scan(&open); err != nil || open != 0 {
		t.Fatalf("expected idle session closed, open=%d err=%v", open, err)
	}

	again, err := s.ExpireStalePresence(ctx, cutoff, now.Add(time.Second))
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep must change nothing, got %+v err=%v", again, err)
	}
	if rec, _, _ := s.GetPresence(ctx, "active"); !rec.IsOnline {
		t.Fatalf("active user expired")
	}
}

func TestDeactivateTokenReportsChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := s.UpsertDeviceToken(ctx, "u1", "tok", models.PlatformIOS)
	if err != nil || !d.Active {
		t.Fatalf("upsert: %+v err=%v", d, err)
	}
	if changed, err := s.DeactivateToken(ctx, "tok"); err != nil || !changed {
		t.Fatalf("first deactivate: changed=%v err=%v", changed, err)
	}
	if changed, _ := s.DeactivateToken(ctx, "tok"); changed {
		t.Fatalf("second deactivate must report no change")
	}
	again, err := s.UpsertDeviceToken(ctx, "u2", "tok", models.PlatformAndroid)
	if err != nil || !again.Active || again.UserID != "u2" || again.ID != d.ID {
		t.Fatalf("re-registering must reactivate the same row: %+v err=%v", again, err)
	}
}
