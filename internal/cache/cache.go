package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"chat-delivery-pipeline/internal/models"
)

const (
	onlineSetKey = "presence:online"

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Cache is the fast mirror of presence and unread state kept in Redis.
type Cache struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// New wraps an existing Redis client. presenceTTL bounds how long a presence record
// survives without any update.
func New(client *redis.Client, presenceTTL time.Duration) *Cache {
	return &Cache{client: client, presenceTTL: presenceTTL}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func statusKey(userID string) string {
	return "presence:status:" + userID
}

func unreadKey(conversationID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", conversationID, userID)
}

// PutPresence stores the record and the status other users see. Invisible users are
// reported offline and kept out of the online set.
func (c *Cache) PutPresence(ctx context.Context, rec models.PresenceRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence %s: %w", rec.UserID, err)
	}
	status := StatusOffline
	if rec.Visible() {
		status = StatusOnline
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, presenceKey(rec.UserID), data, c.presenceTTL)
	pipe.Set(ctx, statusKey(rec.UserID), status, c.presenceTTL)
	if rec.Visible() {
		pipe.SAdd(ctx, onlineSetKey, rec.UserID)
	} else {
		pipe.SRem(ctx, onlineSetKey, rec.UserID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetPresence returns the cached record; ok is false when nothing is cached.
func (c *Cache) GetPresence(ctx context.Context, userID string) (rec models.PresenceRecord, ok bool, err error) {
	data, err := c.client.Get(ctx, presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return models.PresenceRecord{}, false, nil
	}
	if err != nil {
		return models.PresenceRecord{}, false, err
	}
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("decode presence %s: %w", userID, err)
	}
	return rec, true, nil
}

// VisibleStatus returns "online" or "offline" as seen by other users.
func (c *Cache) VisibleStatus(ctx context.Context, userID string) (string, error) {
	s, err := c.client.Get(ctx, statusKey(userID)).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	return s, err
}

// OnlineUsers lists users whose visible status is online.
func (c *Cache) OnlineUsers(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, onlineSetKey).Result()
}

// SetUnread mirrors the relational unread count.
func (c *Cache) SetUnread(ctx context.Context, conversationID, userID string, n int64) error {
	if n < 0 {
		n = 0
	}
	return c.client.Set(ctx, unreadKey(conversationID, userID), n, 0).Err()
}

// Unread reads the mirrored count; ok is false on a cache miss.
func (c *Cache) Unread(ctx context.Context, conversationID, userID string) (n int64, ok bool, err error) {
	n, err = c.client.Get(ctx, unreadKey(conversationID, userID)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// ClearUnread drops the mirror so the next read falls back to the store.
func (c *Cache) ClearUnread(ctx context.Context, conversationID, userID string) error {
	return c.client.Del(ctx, unreadKey(conversationID, userID)).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
