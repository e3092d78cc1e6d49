package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chat-delivery-pipeline/internal/models"
)

// PersistMessage inserts the message if its id is new, advances the conversation's
// lastMessageAt and increments every other participant's unread count, in one transaction.
// Re-persisting an existing id changes nothing.
func (s *Store) PersistMessage(ctx context.Context, m models.Message) (models.PersistResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.PersistResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	msgType := m.Type
	if msgType == "" {
		msgType = models.TextMessage
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, last_message_at) VALUES ($1, NULL)
		ON CONFLICT (id) DO NOTHING
	`, m.ConversationID); err != nil {
		return models.PersistResult{}, fmt.Errorf("ensure conversation: %w", err)
	}
	members := []string{m.SenderID}
	if m.ReceiverID != nil && *m.ReceiverID != "" {
		members = append(members, *m.ReceiverID)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id)
		SELECT $1, u FROM unnest($2::text[]) AS u
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, m.ConversationID, members); err != nil {
		return models.PersistResult{}, fmt.Errorf("ensure participants: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, type, content, status, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ConversationID, m.SenderID, m.ReceiverID, string(msgType), m.Content, string(models.StatusSent), m.Deleted, createdAt)
	if err != nil {
		return models.PersistResult{}, fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already persisted by an earlier attempt.
		if err := tx.Commit(ctx); err != nil {
			return models.PersistResult{}, fmt.Errorf("commit: %w", err)
		}
		return models.PersistResult{Inserted: false}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1
	`, m.ConversationID, createdAt); err != nil {
		return models.PersistResult{}, fmt.Errorf("advance last message: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = $1 AND user_id <> $2
		RETURNING user_id, unread_count
	`, m.ConversationID, m.SenderID)
	if err != nil {
		return models.PersistResult{}, fmt.Errorf("increment unread: %w", err)
	}
	res := models.PersistResult{Inserted: true}
	for rows.Next() {
		p := models.ConversationParticipant{ConversationID: m.ConversationID}
		if err := rows.Scan(&p.UserID, &p.UnreadCount); err != nil {
			rows.Close()
			return models.PersistResult{}, fmt.Errorf("scan unread: %w", err)
		}
		res.Unread = append(res.Unread, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.PersistResult{}, fmt.Errorf("increment unread rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.PersistResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// AdvanceStatus moves the named messages forward to the receipt's status. Messages
// already at or past it, and messages sent by the receipt's user, are left untouched.
// A conversation-scoped read receipt also zeroes the user's unread count.
func (s *Store) AdvanceStatus(ctx context.Context, r models.Receipt) (models.ReceiptResult, error) {
	target := r.Kind.Status()
	below := target.Below()
	from := make([]string, len(below))
	for i, st := range below {
		from[i] = string(st)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ReceiptResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var res models.ReceiptResult
	if len(r.MessageIDs) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE messages
			SET status = $1, updated_at = NOW()
			WHERE id = ANY($2::text[]) AND sender_id <> $3 AND status = ANY($4::text[])
		`, string(target), r.MessageIDs, r.UserID, from)
		if err != nil {
			return models.ReceiptResult{}, fmt.Errorf("advance status: %w", err)
		}
		res.Updated = tag.RowsAffected()

		rows, err := tx.Query(ctx, `
			SELECT ids.id FROM unnest($1::text[]) AS ids(id)
			WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.id = ids.id)
		`, r.MessageIDs)
		if err != nil {
			return models.ReceiptResult{}, fmt.Errorf("find missing messages: %w", err)
		}
		missing, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return models.ReceiptResult{}, fmt.Errorf("scan missing messages: %w", err)
		}
		res.Missing = missing
	}

	if r.Kind == models.ReceiptRead && r.ConversationID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE conversation_participants SET unread_count = 0
			WHERE conversation_id = $1 AND user_id = $2
		`, r.ConversationID, r.UserID); err != nil {
			return models.ReceiptResult{}, fmt.Errorf("reset unread: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ReceiptResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// UnreadCount returns a participant's unread count, 0 when the participant is unknown.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT unread_count FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query unread count: %w", err)
	}
	return n, nil
}

// ParticipantUnread lists every unread count of a conversation, for reconciling the cache.
func (s *Store) ParticipantUnread(ctx context.Context, conversationID string) ([]models.ConversationParticipant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, user_id, unread_count FROM conversation_participants
		WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ConversationParticipant, error) {
		var p models.ConversationParticipant
		err := row.Scan(&p.ConversationID, &p.UserID, &p.UnreadCount)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}
	return out, nil
}
