package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"chat-delivery-pipeline/internal/models"
)

const presenceColumns = `user_id, is_online, connection_id, last_seen, invisible_mode, last_activity_at`

func scanPresence(row pgx.CollectableRow) (models.PresenceRecord, error) {
	var (
		rec      models.PresenceRecord
		conn     pgtype.Text
		lastSeen pgtype.Timestamptz
	)
	if err := row.Scan(&rec.UserID, &rec.IsOnline, &conn, &lastSeen, &rec.InvisibleMode, &rec.LastActivity); err != nil {
		return models.PresenceRecord{}, err
	}
	rec.ConnectionID = textValue(conn)
	rec.LastSeen = timePtr(lastSeen)
	return rec, nil
}

// ApplyPresence writes one grouped upsert for the users going online and one for the
// users going offline. Each user must appear at most once across both groups. An event
// older than the stored last activity is ignored; only rows actually written are returned.
// Sessions are opened for online events carrying a connection and closed for offline ones.
func (s *Store) ApplyPresence(ctx context.Context, online, offline []models.PresenceEvent, now time.Time) ([]models.PresenceRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var applied []models.PresenceRecord
	if len(online) > 0 {
		users, conns, stamps := presenceColumnsOf(online)
		rows, err := tx.Query(ctx, `
			INSERT INTO user_presence (user_id, is_online, connection_id, last_seen, last_activity_at, updated_at)
			SELECT u, TRUE, NULLIF(c, ''), NULL, ts, $4
			FROM unnest($1::text[], $2::text[], $3::timestamptz[]) AS e(u, c, ts)
			ON CONFLICT (user_id) DO UPDATE SET
				is_online = TRUE,
				connection_id = COALESCE(EXCLUDED.connection_id, user_presence.connection_id),
				last_seen = NULL,
				last_activity_at = EXCLUDED.last_activity_at,
				updated_at = EXCLUDED.updated_at
			WHERE user_presence.last_activity_at <= EXCLUDED.last_activity_at
			RETURNING `+presenceColumns, users, conns, stamps, now)
		if err != nil {
			return nil, fmt.Errorf("apply online presence: %w", err)
		}
		recs, err := pgx.CollectRows(rows, scanPresence)
		if err != nil {
			return nil, fmt.Errorf("scan online presence: %w", err)
		}
		applied = append(applied, recs...)

		var sessUsers, sessConns []string
		for _, r := range recs {
			if r.ConnectionID != "" {
				sessUsers = append(sessUsers, r.UserID)
				sessConns = append(sessConns, r.ConnectionID)
			}
		}
		if len(sessUsers) > 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_sessions (user_id, connection_id, started_at)
				SELECT u, c, $3 FROM unnest($1::text[], $2::text[]) AS s(u, c)
				ON CONFLICT (user_id, connection_id) WHERE ended_at IS NULL DO NOTHING
			`, sessUsers, sessConns, now); err != nil {
				return nil, fmt.Errorf("open sessions: %w", err)
			}
		}
	}

	if len(offline) > 0 {
		users, _, stamps := presenceColumnsOf(offline)
		rows, err := tx.Query(ctx, `
			INSERT INTO user_presence (user_id, is_online, connection_id, last_seen, last_activity_at, updated_at)
			SELECT u, FALSE, NULL, $3, ts, $3
			FROM unnest($1::text[], $2::timestamptz[]) AS e(u, ts)
			ON CONFLICT (user_id) DO UPDATE SET
				is_online = FALSE,
				connection_id = NULL,
				last_seen = EXCLUDED.last_seen,
				last_activity_at = EXCLUDED.last_activity_at,
				updated_at = EXCLUDED.updated_at
			WHERE user_presence.last_activity_at <= EXCLUDED.last_activity_at
			RETURNING `+presenceColumns, users, stamps, now)
		if err != nil {
			return nil, fmt.Errorf("apply offline presence: %w", err)
		}
		recs, err := pgx.CollectRows(rows, scanPresence)
		if err != nil {
			return nil, fmt.Errorf("scan offline presence: %w", err)
		}
		applied = append(applied, recs...)

		if len(recs) > 0 {
			closed := make([]string, len(recs))
			for i, r := range recs {
				closed[i] = r.UserID
			}
			if _, err := tx.Exec(ctx, `
				UPDATE user_sessions SET ended_at = $2, end_reason = 'offline'
				WHERE user_id = ANY($1::text[]) AND ended_at IS NULL
			`, closed, now); err != nil {
				return nil, fmt.Errorf("close sessions: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return applied, nil
}

func presenceColumnsOf(events []models.PresenceEvent) (users, conns []string, stamps []time.Time) {
	users = make([]string, len(events))
	conns = make([]string, len(events))
	stamps = make([]time.Time, len(events))
	for i, e := range events {
		users[i] = e.UserID
		conns[i] = e.ConnectionID
		stamps[i] = e.Timestamp
	}
	return users, conns, stamps
}

// SetInvisible toggles invisible mode without touching the connection state.
func (s *Store) SetInvisible(ctx context.Context, userID string, enabled bool) (models.PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO user_presence (user_id, invisible_mode, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET invisible_mode = EXCLUDED.invisible_mode, updated_at = NOW()
		RETURNING `+presenceColumns, userID, enabled)
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("set invisible: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanPresence)
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("scan presence: %w", err)
	}
	return rec, nil
}

// GetPresence reads a user's relational presence record.
func (s *Store) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+presenceColumns+` FROM user_presence WHERE user_id = $1`, userID)
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("query presence: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanPresence)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PresenceRecord{}, false, nil
	}
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("scan presence: %w", err)
	}
	return rec, true, nil
}

// ExpireStalePresence forces offline every online user whose last activity predates
// cutoff, closing their open sessions as inactive. Users already offline are untouched,
// so a repeated run changes nothing.
func (s *Store) ExpireStalePresence(ctx context.Context, cutoff, now time.Time) ([]models.PresenceRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		UPDATE user_presence
		SET is_online = FALSE, connection_id = NULL, last_seen = $2, updated_at = $2
		WHERE is_online AND last_activity_at < $1
		RETURNING `+presenceColumns, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("expire presence: %w", err)
	}
	expired, err := pgx.CollectRows(rows, scanPresence)
	if err != nil {
		return nil, fmt.Errorf("scan expired presence: %w", err)
	}
	if len(expired) > 0 {
		users := make([]string, len(expired))
		for i, r := range expired {
			users[i] = r.UserID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE user_sessions SET ended_at = $2, end_reason = $3
			WHERE user_id = ANY($1::text[]) AND ended_at IS NULL
		`, users, now, models.SessionEndInactivity); err != nil {
			return nil, fmt.Errorf("close stale sessions: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return expired, nil
}
