package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"chat-delivery-pipeline/internal/models"
)

const deviceColumns = `id, user_id, token, platform, active, last_used_at, created_at`

func scanDevice(row pgx.CollectableRow) (models.DeviceToken, error) {
	var (
		d        models.DeviceToken
		platform string
		lastUsed pgtype.Timestamptz
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.Token, &platform, &d.Active, &lastUsed, &d.CreatedAt); err != nil {
		return models.DeviceToken{}, err
	}
	d.Platform = models.Platform(platform)
	d.LastUsedAt = timePtr(lastUsed)
	return d, nil
}

// UpsertDeviceToken registers a token for a user. Registering a known token again
// reassigns it and makes it active.
func (s *Store) UpsertDeviceToken(ctx context.Context, userID, token string, platform models.Platform) (models.DeviceToken, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO device_tokens (id, user_id, token, platform, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			active = TRUE,
			updated_at = NOW()
		RETURNING `+deviceColumns, uuid.New().String(), userID, token, string(platform))
	if err != nil {
		return models.DeviceToken{}, fmt.Errorf("upsert device token: %w", err)
	}
	d, err := pgx.CollectOneRow(rows, scanDevice)
	if err != nil {
		return models.DeviceToken{}, fmt.Errorf("scan device token: %w", err)
	}
	return d, nil
}

// ActiveDeviceTokens returns the active tokens of every listed user.
func (s *Store) ActiveDeviceTokens(ctx context.Context, userIDs []string) ([]models.DeviceToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM device_tokens
		WHERE user_id = ANY($1::text[]) AND active
		ORDER BY user_id, created_at
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanDevice)
	if err != nil {
		return nil, fmt.Errorf("scan device tokens: %w", err)
	}
	return out, nil
}

// DeactivateToken marks a token inactive. It reports false when the token was already inactive.
func (s *Store) DeactivateToken(ctx context.Context, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_tokens SET active = FALSE, updated_at = NOW()
		WHERE token = $1 AND active
	`, token)
	if err != nil {
		return false, fmt.Errorf("deactivate token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchToken records a successful send.
func (s *Store) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE device_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// DeactivateUnusedTokens deactivates active tokens not used (or, if never used, not
// registered) since cutoff. It returns how many were deactivated.
func (s *Store) DeactivateUnusedTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_tokens SET active = FALSE, updated_at = NOW()
		WHERE active AND COALESCE(last_used_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate unused tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendNotificationAudit stores the outcome of one dispatch attempt.
func (s *Store) AppendNotificationAudit(ctx context.Context, a models.NotificationAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_operations (operation_id, app_id, event_key, attempt, succeeded, failed, deactivated, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.OperationID, a.AppID, a.EventKey, a.Attempt, a.Succeeded, a.Failed, a.Deactivated, emptyToNil(a.Detail), a.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert notification audit: %w", err)
	}
	return nil
}
