package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OfflineMessage is one queued payload awaiting a recipient's reconnect.
// Payload is an encoded wire frame, opaque to the store.
type OfflineMessage struct {
	ID        int64
	UserID    int64
	Payload   []byte
	CreatedAt time.Time
}

// EnqueueOffline stores a payload for later delivery to userID.
func (s *Store) EnqueueOffline(ctx context.Context, userID int64, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages(user_id, payload, created_at) VALUES(?, ?, ?)`,
		userID, payload, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue offline: %w", err)
	}
	return res.LastInsertId()
}

// DrainOffline atomically marks up to limit undelivered rows for userID as
// delivered and returns them in insertion order. A row is returned at most
// once across all drains.
func (s *Store) DrainOffline(ctx context.Context, userID int64, limit int) ([]OfflineMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var msgs []OfflineMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, user_id, payload, created_at
			 FROM offline_messages
			 WHERE user_id = ? AND is_delivered = 0
			 ORDER BY id ASC
			 LIMIT ?`, userID, limit)
		if err != nil {
			return fmt.Errorf("query offline: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var (
				m       OfflineMessage
				created int64
			)
			if err := rows.Scan(&m.ID, &m.UserID, &m.Payload, &created); err != nil {
				return fmt.Errorf("scan offline row: %w", err)
			}
			m.CreatedAt = time.Unix(created, 0).UTC()
			msgs = append(msgs, m)
			ids = append(ids, m.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE offline_messages SET is_delivered = 1 WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
			args...,
		); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// PendingOffline returns the number of undelivered rows for userID.
func (s *Store) PendingOffline(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_messages WHERE user_id = ? AND is_delivered = 0`,
		userID,
	).Scan(&n)
	return n, err
}

// ReapDelivered removes delivered rows older than the retention window.
func (s *Store) ReapDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_messages WHERE is_delivered = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap delivered: %w", err)
	}
	return res.RowsAffected()
}
