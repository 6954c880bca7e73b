package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Message kinds persisted in the history table.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
	MessageTypeAI     = "ai"
	MessageTypeFile   = "file"
)

// HistoryMessage is one history row joined to its sender's username.
// Sender "system" stands in for the system pseudo-user.
type HistoryMessage struct {
	ID             int64
	GroupID        int64
	SenderID       int64
	SenderUsername string
	Content        string
	MessageType    string
	Timestamp      time.Time
}

// SaveMessage appends one message to a group's history and returns the
// assigned id. The group must exist and not be banned; the sender must
// exist unless it is the system pseudo-user; content is capped at
// MaxContentLength characters.
func (s *Store) SaveMessage(ctx context.Context, groupID, senderID int64, content, messageType string) (int64, error) {
	if utf8.RuneCountInString(content) > MaxContentLength {
		return 0, ErrMessageTooLong
	}
	if messageType == "" {
		messageType = MessageTypeText
	}

	var messageID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var banned bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_banned FROM chat_groups WHERE id = ?`, groupID,
		).Scan(&banned)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup group: %w", err)
		}
		if banned {
			return ErrGroupBanned
		}

		if senderID != SystemUserID {
			if err := requireExists(ctx, tx, `SELECT 1 FROM users WHERE id = ?`, senderID, ErrUserNotFound); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(group_id, sender_id, content, message_type, timestamp)
			 VALUES(?, ?, ?, ?, ?)`,
			groupID, senderID, content, messageType, time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		messageID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}

// GetHistory returns up to limit messages from a group with id < beforeID
// (or the latest messages when beforeID is 0), in ascending id order, each
// joined to the sender's username.
func (s *Store) GetHistory(ctx context.Context, groupID int64, limit int, beforeID int64) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.group_id, m.sender_id, COALESCE(u.username, 'system'),
		        m.content, m.message_type, m.timestamp
		 FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.group_id = ? AND (? = 0 OR m.id < ?)
		 ORDER BY m.id DESC
		 LIMIT ?`, groupID, beforeID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []HistoryMessage
	for rows.Next() {
		var (
			m  HistoryMessage
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.SenderUsername, &m.Content, &m.MessageType, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to ascending id order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LinkFileMessage records the chat message created for a completed upload
// on its file metadata row.
func (s *Store) LinkFileMessage(ctx context.Context, fileID string, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET message_id = ? WHERE file_id = ?`, messageID, fileID)
	if err != nil {
		return fmt.Errorf("link file message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFileNotFound
	}
	return nil
}
