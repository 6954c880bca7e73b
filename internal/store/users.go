package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SystemUserID is the pseudo-user that authors system and AI messages.
const SystemUserID = 0

// User is one row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsOnline     bool
	IsBanned     bool
	CreatedAt    time.Time
}

// CreateUser inserts a new user and, in the same transaction, adds them to
// the reserved public group. Returns ErrUserExists on a username collision.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	var userID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users(username, password_hash) VALUES(?, ?)`,
			username, passwordHash,
		)
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		userID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}

		var publicID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM chat_groups WHERE name = ?`, PublicGroupName,
		).Scan(&publicID); err != nil {
			return fmt.Errorf("lookup public group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members(group_id, user_id) VALUES(?, ?)`,
			publicID, userID,
		); err != nil {
			return fmt.Errorf("join public group: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// UserByUsername returns the user with the given username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at
		 FROM users WHERE username = ?`, username))
}

// UserByID returns the user with the given id.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at
		 FROM users WHERE id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var (
		u       User
		created int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsOnline, &u.IsBanned, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}

// SetOnline mirrors the live session state into the users table for audit.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ? WHERE id = ?`, online, userID)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return s.requireRow(res)
}

// BanUser marks a user banned; a banned user cannot authenticate or send.
func (s *Store) BanUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = 1 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("ban user: %w", err)
	}
	return s.requireRow(res)
}

// UnbanUser clears the ban flag.
func (s *Store) UnbanUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = 0 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("unban user: %w", err)
	}
	return s.requireRow(res)
}

// UserUpdate carries optional user mutations; nil fields are untouched.
type UserUpdate struct {
	Username     *string
	PasswordHash *string
}

// UpdateUser applies the non-nil fields of upd to one user.
func (s *Store) UpdateUser(ctx context.Context, userID int64, upd UserUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if upd.Username != nil {
			res, err := tx.ExecContext(ctx,
				`UPDATE users SET username = ? WHERE id = ?`, *upd.Username, userID)
			if isUniqueViolation(err) {
				return ErrUserExists
			}
			if err != nil {
				return fmt.Errorf("update username: %w", err)
			}
			if err := s.requireRow(res); err != nil {
				return err
			}
		}
		if upd.PasswordHash != nil {
			res, err := tx.ExecContext(ctx,
				`UPDATE users SET password_hash = ? WHERE id = ?`, *upd.PasswordHash, userID)
			if err != nil {
				return fmt.Errorf("update password: %w", err)
			}
			if err := s.requireRow(res); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteUser removes a user and cascades to memberships, authored messages,
// offline queue rows, and uploaded file metadata — all in one transaction.
// It returns the on-disk paths of the user's files so the caller can unlink
// them after the commit.
func (s *Store) DeleteUser(ctx context.Context, userID int64) ([]string, error) {
	var orphans []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT server_filepath FROM files WHERE uploader_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("collect file paths: %w", err)
		}
		orphans, err = collectStrings(rows)
		if err != nil {
			return err
		}

		for _, q := range []string{
			`DELETE FROM files WHERE uploader_id = ?`,
			`DELETE FROM messages WHERE sender_id = ?`,
			`DELETE FROM group_members WHERE user_id = ?`,
			`DELETE FROM offline_messages WHERE user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, userID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return s.requireRow(res)
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, is_online, is_banned, created_at
		 FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsOnline, &u.IsBanned, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = time.Unix(created, 0).UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
