package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Group is one row in the chat_groups table.
type Group struct {
	ID            int64
	Name          string
	IsPrivateChat bool
	IsBanned      bool
	CreatedAt     time.Time
}

// Member is one membership row joined to the member's username.
type Member struct {
	UserID   int64
	Username string
	JoinedAt time.Time
}

// CreateGroup inserts a new chat group. Returns ErrGroupExists on a name
// collision.
func (s *Store) CreateGroup(ctx context.Context, name string, isPrivateChat bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups(name, is_private_chat) VALUES(?, ?)`,
		name, isPrivateChat,
	)
	if isUniqueViolation(err) {
		return 0, ErrGroupExists
	}
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return res.LastInsertId()
}

// GroupByID returns the group with the given id.
func (s *Store) GroupByID(ctx context.Context, id int64) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private_chat, is_banned, created_at
		 FROM chat_groups WHERE id = ?`, id))
}

// GroupByName returns the group with the given name.
func (s *Store) GroupByName(ctx context.Context, name string) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		`SELECT id, name, is_private_chat, is_banned, created_at
		 FROM chat_groups WHERE name = ?`, name))
}

func (s *Store) scanGroup(row *sql.Row) (Group, error) {
	var (
		g       Group
		created int64
	)
	err := row.Scan(&g.ID, &g.Name, &g.IsPrivateChat, &g.IsBanned, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("scan group: %w", err)
	}
	g.CreatedAt = time.Unix(created, 0).UTC()
	return g, nil
}

// BanGroup marks a group banned; a banned group refuses new messages.
func (s *Store) BanGroup(ctx context.Context, groupID int64) error {
	return s.setGroupBanned(ctx, groupID, true)
}

// UnbanGroup clears the group ban flag.
func (s *Store) UnbanGroup(ctx context.Context, groupID int64) error {
	return s.setGroupBanned(ctx, groupID, false)
}

func (s *Store) setGroupBanned(ctx context.Context, groupID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_groups SET is_banned = ? WHERE id = ?`, banned, groupID)
	if err != nil {
		return fmt.Errorf("set group banned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// DeleteGroup removes a group and cascades to memberships, messages, and
// file metadata in one transaction. Returns the on-disk paths of the
// group's files for post-commit unlink.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) ([]string, error) {
	var orphans []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT server_filepath FROM files WHERE group_id = ?`, groupID)
		if err != nil {
			return fmt.Errorf("collect file paths: %w", err)
		}
		orphans, err = collectStrings(rows)
		if err != nil {
			return err
		}

		for _, q := range []string{
			`DELETE FROM files WHERE group_id = ?`,
			`DELETE FROM messages WHERE group_id = ?`,
			`DELETE FROM group_members WHERE group_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, groupID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM chat_groups WHERE id = ?`, groupID)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrGroupNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// AddMember inserts a membership row. Adding an existing member is a no-op.
// Both the group and the user must exist.
func (s *Store) AddMember(ctx context.Context, groupID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireExists(ctx, tx, `SELECT 1 FROM chat_groups WHERE id = ?`, groupID, ErrGroupNotFound); err != nil {
			return err
		}
		if err := requireExists(ctx, tx, `SELECT 1 FROM users WHERE id = ?`, userID, ErrUserNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members(group_id, user_id) VALUES(?, ?)`,
			groupID, userID,
		); err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	})
}

// RemoveMember deletes a membership row. Returns ErrNotAMember when the
// user was not a member.
func (s *Store) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotAMember
	}
	return nil
}

// IsMember reports whether userID belongs to groupID.
func (s *Store) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// ListMembers returns the members of a group ordered by join time.
func (s *Store) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gm.user_id, u.username, gm.joined_at
		 FROM group_members gm JOIN users u ON u.id = gm.user_id
		 WHERE gm.group_id = ?
		 ORDER BY gm.joined_at ASC, gm.user_id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m      Member
			joined int64
		)
		if err := rows.Scan(&m.UserID, &m.Username, &joined); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = time.Unix(joined, 0).UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListUserGroups returns every group the user belongs to, ordered by id.
func (s *Store) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, g.is_private_chat, g.is_banned, g.created_at
		 FROM chat_groups g JOIN group_members gm ON gm.group_id = g.id
		 WHERE gm.user_id = ?
		 ORDER BY g.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var (
			g       Group
			created int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.IsPrivateChat, &g.IsBanned, &created); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.CreatedAt = time.Unix(created, 0).UTC()
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func requireExists(ctx context.Context, tx *sql.Tx, query string, id int64, notFound error) error {
	var one int
	err := tx.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	return nil
}
