// Package group layers membership semantics over the store and joins them
// with live presence from the session registry.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

// MaxNameLength caps group names.
const MaxNameLength = 50

// Manager mediates group membership queries and mutations.
type Manager struct {
	store *store.Store
	reg   *session.Registry
}

// NewManager returns a group manager over st and reg.
func NewManager(st *store.Store, reg *session.Registry) *Manager {
	return &Manager{store: st, reg: reg}
}

// ValidateName trims name and enforces the length rules.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("group name must not be empty")
	case len(name) > MaxNameLength:
		return "", fmt.Errorf("group name must not exceed %d characters", MaxNameLength)
	}
	return name, nil
}

// Create makes a new group; the creator joins it immediately.
func (m *Manager) Create(ctx context.Context, name string, isPrivate bool, creatorID int64) (store.Group, error) {
	name, err := ValidateName(name)
	if err != nil {
		return store.Group{}, err
	}
	gid, err := m.store.CreateGroup(ctx, name, isPrivate)
	if err != nil {
		return store.Group{}, err
	}
	if err := m.store.AddMember(ctx, gid, creatorID); err != nil {
		return store.Group{}, err
	}
	slog.Info("group created", "group_id", gid, "name", name, "creator_id", creatorID, "private", isPrivate)
	return m.store.GroupByID(ctx, gid)
}

// Join adds a user to an existing group. Idempotent.
func (m *Manager) Join(ctx context.Context, groupID, userID int64) error {
	return m.store.AddMember(ctx, groupID, userID)
}

// Leave removes a user from a group. Leaving is allowed even when the
// group is banned.
func (m *Manager) Leave(ctx context.Context, groupID, userID int64) error {
	return m.store.RemoveMember(ctx, groupID, userID)
}

// Members returns the full membership of a group.
func (m *Manager) Members(ctx context.Context, groupID int64) ([]store.Member, error) {
	return m.store.ListMembers(ctx, groupID)
}

// OnlineMembers returns the ids of members that currently have an active
// session, joining persisted membership with the live registry.
func (m *Manager) OnlineMembers(ctx context.Context, groupID int64) ([]int64, error) {
	members, err := m.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	online := make([]int64, 0, len(members))
	for _, mem := range members {
		if m.reg.Online(mem.UserID) {
			online = append(online, mem.UserID)
		}
	}
	return online, nil
}

// PrivateChat returns the private-chat group between two users, creating
// it on first use. A private chat is an ordinary group with
// is_private_chat=true and membership exactly {a, b}.
func (m *Manager) PrivateChat(ctx context.Context, a, b store.User) (store.Group, error) {
	lo, hi := a, b
	if hi.ID < lo.ID {
		lo, hi = hi, lo
	}
	name := fmt.Sprintf("dm:%d:%d", lo.ID, hi.ID)

	g, err := m.store.GroupByName(ctx, name)
	if err == nil {
		return g, nil
	}

	gid, err := m.store.CreateGroup(ctx, name, true)
	if err != nil {
		// Lost a race with the other side creating the same chat.
		if g, lookupErr := m.store.GroupByName(ctx, name); lookupErr == nil {
			return g, nil
		}
		return store.Group{}, err
	}
	if err := m.store.AddMember(ctx, gid, lo.ID); err != nil {
		return store.Group{}, err
	}
	if err := m.store.AddMember(ctx, gid, hi.ID); err != nil {
		return store.Group{}, err
	}
	slog.Debug("private chat created", "group_id", gid, "users", []int64{lo.ID, hi.ID})
	return m.store.GroupByID(ctx, gid)
}
