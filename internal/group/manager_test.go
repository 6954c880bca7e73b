package group

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Store, *session.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chatroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := session.NewRegistry(8)
	return NewManager(st, reg), st, reg
}

func mustUser(t *testing.T, st *store.Store, name string) store.User {
	t.Helper()
	id, err := st.CreateUser(context.Background(), name, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	u, err := st.UserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup user %s: %v", name, err)
	}
	return u
}

func TestCreateAddsCreatorAsMember(t *testing.T) {
	t.Parallel()
	m, st, _ := newManager(t)
	ctx := context.Background()

	alice := mustUser(t, st, "alice")
	g, err := m.Create(ctx, "  gophers  ", false, alice.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Name != "gophers" {
		t.Fatalf("expected trimmed name, got %q", g.Name)
	}
	members, err := m.Members(ctx, g.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].UserID != alice.ID {
		t.Fatalf("creator must be a member: %+v", members)
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	t.Parallel()
	m, st, _ := newManager(t)
	alice := mustUser(t, st, "alice")

	for _, name := range []string{"", "   ", string(make([]byte, MaxNameLength+1))} {
		if _, err := m.Create(context.Background(), name, false, alice.ID); err == nil {
			t.Fatalf("expected error for name %q", name)
		}
	}
}

func TestOnlineMembersIntersectsRegistry(t *testing.T) {
	t.Parallel()
	m, st, reg := newManager(t)
	ctx := context.Background()

	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	carol := mustUser(t, st, "carol")

	public, err := st.GroupByName(ctx, store.PublicGroupName)
	if err != nil {
		t.Fatalf("public: %v", err)
	}

	// alice and bob online, carol offline.
	for _, u := range []store.User{alice, bob} {
		s := reg.Add("127.0.0.1", nil)
		if _, ok := reg.Bind(s.Token, u.ID, u.Username); !ok {
			t.Fatalf("bind %s", u.Username)
		}
	}
	_ = carol

	online, err := m.OnlineMembers(ctx, public.ID)
	if err != nil {
		t.Fatalf("online members: %v", err)
	}
	if len(online) != 2 {
		t.Fatalf("expected 2 online members, got %v", online)
	}
	seen := map[int64]bool{}
	for _, id := range online {
		seen[id] = true
	}
	if !seen[alice.ID] || !seen[bob.ID] || seen[carol.ID] {
		t.Fatalf("wrong online set: %v", online)
	}
}

func TestPrivateChatHasExactlyTwoMembersAndIsStable(t *testing.T) {
	t.Parallel()
	m, st, _ := newManager(t)
	ctx := context.Background()

	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")

	g1, err := m.PrivateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("private chat: %v", err)
	}
	if !g1.IsPrivateChat {
		t.Fatal("expected is_private_chat set")
	}
	members, err := m.Members(ctx, g1.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected exactly two members, got %d", len(members))
	}

	// Same chat regardless of argument order.
	g2, err := m.PrivateChat(ctx, bob, alice)
	if err != nil {
		t.Fatalf("private chat reversed: %v", err)
	}
	if g2.ID != g1.ID {
		t.Fatalf("expected stable private chat, got %d vs %d", g1.ID, g2.ID)
	}
}
