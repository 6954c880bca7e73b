package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chatroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"ok", "alice", "secret1", nil},
		{"ok underscore dash", "a_b-c", "secret1", nil},
		{"too short", "ab", "secret1", ErrInvalidInput},
		{"too long", "abcdefghijklmnopqrstu", "secret1", ErrInvalidInput},
		{"bad chars", "al ice", "secret1", ErrInvalidInput},
		{"unicode rejected", "ありす", "secret1", ErrInvalidInput},
		{"short password", "bob", "12345", ErrInvalidInput},
		{"duplicate", "alice", "secret2", store.ErrUserExists},
	}
	for _, tc := range cases {
		_, err := svc.Register(ctx, tc.username, tc.password)
		if tc.wantErr == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestLoginDoesNotDistinguishUnknownUser(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, wrongPass := svc.Login(ctx, "alice", "not-it")
	_, noUser := svc.Login(ctx, "nobody", "not-it")
	if !errors.Is(wrongPass, ErrInvalidCredentials) || !errors.Is(noUser, ErrInvalidCredentials) {
		t.Fatalf("both failures must be ErrInvalidCredentials, got %v / %v", wrongPass, noUser)
	}
}

func TestLoginSuccessAndBan(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()

	uid, err := svc.Register(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	u, err := svc.Login(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.ID != uid || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	if err := st.BanUser(ctx, uid); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "secret1"); !errors.Is(err, ErrUserBanned) {
		t.Fatalf("expected ErrUserBanned, got %v", err)
	}
}

func TestPasswordHashIsSaltedAndOneWay(t *testing.T) {
	t.Parallel()

	h1, err := HashPassword("secret1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashPassword("secret1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("bcrypt hashes of the same password must differ (per-hash salt)")
	}
	if !VerifyPassword(h1, "secret1") || VerifyPassword(h1, "secret2") {
		t.Fatal("verify must accept the right password and reject the wrong one")
	}
}
