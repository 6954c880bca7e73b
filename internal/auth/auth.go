// Package auth implements registration and credential verification on top
// of the store. Passwords are hashed with bcrypt; verification never
// reveals whether the username or the password was wrong.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

var (
	// ErrInvalidInput is returned for malformed usernames or passwords.
	ErrInvalidInput = errors.New("invalid username or password format")

	// ErrInvalidCredentials is returned for both unknown usernames and
	// wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserBanned is returned when a banned user attempts to log in.
	ErrUserBanned = errors.New("user is banned")
)

// dummyHash absorbs a bcrypt comparison when the username does not exist,
// so login latency does not leak which of the two checks failed.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chatroom-timing-pad"), bcrypt.DefaultCost)

// Service validates credentials against persisted users.
type Service struct {
	store *store.Store
}

// New returns an auth service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateUsername checks the username charset and length rules.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-20 characters of [A-Za-z0-9_-]", ErrInvalidInput)
	}
	return nil
}

// Register creates a new user and returns its id. The new user joins the
// public group as part of the same store transaction.
func (s *Service) Register(ctx context.Context, username, password string) (int64, error) {
	if err := ValidateUsername(username); err != nil {
		return 0, err
	}
	if len(password) < MinPasswordLength {
		return 0, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	id, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		return 0, err
	}
	slog.Info("user registered", "user_id", id, "username", username)
	return id, nil
}

// Login verifies username/password and returns the user on success.
// Unknown usernames and wrong passwords both yield ErrInvalidCredentials;
// banned users yield ErrUserBanned.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	u, err := s.store.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, err
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return store.User{}, ErrInvalidCredentials
	}
	if u.IsBanned {
		return store.User{}, ErrUserBanned
	}
	return u, nil
}
