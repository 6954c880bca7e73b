// Package session owns the live mapping between connections and
// authenticated users. It enforces the single-active-session policy,
// carries each connection's outbound frame channel, and runs the liveness
// and away sweeps.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
)

// SendTimeout bounds how long a push into one session's outbound channel
// may block before the frame is considered undeliverable.
const SendTimeout = 50 * time.Millisecond

// State is the lifecycle position of one connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the live state of one connection. Token doubles as the
// connection id; it is the opaque session token handed to the client at
// login.
type Session struct {
	Token       string
	IP          string
	ConnectedAt time.Time

	// Send carries outbound frames to the connection's writer goroutine.
	Send chan protocol.Message

	// Cancel tears down the owning connection handler. Set by the server
	// before the session is registered.
	Cancel func()

	mu           sync.Mutex
	userID       int64
	username     string
	state        State
	lastPing     time.Time
	lastActivity time.Time
	pingLatency  time.Duration
	away         bool
}

// UserID returns the bound user id, or 0 before authentication.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Username returns the bound username, or "" before authentication.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the lifecycle state. CLOSED is terminal.
func (s *Session) SetState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = next
}

// Latency returns the round-trip latency measured by the last ping.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingLatency
}

// Away reports whether the user has been idle past the away threshold.
func (s *Session) Away() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.away
}

// Registry tracks sessions by connection token and by user. Lookups are
// frequent and mutations rare, so a reader-writer lock over plain maps.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]*Session
	byUser  map[int64]string // userID → session token; at most one entry per user

	sendBuf int
	now     func() time.Time
}

// NewRegistry returns an empty registry. sendBuf sizes each session's
// outbound channel.
func NewRegistry(sendBuf int) *Registry {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Registry{
		byToken: make(map[string]*Session),
		byUser:  make(map[int64]string),
		sendBuf: sendBuf,
		now:     time.Now,
	}
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Add registers a fresh unauthenticated session for a connection.
func (r *Registry) Add(ip string, cancel func()) *Session {
	now := r.now()
	s := &Session{
		Token:        uuid.NewString(),
		IP:           ip,
		ConnectedAt:  now,
		Send:         make(chan protocol.Message, r.sendBuf),
		Cancel:       cancel,
		state:        StateAuthenticating,
		lastPing:     now,
		lastActivity: now,
	}

	r.mu.Lock()
	r.byToken[s.Token] = s
	total := len(r.byToken)
	r.mu.Unlock()

	slog.Debug("session added", "token", s.Token, "ip", ip, "total_sessions", total)
	return s
}

// Bind associates an authenticated user with a session. When the user
// already has an active session, that previous session is returned so the
// caller can send force_logout and close it; the newer session wins.
func (r *Registry) Bind(token string, userID int64, username string) (prev *Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.byToken[token]
	if !exists {
		return nil, false
	}

	if prevToken, has := r.byUser[userID]; has && prevToken != token {
		prev = r.byToken[prevToken]
	}
	r.byUser[userID] = token

	s.mu.Lock()
	s.userID = userID
	s.username = username
	s.state = StateActive
	s.lastActivity = r.now()
	s.mu.Unlock()

	slog.Info("session bound", "token", token, "user_id", userID, "username", username, "replaced", prev != nil)
	return prev, true
}

// Remove unregisters a session and closes its outbound channel. The user
// mapping is cleared only if it still points at this session.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	s, exists := r.byToken[token]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.byToken, token)

	s.mu.Lock()
	uid := s.userID
	s.state = StateClosed
	s.mu.Unlock()

	if uid != 0 && r.byUser[uid] == token {
		delete(r.byUser, uid)
	}
	remaining := len(r.byToken)
	r.mu.Unlock()

	close(s.Send)
	slog.Info("session removed", "token", token, "user_id", uid, "remaining_sessions", remaining)
}

// ByToken returns the session registered under token.
func (r *Registry) ByToken(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byToken[token]
	return s, ok
}

// ByUser returns the active session for userID, if any.
func (r *Registry) ByUser(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := r.byToken[token]
	return s, ok
}

// Online reports whether userID has an active session.
func (r *Registry) Online(userID int64) bool {
	_, ok := r.ByUser(userID)
	return ok
}

// OnlineUserIDs returns a snapshot of all users with an active session.
func (r *Registry) OnlineUserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	return out
}

// Counts returns (total sessions, authenticated sessions).
func (r *Registry) Counts() (sessions, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken), len(r.byUser)
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byToken))
	for _, s := range r.byToken {
		out = append(out, s)
	}
	return out
}

// Send pushes one frame to a user's active session. It reports false when
// the user is offline or the session's channel cannot accept the frame
// within SendTimeout.
func (r *Registry) Send(userID int64, msg protocol.Message) bool {
	s, ok := r.ByUser(userID)
	if !ok {
		return false
	}
	return s.TrySend(msg)
}

// TrySend pushes one frame into the session's outbound channel, giving up
// after SendTimeout. A closed channel counts as a failed send.
func (s *Session) TrySend(msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.Send <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("send timeout", "token", s.Token, "type", msg.Type)
		return false
	}
}

// TouchPing records a liveness ping and its measured latency.
func (r *Registry) TouchPing(token string, latency time.Duration) {
	r.mu.RLock()
	s, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastPing = r.now()
	s.pingLatency = latency
	s.mu.Unlock()
}

// UpdateActivity refreshes a user's away timer and clears the away flag.
func (r *Registry) UpdateActivity(userID int64) {
	s, ok := r.ByUser(userID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = r.now()
	s.away = false
	s.mu.Unlock()
}

// StaleSessions returns sessions whose last ping is older than threshold.
func (r *Registry) StaleSessions(threshold time.Duration) []*Session {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Session
	for _, s := range r.byToken {
		s.mu.Lock()
		old := s.lastPing.Before(cutoff)
		s.mu.Unlock()
		if old {
			stale = append(stale, s)
		}
	}
	return stale
}

// MarkAway flags authenticated sessions idle past threshold as away and
// returns the newly-away sessions. Away users stay connected.
func (r *Registry) MarkAway(threshold time.Duration) []*Session {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var marked []*Session
	for _, s := range r.byToken {
		s.mu.Lock()
		if s.userID != 0 && !s.away && s.lastActivity.Before(cutoff) {
			s.away = true
			marked = append(marked, s)
		}
		s.mu.Unlock()
	}
	return marked
}
