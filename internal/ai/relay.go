package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAlias is the mention token scanned for in chat messages.
	DefaultAlias = "ai"

	// FallbackReply is routed when the provider fails or times out.
	FallbackReply = "sorry, I can't answer right now. Please try again later."

	botMarker = " \U0001F916" // robot glyph appended to every reply

	defaultDeadline      = 30 * time.Second
	defaultMaxRetries    = 2
	defaultContextWindow = 10
	contextIdleEviction  = 24 * time.Hour

	systemPrompt = "You are a helpful assistant in a chat room. " +
		"Answer concisely in the language the user writes in."
)

// conversation is the rolling context for one (group, user) pair. Two
// users mentioning the assistant in the same room get independent
// threads.
type conversation struct {
	turns    []Turn
	lastUsed time.Time
}

type conversationKey struct {
	groupID int64
	user    string
}

// Relay detects AI mentions and produces formatted replies with rolling
// per-conversation context.
type Relay struct {
	completer  Completer
	enabled    bool
	alias      string
	deadline   time.Duration
	maxRetries int
	window     int // max exchanges kept per conversation

	mu       sync.Mutex
	contexts map[conversationKey]*conversation
	now      func() time.Time
}

// Options tunes the relay; zero values fall back to the defaults above.
type Options struct {
	Enabled       bool
	Alias         string
	Deadline      time.Duration
	MaxRetries    int
	ContextWindow int
}

// NewRelay builds a relay over the given completer. A nil completer
// disables the relay regardless of opts.Enabled.
func NewRelay(c Completer, opts Options) *Relay {
	if opts.Alias == "" {
		opts.Alias = DefaultAlias
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	return &Relay{
		completer:  c,
		enabled:    opts.Enabled && c != nil,
		alias:      strings.ToLower(opts.Alias),
		deadline:   opts.Deadline,
		maxRetries: opts.MaxRetries,
		window:     opts.ContextWindow,
		contexts:   make(map[conversationKey]*conversation),
		now:        time.Now,
	}
}

// Enabled reports whether mentions trigger the relay.
func (r *Relay) Enabled() bool { return r.enabled }

// Mentioned scans content for an @ai (or @alias) token and returns the
// content with the mention removed. The scan is case-insensitive.
func (r *Relay) Mentioned(content string) (string, bool) {
	if !r.enabled {
		return "", false
	}
	fields := strings.Fields(content)
	matched := false
	kept := fields[:0]
	for _, f := range fields {
		token := strings.ToLower(strings.Trim(f, ".,:;!?"))
		if token == "@"+r.alias {
			matched = true
			continue
		}
		kept = append(kept, f)
	}
	if !matched {
		return "", false
	}
	return strings.Join(kept, " "), true
}

// Reply asks the provider for a response to prompt within groupID's
// rolling context and returns it formatted for the room. Provider failure
// degrades to the fallback text; Reply never returns an error to the
// caller because a chat answer always goes out.
func (r *Relay) Reply(ctx context.Context, groupID int64, sender, prompt string) string {
	turns := r.snapshot(groupID, sender, prompt)

	reply, err := r.complete(ctx, turns)
	if err != nil {
		slog.Warn("ai completion failed", "group_id", groupID, "sender", sender, "err", err)
		return formatReply(sender, FallbackReply)
	}

	r.remember(groupID, sender, prompt, reply)
	return formatReply(sender, reply)
}

func (r *Relay) complete(ctx context.Context, turns []Turn) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.deadline)
		reply, err := r.completer.Complete(callCtx, turns)
		cancel()
		if err == nil {
			reply = strings.TrimSpace(reply)
			if reply == "" {
				return "", fmt.Errorf("empty reply from provider")
			}
			return reply, nil
		}
		lastErr = err
		if !IsTransientError(err) {
			break
		}
		slog.Debug("retrying ai completion", "attempt", attempt+1, "err", err)
	}
	return "", lastErr
}

// snapshot builds the turn list for one call: system prompt, the sender's
// rolling context in this group, then the new user prompt tagged with the
// sender's name.
func (r *Relay) snapshot(groupID int64, sender, prompt string) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIdleLocked()

	turns := []Turn{{Role: RoleSystem, Content: systemPrompt}}
	if conv, ok := r.contexts[conversationKey{groupID, sender}]; ok {
		turns = append(turns, conv.turns...)
	}
	return append(turns, Turn{Role: RoleUser, Content: sender + ": " + prompt})
}

// remember appends one exchange to the sender's rolling context, trimming
// the oldest exchanges past the window.
func (r *Relay) remember(groupID int64, sender, prompt, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := conversationKey{groupID, sender}
	conv, ok := r.contexts[key]
	if !ok {
		conv = &conversation{}
		r.contexts[key] = conv
	}
	conv.turns = append(conv.turns,
		Turn{Role: RoleUser, Content: prompt},
		Turn{Role: RoleAssistant, Content: reply},
	)
	if max := r.window * 2; len(conv.turns) > max {
		conv.turns = append(conv.turns[:0:0], conv.turns[len(conv.turns)-max:]...)
	}
	conv.lastUsed = r.now()
}

// ContextSize reports the number of turns held for one sender in one
// group, for tests and stats.
func (r *Relay) ContextSize(groupID int64, sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.contexts[conversationKey{groupID, sender}]; ok {
		return len(conv.turns)
	}
	return 0
}

// evictIdleLocked drops conversations idle past the eviction window.
// Caller holds r.mu.
func (r *Relay) evictIdleLocked() {
	cutoff := r.now().Add(-contextIdleEviction)
	for key, conv := range r.contexts {
		if conv.lastUsed.Before(cutoff) {
			delete(r.contexts, key)
		}
	}
}

func formatReply(sender, text string) string {
	return "@" + sender + " " + text + botMarker
}
