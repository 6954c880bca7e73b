package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
)

// SweeperConfig tunes the periodic liveness and away sweeps.
type SweeperConfig struct {
	Interval      time.Duration // sweep tick, nominal 60s
	PingTimeout   time.Duration // tear down sessions silent this long, nominal 5m
	AwayThreshold time.Duration // mark users away after this idle time, nominal 10m
}

// RunSweeper periodically tears down dead sessions and marks idle users
// away until ctx is cancelled. A torn-down session is treated like a socket
// error: the handler's Cancel fires and the normal disconnect path runs.
func (r *Registry) RunSweeper(ctx context.Context, cfg SweeperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Minute
	}
	if cfg.AwayThreshold <= 0 {
		cfg.AwayThreshold = 10 * time.Minute
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.StaleSessions(cfg.PingTimeout) {
				slog.Info("tearing down stale session", "token", s.Token, "user_id", s.UserID())
				s.SetState(StateClosing)
				if s.Cancel != nil {
					s.Cancel()
				}
			}
			for _, s := range r.MarkAway(cfg.AwayThreshold) {
				slog.Debug("user marked away", "user_id", s.UserID(), "username", s.Username())
				s.TrySend(protocol.Message{
					Type:    protocol.TypeSystem,
					Content: "you are now marked away",
				})
			}
		}
	}
}
