// Package server owns the TCP accept loop and the per-connection
// handlers. Each accepted socket gets a session, a writer goroutine
// draining the session's outbound channel, and a read loop dispatching
// decoded frames to the store, router, transfer coordinator and AI relay.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ogas1024/Chat-Room-sub003/internal/ai"
	"github.com/ogas1024/Chat-Room-sub003/internal/auth"
	"github.com/ogas1024/Chat-Room-sub003/internal/config"
	"github.com/ogas1024/Chat-Room-sub003/internal/group"
	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownGrace   = 5 * time.Second
	offlineDrainMax = 500
	historyLimitMax = 200
)

var metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chatroom_open_connections",
	Help: "Currently open client connections.",
})

// Server is the chat server core.
type Server struct {
	cfg    *config.Config
	st     *store.Store
	auth   *auth.Service
	reg    *session.Registry
	groups *group.Manager
	rt     *router.Router
	files  *transfer.Coordinator
	relay  *ai.Relay

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New wires the server from its components.
func New(cfg *config.Config, st *store.Store, authSvc *auth.Service, reg *session.Registry,
	groups *group.Manager, rt *router.Router, files *transfer.Coordinator, relay *ai.Relay) *Server {
	return &Server{
		cfg:    cfg,
		st:     st,
		auth:   authSvc,
		reg:    reg,
		groups: groups,
		rt:     rt,
		files:  files,
		relay:  relay,
	}
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run binds the listener and accepts connections until ctx is cancelled,
// then performs a graceful shutdown: stop accepting, notify every session,
// wait up to a grace period, force-close the rest.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info("listening", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	connSem := make(chan struct{}, s.cfg.MaxConnections)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		select {
		case connSem <- struct{}{}:
		default:
			// At capacity: refuse politely and move on.
			_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
			_ = protocol.WriteFrame(nc, protocol.ErrorMsg(protocol.CodeBusy, "server is at connection capacity"))
			_ = nc.Close()
			continue
		}

		s.wg.Add(1)
		metricConnections.Inc()
		go func() {
			defer func() {
				<-connSem
				s.wg.Done()
				metricConnections.Dec()
			}()
			s.handleConn(ctx, nc)
		}()
	}

	s.shutdown()
	return nil
}

// shutdown notifies all live sessions and drains handlers.
func (s *Server) shutdown() {
	slog.Info("shutting down, notifying sessions")
	for _, sess := range s.reg.Sessions() {
		sess.TrySend(protocol.Message{Type: protocol.TypeServerShutdown, Reason: "server is shutting down"})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("grace period expired, force-closing sessions")
		for _, sess := range s.reg.Sessions() {
			sess.SetState(session.StateClosing)
			if sess.Cancel != nil {
				sess.Cancel()
			}
		}
		<-done
	}
	slog.Info("all connections closed")
}
