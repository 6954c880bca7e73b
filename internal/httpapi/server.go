// Package httpapi is the operational HTTP surface: health, stats, metrics,
// and the admin endpoints for bans and deletions. It runs on a separate
// port from the chat listener.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	st    *store.Store
	reg   *session.Registry
	rt    *router.Router
	files *transfer.Coordinator
}

// New constructs the Echo app and registers all routes.
func New(st *store.Store, reg *session.Registry, rt *router.Router, files *transfer.Coordinator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, st: st, reg: reg, rt: rt, files: files}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/users", s.handleUsers)

	s.echo.POST("/api/users/:id/ban", s.handleBanUser)
	s.echo.DELETE("/api/users/:id/ban", s.handleUnbanUser)
	s.echo.DELETE("/api/users/:id", s.handleDeleteUser)
	s.echo.POST("/api/groups/:id/ban", s.handleBanGroup)
	s.echo.DELETE("/api/groups/:id/ban", s.handleUnbanGroup)
	s.echo.DELETE("/api/groups/:id", s.handleDeleteGroup)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	clients, _ := s.reg.Counts()
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Clients: clients})
}

type statsResponse struct {
	Connections   int   `json:"connections"`
	OnlineUsers   int   `json:"online_users"`
	Users         int64 `json:"users"`
	Groups        int64 `json:"groups"`
	Messages      int64 `json:"messages"`
	OfflineQueued int64 `json:"offline_queued"`
	Files         int64 `json:"files"`
	RouterQueue   int   `json:"router_queue"`
	Uploads       int   `json:"uploads_in_flight"`
	Downloads     int   `json:"downloads_in_flight"`
}

func (s *Server) handleStats(c echo.Context) error {
	dbStats, err := s.st.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	clients, online := s.reg.Counts()
	uploads, downloads := s.files.InFlight()
	return c.JSON(http.StatusOK, statsResponse{
		Connections:   clients,
		OnlineUsers:   online,
		Users:         dbStats.Users,
		Groups:        dbStats.Groups,
		Messages:      dbStats.Messages,
		OfflineQueued: dbStats.OfflinePending,
		Files:         dbStats.Files,
		RouterQueue:   s.rt.QueueDepth(),
		Uploads:       uploads,
		Downloads:     downloads,
	})
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.st.ListUsers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]protocol.UserInfo, 0, len(users))
	for _, u := range users {
		sess, _ := s.reg.ByUser(u.ID)
		info := protocol.UserInfo{ID: u.ID, Username: u.Username, Online: sess != nil}
		if sess != nil {
			info.Away = sess.Away()
			info.LatencyMS = sess.Latency().Milliseconds()
		}
		resp = append(resp, info)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBanUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.st.BanUser(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	// A banned user loses their live session immediately.
	if sess, ok := s.reg.ByUser(id); ok {
		sess.TrySend(protocol.Message{Type: protocol.TypeForceLogout, Reason: "account banned"})
		if sess.Cancel != nil {
			sess.Cancel()
		}
	}
	slog.Info("user banned", "user_id", id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.st.UnbanUser(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if sess, ok := s.reg.ByUser(id); ok {
		sess.TrySend(protocol.Message{Type: protocol.TypeForceLogout, Reason: "account deleted"})
		if sess.Cancel != nil {
			sess.Cancel()
		}
	}
	orphans, err := s.st.DeleteUser(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}
	removeOrphans(orphans)
	slog.Info("user deleted", "user_id", id, "files_removed", len(orphans))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBanGroup(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.st.BanGroup(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	slog.Info("group banned", "group_id", id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanGroup(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.st.UnbanGroup(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteGroup(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	orphans, err := s.st.DeleteGroup(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}
	removeOrphans(orphans)
	slog.Info("group deleted", "group_id", id, "files_removed", len(orphans))
	return c.NoContent(http.StatusNoContent)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrGroupNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func removeOrphans(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove orphaned file", "path", p, "err", err)
		}
	}
}
