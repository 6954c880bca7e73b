package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ogas1024/Chat-Room-sub003/internal/group"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chatroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := session.NewRegistry(8)
	rt := router.New(reg, st, group.NewManager(st, reg), 16)
	files, err := transfer.NewCoordinator(st, filepath.Join(dir, "files"), 0)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return New(st, reg, rt, files), st, reg
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s, _, reg := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Clients != 0 {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	sess := reg.Add("127.0.0.1", nil)
	_ = sess
	rec = do(t, s, http.MethodGet, "/health")
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Clients != 1 {
		t.Fatalf("clients = %d, want 1", resp.Clients)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	s, st, reg := newTestServer(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sess := reg.Add("127.0.0.1", nil)
	if _, ok := reg.Bind(sess.Token, id, "alice"); !ok {
		t.Fatal("bind")
	}

	rec := do(t, s, http.MethodGet, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Users != 1 || resp.OnlineUsers != 1 || resp.Connections != 1 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
	if resp.Groups != 1 { // the public group
		t.Fatalf("groups = %d, want 1", resp.Groups)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}

func TestBanAndUnbanUser(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "mallory", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if rec := do(t, s, http.MethodPost, "/api/users/"+itoa(id)+"/ban"); rec.Code != http.StatusNoContent {
		t.Fatalf("ban status = %d: %s", rec.Code, rec.Body.String())
	}
	u, err := st.UserByID(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !u.IsBanned {
		t.Fatal("user must be banned")
	}

	if rec := do(t, s, http.MethodDelete, "/api/users/"+itoa(id)+"/ban"); rec.Code != http.StatusNoContent {
		t.Fatalf("unban status = %d", rec.Code)
	}
	u, _ = st.UserByID(ctx, id)
	if u.IsBanned {
		t.Fatal("user must be unbanned")
	}

	if rec := do(t, s, http.MethodPost, "/api/users/404/ban"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing user ban status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/users/abc/ban"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if rec := do(t, s, http.MethodDelete, "/api/users/"+itoa(id)); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := st.UserByID(ctx, id); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected user gone, got %v", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
