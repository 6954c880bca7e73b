package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"net"
	"path/filepath"
	"testing"
	"time"

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

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, turns []ai.Turn) (string, error) {
	return "echo: " + turns[len(turns)-1].Content, nil
}

// startServer boots a full server on a random port and returns its address
// and backing store.
func startServer(t *testing.T) (string, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chatroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		MaxConnections:   32,
		ChunkSizeDefault: 64 << 10,
		RateLimit:        200,
		RateBurst:        400,
	}
	reg := session.NewRegistry(64)
	groups := group.NewManager(st, reg)
	rt := router.New(reg, st, groups, 64)
	files, err := transfer.NewCoordinator(st, filepath.Join(dir, "files"), 0)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	relay := ai.NewRelay(echoCompleter{}, ai.Options{Enabled: true})

	srv := New(cfg, st, auth.New(st), reg, groups, rt, files, relay)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)
	go func() {
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String(), st
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn, dec: protocol.NewDecoder(conn)}
	// Every connection is greeted first.
	if msg := c.recv(); msg.Type != protocol.TypeNicknameRequest {
		t.Fatalf("expected greeting, got %q", msg.Type)
	}
	return c
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	if err := protocol.WriteFrame(c.conn, msg); err != nil {
		c.t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func (c *testClient) recv() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := c.dec.Decode()
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return msg
}

// recvType skips frames until one of the wanted type arrives.
func (c *testClient) recvType(typ string) protocol.Message {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if msg := c.recv(); msg.Type == typ {
			return msg
		}
	}
	c.t.Fatalf("no %s frame received", typ)
	return protocol.Message{}
}

func (c *testClient) registerAndLogin(username, password string) protocol.Message {
	c.t.Helper()
	c.send(protocol.Message{Type: protocol.TypeRegister, Username: username, Password: password})
	if resp := c.recvType(protocol.TypeRegisterResponse); resp.Success == nil || !*resp.Success {
		c.t.Fatalf("register failed: %+v", resp)
	}
	return c.login(username, password)
}

func (c *testClient) login(username, password string) protocol.Message {
	c.t.Helper()
	c.send(protocol.Message{Type: protocol.TypeLogin, Username: username, Password: password})
	resp := c.recvType(protocol.TypeLoginResponse)
	if resp.Success == nil || !*resp.Success {
		c.t.Fatalf("login failed: %+v", resp)
	}
	return resp
}

func publicGroupID(t *testing.T, st *store.Store) int64 {
	t.Helper()
	g, err := st.GroupByName(context.Background(), store.PublicGroupName)
	if err != nil {
		t.Fatalf("public group: %v", err)
	}
	return g.ID
}

func TestRegisterLoginAndGroupChat(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")
	bob := dial(t, addr)
	bob.registerAndLogin("bob", "secret123")

	alice.send(protocol.Message{Type: protocol.TypeChat, GroupID: public, Content: "hello room"})

	echo := alice.recvType(protocol.TypeChat)
	if echo.MessageID == 0 || echo.Content != "hello room" {
		t.Fatalf("sender echo wrong: %+v", echo)
	}
	got := bob.recvType(protocol.TypeChat)
	if got.Content != "hello room" || got.SenderUsername != "alice" || got.GroupID != public {
		t.Fatalf("bob got %+v", got)
	}

	// The message is in history for late readers.
	alice.send(protocol.Message{Type: protocol.TypeHistoryRequest, GroupID: public, Limit: 10})
	hist := alice.recvType(protocol.TypeHistoryResponse)
	if len(hist.Messages) == 0 || hist.Messages[len(hist.Messages)-1].Content != "hello room" {
		t.Fatalf("history wrong: %+v", hist.Messages)
	}
}

func TestUnauthenticatedChatIsRejected(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)

	c := dial(t, addr)
	c.send(protocol.Message{Type: protocol.TypeChat, GroupID: publicGroupID(t, st), Content: "hi"})
	if e := c.recvType(protocol.TypeError); e.Code != protocol.CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %+v", e)
	}

	// Pings are session traffic too; before login they are refused.
	c.send(protocol.Message{Type: protocol.TypePing})
	if e := c.recvType(protocol.TypeError); e.Code != protocol.CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED for pre-auth ping, got %+v", e)
	}
}

func TestRegisterGrantsSessionImmediately(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	bob := dial(t, addr)
	bob.send(protocol.Message{Type: protocol.TypeRegister, Username: "bob", Password: "secret123"})
	if resp := bob.recvType(protocol.TypeRegisterResponse); resp.Token == "" {
		t.Fatalf("register must return a session token: %+v", resp)
	}

	alice := dial(t, addr)
	alice.send(protocol.Message{Type: protocol.TypeRegister, Username: "alice", Password: "secret123"})
	if resp := alice.recvType(protocol.TypeRegisterResponse); resp.Success == nil || !*resp.Success {
		t.Fatalf("register failed: %+v", resp)
	}

	// No login round trip: a fresh account can chat in public right away.
	alice.send(protocol.Message{Type: protocol.TypeChat, GroupID: public, Content: "hello everyone"})
	echo := alice.recv()
	if echo.Type == protocol.TypeError {
		t.Fatalf("chat after register must not error: %+v", echo)
	}
	if echo.Type != protocol.TypeChat || echo.Content != "hello everyone" {
		t.Fatalf("sender echo wrong: %+v", echo)
	}
	got := bob.recvType(protocol.TypeChat)
	if got.Content != "hello everyone" || got.SenderUsername != "alice" {
		t.Fatalf("bob got %+v", got)
	}
}

func TestSecondLoginForcesFirstOut(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t)

	first := dial(t, addr)
	first.registerAndLogin("alice", "secret123")

	second := dial(t, addr)
	second.login("alice", "secret123")

	if msg := first.recvType(protocol.TypeForceLogout); msg.Reason == "" {
		t.Fatalf("force_logout missing reason: %+v", msg)
	}

	// The survivor still works.
	second.send(protocol.Message{Type: protocol.TypePing})
	second.recvType(protocol.TypePong)
}

func TestOfflinePrivateMessageDeliveredOnLogin(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t)

	bob := dial(t, addr)
	bob.registerAndLogin("bob", "secret123")
	bob.send(protocol.Message{Type: protocol.TypeLogout})
	_ = bob.conn.Close()

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")
	alice.send(protocol.Message{Type: protocol.TypePrivate, TargetUser: "bob", Content: "psst, bob"})
	if echo := alice.recvType(protocol.TypePrivate); echo.MessageID == 0 {
		t.Fatalf("sender echo wrong: %+v", echo)
	}

	// Give the router worker a moment to queue the offline copy.
	time.Sleep(200 * time.Millisecond)

	bob2 := dial(t, addr)
	bob2.login("bob", "secret123")
	got := bob2.recvType(protocol.TypePrivate)
	if got.Content != "psst, bob" || got.SenderUsername != "alice" {
		t.Fatalf("offline delivery wrong: %+v", got)
	}
}

func TestAIMentionGetsReply(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")

	alice.send(protocol.Message{Type: protocol.TypeChat, GroupID: public, Content: "@ai what is up"})
	alice.recvType(protocol.TypeChat) // own echo

	reply := alice.recvType(protocol.TypeChat)
	if reply.SenderID != store.SystemUserID || reply.SenderUsername != "ai" {
		t.Fatalf("expected ai reply, got %+v", reply)
	}
	if reply.Content == "" {
		t.Fatal("empty ai reply")
	}
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestFileUploadHappyPath(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")

	const chunkSize = int64(protocol.MinChunkSize)
	data := make([]byte, chunkSize*2+512)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}

	alice.send(protocol.Message{
		Type:      protocol.TypeUploadRequest,
		GroupID:   public,
		Filename:  "notes.txt",
		MimeType:  "application/octet-stream",
		FileSize:  int64(len(data)),
		Checksum:  md5hex(data),
		ChunkSize: chunkSize,
	})
	resp := alice.recvType(protocol.TypeUploadResponse)
	if resp.Success == nil || !*resp.Success || resp.TotalChunks != 3 {
		t.Fatalf("upload refused: %+v", resp)
	}

	chunk := func(i int64) []byte {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		return data[lo:hi]
	}
	for _, i := range []int64{0, 2, 1} {
		alice.send(protocol.Message{
			Type:          protocol.TypeUploadChunk,
			FileID:        resp.FileID,
			ChunkIndex:    i,
			Data:          chunk(i),
			ChunkChecksum: md5hex(chunk(i)),
		})
	}
	alice.send(protocol.Message{Type: protocol.TypeUploadComplete, FileID: resp.FileID})

	done := alice.recvType(protocol.TypeUploadComplete)
	if done.Success == nil || !*done.Success || done.MessageID == 0 {
		t.Fatalf("completion wrong: %+v", done)
	}

	// The stored bytes match what was sent.
	meta, err := st.FileByID(context.Background(), resp.FileID)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.MessageID != done.MessageID {
		t.Fatalf("file not linked to its chat message: %+v", meta)
	}

	// file_list sees the upload.
	alice.send(protocol.Message{Type: protocol.TypeFileListRequest, GroupID: public})
	list := alice.recvType(protocol.TypeFileListResponse)
	if len(list.Files) != 1 || list.Files[0].FileID != resp.FileID {
		t.Fatalf("file list wrong: %+v", list.Files)
	}

	// Download round-trips the same bytes.
	alice.send(protocol.Message{Type: protocol.TypeDownloadRequest, FileID: resp.FileID})
	dresp := alice.recvType(protocol.TypeDownloadResponse)
	if dresp.FileSize != int64(len(data)) {
		t.Fatalf("download response wrong: %+v", dresp)
	}
	var got []byte
	for {
		msg := alice.recv()
		if msg.Type == protocol.TypeDownloadComplete {
			break
		}
		if msg.Type != protocol.TypeDownloadChunk {
			t.Fatalf("unexpected frame during download: %+v", msg)
		}
		got = append(got, msg.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes differ")
	}
}

func TestFileUploadChecksumMismatch(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")

	data := make([]byte, protocol.MinChunkSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}

	alice.send(protocol.Message{
		Type:      protocol.TypeUploadRequest,
		GroupID:   public,
		Filename:  "bad.bin",
		MimeType:  "application/octet-stream",
		FileSize:  int64(len(data)),
		Checksum:  md5hex([]byte("lies")),
		ChunkSize: protocol.MinChunkSize,
	})
	resp := alice.recvType(protocol.TypeUploadResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("upload refused early: %+v", resp)
	}
	alice.send(protocol.Message{
		Type: protocol.TypeUploadChunk, FileID: resp.FileID,
		ChunkIndex: 0, Data: data, ChunkChecksum: md5hex(data),
	})
	alice.send(protocol.Message{Type: protocol.TypeUploadComplete, FileID: resp.FileID})

	if e := alice.recvType(protocol.TypeError); e.Code != protocol.CodeFileCorrupt {
		t.Fatalf("expected FILE_CORRUPT, got %+v", e)
	}
	if _, err := st.FileByID(context.Background(), resp.FileID); err == nil {
		t.Fatal("metadata must not be persisted")
	}
	// No file message in history either.
	alice.send(protocol.Message{Type: protocol.TypeHistoryRequest, GroupID: public, Limit: 10})
	hist := alice.recvType(protocol.TypeHistoryResponse)
	for _, m := range hist.Messages {
		if m.MessageType == store.MessageTypeFile {
			t.Fatalf("unexpected file message: %+v", m)
		}
	}
}

func TestBlockedUploadIsRefused(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")

	alice.send(protocol.Message{
		Type:      protocol.TypeUploadRequest,
		GroupID:   publicGroupID(t, st),
		Filename:  "setup.exe",
		MimeType:  "application/octet-stream",
		FileSize:  1 << 20,
		Checksum:  md5hex([]byte("x")),
		ChunkSize: protocol.MinChunkSize,
	})
	resp := alice.recvType(protocol.TypeUploadResponse)
	if resp.Success == nil || *resp.Success || resp.Code != protocol.CodeFileTypeBlocked {
		t.Fatalf("expected FILE_TYPE_BLOCKED refusal, got %+v", resp)
	}
}

func TestUploadRequiresGroupMembership(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")
	bob := dial(t, addr)
	bob.registerAndLogin("bob", "secret123")

	alice.send(protocol.Message{Type: protocol.TypeCreateGroup, GroupName: "private-stuff"})
	created := alice.recvType(protocol.TypeGroupResponse)
	if created.Success == nil || !*created.Success {
		t.Fatalf("create failed: %+v", created)
	}

	req := protocol.Message{
		Type:      protocol.TypeUploadRequest,
		Filename:  "notes.txt",
		MimeType:  "text/plain",
		FileSize:  1 << 10,
		Checksum:  md5hex([]byte("x")),
		ChunkSize: protocol.MinChunkSize,
	}

	// Bob is not in alice's group: storage must refuse before any state
	// is created.
	req.GroupID = created.GroupID
	bob.send(req)
	resp := bob.recvType(protocol.TypeUploadResponse)
	if resp.Success == nil || *resp.Success || resp.Code != protocol.CodeNotAMember {
		t.Fatalf("expected NOT_A_MEMBER refusal, got %+v", resp)
	}

	// A group that does not exist can never own a file.
	req.GroupID = 99999
	bob.send(req)
	resp = bob.recvType(protocol.TypeUploadResponse)
	if resp.Success == nil || *resp.Success || resp.Code != protocol.CodeGroupNotFound {
		t.Fatalf("expected GROUP_NOT_FOUND refusal, got %+v", resp)
	}
}

func TestDownloadDoesNotBlockInboundFrames(t *testing.T) {
	t.Parallel()
	addr, st := startServer(t)
	public := publicGroupID(t, st)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")

	// Seed a file big enough that streaming it in small chunks takes many
	// frames.
	const upChunk = int64(64 << 10)
	data := make([]byte, 256<<10)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	alice.send(protocol.Message{
		Type:      protocol.TypeUploadRequest,
		GroupID:   public,
		Filename:  "big.bin",
		MimeType:  "application/octet-stream",
		FileSize:  int64(len(data)),
		Checksum:  md5hex(data),
		ChunkSize: upChunk,
	})
	up := alice.recvType(protocol.TypeUploadResponse)
	if up.Success == nil || !*up.Success {
		t.Fatalf("upload refused: %+v", up)
	}
	for i := int64(0); i*upChunk < int64(len(data)); i++ {
		part := data[i*upChunk : min(int64(len(data)), (i+1)*upChunk)]
		alice.send(protocol.Message{
			Type: protocol.TypeUploadChunk, FileID: up.FileID,
			ChunkIndex: i, Data: part, ChunkChecksum: md5hex(part),
		})
	}
	alice.send(protocol.Message{Type: protocol.TypeUploadComplete, FileID: up.FileID})
	alice.recvType(protocol.TypeUploadComplete)

	// Request the download in minimum-size chunks, then immediately send
	// a ping. The pong must arrive while chunks are still streaming.
	alice.send(protocol.Message{
		Type: protocol.TypeDownloadRequest, FileID: up.FileID,
		ChunkSize: protocol.MinChunkSize,
	})
	alice.send(protocol.Message{Type: protocol.TypePing})

	var (
		got          []byte
		pongAt       = -1
		completeAt   = -1
		totalFrames  int
		seenResponse bool
	)
	for completeAt < 0 && totalFrames < 600 {
		msg := alice.recv()
		totalFrames++
		switch msg.Type {
		case protocol.TypeDownloadResponse:
			seenResponse = true
		case protocol.TypeDownloadChunk:
			got = append(got, msg.Data...)
		case protocol.TypePong:
			pongAt = totalFrames
		case protocol.TypeDownloadComplete:
			completeAt = totalFrames
		case protocol.TypeError:
			t.Fatalf("unexpected error during download: %+v", msg)
		}
	}
	if !seenResponse || completeAt < 0 {
		t.Fatalf("download never completed (frames %d)", totalFrames)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes differ")
	}
	if pongAt < 0 || pongAt > completeAt {
		t.Fatalf("pong at frame %d, download_complete at %d; inbound frames must be served during a download", pongAt, completeAt)
	}
}

func TestCreateJoinLeaveGroup(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")
	bob := dial(t, addr)
	bob.registerAndLogin("bob", "secret123")

	alice.send(protocol.Message{Type: protocol.TypeCreateGroup, GroupName: "gophers"})
	created := alice.recvType(protocol.TypeGroupResponse)
	if created.Success == nil || !*created.Success || created.GroupID == 0 {
		t.Fatalf("create failed: %+v", created)
	}

	bob.send(protocol.Message{Type: protocol.TypeJoinGroup, GroupID: created.GroupID})
	joined := bob.recvType(protocol.TypeGroupResponse)
	if joined.Success == nil || !*joined.Success {
		t.Fatalf("join failed: %+v", joined)
	}

	// Alice hears the join notice.
	if sys := alice.recvType(protocol.TypeSystem); sys.GroupID != created.GroupID {
		t.Fatalf("wrong notice: %+v", sys)
	}

	bob.send(protocol.Message{Type: protocol.TypeChat, GroupID: created.GroupID, Content: "hi group"})
	bob.recvType(protocol.TypeChat) // echo
	if got := alice.recvType(protocol.TypeChat); got.Content != "hi group" {
		t.Fatalf("alice got %+v", got)
	}

	bob.send(protocol.Message{Type: protocol.TypeLeaveGroup, GroupID: created.GroupID})
	left := bob.recvType(protocol.TypeGroupResponse)
	if left.Success == nil || !*left.Success {
		t.Fatalf("leave failed: %+v", left)
	}

	// Bob is out: chatting there now fails.
	bob.send(protocol.Message{Type: protocol.TypeChat, GroupID: created.GroupID, Content: "still here?"})
	if e := bob.recvType(protocol.TypeError); e.Code != protocol.CodeNotAMember {
		t.Fatalf("expected NOT_A_MEMBER, got %+v", e)
	}
}

func TestUserListShowsPresence(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.registerAndLogin("alice", "secret123")
	bob := dial(t, addr)
	bob.registerAndLogin("bob", "secret123")
	bob.send(protocol.Message{Type: protocol.TypeLogout})

	time.Sleep(200 * time.Millisecond)

	alice.send(protocol.Message{Type: protocol.TypeUserList})
	list := alice.recvType(protocol.TypeUserList)
	byName := map[string]protocol.UserInfo{}
	for _, u := range list.Users {
		byName[u.Username] = u
	}
	if !byName["alice"].Online {
		t.Fatal("alice must be online")
	}
	if byName["bob"].Online {
		t.Fatal("bob must be offline after logout")
	}
}
