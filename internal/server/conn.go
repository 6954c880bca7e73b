package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// conn is the per-connection handler state.
type conn struct {
	srv  *Server
	nc   net.Conn
	sess *session.Session
	lim  *rate.Limiter
}

// handleConn runs one connection to completion.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ip, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	sess := s.reg.Add(ip, cancel)
	c := &conn{
		srv:  s,
		nc:   nc,
		sess: sess,
		lim:  rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
	}

	// Writer goroutine: drains the session's outbound channel onto the
	// socket. It exits when the channel is closed by Registry.Remove.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range sess.Send {
			_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(nc, msg); err != nil {
				slog.Debug("write failed", "token", sess.Token, "err", err)
				cancel()
				// Keep draining so senders never block on a dead peer.
			}
		}
	}()

	// Close the socket when the handler context ends so a blocked read
	// returns.
	go func() {
		<-connCtx.Done()
		_ = nc.SetReadDeadline(time.Now())
	}()

	sess.TrySend(protocol.Message{Type: protocol.TypeNicknameRequest, Message: "welcome, please log in or register"})

	c.readLoop(connCtx)

	// Teardown in order: drop transfers, mark offline, unregister (which
	// closes Send and stops the writer), then close the socket.
	s.files.CancelConn(sess.Token)
	if uid := sess.UserID(); uid != 0 {
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.st.SetOnline(offCtx, uid, false); err != nil {
			slog.Warn("mark offline", "user_id", uid, "err", err)
		}
		offCancel()
	}
	s.reg.Remove(sess.Token)
	<-writerDone
	_ = nc.Close()
}

// readLoop decodes frames and dispatches them until the peer hangs up, a
// terminal decode error occurs, or the context is cancelled.
func (c *conn) readLoop(ctx context.Context) {
	dec := protocol.NewDecoder(c.nc)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := dec.Decode()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrBadFrame):
				// Recoverable: the frame was consumed, the stream is intact.
				c.sess.TrySend(protocol.ErrorMsg(protocol.CodeInvalidInput, "malformed frame"))
				continue
			case errors.Is(err, protocol.ErrFrameTooBig):
				c.sess.TrySend(protocol.ErrorMsg(protocol.CodeInvalidInput, "frame exceeds size limit"))
				return
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				if ctx.Err() == nil {
					slog.Debug("read error", "token", c.sess.Token, "err", err)
				}
				return
			}
		}

		if !c.lim.Allow() {
			c.sess.TrySend(protocol.ErrorMsg(protocol.CodeRateLimited, "slow down"))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch routes one inbound frame by type. Handlers reply through the
// session's outbound channel; they never write the socket directly.
func (c *conn) dispatch(ctx context.Context, msg protocol.Message) {
	uid := c.sess.UserID()
	if uid != 0 {
		c.srv.reg.UpdateActivity(uid)
	}

	switch msg.Type {
	case protocol.TypeRegister:
		c.handleRegister(ctx, msg)
	case protocol.TypeLogin:
		c.handleLogin(ctx, msg)
	default:
		if uid == 0 {
			c.sess.TrySend(protocol.ErrorMsg(protocol.CodeAuthRequired, "log in first"))
			return
		}
		c.dispatchAuthed(ctx, uid, msg)
	}
}

func (c *conn) dispatchAuthed(ctx context.Context, uid int64, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		c.handlePing(msg)
	case protocol.TypeLogout:
		c.handleLogout(ctx, uid)
	case protocol.TypeChat:
		c.handleChat(ctx, uid, msg)
	case protocol.TypePrivate:
		c.handlePrivate(ctx, uid, msg)
	case protocol.TypeCreateGroup:
		c.handleCreateGroup(ctx, uid, msg)
	case protocol.TypeJoinGroup:
		c.handleJoinGroup(ctx, uid, msg)
	case protocol.TypeLeaveGroup:
		c.handleLeaveGroup(ctx, uid, msg)
	case protocol.TypeHistoryRequest:
		c.handleHistory(ctx, uid, msg)
	case protocol.TypeUserList:
		c.handleUserList(ctx)
	case protocol.TypeFileListRequest:
		c.handleFileList(ctx, uid, msg)
	case protocol.TypeUploadRequest:
		c.handleUploadRequest(ctx, uid, msg)
	case protocol.TypeUploadChunk:
		c.handleUploadChunk(msg)
	case protocol.TypeUploadComplete:
		c.handleUploadComplete(ctx, uid, msg)
	case protocol.TypeDownloadRequest:
		c.handleDownloadRequest(ctx, uid, msg)
	case protocol.TypeDownloadComplete:
		c.srv.files.FinishDownload(c.sess.Token)
	default:
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeInvalidInput, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// handlePing refreshes liveness. Latency is derived from the client's
// send timestamp when the frame carries one.
func (c *conn) handlePing(msg protocol.Message) {
	var latency time.Duration
	if msg.Timestamp > 0 {
		if d := time.Now().UnixMilli() - msg.Timestamp; d > 0 {
			latency = time.Duration(d) * time.Millisecond
		}
	}
	c.srv.reg.TouchPing(c.sess.Token, latency)
	c.sess.TrySend(protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
}

// bindAuthenticated attaches the user to this session, forcing out any
// previous session for the same account, and marks the user online.
func (c *conn) bindAuthenticated(ctx context.Context, uid int64, username string) bool {
	prev, ok := c.srv.reg.Bind(c.sess.Token, uid, username)
	if !ok {
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeInternal, "session vanished during login"))
		return false
	}
	if prev != nil {
		prev.TrySend(protocol.Message{Type: protocol.TypeForceLogout, Reason: "logged in from another connection"})
		prev.SetState(session.StateClosing)
		if prev.Cancel != nil {
			prev.Cancel()
		}
	}
	if err := c.srv.st.SetOnline(ctx, uid, true); err != nil {
		slog.Warn("mark online", "user_id", uid, "err", err)
	}
	return true
}

func (c *conn) handleRegister(ctx context.Context, msg protocol.Message) {
	id, err := c.srv.auth.Register(ctx, msg.Username, msg.Password)
	if err != nil {
		e := errorFrame(err)
		c.sess.TrySend(protocol.Message{
			Type: protocol.TypeRegisterResponse, Success: protocol.Bool(false),
			Code: e.Code, Message: e.Message,
		})
		return
	}

	// A fresh account is logged in on the spot; no second round trip.
	if !c.bindAuthenticated(ctx, id, msg.Username) {
		return
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeRegisterResponse, Success: protocol.Bool(true),
		Token: c.sess.Token, UserID: id, Username: msg.Username,
	})
}

func (c *conn) handleLogin(ctx context.Context, msg protocol.Message) {
	u, err := c.srv.auth.Login(ctx, msg.Username, msg.Password)
	if err != nil {
		e := errorFrame(err)
		c.sess.TrySend(protocol.Message{
			Type: protocol.TypeLoginResponse, Success: protocol.Bool(false),
			Code: e.Code, Message: e.Message,
		})
		return
	}

	if !c.bindAuthenticated(ctx, u.ID, u.Username) {
		return
	}

	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeLoginResponse, Success: protocol.Bool(true),
		Token: c.sess.Token, UserID: u.ID, Username: u.Username,
	})

	// Stored messages are pushed after the login response and before any
	// new traffic, in their original order.
	c.drainOffline(ctx, u.ID)
}

func (c *conn) drainOffline(ctx context.Context, uid int64) {
	msgs, err := c.srv.st.DrainOffline(ctx, uid, offlineDrainMax)
	if err != nil {
		slog.Error("drain offline", "user_id", uid, "err", err)
		return
	}
	for _, om := range msgs {
		var frame protocol.Message
		if err := json.Unmarshal(om.Payload, &frame); err != nil {
			slog.Warn("skip corrupt offline payload", "id", om.ID, "err", err)
			continue
		}
		c.sess.TrySend(frame)
	}
	if len(msgs) > 0 {
		slog.Info("offline messages delivered", "user_id", uid, "count", len(msgs))
	}
}

func (c *conn) handleLogout(ctx context.Context, uid int64) {
	if err := c.srv.st.SetOnline(ctx, uid, false); err != nil {
		slog.Warn("mark offline", "user_id", uid, "err", err)
	}
	c.sess.TrySend(protocol.Message{Type: protocol.TypeSystem, Content: "logged out"})
	c.sess.SetState(session.StateClosing)
	if c.sess.Cancel != nil {
		c.sess.Cancel()
	}
}

func (c *conn) handleChat(ctx context.Context, uid int64, msg protocol.Message) {
	member, err := c.srv.st.IsMember(ctx, msg.GroupID, uid)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if !member {
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeNotAMember, "join the group first"))
		return
	}

	msgID, err := c.srv.st.SaveMessage(ctx, msg.GroupID, uid, msg.Content, store.MessageTypeText)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}

	frame := protocol.Message{
		Type:           protocol.TypeChat,
		MessageID:      msgID,
		GroupID:        msg.GroupID,
		SenderID:       uid,
		SenderUsername: c.sess.Username(),
		Content:        msg.Content,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := c.srv.rt.Route(router.Request{
		MessageID: msgID,
		SenderID:  uid,
		Kind:      router.KindGroup,
		GroupID:   msg.GroupID,
		Frame:     frame,
	}); err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	// Echo back with the assigned id so the sender can correlate.
	c.sess.TrySend(frame)

	c.maybeRelayAI(ctx, msg.GroupID, c.sess.Username(), msg.Content)
}

func (c *conn) handlePrivate(ctx context.Context, uid int64, msg protocol.Message) {
	sender, err := c.srv.st.UserByID(ctx, uid)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	target, err := c.srv.st.UserByUsername(ctx, msg.TargetUser)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if target.ID == uid {
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeInvalidInput, "cannot message yourself"))
		return
	}

	dm, err := c.srv.groups.PrivateChat(ctx, sender, target)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	msgID, err := c.srv.st.SaveMessage(ctx, dm.ID, uid, msg.Content, store.MessageTypeText)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}

	frame := protocol.Message{
		Type:           protocol.TypePrivate,
		MessageID:      msgID,
		GroupID:        dm.ID,
		SenderID:       uid,
		SenderUsername: sender.Username,
		TargetUser:     target.Username,
		Content:        msg.Content,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := c.srv.rt.Route(router.Request{
		MessageID:  msgID,
		SenderID:   uid,
		Kind:       router.KindPrivate,
		TargetUser: target.ID,
		Frame:      frame,
	}); err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	c.sess.TrySend(frame)

	c.maybeRelayAI(ctx, dm.ID, sender.Username, msg.Content)
}

// maybeRelayAI asks the relay for a reply when the content mentions the
// assistant. The provider call runs in its own goroutine so chat dispatch
// never waits on the network.
func (c *conn) maybeRelayAI(ctx context.Context, groupID int64, sender, content string) {
	prompt, mentioned := c.srv.relay.Mentioned(content)
	if !mentioned {
		return
	}
	go func() {
		reply := c.srv.relay.Reply(ctx, groupID, sender, prompt)

		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgID, err := c.srv.st.SaveMessage(saveCtx, groupID, store.SystemUserID, reply, store.MessageTypeAI)
		if err != nil {
			slog.Error("save ai message", "group_id", groupID, "err", err)
			return
		}
		frame := protocol.Message{
			Type:           protocol.TypeChat,
			MessageID:      msgID,
			GroupID:        groupID,
			SenderID:       store.SystemUserID,
			SenderUsername: "ai",
			Content:        reply,
			Timestamp:      time.Now().UnixMilli(),
		}
		if err := c.srv.rt.Route(router.Request{
			MessageID: msgID,
			SenderID:  store.SystemUserID,
			Kind:      router.KindGroup,
			GroupID:   groupID,
			Frame:     frame,
		}); err != nil {
			slog.Error("route ai reply", "group_id", groupID, "err", err)
		}
	}()
}

func (c *conn) handleCreateGroup(ctx context.Context, uid int64, msg protocol.Message) {
	g, err := c.srv.groups.Create(ctx, msg.GroupName, false, uid)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeGroupResponse, Success: protocol.Bool(true),
		GroupID: g.ID, GroupName: g.Name,
	})
}

func (c *conn) handleJoinGroup(ctx context.Context, uid int64, msg protocol.Message) {
	g, err := c.resolveGroup(ctx, msg)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if err := c.srv.groups.Join(ctx, g.ID, uid); err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeGroupResponse, Success: protocol.Bool(true),
		GroupID: g.ID, GroupName: g.Name,
	})

	notice := fmt.Sprintf("%s joined %s", c.sess.Username(), g.Name)
	c.routeSystemNotice(ctx, g.ID, uid, notice)
}

func (c *conn) handleLeaveGroup(ctx context.Context, uid int64, msg protocol.Message) {
	g, err := c.resolveGroup(ctx, msg)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if err := c.srv.groups.Leave(ctx, g.ID, uid); err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeGroupResponse, Success: protocol.Bool(true),
		GroupID: g.ID, GroupName: g.Name,
	})
	c.routeSystemNotice(ctx, g.ID, uid, fmt.Sprintf("%s left %s", c.sess.Username(), g.Name))
}

// routeSystemNotice persists and fans out a system message to a group.
// Banned groups swallow the notice silently.
func (c *conn) routeSystemNotice(ctx context.Context, groupID, aboutUID int64, text string) {
	msgID, err := c.srv.st.SaveMessage(ctx, groupID, store.SystemUserID, text, store.MessageTypeSystem)
	if err != nil {
		slog.Debug("skip system notice", "group_id", groupID, "err", err)
		return
	}
	_ = c.srv.rt.Route(router.Request{
		MessageID: msgID,
		SenderID:  aboutUID, // excluded from delivery; they got a direct response
		Kind:      router.KindSystem,
		GroupID:   groupID,
		Frame: protocol.Message{
			Type: protocol.TypeSystem, MessageID: msgID, GroupID: groupID,
			Content: text, Timestamp: time.Now().UnixMilli(),
		},
	})
}

func (c *conn) resolveGroup(ctx context.Context, msg protocol.Message) (store.Group, error) {
	if msg.GroupID != 0 {
		return c.srv.st.GroupByID(ctx, msg.GroupID)
	}
	return c.srv.st.GroupByName(ctx, msg.GroupName)
}

func (c *conn) handleHistory(ctx context.Context, uid int64, msg protocol.Message) {
	member, err := c.srv.st.IsMember(ctx, msg.GroupID, uid)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if !member {
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeNotAMember, "join the group first"))
		return
	}

	limit := msg.Limit
	if limit <= 0 || limit > historyLimitMax {
		limit = 50
	}
	history, err := c.srv.st.GetHistory(ctx, msg.GroupID, limit, msg.BeforeID)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}

	items := make([]protocol.HistoryItem, 0, len(history))
	for _, h := range history {
		items = append(items, protocol.HistoryItem{
			MessageID:      h.ID,
			GroupID:        h.GroupID,
			SenderID:       h.SenderID,
			SenderUsername: h.SenderUsername,
			Content:        h.Content,
			MessageType:    h.MessageType,
			Timestamp:      h.Timestamp.UnixMilli(),
		})
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeHistoryResponse, GroupID: msg.GroupID, Messages: items,
	})
}

func (c *conn) handleUserList(ctx context.Context) {
	users, err := c.srv.st.ListUsers(ctx)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	infos := make([]protocol.UserInfo, 0, len(users))
	for _, u := range users {
		info := protocol.UserInfo{ID: u.ID, Username: u.Username}
		if sess, ok := c.srv.reg.ByUser(u.ID); ok {
			info.Online = true
			info.Away = sess.Away()
			info.LatencyMS = sess.Latency().Milliseconds()
		}
		infos = append(infos, info)
	}
	c.sess.TrySend(protocol.Message{Type: protocol.TypeUserList, Users: infos})
}

func (c *conn) handleFileList(ctx context.Context, uid int64, msg protocol.Message) {
	member, err := c.srv.st.IsMember(ctx, msg.GroupID, uid)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if !member {
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeNotAMember, "join the group first"))
		return
	}

	files, err := c.srv.st.ListGroupFiles(ctx, msg.GroupID)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	infos := make([]protocol.FileInfo, 0, len(files))
	for _, f := range files {
		infos = append(infos, protocol.FileInfo{
			FileID:     f.FileID,
			Filename:   f.OriginalFilename,
			Size:       f.FileSize,
			Checksum:   f.Checksum,
			UploaderID: f.UploaderID,
			GroupID:    f.GroupID,
			UploadTime: f.UploadTime.Unix(),
		})
	}
	c.sess.TrySend(protocol.Message{Type: protocol.TypeFileListResponse, GroupID: msg.GroupID, Files: infos})
}
