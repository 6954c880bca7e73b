package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

// refuseUpload answers an upload_request with a failure frame.
func (c *conn) refuseUpload(code, text string) {
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeUploadResponse, Success: protocol.Bool(false),
		Code: code, Message: text,
	})
}

func (c *conn) handleUploadRequest(ctx context.Context, uid int64, msg protocol.Message) {
	// The target group must exist and the uploader must belong to it
	// before any transfer state is created; a file row must never point
	// at a group that cannot own it.
	if _, err := c.srv.st.GroupByID(ctx, msg.GroupID); err != nil {
		e := errorFrame(err)
		c.refuseUpload(e.Code, e.Message)
		return
	}
	member, err := c.srv.st.IsMember(ctx, msg.GroupID, uid)
	if err != nil {
		e := errorFrame(err)
		c.refuseUpload(e.Code, e.Message)
		return
	}
	if !member {
		c.refuseUpload(protocol.CodeNotAMember, "join the group first")
		return
	}

	chunkSize := msg.ChunkSize
	if chunkSize == 0 {
		chunkSize = c.srv.cfg.ChunkSizeDefault
	}
	ticket, err := c.srv.files.BeginUpload(transfer.UploadRequest{
		ConnToken:  c.sess.Token,
		UploaderID: uid,
		GroupID:    msg.GroupID,
		Filename:   msg.Filename,
		FileSize:   msg.FileSize,
		MimeType:   msg.MimeType,
		Checksum:   msg.Checksum,
		ChunkSize:  chunkSize,
	})
	if err != nil {
		e := errorFrame(err)
		c.refuseUpload(e.Code, e.Message)
		return
	}
	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeUploadResponse, Success: protocol.Bool(true),
		FileID: ticket.FileID, ChunkSize: ticket.ChunkSize, TotalChunks: ticket.TotalChunks,
	})
}

func (c *conn) handleUploadChunk(msg protocol.Message) {
	err := c.srv.files.WriteChunk(c.sess.Token, msg.FileID, msg.ChunkIndex, msg.Data, msg.ChunkChecksum)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
	}
}

func (c *conn) handleUploadComplete(ctx context.Context, uid int64, msg protocol.Message) {
	meta, err := c.srv.files.CompleteUpload(ctx, c.sess.Token, msg.FileID)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}

	// A completed upload becomes a file message in the target group and
	// fans out like any other chat message.
	content := fmt.Sprintf("[file] %s (%d bytes, id %s)", meta.OriginalFilename, meta.FileSize, meta.FileID)
	msgID, err := c.srv.st.SaveMessage(ctx, meta.GroupID, uid, content, store.MessageTypeFile)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}
	if err := c.srv.st.LinkFileMessage(ctx, meta.FileID, msgID); err != nil {
		slog.Warn("link file message", "file_id", meta.FileID, "err", err)
	}

	frame := protocol.Message{
		Type:           protocol.TypeChat,
		MessageID:      msgID,
		GroupID:        meta.GroupID,
		SenderID:       uid,
		SenderUsername: c.sess.Username(),
		Content:        content,
		FileID:         meta.FileID,
		Filename:       meta.OriginalFilename,
		FileSize:       meta.FileSize,
		Checksum:       meta.Checksum,
		Timestamp:      time.Now().UnixMilli(),
	}
	_ = c.srv.rt.Route(router.Request{
		MessageID: msgID,
		SenderID:  uid,
		Kind:      router.KindGroup,
		GroupID:   meta.GroupID,
		Frame:     frame,
	})

	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeUploadComplete, Success: protocol.Bool(true),
		FileID: meta.FileID, MessageID: msgID, Checksum: meta.Checksum,
	})
}

func (c *conn) handleDownloadRequest(ctx context.Context, uid int64, msg protocol.Message) {
	meta, plan, err := c.srv.files.BeginDownload(ctx, c.sess.Token, msg.FileID,
		msg.ChunkSize, msg.RangeStart, msg.RangeEnd)
	if err != nil {
		c.sess.TrySend(errorFrame(err))
		return
	}

	member, err := c.srv.st.IsMember(ctx, meta.GroupID, uid)
	if err != nil || !member {
		c.srv.files.FinishDownload(c.sess.Token)
		c.sess.TrySend(protocol.ErrorMsg(protocol.CodeNotAMember, "file belongs to a group you are not in"))
		return
	}

	c.sess.TrySend(protocol.Message{
		Type: protocol.TypeDownloadResponse, Success: protocol.Bool(true),
		FileID:      meta.FileID,
		Filename:    meta.OriginalFilename,
		FileSize:    meta.FileSize,
		Checksum:    meta.Checksum,
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.TotalChunks,
	})

	// Chunks stream from their own goroutine so the read loop keeps
	// dispatching; an upload or chat can run while the download is in
	// flight. Connection teardown cancels the stream through CancelConn.
	go func() {
		for {
			ch, err := c.srv.files.NextChunk(c.sess.Token)
			if err != nil {
				if !errors.Is(err, transfer.ErrNoTransfer) {
					c.sess.TrySend(errorFrame(err))
				}
				return
			}
			ok := c.sess.TrySend(protocol.Message{
				Type:          protocol.TypeDownloadChunk,
				FileID:        meta.FileID,
				ChunkIndex:    ch.Index,
				Data:          ch.Data,
				ChunkChecksum: ch.Checksum,
			})
			if !ok {
				// Peer cannot keep up; abandon the stream rather than block.
				c.srv.files.FinishDownload(c.sess.Token)
				c.sess.TrySend(protocol.ErrorMsg(protocol.CodeTimeout, "download aborted: slow receiver"))
				return
			}
			if ch.Last {
				break
			}
		}
		c.sess.TrySend(protocol.Message{Type: protocol.TypeDownloadComplete, FileID: meta.FileID})
	}()
}
