package server

import (
	"context"
	"errors"

	"github.com/ogas1024/Chat-Room-sub003/internal/auth"
	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

// errorFrame maps an internal error to the wire error frame shown to the
// client. Unknown errors become INTERNAL without leaking details.
func errorFrame(err error) protocol.Message {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return protocol.ErrorMsg(protocol.CodeInvalidInput, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		return protocol.ErrorMsg(protocol.CodeInvalidCredentials, "invalid username or password")
	case errors.Is(err, auth.ErrUserBanned):
		return protocol.ErrorMsg(protocol.CodeUserBanned, "this account is banned")
	case errors.Is(err, store.ErrUserExists):
		return protocol.ErrorMsg(protocol.CodeUserExists, "username is taken")
	case errors.Is(err, store.ErrUserNotFound):
		return protocol.ErrorMsg(protocol.CodeUserNotFound, "no such user")
	case errors.Is(err, store.ErrGroupExists):
		return protocol.ErrorMsg(protocol.CodeGroupExists, "group name is taken")
	case errors.Is(err, store.ErrGroupNotFound):
		return protocol.ErrorMsg(protocol.CodeGroupNotFound, "no such group")
	case errors.Is(err, store.ErrGroupBanned):
		return protocol.ErrorMsg(protocol.CodeGroupBanned, "this group is banned")
	case errors.Is(err, store.ErrNotAMember):
		return protocol.ErrorMsg(protocol.CodeNotAMember, "not a member of this group")
	case errors.Is(err, store.ErrMessageTooLong):
		return protocol.ErrorMsg(protocol.CodeMessageTooLong, "message exceeds the length limit")
	case errors.Is(err, store.ErrFileNotFound):
		return protocol.ErrorMsg(protocol.CodeInvalidInput, "no such file")
	case errors.Is(err, transfer.ErrTooLarge):
		return protocol.ErrorMsg(protocol.CodeFileTooLarge, err.Error())
	case errors.Is(err, transfer.ErrTypeBlocked):
		return protocol.ErrorMsg(protocol.CodeFileTypeBlocked, err.Error())
	case errors.Is(err, transfer.ErrCorrupt):
		return protocol.ErrorMsg(protocol.CodeFileCorrupt, err.Error())
	case errors.Is(err, transfer.ErrBusy):
		return protocol.ErrorMsg(protocol.CodeBusy, "a transfer is already in progress")
	case errors.Is(err, transfer.ErrInvalidRequest), errors.Is(err, transfer.ErrNoTransfer):
		return protocol.ErrorMsg(protocol.CodeInvalidInput, err.Error())
	case errors.Is(err, router.ErrQueueFull):
		return protocol.ErrorMsg(protocol.CodeQueueFull, "server is overloaded, try again")
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrorMsg(protocol.CodeTimeout, "operation timed out")
	default:
		return protocol.ErrorMsg(protocol.CodeInternal, "internal server error")
	}
}
