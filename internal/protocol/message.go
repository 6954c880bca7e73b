// Package protocol defines the wire protocol: a flat JSON message envelope
// selected by a `type` field, the error codes surfaced to clients, and the
// length-prefixed frame codec used on the TCP stream.
package protocol

// Content and naming limits enforced at the wire boundary.
const (
	MaxUsernameLength  = 20               // max chars for a username
	MinUsernameLength  = 3                // min chars for a username
	MaxGroupNameLength = 50               // max chars for a group name
	MaxContentLength   = 2000             // max chars for a chat message body
	MaxFilenameLength  = 255              // max chars for an uploaded filename
	MaxFileSize        = 100 << 20        // max upload size (100 MiB)
	MinChunkSize       = 1 << 10          // smallest accepted transfer chunk (1 KiB)
	MaxChunkSize       = 1 << 20          // largest accepted transfer chunk (1 MiB)
)

// Message types exchanged between client and server.
const (
	TypeNicknameRequest  = "nickname_request"
	TypeRegister         = "register"
	TypeRegisterResponse = "register_response"
	TypeLogin            = "login"
	TypeLoginResponse    = "login_response"
	TypeLogout           = "logout"
	TypeChat             = "chat"
	TypePrivate          = "private"
	TypeSystem           = "system"
	TypeNotification     = "notification"
	TypeUserList         = "user_list"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeJoinGroup        = "join_group"
	TypeLeaveGroup       = "leave_group"
	TypeCreateGroup      = "create_group"
	TypeGroupResponse    = "group_response"
	TypeHistoryRequest   = "history_request"
	TypeHistoryResponse  = "history_response"
	TypeFileListRequest  = "file_list_request"
	TypeFileListResponse = "file_list_response"
	TypeUploadRequest    = "upload_request"
	TypeUploadResponse   = "upload_response"
	TypeUploadChunk      = "upload_chunk"
	TypeUploadComplete   = "upload_complete"
	TypeDownloadRequest  = "download_request"
	TypeDownloadResponse = "download_response"
	TypeDownloadChunk    = "download_chunk"
	TypeDownloadComplete = "download_complete"
	TypeForceLogout      = "force_logout"
	TypeServerShutdown   = "server_shutdown"
	TypeError            = "error"
)

// Error codes carried in `error` frames.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUserExists         = "USER_EXISTS"
	CodeUserBanned         = "USER_BANNED"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeGroupExists        = "GROUP_EXISTS"
	CodeGroupNotFound      = "GROUP_NOT_FOUND"
	CodeGroupBanned        = "GROUP_BANNED"
	CodeNotAMember         = "NOT_A_MEMBER"
	CodeMessageTooLong     = "MESSAGE_TOO_LONG"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeFileTypeBlocked    = "FILE_TYPE_BLOCKED"
	CodeFileCorrupt        = "FILE_CORRUPT"
	CodeBusy               = "BUSY"
	CodeQueueFull          = "QUEUE_FULL"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL"
)

// Message is the JSON envelope for every frame on the wire. One flat struct
// with omitempty fields keeps dispatch to a single `type` switch; each
// message type populates only the fields it needs.
type Message struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`    // error: machine-readable code
	Message string `json:"message,omitempty"` // error/system: human-readable text
	Success *bool  `json:"success,omitempty"` // register/login/upload responses
	Reason  string `json:"reason,omitempty"`  // force_logout/server_shutdown

	// Auth.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"` // login_response: opaque session token
	UserID   int64  `json:"user_id,omitempty"`

	// Chat routing.
	GroupID        int64  `json:"group_id,omitempty"`
	GroupName      string `json:"group_name,omitempty"` // create_group/join_group by name
	TargetUser     string `json:"target_user,omitempty"`
	SenderID       int64  `json:"sender_id,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"` // Unix ms

	// History paging.
	Limit    int           `json:"limit,omitempty"`
	BeforeID int64         `json:"before_id,omitempty"`
	Messages []HistoryItem `json:"messages,omitempty"`

	// Presence.
	Users  []UserInfo  `json:"users,omitempty"`
	Groups []GroupInfo `json:"groups,omitempty"`

	// File transfer.
	FileID        string     `json:"file_id,omitempty"`
	Filename      string     `json:"filename,omitempty"`
	FileSize      int64      `json:"file_size,omitempty"`
	MimeType      string     `json:"mime_type,omitempty"`
	Checksum      string     `json:"checksum,omitempty"` // MD5 hex of the whole file
	ChunkSize     int64      `json:"chunk_size,omitempty"`
	TotalChunks   int64      `json:"total_chunks,omitempty"`
	ChunkIndex    int64      `json:"chunk_index,omitempty"`
	ChunkChecksum string     `json:"chunk_checksum,omitempty"` // MD5 hex of Data
	Data          []byte     `json:"data,omitempty"`           // base64 on the wire
	RangeStart    int64      `json:"range_start,omitempty"`
	RangeEnd      int64      `json:"range_end,omitempty"`
	Files         []FileInfo `json:"files,omitempty"`
}

// HistoryItem is one persisted message joined to its sender's username.
type HistoryItem struct {
	MessageID      int64  `json:"message_id"`
	GroupID        int64  `json:"group_id"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	Timestamp      int64  `json:"timestamp"`
}

// UserInfo is a brief snapshot of a user, used in user_list messages.
type UserInfo struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Online    bool   `json:"online"`
	Away      bool   `json:"away,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// GroupInfo is a brief snapshot of a chat group.
type GroupInfo struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	IsPrivateChat bool   `json:"is_private_chat,omitempty"`
}

// FileInfo describes one uploaded file in file_list responses.
type FileInfo struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	UploaderID int64  `json:"uploader_id"`
	GroupID    int64  `json:"group_id"`
	UploadTime int64  `json:"upload_time"`
}

// ErrorMsg builds an error frame with the given code and text.
func ErrorMsg(code, text string) Message {
	return Message{Type: TypeError, Code: code, Message: text}
}

// Bool returns a pointer to b, for the Success field.
func Bool(b bool) *bool { return &b }
