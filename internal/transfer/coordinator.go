// Package transfer runs the chunked file upload and download state
// machines. Uploads accumulate checksummed chunks in a temp file and are
// promoted to the storage root only after the whole-file digest matches;
// downloads stream chunks back with per-chunk digests and support range
// resumption. A connection may hold at most one upload and one download
// at a time.
package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

// Transfer failure modes, mapped to wire error codes by the connection
// handler.
var (
	ErrInvalidRequest = errors.New("invalid transfer request")
	ErrTooLarge       = errors.New("file exceeds the size limit")
	ErrTypeBlocked    = errors.New("file type not permitted")
	ErrCorrupt        = errors.New("checksum verification failed")
	ErrBusy           = errors.New("a transfer is already in flight on this connection")
	ErrNoTransfer     = errors.New("no such transfer in flight")
)

// DefaultChunkSize is used for downloads when the client does not ask for
// a specific chunk size.
const DefaultChunkSize = 64 << 10

// UploadRequest carries the validated parameters of an upload_request
// frame.
type UploadRequest struct {
	ConnToken  string
	UploaderID int64
	GroupID    int64
	Filename   string
	FileSize   int64
	MimeType   string
	Checksum   string // MD5 hex of the full file
	ChunkSize  int64
}

// Ticket describes the agreed chunking for an upload or download.
type Ticket struct {
	FileID      string
	ChunkSize   int64
	TotalChunks int64
}

type upload struct {
	mu       sync.Mutex
	req      UploadRequest
	fileID   string
	tmpPath  string
	tmp      *os.File
	total    int64
	received map[int64]bool
	sniffed  bool
}

type download struct {
	meta      store.FileMetadata
	f         *os.File
	chunkSize int64
	offset    int64
	end       int64 // exclusive
}

// Coordinator owns all in-flight transfers for the server.
type Coordinator struct {
	st          *store.Store
	root        string
	maxFileSize int64

	mu        sync.Mutex
	uploads   map[string]*upload   // file id -> state
	upByConn  map[string]string    // conn token -> file id
	downloads map[string]*download // conn token -> state
}

// NewCoordinator returns a coordinator storing completed files under root.
// maxFileSize of zero or less falls back to the protocol limit.
func NewCoordinator(st *store.Store, root string, maxFileSize int64) (*Coordinator, error) {
	if maxFileSize <= 0 || maxFileSize > protocol.MaxFileSize {
		maxFileSize = protocol.MaxFileSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Coordinator{
		st:          st,
		root:        root,
		maxFileSize: maxFileSize,
		uploads:     make(map[string]*upload),
		upByConn:    make(map[string]string),
		downloads:   make(map[string]*download),
	}, nil
}

// BeginUpload validates the request, opens a temp file, and returns the
// assigned file id with the chunk plan.
func (c *Coordinator) BeginUpload(req UploadRequest) (Ticket, error) {
	name, err := SanitizeFilename(req.Filename)
	if err != nil {
		return Ticket{}, err
	}
	req.Filename = name

	if req.FileSize <= 0 {
		return Ticket{}, fmt.Errorf("%w: file size must be positive", ErrInvalidRequest)
	}
	if req.FileSize > c.maxFileSize {
		return Ticket{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, req.FileSize, c.maxFileSize)
	}
	if req.ChunkSize < protocol.MinChunkSize || req.ChunkSize > protocol.MaxChunkSize {
		return Ticket{}, fmt.Errorf("%w: chunk size %d outside [%d, %d]",
			ErrInvalidRequest, req.ChunkSize, protocol.MinChunkSize, protocol.MaxChunkSize)
	}
	if len(req.Checksum) != md5.Size*2 {
		return Ticket{}, fmt.Errorf("%w: checksum must be an MD5 hex digest", ErrInvalidRequest)
	}
	if err := CheckFileType(req.Filename, req.MimeType); err != nil {
		return Ticket{}, err
	}

	fileID := newFileID(req.Filename, req.FileSize, req.Checksum)
	total := (req.FileSize + req.ChunkSize - 1) / req.ChunkSize

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.upByConn[req.ConnToken]; busy {
		return Ticket{}, ErrBusy
	}

	tmpPath := filepath.Join(c.root, ".upload-"+fileID+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Ticket{}, fmt.Errorf("open temp file: %w", err)
	}

	c.uploads[fileID] = &upload{
		req:      req,
		fileID:   fileID,
		tmpPath:  tmpPath,
		tmp:      tmp,
		total:    total,
		received: make(map[int64]bool, total),
	}
	c.upByConn[req.ConnToken] = fileID

	slog.Info("upload started",
		"file_id", fileID, "filename", req.Filename, "size", req.FileSize,
		"chunks", total, "uploader_id", req.UploaderID, "group_id", req.GroupID)
	return Ticket{FileID: fileID, ChunkSize: req.ChunkSize, TotalChunks: total}, nil
}

// WriteChunk verifies and persists one chunk. Chunks may arrive in any
// order; a chunk already written is acknowledged without rewriting.
func (c *Coordinator) WriteChunk(connToken, fileID string, index int64, data []byte, chunkChecksum string) error {
	up, err := c.uploadFor(connToken, fileID)
	if err != nil {
		return err
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	if index < 0 || index >= up.total {
		return fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrInvalidRequest, index, up.total)
	}
	if up.received[index] {
		return nil
	}

	offset := index * up.req.ChunkSize
	if offset+int64(len(data)) > up.req.FileSize {
		return fmt.Errorf("%w: chunk %d overruns declared file size", ErrInvalidRequest, index)
	}
	if sum := md5.Sum(data); hex.EncodeToString(sum[:]) != strings.ToLower(chunkChecksum) {
		return fmt.Errorf("%w: chunk %d digest mismatch", ErrCorrupt, index)
	}
	if index == 0 && !up.sniffed {
		if !sniffAgrees(up.req.MimeType, data) {
			return fmt.Errorf("%w: content does not match declared type %q", ErrTypeBlocked, up.req.MimeType)
		}
		up.sniffed = true
	}

	if _, err := up.tmp.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	up.received[index] = true
	return nil
}

// CompleteUpload verifies the assembled file against the declared size and
// checksum, promotes it into the storage root, and records its metadata.
// On any mismatch the temp file is removed and nothing is persisted.
func (c *Coordinator) CompleteUpload(ctx context.Context, connToken, fileID string) (store.FileMetadata, error) {
	up, err := c.uploadFor(connToken, fileID)
	if err != nil {
		return store.FileMetadata{}, err
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	fail := func(err error) (store.FileMetadata, error) {
		c.dropUpload(up, true)
		return store.FileMetadata{}, err
	}

	if int64(len(up.received)) != up.total {
		return fail(fmt.Errorf("%w: %d of %d chunks received", ErrCorrupt, len(up.received), up.total))
	}
	info, err := up.tmp.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat temp file: %w", err))
	}
	if info.Size() != up.req.FileSize {
		return fail(fmt.Errorf("%w: size %d does not match declared %d", ErrCorrupt, info.Size(), up.req.FileSize))
	}
	if _, err := up.tmp.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	h := md5.New()
	if _, err := io.Copy(h, up.tmp); err != nil {
		return fail(fmt.Errorf("digest temp file: %w", err))
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.ToLower(up.req.Checksum) {
		return fail(fmt.Errorf("%w: file digest %s does not match declared %s", ErrCorrupt, got, up.req.Checksum))
	}

	// Server-chosen final name keeps user content out of the path.
	finalPath := filepath.Join(c.root, uuid.NewString()+strings.ToLower(filepath.Ext(up.req.Filename)))
	if err := up.tmp.Close(); err != nil {
		return fail(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(up.tmpPath, finalPath); err != nil {
		return fail(fmt.Errorf("promote upload: %w", err))
	}

	meta := store.FileMetadata{
		FileID:           up.fileID,
		OriginalFilename: up.req.Filename,
		ServerFilepath:   finalPath,
		FileSize:         up.req.FileSize,
		Checksum:         strings.ToLower(up.req.Checksum),
		UploaderID:       up.req.UploaderID,
		GroupID:          up.req.GroupID,
		UploadTime:       time.Now().UTC(),
	}
	id, err := c.st.SaveFileMetadata(ctx, meta)
	if err != nil {
		_ = os.Remove(finalPath)
		return fail(err)
	}
	meta.ID = id

	c.dropUpload(up, false)
	slog.Info("upload complete", "file_id", up.fileID, "path", finalPath, "size", meta.FileSize)
	return meta, nil
}

// BeginDownload opens a download stream for fileID, optionally resuming
// from rangeStart. rangeEnd of zero means end of file; otherwise it is
// exclusive.
func (c *Coordinator) BeginDownload(ctx context.Context, connToken, fileID string, chunkSize, rangeStart, rangeEnd int64) (store.FileMetadata, Ticket, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < protocol.MinChunkSize || chunkSize > protocol.MaxChunkSize {
		return store.FileMetadata{}, Ticket{}, fmt.Errorf("%w: chunk size %d outside [%d, %d]",
			ErrInvalidRequest, chunkSize, protocol.MinChunkSize, protocol.MaxChunkSize)
	}

	meta, err := c.st.FileByID(ctx, fileID)
	if err != nil {
		return store.FileMetadata{}, Ticket{}, err
	}
	if rangeEnd <= 0 || rangeEnd > meta.FileSize {
		rangeEnd = meta.FileSize
	}
	if rangeStart < 0 || rangeStart >= rangeEnd {
		return store.FileMetadata{}, Ticket{}, fmt.Errorf("%w: bad range [%d, %d)", ErrInvalidRequest, rangeStart, rangeEnd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.downloads[connToken]; busy {
		return store.FileMetadata{}, Ticket{}, ErrBusy
	}

	f, err := os.Open(meta.ServerFilepath)
	if err != nil {
		return store.FileMetadata{}, Ticket{}, fmt.Errorf("open stored file: %w", err)
	}
	c.downloads[connToken] = &download{
		meta:      meta,
		f:         f,
		chunkSize: chunkSize,
		offset:    rangeStart,
		end:       rangeEnd,
	}

	total := (rangeEnd - rangeStart + chunkSize - 1) / chunkSize
	return meta, Ticket{FileID: fileID, ChunkSize: chunkSize, TotalChunks: total}, nil
}

// Chunk is one download frame payload.
type Chunk struct {
	Index    int64
	Data     []byte
	Checksum string // MD5 hex of Data
	Last     bool
}

// NextChunk reads the next download chunk for the connection. After the
// chunk with Last set the stream is closed automatically.
func (c *Coordinator) NextChunk(connToken string) (Chunk, error) {
	c.mu.Lock()
	dl, ok := c.downloads[connToken]
	c.mu.Unlock()
	if !ok {
		return Chunk{}, ErrNoTransfer
	}

	n := dl.chunkSize
	if remain := dl.end - dl.offset; remain < n {
		n = remain
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(dl.f, dl.offset, n), buf); err != nil {
		c.FinishDownload(connToken)
		if errors.Is(err, os.ErrClosed) {
			// The stream was torn down under us.
			return Chunk{}, ErrNoTransfer
		}
		return Chunk{}, fmt.Errorf("read stored file: %w", err)
	}

	sum := md5.Sum(buf)
	ch := Chunk{
		Index:    dl.offset / dl.chunkSize,
		Data:     buf,
		Checksum: hex.EncodeToString(sum[:]),
	}
	dl.offset += n
	if dl.offset >= dl.end {
		ch.Last = true
		c.FinishDownload(connToken)
	}
	return ch, nil
}

// FinishDownload closes the connection's download stream, if any.
func (c *Coordinator) FinishDownload(connToken string) {
	c.mu.Lock()
	dl, ok := c.downloads[connToken]
	delete(c.downloads, connToken)
	c.mu.Unlock()
	if ok {
		_ = dl.f.Close()
	}
}

// CancelConn tears down every transfer owned by a disconnecting
// connection. In-progress upload temp files are deleted.
func (c *Coordinator) CancelConn(connToken string) {
	c.mu.Lock()
	fileID, hasUp := c.upByConn[connToken]
	var up *upload
	if hasUp {
		up = c.uploads[fileID]
	}
	c.mu.Unlock()

	if up != nil {
		up.mu.Lock()
		c.dropUpload(up, true)
		up.mu.Unlock()
		slog.Debug("upload cancelled", "file_id", fileID)
	}
	c.FinishDownload(connToken)
}

// InFlight reports the number of active uploads and downloads.
func (c *Coordinator) InFlight() (uploads, downloads int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads), len(c.downloads)
}

// uploadFor resolves an upload and checks the connection owns it.
func (c *Coordinator) uploadFor(connToken, fileID string) (*upload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.uploads[fileID]
	if !ok || up.req.ConnToken != connToken {
		return nil, ErrNoTransfer
	}
	return up, nil
}

// dropUpload removes the upload from the maps; when removeTemp is set the
// temp file is deleted as well. Caller holds up.mu.
func (c *Coordinator) dropUpload(up *upload, removeTemp bool) {
	c.mu.Lock()
	delete(c.uploads, up.fileID)
	delete(c.upByConn, up.req.ConnToken)
	c.mu.Unlock()

	if removeTemp {
		_ = up.tmp.Close()
		_ = os.Remove(up.tmpPath)
	}
}

// newFileID derives the transfer id from the upload parameters and the
// current time.
func newFileID(filename string, size int64, checksum string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", filename, size, checksum, time.Now().UnixNano())))
	return hex.EncodeToString(h[:16])
}
