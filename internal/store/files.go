package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FileMetadata is one row in the files table. ServerFilepath points at the
// bytes on disk; Checksum is the MD5 hex digest of those bytes.
type FileMetadata struct {
	ID               int64
	FileID           string
	OriginalFilename string
	ServerFilepath   string
	FileSize         int64
	Checksum         string
	UploaderID       int64
	GroupID          int64
	UploadTime       time.Time
	MessageID        int64 // 0 when no chat message is linked yet
}

// SaveFileMetadata records a completed upload.
func (s *Store) SaveFileMetadata(ctx context.Context, meta FileMetadata) (int64, error) {
	if meta.UploadTime.IsZero() {
		meta.UploadTime = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files(file_id, original_filename, server_filepath, file_size,
		                   checksum, uploader_id, group_id, upload_time)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.FileID, meta.OriginalFilename, meta.ServerFilepath, meta.FileSize,
		meta.Checksum, meta.UploaderID, meta.GroupID, meta.UploadTime.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert file metadata: %w", err)
	}
	return res.LastInsertId()
}

// FileByID returns the metadata stored under the transfer file id.
func (s *Store) FileByID(ctx context.Context, fileID string) (FileMetadata, error) {
	var (
		meta     FileMetadata
		uploaded int64
		msgID    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, original_filename, server_filepath, file_size,
		        checksum, uploader_id, group_id, upload_time, message_id
		 FROM files WHERE file_id = ?`, fileID,
	).Scan(&meta.ID, &meta.FileID, &meta.OriginalFilename, &meta.ServerFilepath,
		&meta.FileSize, &meta.Checksum, &meta.UploaderID, &meta.GroupID, &uploaded, &msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return FileMetadata{}, ErrFileNotFound
	}
	if err != nil {
		return FileMetadata{}, fmt.Errorf("query file metadata: %w", err)
	}
	meta.UploadTime = time.Unix(uploaded, 0).UTC()
	if msgID.Valid {
		meta.MessageID = msgID.Int64
	}
	return meta, nil
}

// ListGroupFiles returns the files uploaded to a group, newest first.
func (s *Store) ListGroupFiles(ctx context.Context, groupID int64) ([]FileMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, original_filename, server_filepath, file_size,
		        checksum, uploader_id, group_id, upload_time, message_id
		 FROM files WHERE group_id = ?
		 ORDER BY id DESC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group files: %w", err)
	}
	defer rows.Close()

	var files []FileMetadata
	for rows.Next() {
		var (
			meta     FileMetadata
			uploaded int64
			msgID    sql.NullInt64
		)
		if err := rows.Scan(&meta.ID, &meta.FileID, &meta.OriginalFilename, &meta.ServerFilepath,
			&meta.FileSize, &meta.Checksum, &meta.UploaderID, &meta.GroupID, &uploaded, &msgID); err != nil {
			return nil, fmt.Errorf("scan file metadata: %w", err)
		}
		meta.UploadTime = time.Unix(uploaded, 0).UTC()
		if msgID.Valid {
			meta.MessageID = msgID.Int64
		}
		files = append(files, meta)
	}
	return files, rows.Err()
}
