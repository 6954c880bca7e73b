package transfer

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
)

// blockedExtensions rejects executables and scripts regardless of the
// declared MIME type.
var blockedExtensions = map[string]bool{
	".exe": true, ".dll": true, ".com": true, ".msi": true, ".scr": true,
	".bat": true, ".cmd": true, ".ps1": true, ".vbs": true,
	".sh": true, ".bash": true, ".php": true, ".jar": true,
}

// allowedMimePrefixes is the declared-type allowlist. application/* types
// are matched exactly below.
var allowedMimePrefixes = []string{"image/", "video/", "audio/", "text/"}

var allowedMimeExact = map[string]bool{
	"application/pdf":          true,
	"application/zip":          true,
	"application/gzip":         true,
	"application/x-tar":        true,
	"application/json":         true,
	"application/octet-stream": true,
}

// SanitizeFilename validates an upload filename and returns its base name.
// Path traversal, absolute paths, and control characters are rejected.
func SanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty filename", ErrInvalidRequest)
	}
	if len(name) > protocol.MaxFilenameLength {
		return "", fmt.Errorf("%w: filename exceeds %d characters", ErrInvalidRequest, protocol.MaxFilenameLength)
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) ||
		filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: filename must not contain path components", ErrInvalidRequest)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: filename contains control characters", ErrInvalidRequest)
		}
	}
	return name, nil
}

// CheckFileType applies the extension denylist and MIME allowlist.
func CheckFileType(filename, mimeType string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if blockedExtensions[ext] {
		return fmt.Errorf("%w: extension %s not permitted", ErrTypeBlocked, ext)
	}
	if mimeAllowed(mimeType) {
		return nil
	}
	return fmt.Errorf("%w: mime type %q not permitted", ErrTypeBlocked, mimeType)
}

func mimeAllowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if allowedMimeExact[mimeType] {
		return true
	}
	for _, p := range allowedMimePrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

// sniffAgrees checks that the detected content type of the first bytes is
// compatible with the declared MIME type. Detection is coarse, so agreement
// is judged on the major type; octet-stream on either side passes.
func sniffAgrees(declared string, head []byte) bool {
	detected := http.DetectContentType(head)
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if detected == "application/octet-stream" || declared == "application/octet-stream" {
		return true
	}
	if detected == declared {
		return true
	}
	// text/* sniffs as text/plain for most declared subtypes.
	return majorType(detected) == majorType(declared)
}

func majorType(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[:i]
	}
	return mime
}
