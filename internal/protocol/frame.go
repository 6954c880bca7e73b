package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFrameSize caps a single frame payload. A length prefix above this means
// the stream is corrupt and the connection must be closed.
const MaxFrameSize = 16 << 20

// frameHeaderSize is the 4-byte big-endian unsigned payload length.
const frameHeaderSize = 4

var (
	// ErrFrameTooBig is returned when a length prefix exceeds MaxFrameSize.
	// The stream is unrecoverable after this error.
	ErrFrameTooBig = errors.New("frame exceeds maximum size")

	// ErrBadFrame is returned when a complete frame holds payload bytes that
	// do not parse as JSON. The frame is consumed; the stream stays usable.
	ErrBadFrame = errors.New("malformed frame payload")
)

// EncodeFrame serialises msg and prepends the 4-byte length prefix.
func EncodeFrame(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes one frame to w. Prefix and payload go out in a single
// Write call so a frame is never interleaved with another writer's bytes;
// net.Conn.Write does not return short on success, so no drain loop is
// needed on top.
func WriteFrame(w io.Writer, msg Message) error {
	buf, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder extracts frames from a byte stream. It keeps a partial tail
// between reads, so frames never tear across arbitrary read boundaries.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode returns the next complete frame, reading from the underlying
// stream as needed. ErrBadFrame is recoverable (the offending frame has
// been consumed); ErrFrameTooBig and I/O errors are terminal.
func (d *Decoder) Decode() (Message, error) {
	for {
		if payload, err := d.next(); err != nil {
			return Message{}, err
		} else if payload != nil {
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
			}
			return msg, nil
		}

		chunk := make([]byte, 32*1024)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// next pops one complete frame payload from the buffer, or returns nil when
// more bytes are needed.
func (d *Decoder) next() ([]byte, error) {
	if len(d.buf) < frameHeaderSize {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(d.buf[:frameHeaderSize])
	if size > MaxFrameSize {
		return nil, ErrFrameTooBig
	}
	total := frameHeaderSize + int(size)
	if len(d.buf) < total {
		return nil, nil
	}
	payload := make([]byte, size)
	copy(payload, d.buf[frameHeaderSize:total])
	d.buf = d.buf[total:]
	return payload, nil
}

// Buffered reports how many undecoded bytes are held in the tail buffer.
func (d *Decoder) Buffered() int { return len(d.buf) }
