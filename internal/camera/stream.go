// Package camera buffers snapshots pushed by a capture device (a browser
// webcam, typically) and serves them to capture workflows.
package camera

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/example/kyc-capture/internal/capture"
)

var (
	// ErrEmptyFrame is returned when a pushed frame carries no data.
	ErrEmptyFrame = errors.New("camera: empty frame")

	// ErrUnsupportedEncoding is returned for frame encodings other than jpeg, png or webp.
	ErrUnsupportedEncoding = errors.New("camera: unsupported frame encoding")

	// ErrStreamClosed is returned when pushing to a closed stream.
	ErrStreamClosed = errors.New("camera: stream closed")
)

var supportedEncodings = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// SupportedEncoding reports whether encoding is an accepted frame MIME type.
func SupportedEncoding(encoding string) bool {
	_, ok := supportedEncodings[normalizeEncoding(encoding)]
	return ok
}

func normalizeEncoding(encoding string) string {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if i := strings.IndexByte(encoding, ';'); i >= 0 {
		encoding = strings.TrimSpace(encoding[:i])
	}
	if encoding == "image/jpg" {
		return "image/jpeg"
	}
	return encoding
}

// Stream holds the latest frame pushed by the device. It becomes ready on
// the first push and stops being ready once closed.
type Stream struct {
	mu     sync.RWMutex
	latest capture.Frame
	seq    uint64
	ready  bool
	closed bool
	now    func() time.Time
}

// NewStream returns an empty, not-ready stream.
func NewStream() *Stream {
	return &Stream{now: time.Now}
}

// Push stores data as the current frame.
func (s *Stream) Push(data []byte, encoding string) (capture.Frame, error) {
	if len(data) == 0 {
		return capture.Frame{}, ErrEmptyFrame
	}
	encoding = normalizeEncoding(encoding)
	if _, ok := supportedEncodings[encoding]; !ok {
		return capture.Frame{}, ErrUnsupportedEncoding
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.Frame{}, ErrStreamClosed
	}
	s.seq++
	s.latest = capture.Frame{
		Data:       append([]byte(nil), data...),
		Encoding:   encoding,
		Sequence:   s.seq,
		CapturedAt: s.now(),
	}
	s.ready = true
	return s.latest, nil
}

// Ready implements capture.Camera.
func (s *Stream) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready && !s.closed
}

// Snapshot implements capture.Camera. The returned frame shares no memory
// with the buffer.
func (s *Stream) Snapshot() (capture.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready || s.closed || s.latest.Empty() {
		return capture.Frame{}, false
	}
	frame := s.latest
	frame.Data = append([]byte(nil), s.latest.Data...)
	return frame, true
}

// Close releases the buffered frame. A closed stream is never ready again.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.ready = false
	s.latest = capture.Frame{}
}
