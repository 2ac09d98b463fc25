package camera

import (
	"sync"

	"github.com/example/kyc-capture/internal/capture"
)

// Registry keeps one device stream per user.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Stream returns the user's open stream, creating it if needed.
func (r *Registry) Stream(userID string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[userID]
	if !ok {
		s = NewStream()
		r.streams[userID] = s
	}
	return s
}

// Camera returns a capture.Camera bound to the user rather than to one
// stream, so a workflow keeps seeing frames after the stream is closed and
// reopened.
func (r *Registry) Camera(userID string) capture.Camera {
	return userCamera{registry: r, userID: userID}
}

func (r *Registry) current(userID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[userID]
	return s, ok
}

type userCamera struct {
	registry *Registry
	userID   string
}

func (c userCamera) Ready() bool {
	s, ok := c.registry.current(c.userID)
	return ok && s.Ready()
}

func (c userCamera) Snapshot() (capture.Frame, bool) {
	s, ok := c.registry.current(c.userID)
	if !ok {
		return capture.Frame{}, false
	}
	return s.Snapshot()
}

// Close closes and forgets the user's stream. It reports whether one existed.
func (r *Registry) Close(userID string) bool {
	r.mu.Lock()
	s, ok := r.streams[userID]
	delete(r.streams, userID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}
