// Package session holds the per-connection PTY Session Registry: the
// bookkeeping the bridge orchestrator needs to route frames to the
// right PTY and to guarantee every session is torn down exactly once.
package session

import (
	"io"
	"sync"
	"time"
)

// DefaultMaxInputBytes is the cumulative input cap per session used when
// a caller doesn't supply a configured override (§3: PTY Session
// invariants). A session that crosses the configured cap is closed with
// an error.
const DefaultMaxInputBytes = 10 * 1024 * 1024

// Stream is the bidirectional byte stream a Container Exec Adapter hands
// back for one exec. It is closed by the session that owns it, on
// removal from the registry; PTYSession.Close passes every call through,
// so a session closed twice closes its Stream twice.
type Stream interface {
	io.ReadWriteCloser
}

// PTYSession is one logical PTY: an exec handle, its stream, and the
// bookkeeping the orchestrator and idle sweeper need.
type PTYSession struct {
	SessionID string
	ExecID    string
	Stream    Stream

	mu              sync.Mutex
	lastActivityAt  time.Time
	inputTotalBytes int64
	cancelReader    func()
}

// New wraps a freshly created exec into a PTYSession. cancelReader, if
// non-nil, is invoked once when the session is closed, so the reader
// task backing it can stop promptly instead of blocking on a read that
// will never return more data.
func New(sessionID, execID string, stream Stream, cancelReader func()) *PTYSession {
	return &PTYSession{
		SessionID:      sessionID,
		ExecID:         execID,
		Stream:         stream,
		lastActivityAt: time.Now(),
		cancelReader:   cancelReader,
	}
}

// Touch records inbound activity and returns the session's new
// cumulative input byte count. Callers must close the session when the
// returned value exceeds their configured input cap.
func (s *PTYSession) Touch(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
	s.inputTotalBytes += int64(n)
	return s.inputTotalBytes
}

func (s *PTYSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *PTYSession) InputTotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTotalBytes
}

// Close cancels the reader task (if any) and closes the underlying
// stream. Safe to call more than once.
func (s *PTYSession) Close() error {
	s.mu.Lock()
	cancel := s.cancelReader
	s.cancelReader = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.Stream.Close()
}

// Registry maps session-id to PTYSession for a single client connection.
// It is touched by the connection's dispatch loop and, for self-removal
// on EOF, by the session's own reader task — hence the mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*PTYSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*PTYSession)}
}

// Get returns the session for id, or nil if absent.
func (r *Registry) Get(id string) *PTYSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Has reports whether id is already registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Insert adds sess under its SessionID. Callers must have already
// checked Has to preserve the "unique within connection" invariant.
func (r *Registry) Insert(sess *PTYSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.SessionID] = sess
}

// Remove removes and returns the session for id, or nil if absent. It
// does not close the session; callers are responsible for that so
// Remove can be used both for client-initiated close and self-removal
// from within the reader task without double-closing.
func (r *Registry) Remove(id string) *PTYSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return sess
}

// Snapshot returns every currently registered session. Used by the idle
// sweeper, which must not hold the registry lock while emitting frames.
func (r *Registry) Snapshot() []*PTYSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PTYSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes and removes every session, used during connection
// teardown. Errors from individual closes are ignored; teardown must
// not abort partway through.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*PTYSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*PTYSession)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
