package session

import (
	"sync"
	"time"
)

// Ticket identifies one upload within a session. Only the ticket with the
// session's current sequence may change its state.
type Ticket struct {
	SessionID string
	Sequence  uint64
}

// Snapshot is a consistent copy of a session for rendering.
type Snapshot struct {
	SessionID string
	Sequence  uint64
	State     State
	PreviewID string
}

// Session holds the scan state of one visitor.
type Session struct {
	id string

	mu       sync.Mutex
	seq      uint64
	state    State
	preview  string
	lastSeen time.Time
	closed   bool
}

func newSession(id string, now time.Time) *Session {
	return &Session{id: id, lastSeen: now}
}

func (s *Session) ID() string { return s.id }

// Begin starts a new upload cycle: the sequence advances, the state becomes
// Loading and previewID replaces the current preview. The superseded preview
// id is returned so the caller can revoke it. A torn down session refuses
// the preview and hands previewID straight back.
func (s *Session) Begin(previewID string) (Ticket, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.closed {
		return Ticket{SessionID: s.id, Sequence: s.seq}, previewID
	}
	s.state = LoadingState()
	released := s.preview
	if released == previewID {
		released = ""
	}
	s.preview = previewID
	return Ticket{SessionID: s.id, Sequence: s.seq}, released
}

// Complete applies a terminal state for t. It reports false, leaving the
// session untouched, when a newer upload has started since t was issued or
// the session was torn down.
func (s *Session) Complete(t Ticket, st State) bool {
	if !st.Terminal() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || t.SessionID != s.id || t.Sequence != s.seq {
		return false
	}
	s.state = st
	return true
}

// Current reports whether t still belongs to the latest upload.
func (s *Session) Current(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && t.Sequence == s.seq
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{SessionID: s.id, Sequence: s.seq, State: s.state, PreviewID: s.preview}
}

// OwnsPreview reports whether id is the live preview of this session.
func (s *Session) OwnsPreview(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && !s.closed && s.preview == id
}

// teardown closes the session and hands back the preview to revoke.
func (s *Session) teardown() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.seq++
	s.state = IdleState()
	released := s.preview
	s.preview = ""
	return released
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *Session) loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Kind() == Loading
}
