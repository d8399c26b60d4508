package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one live connection. The send buffer is never closed; writers
// stop on done instead, so a late broadcast can't panic.
type Session struct {
	id     string
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Done is closed once the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// enqueue reports false if the session is closed or its buffer is full.
func (s *Session) enqueue(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}
