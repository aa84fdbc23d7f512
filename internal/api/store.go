package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/gpt2chat/internal/chat"
)

type sessionRecord struct {
	session   *chat.Session
	createdAt time.Time
}

// SessionStore keeps the live chat sessions of the server.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*sessionRecord)}
}

// Create registers a new session built by factory under a fresh id.
func (s *SessionStore) Create(factory func(id string) *chat.Session, now time.Time) (*chat.Session, time.Time) {
	id := newSessionID()
	rec := &sessionRecord{session: factory(id), createdAt: now}
	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()
	return rec.session, rec.createdAt
}

func (s *SessionStore) Get(id string) (*chat.Session, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, time.Time{}, false
	}
	return rec.session, rec.createdAt, true
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}
