// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// SessionStore keeps scan sessions in a map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]crawler.Session)}
}

// CreateSession stores a new session.
func (s *SessionStore) CreateSession(_ context.Context, session crawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return errors.New("session already exists")
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// UpdateSession replaces a session. The submission time is fixed at creation
// and a cancelled session keeps its status and completion time.
func (s *SessionStore) UpdateSession(_ context.Context, session crawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", session.ID, crawler.ErrNotFound)
	}
	next := cloneSession(session)
	next.Submitted = current.Submitted
	if current.Status == crawler.SessionCancelled {
		next.Status = crawler.SessionCancelled
		if current.Finished != nil {
			next.Finished = current.Finished
		}
	}
	if next.Started == nil {
		next.Started = current.Started
	}
	s.sessions[session.ID] = next
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, sessionID string) (crawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return crawler.Session{}, fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	return cloneSession(session), nil
}

// CancelSession marks a pending or running session cancelled.
func (s *SessionStore) CancelSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	switch session.Status {
	case crawler.SessionCancelled:
		return nil
	case crawler.SessionPending, crawler.SessionRunning:
		session.Status = crawler.SessionCancelled
		s.sessions[sessionID] = session
		return nil
	default:
		return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, crawler.ErrSessionFinished)
	}
}

func cloneSession(s crawler.Session) crawler.Session {
	out := s
	out.Errors = append([]string(nil), s.Errors...)
	out.Request.URLs = append([]string(nil), s.Request.URLs...)
	out.Request.Categories = append([]string(nil), s.Request.Categories...)
	return out
}
