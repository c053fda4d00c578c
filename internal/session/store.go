package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by operations that require an existing session.
var ErrNotFound = errors.New("session not found")

// Store is the in-memory session continuity store, keyed by conversation id.
// Every operation is atomic with respect to its key. Contents are lost on
// restart.
type Store struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		sessions: make(map[string]Session),
	}
}

// Get returns the session for id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// Create stores a new idle session for id, replacing any existing entry.
func (s *Store) Create(id, projectPath, threadID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLocked(id, projectPath, threadID)
}

// GetOrCreate returns the existing session for id unchanged, or creates one.
// An existing session's project path is never overwritten.
func (s *Store) GetOrCreate(id, projectPath string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	return s.createLocked(id, projectPath, "")
}

// Update applies fn to the session for id and stores the result with a fresh
// UpdatedAt.
func (s *Store) Update(id string, fn func(Session) Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(id, fn)
}

// Delete removes the session for id, if any.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
}

// List returns all sessions ordered by conversation id.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// ResumeToken returns the stored resume token for id, if there is one.
func (s *Store) ResumeToken(id string) (string, bool) {
	sess, ok := s.Get(id)
	if !ok || sess.ResumeToken == "" {
		return "", false
	}
	return sess.ResumeToken, true
}

// StoreResumeToken records the token returned by a successful run and marks
// the conversation idle, creating the session if needed.
func (s *Store) StoreResumeToken(id, projectPath, token string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		s.createLocked(id, projectPath, "")
	}

	sess, _ := s.updateLocked(id, func(sess Session) Session {
		sess.ResumeToken = token
		sess.State = StateIdle
		return sess
	})
	return sess
}

// ClearSession drops the resume token so the next run starts a fresh agent
// conversation. Project path and timestamps are kept. Clearing an unknown id
// is a no-op.
func (s *Store) ClearSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.ResumeToken == "" && sess.State == StateIdle {
		return
	}

	s.updateLocked(id, func(sess Session) Session {
		sess.ResumeToken = ""
		sess.State = StateIdle
		return sess
	})
	slog.Info("session cleared", "conversation_id", id)
}

// UpdateState sets the lifecycle state of an existing session.
func (s *Store) UpdateState(id string, state State) (Session, error) {
	return s.Update(id, func(sess Session) Session {
		sess.State = state
		return sess
	})
}

func (s *Store) createLocked(id, projectPath, threadID string) Session {
	now := s.now()
	sess := Session{
		ConversationID: id,
		ThreadID:       threadID,
		ProjectPath:    projectPath,
		State:          StateIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.sessions[id] = sess
	slog.Info("session created", "conversation_id", id, "project", projectPath)
	return sess
}

func (s *Store) updateLocked(id string, fn func(Session) Session) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	updated := fn(sess)
	updated.ConversationID = id
	updated.UpdatedAt = s.now()
	s.sessions[id] = updated
	return updated, nil
}
