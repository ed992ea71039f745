package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

// ThreadAPI is the slice of the backend the store needs: thread lifecycle only.
type ThreadAPI interface {
	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Session binds one external user to one backend thread.
type Session struct {
	UserKey   string
	ThreadID  string
	CreatedAt time.Time
}

// Store owns the user→thread mapping. All mutation goes through it; the lock
// protects the map only and is never held across a backend call.
type Store struct {
	backend ThreadAPI
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewStore(backend ThreadAPI, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// Get returns the live session for the key, if any. No side effects.
func (s *Store) Get(userKey string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userKey]
	return sess, ok
}

// GetOrCreate returns the existing session or creates a backend thread and
// commits it. The thread is created outside the lock; the mapping is only
// written after creation succeeds, so a failure leaves nothing behind.
func (s *Store) GetOrCreate(ctx context.Context, userKey string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[userKey]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	threadID, err := s.backend.CreateThread(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", domain.ErrThreadCreation, err)
	}

	s.mu.Lock()
	if existing, ok := s.sessions[userKey]; ok {
		// Lost the race to a concurrent create; keep the committed session
		// and discard the extra thread.
		s.mu.Unlock()
		if derr := s.backend.DeleteThread(ctx, threadID); derr != nil {
			s.logger.Warn("cannot discard duplicate thread", "thread", threadID, "err", derr)
		}
		return existing, nil
	}
	sess = Session{UserKey: userKey, ThreadID: threadID, CreatedAt: time.Now()}
	s.sessions[userKey] = sess
	s.mu.Unlock()

	s.logger.Info("session created", "user", userKey, "thread", threadID)
	return sess, nil
}

// Terminate removes the session and deletes its backend thread. The mapping
// is removed even when the delete fails: local state must never keep a thread
// the rest of the system no longer treats as live.
func (s *Store) Terminate(ctx context.Context, userKey string) {
	s.mu.Lock()
	sess, ok := s.sessions[userKey]
	if ok {
		delete(s.sessions, userKey)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.backend.DeleteThread(ctx, sess.ThreadID); err != nil {
		s.logger.Warn("thread delete failed, local session removed anyway",
			"user", userKey, "thread", sess.ThreadID, "err", err)
		return
	}
	s.logger.Info("session terminated", "user", userKey, "thread", sess.ThreadID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
