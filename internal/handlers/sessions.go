package handlers

import (
	"log/slog"
	"sync"

	"github.com/mossy-p/meshcall/internal/call"
)

// SessionFactory builds a call session for an authenticated participant.
type SessionFactory func(userID string) *call.Session

type sessionEntry struct {
	session *call.Session
	hub     *Hub
}

// Sessions keeps at most one live call session per participant.
type Sessions struct {
	mu         sync.Mutex
	entries    map[string]*sessionEntry
	newSession SessionFactory
	logger     *slog.Logger
}

func NewSessions(factory SessionFactory, logger *slog.Logger) *Sessions {
	return &Sessions{
		entries:    make(map[string]*sessionEntry),
		newSession: factory,
		logger:     logger,
	}
}

func (s *Sessions) Get(userID string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	return entry, ok
}

// Open returns the participant's current session, replacing it with a fresh
// one when it has reached a terminal state.
func (s *Sessions) Open(userID string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[userID]; ok {
		if !entry.session.State().Terminal() {
			return entry
		}
		go entry.session.Close()
	}

	entry := &sessionEntry{
		session: s.newSession(userID),
		hub:     newHub(userID, s.logger),
	}
	go entry.hub.run(entry.session.Events())
	s.entries[userID] = entry
	s.logger.Debug("session opened", "user_id", userID)
	return entry
}

// Remove closes and forgets the participant's session.
func (s *Sessions) Remove(userID string) {
	s.mu.Lock()
	entry, ok := s.entries[userID]
	delete(s.entries, userID)
	s.mu.Unlock()
	if ok {
		entry.session.Close()
	}
}

// CloseAll leaves every call. It is used on shutdown.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*sessionEntry)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(session *call.Session) {
			defer wg.Done()
			session.Close()
		}(entry.session)
	}
	wg.Wait()
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
