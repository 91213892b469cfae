package sessions

import (
	"context"
	"sync"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// MemoryStore keeps sessions and transcripts in process memory. Used in
// tests and for ephemeral sessions; the data model and the atomicity
// guarantees match the durable stores.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	if _, ok := s.messages[session.ID]; !ok {
		s.messages[session.ID] = nil
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStore) ReadBranch(_ context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	out := make([]*models.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, sessionID string, msgs []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		clone := m.Clone()
		clone.SessionID = sessionID
		s.messages[sessionID] = append(s.messages[sessionID], clone)
	}
	return nil
}

func (s *MemoryStore) RewritePrefix(_ context.Context, sessionID string, keepFrom int, replacement []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[sessionID]
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom > len(stored) {
		keepFrom = len(stored)
	}
	next := make([]*models.Message, 0, len(replacement)+len(stored)-keepFrom)
	for _, m := range replacement {
		clone := m.Clone()
		clone.SessionID = sessionID
		next = append(next, clone)
	}
	next = append(next, stored[keepFrom:]...)
	s.messages[sessionID] = next
	return nil
}

func (s *MemoryStore) RepairIfNeeded(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repaired, changed := repairHistory(s.messages[sessionID])
	if changed {
		s.messages[sessionID] = repaired
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
