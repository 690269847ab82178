package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleybot/parley/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
// Messages are cloned on the way in and out, so callers cannot mutate
// stored state through shared pointers.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	messages []*models.Message
	summary  *models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) Append(ctx context.Context, session string, msg *models.Message) error {
	if err := validateAppend(session, msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.sessions[session]
	if rec == nil {
		rec = &memorySession{}
		s.sessions[session] = rec
	}
	for _, existing := range rec.messages {
		if existing.ID == msg.ID {
			return storageErr("append", session, fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID))
		}
	}
	rec.messages = append(rec.messages, msg.Clone())
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, session string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.sessions[session]
	if rec == nil {
		return nil, nil
	}
	out := make([]*models.Message, len(rec.messages))
	for i, msg := range rec.messages {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Summary(ctx context.Context, session string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.sessions[session]
	if rec == nil || rec.summary == nil {
		return nil, nil
	}
	return rec.summary.Clone(), nil
}

func (s *MemoryStore) SetSummary(ctx context.Context, session string, summary *models.Message) error {
	if err := validateSummary(session, summary); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.sessions[session]
	if rec == nil {
		rec = &memorySession{}
		s.sessions[session] = rec
	}
	rec.summary = summary.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, session, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.sessions[session]
	if rec != nil {
		for i, msg := range rec.messages {
			if msg.ID == id {
				rec.messages = append(rec.messages[:i], rec.messages[i+1:]...)
				return nil
			}
		}
	}
	return storageErr("delete", session, fmt.Errorf("%w: %s", ErrNotFound, id))
}

func (s *MemoryStore) Clear(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, session)
	return nil
}
