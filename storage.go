package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Storage
// ============================================================================

// Storage persists the messages a session has observed so a restart can
// rebuild conversation summaries before the first fetch completes.
//
// PutMessages keeps the first stored copy of each id, except that the read
// flag only ever moves from false to true.
type Storage interface {
	PutMessages(ctx context.Context, msgs []Message) error
	Messages(ctx context.Context) ([]Message, error)
	ConversationMessages(ctx context.Context, partnerID string, limit int) ([]Message, error)
	MarkRead(ctx context.Context, messageID string) error
	Search(ctx context.Context, query, partnerID string, limit int) ([]Message, error)
	Close() error
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]Message
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{messages: make(map[string]Message)}
}

func (s *MemoryStorage) PutMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		existing, ok := s.messages[m.ID]
		if !ok {
			s.messages[m.ID] = m
			continue
		}
		if m.Read && !existing.Read {
			existing.Read = true
			s.messages[m.ID] = existing
		}
	}
	return nil
}

func (s *MemoryStorage) Messages(_ context.Context) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sortByCreatedAt(out)
	return out, nil
}

// ConversationMessages returns the most recent limit messages with partnerID
// in chronological order. limit <= 0 returns all of them.
func (s *MemoryStorage) ConversationMessages(_ context.Context, partnerID string, limit int) ([]Message, error) {
	s.mu.RLock()
	var out []Message
	for _, m := range s.messages {
		if m.PartnerID() == partnerID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStorage) MarkRead(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok && !m.Read {
		m.Read = true
		s.messages[messageID] = m
	}
	return nil
}

// Search does a case-insensitive substring match on content, newest first.
func (s *MemoryStorage) Search(_ context.Context, query, partnerID string, limit int) ([]Message, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	var out []Message
	for _, m := range s.messages {
		if partnerID != "" && m.PartnerID() != partnerID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }

func sortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
