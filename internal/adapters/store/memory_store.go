package store

import (
	"context"
	"sync"

	"github.com/mikey/mailsentry/internal/core"
)

// MemoryStore is the in-memory VerdictStore, for tests and single-node
// evaluation. History is append-only per message.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*core.VerdictRecord
}

// NewMemoryStore creates an in-memory verdict store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*core.VerdictRecord),
	}
}

// Append adds a verdict record to the message's history.
func (s *MemoryStore) Append(ctx context.Context, rec *core.VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.MessageID] = append(s.records[rec.MessageID], rec)
	return nil
}

// Current returns the latest verdict record for a message.
func (s *MemoryStore) Current(ctx context.Context, messageID string) (*core.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.records[messageID]
	if len(history) == 0 {
		return nil, core.ErrMessageNotFound
	}
	return history[len(history)-1], nil
}

// History returns the full verdict history for a message, oldest first.
func (s *MemoryStore) History(ctx context.Context, messageID string) ([]*core.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.records[messageID]
	if len(history) == 0 {
		return nil, core.ErrMessageNotFound
	}
	return append([]*core.VerdictRecord(nil), history...), nil
}
