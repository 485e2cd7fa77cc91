package store

import (
	"context"
	"sync"

	"ai-interview-relay-service/internal/models"
)

// MemoryStore is an in-memory TranscriptStore used when Postgres is disabled
// and in tests. Same full-replace semantics as the Postgres store.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]models.TranscriptEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string][]models.TranscriptEntry),
	}
}

// SaveTranscript replaces the stored transcript for the interview.
func (s *MemoryStore) SaveTranscript(_ context.Context, interviewId string, entries []models.TranscriptEntry) error {
	cp := make([]models.TranscriptEntry, len(entries))
	copy(cp, entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[interviewId] = cp
	return nil
}

// LoadTranscript returns the stored transcript, or nil if none exists.
func (s *MemoryStore) LoadTranscript(_ context.Context, interviewId string) ([]models.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.transcripts[interviewId]
	if !ok {
		return nil, nil
	}
	cp := make([]models.TranscriptEntry, len(entries))
	copy(cp, entries)
	return cp, nil
}

// Ping always succeeds; the in-memory store has no connection to lose.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}
