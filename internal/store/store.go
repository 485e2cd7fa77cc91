// Package store provides durable transcript persistence keyed by interview.
package store

import (
	"context"

	"ai-interview-relay-service/internal/models"
)

// TranscriptStore persists the full ordered transcript of an interview.
// SaveTranscript is an idempotent full replace, not an append, so repeated
// persistence under retry is safe. Ping backs the readiness probe.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, interviewId string, entries []models.TranscriptEntry) error
	LoadTranscript(ctx context.Context, interviewId string) ([]models.TranscriptEntry, error)
	Ping(ctx context.Context) error
	Close()
}
