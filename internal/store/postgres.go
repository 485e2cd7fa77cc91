package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"ai-interview-relay-service/internal/models"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS interview_transcripts (
	interview_id TEXT PRIMARY KEY,
	transcript   JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists transcripts in a single-row-per-interview table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres and ensures the transcript table exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure transcript table: %w", err)
	}

	log.Info().Msg("Postgres transcript store initialized")
	return &PostgresStore{pool: pool}, nil
}

// SaveTranscript upserts the full transcript for the interview.
func (s *PostgresStore) SaveTranscript(ctx context.Context, interviewId string, entries []models.TranscriptEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO interview_transcripts (interview_id, transcript, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (interview_id)
		DO UPDATE SET transcript = EXCLUDED.transcript, updated_at = now()`,
		interviewId, payload)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the stored transcript, or nil if none exists.
func (s *PostgresStore) LoadTranscript(ctx context.Context, interviewId string) ([]models.TranscriptEntry, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT transcript FROM interview_transcripts WHERE interview_id = $1`,
		interviewId).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	var entries []models.TranscriptEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return entries, nil
}

// Ping checks pool health for the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
