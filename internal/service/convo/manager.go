// Package convo manages the growing conversation context: the raw transcript
// history, a token-budget estimate, and a compacted summary + recent-window
// representation that keeps the context inside the backend's instruction
// budget.
package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"ai-interview-relay-service/internal/models"
	"ai-interview-relay-service/internal/observability/metrics"
	"ai-interview-relay-service/internal/service/voice"
	"ai-interview-relay-service/internal/store"
)

// Summarizer produces a bounded summary of a range of transcript entries.
type Summarizer interface {
	Summarize(ctx context.Context, entries []models.TranscriptEntry) (string, error)
}

// Config holds context budget settings.
type Config struct {
	TokenBudget  int // instruction-size budget in tokens
	ThresholdPct int // compaction triggers above this percentage of the budget
	RecentWindow int // entries kept verbatim after compaction
	PersistEvery int // persist raw history every N finalized entries
}

// Manager owns the conversation context for one interview session.
type Manager struct {
	log         zerolog.Logger
	interviewId string
	cfg         Config
	summarizer  Summarizer
	store       store.TranscriptStore
	metrics     *metrics.Metrics

	mu               sync.Mutex
	raw              []models.TranscriptEntry
	summary          string
	recent           []models.TranscriptEntry
	summarizedTo     int // raw[:summarizedTo] is covered by summary
	estimatedTokens  int
	sinceLastPersist int
}

// New creates a context manager for the given interview.
func New(logger zerolog.Logger, interviewId string, cfg Config, summarizer Summarizer, st store.TranscriptStore) *Manager {
	return &Manager{
		log:         logger,
		interviewId: interviewId,
		cfg:         cfg,
		summarizer:  summarizer,
		store:       st,
		metrics:     metrics.DefaultMetrics,
	}
}

// estimateTokens is a deterministic, cheap length-based token estimator.
// Exactness is not required, only monotonic growth.
func estimateTokens(text string) int {
	return len(text)/4 + 8
}

// Append records a finalized transcript entry and recomputes the estimate.
func (m *Manager) Append(entry models.TranscriptEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.raw = append(m.raw, entry)
	m.sinceLastPersist++
	m.recomputeLocked()
}

// recomputeLocked recalculates estimatedTokens from the summary plus every
// entry not yet covered by it.
func (m *Manager) recomputeLocked() {
	total := 0
	if m.summary != "" {
		total += estimateTokens(m.summary)
	}
	for _, e := range m.raw[m.summarizedTo:] {
		total += estimateTokens(e.Text)
	}
	m.estimatedTokens = total
	m.metrics.ContextTokens.Set(float64(total))
}

// EstimatedTokens returns the current context size estimate.
func (m *Manager) EstimatedTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimatedTokens
}

func (m *Manager) threshold() int {
	return m.cfg.TokenBudget * m.cfg.ThresholdPct / 100
}

// NeedsCompaction reports whether the estimate has crossed the threshold.
func (m *Manager) NeedsCompaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimatedTokens > m.threshold()
}

// Compact summarizes everything older than the recent window into a fresh
// summary (regenerated, not appended to) and keeps the most recent entries
// verbatim. Returns true if the context representation changed. A summarizer
// failure is returned to the caller, which logs and retries on the next
// trigger; the session is never crashed by it.
func (m *Manager) Compact(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.estimatedTokens <= m.threshold() {
		m.mu.Unlock()
		return false, nil
	}

	cut := len(m.raw) - m.cfg.RecentWindow
	if cut < 0 {
		cut = 0
	}
	if cut <= m.summarizedTo {
		// No entries have aged out of the window since the last run; nothing
		// new to fold into the summary. Idempotent.
		m.recent = append([]models.TranscriptEntry(nil), m.raw[m.summarizedTo:]...)
		m.mu.Unlock()
		return false, nil
	}

	prefix := append([]models.TranscriptEntry(nil), m.raw[:cut]...)
	m.mu.Unlock()

	summary, err := m.summarizer.Summarize(ctx, prefix)
	if err != nil {
		m.metrics.CompactionFailures.Inc()
		return false, fmt.Errorf("summarize conversation: %w", err)
	}

	m.mu.Lock()
	m.summary = summary
	m.summarizedTo = cut
	m.recent = append([]models.TranscriptEntry(nil), m.raw[cut:]...)
	m.recomputeLocked()
	tokens := m.estimatedTokens
	m.mu.Unlock()

	m.metrics.CompactionRuns.Inc()
	m.log.Info().
		Int("summarizedEntries", cut).
		Int("estimatedTokens", tokens).
		Msg("Conversation context compacted")
	return true, nil
}

// ShouldPersist reports whether enough entries accumulated since the last
// successful persistence.
func (m *Manager) ShouldPersist() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store != nil && m.sinceLastPersist >= m.cfg.PersistEvery
}

// Persist writes the full raw history to the durable store as an idempotent
// overwrite. Failures are counted and returned; the caller logs and moves on.
func (m *Manager) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	snapshot := append([]models.TranscriptEntry(nil), m.raw...)
	m.mu.Unlock()

	if err := m.store.SaveTranscript(ctx, m.interviewId, snapshot); err != nil {
		m.metrics.PersistFailures.Inc()
		return fmt.Errorf("persist transcript: %w", err)
	}

	m.mu.Lock()
	m.sinceLastPersist = 0
	m.mu.Unlock()
	return nil
}

// Flush persists unconditionally. Called on session cleanup.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	empty := len(m.raw) == 0
	m.mu.Unlock()
	if empty {
		return nil
	}
	return m.Persist(ctx)
}

// History returns a copy of the full raw transcript in finalization order.
func (m *Manager) History() []models.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TranscriptEntry(nil), m.raw...)
}

// Summary returns the current compacted summary, if any.
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// ComposeInstructions renders the backend instruction text: interviewer role,
// problem context, and the compacted conversation context.
func (m *Manager) ComposeInstructions(pc voice.ProblemContext) string {
	m.mu.Lock()
	summary := m.summary
	tail := append([]models.TranscriptEntry(nil), m.raw[m.summarizedTo:]...)
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("You are a friendly, rigorous technical interviewer conducting a live coding interview. ")
	b.WriteString("Ask probing follow-up questions, give hints rather than answers, and keep replies short enough to speak aloud.\n")

	if pc.Question != "" {
		b.WriteString("\nCurrent question:\n")
		b.WriteString(pc.Question)
		b.WriteString("\n")
	}
	if pc.Code != "" {
		b.WriteString("\nCandidate's current code:\n")
		b.WriteString(pc.Code)
		b.WriteString("\n")
	}
	if summary != "" {
		b.WriteString("\nSummary of the conversation so far:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(tail) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, e := range tail {
			b.WriteString(string(e.Speaker))
			b.WriteString(": ")
			b.WriteString(e.Text)
			b.WriteString("\n")
		}
	}
	return b.String()
}
