// Package session holds per-connection state: the active voice backend, the
// turn-taking machine, the conversation context, and a single idempotent
// cleanup routine. All mutation goes through Session methods; nothing else
// reaches into its state.
package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-interview-relay-service/internal/events"
	"ai-interview-relay-service/internal/models"
	"ai-interview-relay-service/internal/observability/metrics"
	"ai-interview-relay-service/internal/service/convo"
	"ai-interview-relay-service/internal/service/turn"
	"ai-interview-relay-service/internal/service/voice"
)

// VoiceState is the session's position in the voice lifecycle.
type VoiceState int

const (
	StateIdle VoiceState = iota
	StateConnecting
	StateListening
	StateProcessing
	StateSpeaking
)

// String returns the string representation of the state.
func (s VoiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Sink receives outbound session events, in the order they are produced.
// The gateway implements it by serializing to the client connection.
type Sink interface {
	SendVoiceReady()
	SendTranscript(text string, isFinal bool)
	SendInterviewerResponse(text string, audio []byte)
	SendIntroductionReady(text string, audio []byte)
	SendError(message string)
}

// BackendFactory constructs a fresh backend adapter instance. The session
// never branches on which variant is behind it. sampleRate overrides the
// configured input rate when positive; variants that negotiate their own
// format ignore it.
type BackendFactory func(ctx context.Context, sampleRate int) (voice.Backend, error)

// Config holds turn-taking timeouts and per-utterance guardrails.
type Config struct {
	SilenceTimeout  time.Duration
	FallbackTimeout time.Duration
	MaxAudioBytes   int64
	MaxPartials     int
}

// Session is the unit of per-connection state. A session owns at most one
// live upstream connection at any time; starting a new one first tears down
// the old one synchronously.
type Session struct {
	log         zerolog.Logger
	interviewId string
	mode        voice.Mode
	cfg         Config
	factory     BackendFactory
	convo       *convo.Manager
	publisher   *events.Publisher
	sink        Sink
	metrics     *metrics.Metrics

	mu           sync.Mutex
	state        VoiceState
	backend      voice.Backend
	machine      *turn.Machine
	problem      voice.ProblemContext
	introText    string
	respAudio    [][]byte
	audioBytes   int64
	partialCount int
	closed       bool

	cleanupOnce sync.Once
}

// New creates a session bound to one client connection.
func New(logger zerolog.Logger, interviewId string, mode voice.Mode, cfg Config,
	factory BackendFactory, cm *convo.Manager, publisher *events.Publisher, sink Sink) *Session {

	m := metrics.DefaultMetrics
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()

	return &Session{
		log:         logger,
		interviewId: interviewId,
		mode:        mode,
		cfg:         cfg,
		factory:     factory,
		convo:       cm,
		publisher:   publisher,
		sink:        sink,
		metrics:     m,
		state:       StateIdle,
	}
}

// InterviewID returns the opaque interview reference.
func (s *Session) InterviewID() string {
	return s.interviewId
}

// State returns the current voice state.
func (s *Session) State() VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the ordered conversation history so far.
func (s *Session) Transcript() []models.TranscriptEntry {
	return s.convo.History()
}

func (s *Session) setState(st VoiceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// StartVoice instantiates and connects a backend adapter. Any previous
// upstream connection is torn down synchronously first, so at most one is
// ever live.
func (s *Session) StartVoice(ctx context.Context, sampleRate int) error {
	if s.factory == nil {
		return voice.ErrConfigurationMissing
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session already closed")
	}
	old := s.backend
	oldMachine := s.machine
	s.backend = nil
	s.machine = nil
	s.state = StateConnecting
	s.mu.Unlock()

	if oldMachine != nil {
		oldMachine.Cancel()
	}
	if old != nil {
		old.Disconnect()
	}

	start := time.Now()
	b, err := s.factory(ctx, sampleRate)
	if err != nil {
		s.metrics.RecordBackendConnect(string(s.mode), err, 0)
		s.metrics.SessionsFailed.Inc()
		s.setState(StateIdle)
		return err
	}

	// Register as current before Connect so events arriving during the
	// handshake already pass the source fence.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.Disconnect()
		return fmt.Errorf("session closed during connect")
	}
	s.backend = b
	s.mu.Unlock()

	if err := b.Connect(ctx, &adapterCallback{s: s, b: b}); err != nil {
		s.mu.Lock()
		if s.backend == b {
			s.backend = nil
		}
		s.mu.Unlock()
		b.Disconnect()
		s.metrics.RecordBackendConnect(string(s.mode), err, 0)
		s.metrics.SessionsFailed.Inc()
		s.setState(StateIdle)
		return err
	}
	s.metrics.RecordBackendConnect(string(s.mode), nil, time.Since(start).Seconds())

	s.mu.Lock()
	if s.closed || s.backend != b {
		s.mu.Unlock()
		b.Disconnect()
		return fmt.Errorf("session closed during connect")
	}
	s.machine = s.newMachineLocked(b)
	s.audioBytes = 0
	s.partialCount = 0
	s.state = StateListening
	s.mu.Unlock()

	if err := b.UpdateInstructions(s.convo.ComposeInstructions(s.Problem())); err != nil {
		s.log.Warn().Err(err).Msg("Failed to push initial instructions")
	}
	s.sink.SendVoiceReady()
	return nil
}

// newMachineLocked creates a fresh turn machine for the next utterance.
// Machines are never reused across utterances.
func (s *Session) newMachineLocked(b voice.Backend) *turn.Machine {
	return turn.New(s.cfg.SilenceTimeout, s.cfg.FallbackTimeout,
		b.SignalEndOfTurn, s.turnClosed)
}

// AppendAudio forwards a client audio chunk to the backend. Chunks arriving
// outside the listening window, or after end-of-turn was signaled, are
// dropped silently since network jitter can deliver a few extra chunks after
// a stop was requested.
func (s *Session) AppendAudio(chunk []byte) {
	s.mu.Lock()
	if s.closed || s.state != StateListening || s.backend == nil {
		s.mu.Unlock()
		s.metrics.AudioChunksDropped.Inc()
		return
	}
	b := s.backend
	m := s.machine
	s.audioBytes += int64(len(chunk))
	overLimit := s.cfg.MaxAudioBytes > 0 && s.audioBytes > s.cfg.MaxAudioBytes
	s.mu.Unlock()

	if m != nil && m.Ended() {
		s.metrics.AudioChunksDropped.Inc()
		return
	}
	if overLimit && m != nil {
		s.metrics.TurnLimitExceeded.WithLabelValues("audio_bytes").Inc()
		m.ForceEnd()
		return
	}

	s.metrics.AudioBytesReceived.Add(float64(len(chunk)))
	b.AppendAudio(chunk)
}

// StopVoice signals end-of-turn for the current utterance.
func (s *Session) StopVoice() {
	s.mu.Lock()
	m := s.machine
	s.mu.Unlock()
	if m != nil {
		m.ForceEnd()
	}
}

// TextInput injects a synthetic final user transcript, bypassing audio.
func (s *Session) TextInput(text string) {
	if text == "" {
		return
	}
	s.recordFinal(models.SpeakerUser, text)

	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	if b == nil {
		s.sink.SendError("voice backend not active; text recorded without a spoken reply")
		return
	}
	if err := b.SendText(text); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send text input upstream")
		s.sink.SendError("failed to deliver text input")
	}
}

// UpdateCode replaces the candidate-code part of the problem context.
func (s *Session) UpdateCode(code string) {
	s.mu.Lock()
	s.problem.Code = code
	s.mu.Unlock()
	s.pushInstructions()
}

// UpdateQuestion replaces the question part of the problem context.
func (s *Session) UpdateQuestion(question string) {
	s.mu.Lock()
	s.problem.Question = question
	s.mu.Unlock()
	s.pushInstructions()
}

// Problem returns the current problem context.
func (s *Session) Problem() voice.ProblemContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.problem
}

func (s *Session) pushInstructions() {
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.UpdateInstructions(s.convo.ComposeInstructions(s.Problem())); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update backend instructions")
	}
}

// RequestIntroduction has the backend speak the given line in its live voice.
// Without a live backend the text is returned unvoiced so the client can
// still render it.
func (s *Session) RequestIntroduction(text string) {
	s.mu.Lock()
	s.introText = text
	b := s.backend
	s.mu.Unlock()

	if b == nil {
		s.sink.SendIntroductionReady(text, nil)
		return
	}
	if err := b.SpeakScripted(text); err != nil {
		s.log.Warn().Err(err).Msg("Failed to request scripted introduction")
		s.sink.SendIntroductionReady(text, nil)
	}
}

// Cleanup tears down the upstream connection, cancels pending timers, and
// flushes the transcript. Runs exactly once; repeated calls are safe no-ops.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		b := s.backend
		m := s.machine
		s.backend = nil
		s.machine = nil
		s.state = StateIdle
		s.mu.Unlock()

		if m != nil {
			m.Cancel()
		}
		if b != nil {
			b.Disconnect()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.convo.Flush(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to flush transcript on cleanup")
		}

		s.metrics.SessionsActive.Dec()
		s.log.Info().Msg("Session cleaned up")
	})
}

// turnClosed runs when the turn machine enters its terminal state, with the
// transcript text accumulated for the utterance.
func (s *Session) turnClosed(text string, forced bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	b := s.backend
	if b != nil {
		s.machine = s.newMachineLocked(b)
	} else {
		s.machine = nil
	}
	s.audioBytes = 0
	s.partialCount = 0
	s.state = StateProcessing
	s.mu.Unlock()

	if forced {
		s.metrics.TurnsForced.Inc()
	} else {
		s.metrics.TurnsCompleted.Inc()
	}

	if text == "" {
		s.metrics.TurnsEmpty.Inc()
		s.setState(StateListening)
		s.sink.SendError("no speech detected")
		return
	}

	s.metrics.TranscriptsFinal.Inc()
	s.sink.SendTranscript(text, true)
	s.recordFinal(models.SpeakerUser, text)

	// A forced close means the upstream never delivered its own final, so
	// no reply is in flight; request one from the accumulated text.
	if forced && b != nil {
		if err := b.SendText(text); err != nil {
			s.log.Warn().Err(err).Msg("Failed to request reply after forced close")
		}
	}
}

// recordFinal appends a finalized entry to the conversation context,
// publishes the transcript event, and schedules maintenance. Persistence and
// summarization never block the real-time path.
func (s *Session) recordFinal(speaker models.Speaker, text string) {
	s.convo.Append(models.TranscriptEntry{
		Timestamp: time.Now().UnixMilli(),
		Speaker:   speaker,
		Text:      text,
	})

	go s.publishFinal(speaker, text)
	go s.maintain()
}

func (s *Session) publishPartial(text string) {
	if s.publisher == nil {
		return
	}
	ev := models.TranscriptPartial{
		EventType:   "interview.transcript.partial",
		InterviewID: s.interviewId,
		Timestamp:   time.Now().UnixMilli(),
		Text:        text,
	}
	if err := s.publisher.PublishPartial(context.Background(), s.interviewId, ev); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish partial transcript event")
	}
}

func (s *Session) publishFinal(speaker models.Speaker, text string) {
	if s.publisher == nil {
		return
	}
	ev := models.TranscriptFinal{
		EventType:   "interview.transcript.final",
		InterviewID: s.interviewId,
		Timestamp:   time.Now().UnixMilli(),
		Speaker:     speaker,
		Text:        text,
	}
	if err := s.publisher.PublishFinal(context.Background(), s.interviewId, ev); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish final transcript event")
	}
}

// maintain runs one compaction/persistence cycle. Failures are logged and
// retried on the next trigger; they never surface to the client.
func (s *Session) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changed, err := s.convo.Compact(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Compaction skipped this cycle")
	}
	if changed {
		s.pushInstructions()
	}

	if s.convo.ShouldPersist() {
		if err := s.convo.Persist(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Transcript persistence failed")
		}
	}
}

// adapterCallback relays events from one backend instance into the session.
// A replaced adapter's read loop and in-flight reply calls can still fire
// after Disconnect; events whose source is no longer the session's current
// backend are dropped instead of mutating state the session has moved on
// from.
type adapterCallback struct {
	s *Session
	b voice.Backend
}

func (c *adapterCallback) live() bool {
	return c.s.currentBackend() == c.b
}

func (c *adapterCallback) OnPartialTranscript(text string) {
	if c.live() {
		c.s.partialTranscript(text)
	}
}

func (c *adapterCallback) OnFinalTranscript(text string) {
	if c.live() {
		c.s.finalTranscript(text)
	}
}

func (c *adapterCallback) OnTurnComplete() {
	if c.live() {
		c.s.turnComplete()
	}
}

func (c *adapterCallback) OnResponseAudio(chunk []byte) {
	if c.live() {
		c.s.responseAudio(chunk)
	}
}

func (c *adapterCallback) OnResponseText(text string) {
	if c.live() {
		c.s.responseText(text)
	}
}

func (c *adapterCallback) OnScriptedAudio(text string, audio []byte) {
	if c.live() {
		c.s.scriptedAudio(text, audio)
	}
}

func (c *adapterCallback) OnError(err error) {
	c.s.backendError(c.b, err)
}

func (c *adapterCallback) OnClosed() {
	c.s.backendClosed(c.b)
}

var _ voice.Callback = (*adapterCallback)(nil)

func (s *Session) currentBackend() voice.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.backend
}

// partialTranscript relays an interim transcript and (re)arms the silence
// timer.
func (s *Session) partialTranscript(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	m := s.machine
	s.partialCount++
	overLimit := s.cfg.MaxPartials > 0 && s.partialCount > s.cfg.MaxPartials
	s.mu.Unlock()

	if m == nil {
		return
	}
	m.Arm(text)

	s.metrics.TranscriptsPartial.Inc()
	s.sink.SendTranscript(text, false)
	go s.publishPartial(text)

	if overLimit {
		s.metrics.TurnLimitExceeded.WithLabelValues("partials").Inc()
		m.ForceEnd()
	}
}

// finalTranscript closes the current turn with the upstream's final text.
func (s *Session) finalTranscript(text string) {
	s.mu.Lock()
	m := s.machine
	s.mu.Unlock()
	if m != nil {
		m.Acknowledge(text)
	}
}

// turnComplete notes that the upstream considers the user's turn over.
// The final transcript is the authoritative close; this is informational.
func (s *Session) turnComplete() {
	s.mu.Lock()
	if !s.closed && s.state == StateListening {
		s.state = StateProcessing
	}
	s.mu.Unlock()
}

// responseAudio accumulates one reply audio fragment.
func (s *Session) responseAudio(chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.respAudio = append(s.respAudio, chunk)
	s.state = StateSpeaking
	s.mu.Unlock()

	s.metrics.AudioBytesSent.Add(float64(len(chunk)))
}

// responseText flushes the accumulated reply audio exactly once, joined in
// order, together with the finalized reply text.
func (s *Session) responseText(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	audio := bytes.Join(s.respAudio, nil)
	s.respAudio = nil
	s.state = StateListening
	s.mu.Unlock()

	s.sink.SendInterviewerResponse(text, audio)
	s.recordFinal(models.SpeakerInterviewer, text)
}

// scriptedAudio delivers a rendered scripted line.
func (s *Session) scriptedAudio(text string, audio []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sink.SendIntroductionReady(text, audio)
}

// backendError disposes the failed adapter instance; the session itself
// survives for a possible restart. Errors from an adapter that was already
// replaced are dropped.
func (s *Session) backendError(from voice.Backend, err error) {
	s.mu.Lock()
	if s.closed || s.backend != from {
		s.mu.Unlock()
		return
	}
	m := s.machine
	s.backend = nil
	s.machine = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.log.Warn().Err(err).Msg("Voice backend error")
	s.metrics.BackendErrors.WithLabelValues(string(s.mode)).Inc()

	if m != nil {
		m.Cancel()
	}
	from.Disconnect()
	s.sink.SendError(err.Error())
}

// backendClosed notes that the current upstream connection is gone. A close
// from a replaced adapter's read loop must not touch the new backend's state.
func (s *Session) backendClosed(from voice.Backend) {
	s.mu.Lock()
	if !s.closed && s.backend == from {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.log.Debug().Msg("Voice backend closed")
}
