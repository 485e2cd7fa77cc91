// Package mock provides a mock voice backend for tests and for running the
// relay without upstream credentials. It simulates realistic behavior:
// progressive partial transcripts per audio chunk, exactly one final
// transcript per utterance, and a scripted reply streamed as audio fragments
// followed by a final text.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"ai-interview-relay-service/internal/service/voice"
)

// Script describes one simulated utterance and the reply it provokes.
type Script struct {
	Partials   []string // progressive partial transcripts, one per audio chunk
	Final      string   // final transcript text
	ReplyText  string   // assistant reply text
	ReplyAudio [][]byte // assistant reply audio fragments, in order
}

// DefaultScripts provides sample exchanges for simulation.
var DefaultScripts = []Script{
	{
		Partials:   []string{"what's", "what's the expected", "what's the expected time complexity"},
		Final:      "what's the expected time complexity",
		ReplyText:  "Aim for O(n log n) or better. What does your current approach cost?",
		ReplyAudio: [][]byte{[]byte("aud-1"), []byte("aud-2"), []byte("aud-3")},
	},
	{
		Partials:   []string{"can I", "can I use a hash map"},
		Final:      "can I use a hash map",
		ReplyText:  "Sure. How would that change the complexity?",
		ReplyAudio: [][]byte{[]byte("aud-1"), []byte("aud-2")},
	},
	{
		Partials:   []string{"I think", "I think I'm done"},
		Final:      "I think I'm done",
		ReplyText:  "Walk me through your solution once more, edge cases included.",
		ReplyAudio: [][]byte{[]byte("aud-1")},
	},
}

// scriptCounter cycles through DefaultScripts across adapter instances.
var (
	scriptCounter int
	counterMu     sync.Mutex
)

// Adapter implements voice.Backend with scripted responses. Callbacks are
// emitted synchronously, after the adapter's own lock is released, so tests
// are deterministic.
type Adapter struct {
	mu           sync.Mutex
	cb           voice.Callback
	script       Script
	partialIndex int
	connected    bool
	ended        bool
	closed       bool

	// Test knobs and observation points.
	ConnectErr   error
	Appended     [][]byte
	Instructions string
	Connects     int
	Disconnects  int
	EndSignals   int
}

// New creates a mock adapter cycling through DefaultScripts.
func New() *Adapter {
	counterMu.Lock()
	idx := scriptCounter % len(DefaultScripts)
	scriptCounter++
	counterMu.Unlock()

	return &Adapter{script: DefaultScripts[idx]}
}

// NewScripted creates a mock adapter with a fixed script.
func NewScripted(s Script) *Adapter {
	return &Adapter{script: s}
}

// Connect registers the callback and marks the adapter live.
func (a *Adapter) Connect(_ context.Context, cb voice.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.cb = cb
	a.connected = true
	a.Connects++
	return nil
}

// AppendAudio records the chunk and emits the next scripted partial.
// No-op if not connected or the turn already ended.
func (a *Adapter) AppendAudio(chunk []byte) {
	a.mu.Lock()
	if !a.connected || a.ended || a.closed {
		a.mu.Unlock()
		return
	}
	a.Appended = append(a.Appended, chunk)

	var partial string
	if a.partialIndex < len(a.script.Partials) {
		partial = a.script.Partials[a.partialIndex]
		a.partialIndex++
	}
	cb := a.cb
	a.mu.Unlock()

	if partial != "" && cb != nil {
		cb.OnPartialTranscript(partial)
	}
}

// SignalEndOfTurn finalizes the current utterance and streams the scripted
// reply. Idempotent per utterance; the adapter then re-arms for the next one.
func (a *Adapter) SignalEndOfTurn() {
	a.mu.Lock()
	if !a.connected || a.ended || a.closed {
		a.mu.Unlock()
		return
	}
	a.ended = true
	a.EndSignals++
	cb := a.cb
	script := a.script
	a.mu.Unlock()

	if cb == nil {
		return
	}
	cb.OnFinalTranscript(script.Final)
	cb.OnTurnComplete()
	a.reply(cb, script)

	// Re-arm for the next utterance in the always-listening session.
	a.mu.Lock()
	a.ended = false
	a.partialIndex = 0
	a.mu.Unlock()
}

func (a *Adapter) reply(cb voice.Callback, script Script) {
	for _, chunk := range script.ReplyAudio {
		cb.OnResponseAudio(chunk)
	}
	cb.OnResponseText(script.ReplyText)
}

// SendText streams the scripted reply for a typed message.
func (a *Adapter) SendText(_ string) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return voice.ErrNotConnected
	}
	cb := a.cb
	script := a.script
	a.mu.Unlock()

	a.reply(cb, script)
	return nil
}

// UpdateInstructions records the latest instruction payload.
func (a *Adapter) UpdateInstructions(instructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Instructions = instructions
	return nil
}

// SpeakScripted renders the line as deterministic fake audio.
func (a *Adapter) SpeakScripted(text string) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return voice.ErrNotConnected
	}
	cb := a.cb
	a.mu.Unlock()

	audio := bytes.Join([][]byte{[]byte("spoken:"), []byte(text)}, nil)
	cb.OnScriptedAudio(text, audio)
	return nil
}

// Disconnect marks the adapter closed. Idempotent.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.connected = false
	a.Disconnects++
	cb := a.cb
	a.mu.Unlock()

	if cb != nil {
		cb.OnClosed()
	}
}

// FailUpstream simulates a mid-session upstream error.
func (a *Adapter) FailUpstream(msg string) {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()

	if cb != nil {
		cb.OnError(&voice.UpstreamError{Op: "recv", Err: fmt.Errorf("%s", msg)})
	}
}

var _ voice.Backend = (*Adapter)(nil)
