// Package voice defines the capability contract for upstream voice backends.
package voice

import "context"

// Mode selects which backend variant a session runs.
type Mode string

const (
	// ModeBatched uses a transcription-only upstream stream; replies are
	// synthesized by a separate stateless call after the final transcript.
	ModeBatched Mode = "batched"
	// ModeDuplex uses a single speech-to-speech upstream session that both
	// transcribes and replies, with turn detection performed upstream.
	ModeDuplex Mode = "duplex"
)

// ProblemContext is the interview material injected into backend instructions.
type ProblemContext struct {
	Question string
	Code     string
}

// Callback receives events from a voice backend.
//
// Allowed orders per utterance: zero or more OnPartialTranscript, then exactly
// one OnFinalTranscript. Per assistant reply: zero or more OnResponseAudio,
// then exactly one OnResponseText. OnError is terminal for the current attempt
// but not necessarily for the session. OnClosed is terminal.
type Callback interface {
	// OnPartialTranscript is called with an interim transcript of user speech.
	OnPartialTranscript(text string)

	// OnFinalTranscript is called once per utterance with the final transcript.
	OnFinalTranscript(text string)

	// OnTurnComplete is called when the upstream acknowledges the end of the
	// user's turn. May arrive before or after OnFinalTranscript depending on
	// the backend.
	OnTurnComplete()

	// OnResponseAudio is called with one encoded audio fragment of the
	// assistant's in-progress reply. Fragments are delivered in order.
	OnResponseAudio(chunk []byte)

	// OnResponseText is called once per reply with the finalized reply text.
	OnResponseText(text string)

	// OnScriptedAudio is called once when a SpeakScripted line has been
	// fully rendered in the backend's voice.
	OnScriptedAudio(text string, audio []byte)

	// OnError is called when the backend fails mid-session.
	OnError(err error)

	// OnClosed is called when the upstream connection is gone.
	OnClosed()
}

// Backend is the uniform interface over one upstream voice service.
// A Backend instance serves at most one upstream connection and must never
// outlive its owning session.
type Backend interface {
	// Connect establishes the upstream connection and registers the callback.
	// Fails with ErrConnectionTimeout or ErrUpstreamRejected.
	Connect(ctx context.Context, cb Callback) error

	// AppendAudio forwards one audio chunk upstream. No-op if not connected
	// or the current turn has already ended.
	AppendAudio(chunk []byte)

	// SignalEndOfTurn tells the upstream the user's turn is over. Idempotent.
	SignalEndOfTurn()

	// SendText injects a typed user message, bypassing audio, and requests
	// a reply.
	SendText(text string) error

	// UpdateInstructions live-patches the backend's instructions without
	// reconnecting, where the upstream supports it.
	UpdateInstructions(instructions string) error

	// SpeakScripted renders a pre-scripted line in the backend's live voice,
	// out of band of the conversation. The result arrives via
	// Callback.OnScriptedAudio.
	SpeakScripted(text string) error

	// Disconnect tears down the upstream connection. Idempotent, always safe
	// to call even if Connect was never called.
	Disconnect()
}
