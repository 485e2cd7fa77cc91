// Package duplex provides the speech-to-speech voice backend: a single
// realtime websocket session that both transcribes user audio and streams
// back a spoken reply, with turn detection performed upstream by server-side
// voice activity detection.
package duplex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-interview-relay-service/internal/service/voice"
)

// Config holds duplex backend settings.
type Config struct {
	URL            string
	APIKey         string
	Model          string
	Voice          string
	ConnectTimeout time.Duration
	Instructions   string
}

// Adapter implements voice.Backend over a realtime websocket session.
type Adapter struct {
	log zerolog.Logger
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	cb        voice.Callback
	connected bool
	closed    bool
	committed bool // end-of-turn already signaled for the current utterance

	partialBuf   string
	responseText string

	scripted      bool
	scriptedText  string
	scriptedAudio [][]byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New creates a duplex adapter. Nothing is dialed until Connect.
func New(logger zerolog.Logger, cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, voice.ErrConfigurationMissing
	}
	return &Adapter{log: logger, cfg: cfg}, nil
}

// Connect dials the realtime websocket and configures the session.
func (a *Adapter) Connect(ctx context.Context, cb voice.Callback) error {
	a.mu.Lock()
	if a.connected || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("connect: adapter already used")
	}
	a.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.ConnectTimeout}
	header := http.Header{
		"Authorization": {"Bearer " + a.cfg.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}

	conn, _, err := dialer.DialContext(ctx, a.cfg.URL+"?model="+a.cfg.Model, header)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", voice.ErrConnectionTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", voice.ErrConnectionTimeout, err)
		}
		return fmt.Errorf("%w: %v", voice.ErrUpstreamRejected, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.cb = cb
	a.connected = true
	a.mu.Unlock()

	err = a.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":        a.cfg.Instructions,
			"voice":               a.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      map[string]any{"type": "server_vad"},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", voice.ErrUpstreamRejected, err)
	}

	go a.readLoop(conn, cb)
	return nil
}

// send serializes one client event. gorilla allows a single concurrent writer.
func (a *Adapter) send(event map[string]any) error {
	a.mu.Lock()
	conn := a.conn
	closed := a.closed
	a.mu.Unlock()
	if conn == nil || closed {
		return voice.ErrNotConnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// AppendAudio forwards one audio chunk upstream. No-op if not connected or
// the current turn has already ended.
func (a *Adapter) AppendAudio(chunk []byte) {
	a.mu.Lock()
	if !a.connected || a.closed || a.committed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	err := a.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to send audio upstream")
	}
}

// SignalEndOfTurn commits the input buffer and requests a reply. With server
// VAD the upstream usually does this itself; an explicit signal covers the
// client-stop path. Idempotent per utterance.
func (a *Adapter) SignalEndOfTurn() {
	a.mu.Lock()
	if !a.connected || a.closed || a.committed {
		a.mu.Unlock()
		return
	}
	a.committed = true
	a.mu.Unlock()

	if err := a.send(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		a.log.Warn().Err(err).Msg("Failed to commit input buffer")
		return
	}
	if err := a.send(map[string]any{"type": "response.create"}); err != nil {
		a.log.Warn().Err(err).Msg("Failed to request response")
	}
}

// SendText injects a typed user message and requests a reply.
func (a *Adapter) SendText(text string) error {
	err := a.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return a.send(map[string]any{"type": "response.create"})
}

// UpdateInstructions live-patches the session without reconnecting.
func (a *Adapter) UpdateInstructions(instructions string) error {
	return a.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions": instructions,
		},
	})
}

// SpeakScripted has the upstream speak the given line verbatim, as a directed
// instruction rather than free-form conversation, so a cached introduction
// and the live voice are acoustically consistent.
func (a *Adapter) SpeakScripted(text string) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return voice.ErrNotConnected
	}
	a.scripted = true
	a.scriptedText = text
	a.scriptedAudio = nil
	a.mu.Unlock()

	return a.send(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": "Say exactly the following line, word for word, with nothing added: " + text,
		},
	})
}

// serverEvent is the subset of upstream event fields the adapter consumes.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// readLoop receives upstream events and relays them to the callback.
func (a *Adapter) readLoop(conn *websocket.Conn, cb voice.Callback) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				cb.OnClosed()
				return
			}
			cb.OnError(&voice.UpstreamError{Op: "read", Err: err})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.log.Warn().Err(err).Msg("Unparseable upstream event")
			continue
		}
		a.handleEvent(ev, cb)
	}
}

func (a *Adapter) handleEvent(ev serverEvent, cb voice.Callback) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		a.mu.Lock()
		a.committed = false
		a.partialBuf = ""
		a.mu.Unlock()

	case "input_audio_buffer.speech_stopped":
		cb.OnTurnComplete()

	case "input_audio_buffer.committed":
		// Server VAD committed the buffer on its own; a later explicit
		// SignalEndOfTurn must not commit again.
		a.mu.Lock()
		a.committed = true
		a.mu.Unlock()

	case "conversation.item.input_audio_transcription.delta":
		a.mu.Lock()
		a.partialBuf += ev.Delta
		partial := a.partialBuf
		a.mu.Unlock()
		cb.OnPartialTranscript(partial)

	case "conversation.item.input_audio_transcription.completed":
		a.mu.Lock()
		a.partialBuf = ""
		a.committed = false
		a.mu.Unlock()
		cb.OnFinalTranscript(ev.Transcript)

	case "response.audio.delta":
		chunk, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			a.log.Warn().Err(err).Msg("Undecodable audio delta")
			return
		}
		a.mu.Lock()
		scripted := a.scripted
		if scripted {
			a.scriptedAudio = append(a.scriptedAudio, chunk)
		}
		a.mu.Unlock()
		if !scripted {
			cb.OnResponseAudio(chunk)
		}

	case "response.audio_transcript.done":
		a.mu.Lock()
		a.responseText = ev.Transcript
		a.mu.Unlock()

	case "response.done":
		a.mu.Lock()
		scripted := a.scripted
		text := a.responseText
		scriptedText := a.scriptedText
		audio := bytes.Join(a.scriptedAudio, nil)
		a.scripted = false
		a.scriptedAudio = nil
		a.responseText = ""
		a.mu.Unlock()

		if scripted {
			cb.OnScriptedAudio(scriptedText, audio)
		} else {
			cb.OnResponseText(text)
		}

	case "error":
		// A client-side end-of-turn commit can race the server VAD's own
		// commit; the resulting empty-buffer complaint is not fatal to the
		// session.
		if ev.Error.Code == "input_audio_buffer_commit_empty" {
			a.log.Debug().Str("code", ev.Error.Code).Msg("Ignoring benign commit race")
			return
		}
		cb.OnError(&voice.UpstreamError{Op: "session", Err: errors.New(ev.Error.Message)})
	}
}

// Disconnect closes the websocket. Idempotent, safe before Connect.
func (a *Adapter) Disconnect() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.connected = false
		conn := a.conn
		a.mu.Unlock()

		if conn != nil {
			a.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			a.writeMu.Unlock()
			conn.Close()
		}
	})
}

var _ voice.Backend = (*Adapter)(nil)
