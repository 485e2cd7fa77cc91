// Package batched provides the batched voice backend: a Google Cloud
// Speech-to-Text streaming session for transcription, with the reply
// synthesized by separate stateless calls (chat completion + text-to-speech)
// once the final transcript is known. End-of-turn is driven by the caller's
// turn-taking machine, not by the upstream service.
package batched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"ai-interview-relay-service/internal/service/voice"
)

// Config holds batched backend settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	ConnectTimeout time.Duration
	OpenAIKey      string
	ChatModel      string
	TTSModel       string
	TTSVoice       string
}

// Adapter implements voice.Backend over Google STT plus OpenAI synthesis.
// Requires GOOGLE_APPLICATION_CREDENTIALS for the speech client.
type Adapter struct {
	log zerolog.Logger
	cfg Config

	mu           sync.Mutex
	client       *speech.Client
	stream       speechpb.Speech_StreamingRecognizeClient
	ai           *openai.Client
	cb           voice.Callback
	instructions string
	connected    bool
	ended        bool
	closed       bool
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// New creates a batched adapter. Nothing is dialed until Connect.
func New(logger zerolog.Logger, cfg Config) (*Adapter, error) {
	if cfg.OpenAIKey == "" {
		return nil, voice.ErrConfigurationMissing
	}
	return &Adapter{
		log: logger,
		cfg: cfg,
		ai:  openai.NewClient(cfg.OpenAIKey),
	}, nil
}

// Connect establishes the speech client and the first recognize stream.
func (a *Adapter) Connect(ctx context.Context, cb voice.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected || a.closed {
		return fmt.Errorf("connect: adapter already used")
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	client, err := speech.NewClient(dialCtx)
	if err != nil {
		return a.mapConnectErr(err)
	}

	// The stream outlives Connect; tie it to the adapter's own lifetime.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	a.cancel = streamCancel
	a.client = client
	a.cb = cb

	if err := a.openStreamLocked(streamCtx); err != nil {
		client.Close()
		streamCancel()
		return a.mapConnectErr(err)
	}

	a.connected = true
	go a.listen()
	return nil
}

func (a *Adapter) mapConnectErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", voice.ErrConnectionTimeout, err)
	}
	return fmt.Errorf("%w: %v", voice.ErrUpstreamRejected, err)
}

// openStreamLocked starts a recognize stream and sends the initial config.
func (a *Adapter) openStreamLocked(ctx context.Context) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: a.cfg.SampleRateHz,
					LanguageCode:    a.cfg.LanguageCode,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		return err
	}

	a.stream = stream
	a.ended = false
	return nil
}

// AppendAudio sends audio bytes upstream. No-op if not connected or the
// current turn already ended.
func (a *Adapter) AppendAudio(chunk []byte) {
	a.mu.Lock()
	if !a.connected || a.ended || a.closed {
		a.mu.Unlock()
		return
	}
	stream := a.stream
	a.mu.Unlock()

	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to send audio upstream")
	}
}

// SignalEndOfTurn half-closes the recognize stream so Google flushes the
// final result. Idempotent per utterance.
func (a *Adapter) SignalEndOfTurn() {
	a.mu.Lock()
	if !a.connected || a.ended || a.closed {
		a.mu.Unlock()
		return
	}
	a.ended = true
	stream := a.stream
	a.mu.Unlock()

	if err := stream.CloseSend(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close recognize stream")
	}
}

// listen receives transcript responses and relays them to the callback.
// When a stream drains (after end-of-turn) a fresh one is opened for the
// next utterance.
func (a *Adapter) listen() {
	for {
		a.mu.Lock()
		stream := a.stream
		cb := a.cb
		a.mu.Unlock()

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if a.restartStream() {
					continue
				}
				cb.OnClosed()
				return
			}
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				cb.OnClosed()
				return
			}
			cb.OnError(&voice.UpstreamError{Op: "recognize", Err: err})
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				cb.OnFinalTranscript(alt.Transcript)
				cb.OnTurnComplete()
				go a.respond(alt.Transcript)
			} else {
				cb.OnPartialTranscript(alt.Transcript)
			}
		}
	}
}

// restartStream opens a new recognize stream after the previous one drained.
// Returns false when the adapter is shutting down.
func (a *Adapter) restartStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || !a.connected {
		return false
	}
	if err := a.openStreamLocked(context.Background()); err != nil {
		a.log.Error().Err(err).Msg("Failed to reopen recognize stream")
		return false
	}
	return true
}

// respond generates the assistant reply for the finalized user text: one
// chat completion for the text, one text-to-speech call for the audio.
func (a *Adapter) respond(userText string) {
	a.mu.Lock()
	cb := a.cb
	instructions := a.instructions
	closed := a.closed
	a.mu.Unlock()

	if closed || userText == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := a.ai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.cfg.ChatModel,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: userText},
		},
	})
	if err != nil {
		cb.OnError(&voice.UpstreamError{Op: "completion", Err: err})
		return
	}
	if len(resp.Choices) == 0 {
		cb.OnError(&voice.UpstreamError{Op: "completion", Err: fmt.Errorf("no choices returned")})
		return
	}
	replyText := resp.Choices[0].Message.Content

	audio, err := a.synthesize(ctx, replyText)
	if err != nil {
		cb.OnError(&voice.UpstreamError{Op: "synthesize", Err: err})
		return
	}

	cb.OnResponseAudio(audio)
	cb.OnResponseText(replyText)
}

// synthesize turns text into encoded audio with a stateless TTS call.
func (a *Adapter) synthesize(ctx context.Context, text string) ([]byte, error) {
	res, err := a.ai.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(a.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(a.cfg.TTSVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, err
	}
	defer res.Close()
	return io.ReadAll(res)
}

// SendText runs the reply pipeline for a typed message, bypassing audio.
func (a *Adapter) SendText(text string) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return voice.ErrNotConnected
	}
	go a.respond(text)
	return nil
}

// UpdateInstructions replaces the local reply prompt. There is no persistent
// upstream session to patch in this variant.
func (a *Adapter) UpdateInstructions(instructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instructions = instructions
	return nil
}

// SpeakScripted synthesizes the line directly; batched replies always come
// from the same TTS voice, so the result is acoustically consistent.
func (a *Adapter) SpeakScripted(text string) error {
	a.mu.Lock()
	cb := a.cb
	closed := a.closed
	a.mu.Unlock()
	if closed || cb == nil {
		return voice.ErrNotConnected
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		audio, err := a.synthesize(ctx, text)
		if err != nil {
			cb.OnError(&voice.UpstreamError{Op: "synthesize", Err: err})
			return
		}
		cb.OnScriptedAudio(text, audio)
	}()
	return nil
}

// Disconnect tears down the stream and the speech client. Idempotent.
func (a *Adapter) Disconnect() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.connected = false
		stream := a.stream
		client := a.client
		cancel := a.cancel
		a.mu.Unlock()

		if stream != nil {
			if err := stream.CloseSend(); err != nil && !errors.Is(err, io.EOF) {
				a.log.Debug().Err(err).Msg("CloseSend on disconnect")
			}
		}
		if cancel != nil {
			cancel()
		}
		if client != nil {
			client.Close()
		}
	})
}

var _ voice.Backend = (*Adapter)(nil)
