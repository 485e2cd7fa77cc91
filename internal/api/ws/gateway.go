// Package ws is the websocket relay gateway: it accepts browser connections,
// binds each to a session, and relays messages in both directions. A
// malformed frame produces an error message and leaves the connection open;
// a closed connection triggers session cleanup exactly once.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-interview-relay-service/internal/config"
	"ai-interview-relay-service/internal/events"
	"ai-interview-relay-service/internal/observability/logging"
	"ai-interview-relay-service/internal/service/convo"
	"ai-interview-relay-service/internal/service/voice"
	"ai-interview-relay-service/internal/service/voice/batched"
	"ai-interview-relay-service/internal/service/voice/duplex"
	"ai-interview-relay-service/internal/service/voice/mock"
	"ai-interview-relay-service/internal/session"
	"ai-interview-relay-service/internal/store"
)

// Gateway hosts the websocket endpoint and builds a session per connection.
type Gateway struct {
	log       zerolog.Logger
	cfg       *config.Configuration
	store     store.TranscriptStore
	publisher *events.Publisher
	upgrader  websocket.Upgrader

	// Factory overrides the mode-derived backend factory. Used by tests and
	// by the mock voice mode.
	Factory session.BackendFactory
}

// NewGateway creates a gateway bound to the given store and publisher.
func NewGateway(cfg *config.Configuration, st store.TranscriptStore, pub *events.Publisher) *Gateway {
	return &Gateway{
		log:       logging.WithComponent("gateway"),
		cfg:       cfg,
		store:     st,
		publisher: pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The gateway fronts a browser client on another origin; auth is
			// handled upstream by the session token in the join message.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes served by the gateway.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/ws", g.handleWS)
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	return r
}

// backendFactory returns the adapter constructor for the configured voice mode.
func (g *Gateway) backendFactory(interviewId string) session.BackendFactory {
	if g.Factory != nil {
		return g.Factory
	}

	vc := g.cfg.Voice
	if !vc.Enabled {
		return nil
	}

	switch vc.Mode {
	case "duplex":
		// The realtime upstream negotiates its own audio format.
		return func(_ context.Context, _ int) (voice.Backend, error) {
			return duplex.New(logging.WithBackend(interviewId, vc.Mode, "realtime"), duplex.Config{
				URL:            vc.RealtimeURL,
				APIKey:         vc.OpenAIKey,
				Model:          vc.RealtimeModel,
				Voice:          vc.RealtimeVoice,
				ConnectTimeout: vc.ConnectTimeout,
			})
		}
	case "mock":
		return func(_ context.Context, _ int) (voice.Backend, error) {
			return mock.New(), nil
		}
	default:
		return func(_ context.Context, sampleRate int) (voice.Backend, error) {
			rate := int32(vc.SampleRateHz)
			if sampleRate > 0 {
				rate = int32(sampleRate)
			}
			return batched.New(logging.WithBackend(interviewId, vc.Mode, "speech"), batched.Config{
				LanguageCode:   vc.LanguageCode,
				SampleRateHz:   rate,
				ConnectTimeout: vc.ConnectTimeout,
				OpenAIKey:      vc.OpenAIKey,
				ChatModel:      vc.ChatModel,
				TTSModel:       vc.TTSModel,
				TTSVoice:       vc.TTSVoice,
			})
		}
	}
}

// wsSink serializes outbound frames onto one websocket connection. gorilla
// allows a single concurrent writer, so every write holds the mutex.
type wsSink struct {
	conn *websocket.Conn
	log  zerolog.Logger
	mu   sync.Mutex
}

func (s *wsSink) write(msg ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("Failed to write to client")
	}
}

func (s *wsSink) SendVoiceReady() {
	s.write(ServerMessage{Type: TypeVoiceReady})
}

func (s *wsSink) SendTranscript(text string, isFinal bool) {
	s.write(ServerMessage{Type: TypeTranscript, Text: text, IsFinal: isFinal})
}

func (s *wsSink) SendInterviewerResponse(text string, audio []byte) {
	s.write(ServerMessage{
		Type:  TypeInterviewerResponse,
		Text:  text,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func (s *wsSink) SendIntroductionReady(text string, audio []byte) {
	msg := ServerMessage{Type: TypeIntroductionReady, Text: text}
	if audio != nil {
		msg.Audio = base64.StdEncoding.EncodeToString(audio)
	}
	s.write(msg)
}

func (s *wsSink) SendError(message string) {
	s.write(ServerMessage{Type: TypeError, Message: message})
}

var _ session.Sink = (*wsSink)(nil)

// handleWS upgrades the connection and runs the relay loop until the client
// disconnects.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn, log: g.log}
	var sess *session.Session
	defer func() {
		if sess != nil {
			sess.Cleanup()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.log.Debug().Err(err).Msg("Client connection closed")
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sink.SendError("malformed message")
			continue
		}

		if sess == nil {
			if msg.Type != TypeJoin {
				sink.SendError("join required before " + msg.Type)
				continue
			}
			sess = g.join(r.Context(), msg, sink)
			continue
		}

		g.dispatch(r.Context(), sess, sink, msg)
	}
}

// join creates the session for this connection.
func (g *Gateway) join(ctx context.Context, msg ClientMessage, sink *wsSink) *session.Session {
	if msg.InterviewID == "" {
		sink.SendError("join requires an interviewId")
		return nil
	}

	logger := logging.WithSession(msg.InterviewID, g.cfg.Voice.Mode)
	sink.log = logger

	cm := convo.New(logger, msg.InterviewID, convo.Config{
		TokenBudget:  g.cfg.Context.TokenBudget,
		ThresholdPct: g.cfg.Context.ThresholdPct,
		RecentWindow: g.cfg.Context.RecentWindow,
		PersistEvery: g.cfg.Context.PersistEvery,
	}, convo.NewOpenAISummarizer(g.cfg.Voice.OpenAIKey, g.cfg.Context.SummaryModel), g.store)

	sess := session.New(logger, msg.InterviewID, voice.Mode(g.cfg.Voice.Mode), session.Config{
		SilenceTimeout:  g.cfg.Turn.SilenceTimeout,
		FallbackTimeout: g.cfg.Turn.FallbackTimeout,
		MaxAudioBytes:   g.cfg.Turn.MaxAudioBytes,
		MaxPartials:     g.cfg.Turn.MaxPartials,
	}, g.backendFactory(msg.InterviewID), cm, g.publisher, sink)

	// Restore prior history so a reconnect continues the same interview.
	if g.store != nil {
		if prior, err := g.store.LoadTranscript(ctx, msg.InterviewID); err != nil {
			logger.Warn().Err(err).Msg("Failed to load prior transcript")
		} else {
			for _, e := range prior {
				cm.Append(e)
			}
		}
	}

	logger.Info().Msg("Client joined")
	sink.write(ServerMessage{Type: TypeJoined, InterviewID: msg.InterviewID})
	return sess
}

// dispatch routes one client message to the session.
func (g *Gateway) dispatch(ctx context.Context, sess *session.Session, sink *wsSink, msg ClientMessage) {
	switch msg.Type {
	case TypeJoin:
		sink.SendError("already joined")

	case TypeVoiceStart:
		if err := sess.StartVoice(ctx, msg.SampleRate); err != nil {
			sink.log.Warn().Err(err).Msg("Voice start failed")
			sink.SendError("voice start failed: " + err.Error())
		}

	case TypeVoiceStop:
		sess.StopVoice()

	case TypeAudioChunk:
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			sink.SendError("malformed message")
			return
		}
		sess.AppendAudio(chunk)

	case TypeTextInput:
		sess.TextInput(msg.Text)

	case TypeCodeUpdate:
		sess.UpdateCode(msg.Code)

	case TypeQuestionUpdate:
		sess.UpdateQuestion(msg.Question)

	case TypeRequestIntroduction:
		sess.RequestIntroduction(msg.Text)

	default:
		sink.SendError("unknown message type " + msg.Type)
	}
}
