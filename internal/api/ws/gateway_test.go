package ws

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ai-interview-relay-service/internal/config"
	"ai-interview-relay-service/internal/service/voice"
	"ai-interview-relay-service/internal/service/voice/mock"
	"ai-interview-relay-service/internal/store"
)

var testScript = mock.Script{
	Partials:   []string{"can I", "can I use a hash map"},
	Final:      "can I use a hash map",
	ReplyText:  "Sure. How would that change the complexity?",
	ReplyAudio: [][]byte{[]byte("aud-1"), []byte("aud-2")},
}

func testGateway(st store.TranscriptStore) *Gateway {
	cfg := &config.Configuration{
		Voice: config.VoiceConfig{Enabled: true, Mode: "mock"},
		Turn: config.TurnConfig{
			SilenceTimeout:  40 * time.Millisecond,
			FallbackTimeout: 25 * time.Millisecond,
		},
		Context: config.ContextConfig{
			TokenBudget:  8000,
			ThresholdPct: 75,
			RecentWindow: 10,
			PersistEvery: 100,
		},
	}
	g := NewGateway(cfg, st, nil)
	g.Factory = func(_ context.Context, _ int) (voice.Backend, error) {
		return mock.NewScripted(testScript), nil
	}
	return g
}

func dialTestServer(t *testing.T, g *Gateway) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(g.Router())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

// recvType reads frames until one of the wanted type arrives. Partial
// transcripts and other interleaved frames are collected into got.
func recvType(t *testing.T, conn *websocket.Conn, wantType string, got *[]ServerMessage) ServerMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := recv(t, conn)
		if msg.Type == wantType {
			return msg
		}
		if got != nil {
			*got = append(*got, msg)
		}
	}
	t.Fatalf("no %q frame received", wantType)
	return ServerMessage{}
}

func TestGateway_JoinThenVoiceExchange(t *testing.T) {
	conn, done := dialTestServer(t, testGateway(nil))
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-1"})
	joined := recv(t, conn)
	if joined.Type != TypeJoined || joined.InterviewID != "itv-1" {
		t.Fatalf("expected joined frame, got %+v", joined)
	}

	send(t, conn, ClientMessage{Type: TypeVoiceStart})
	if msg := recv(t, conn); msg.Type != TypeVoiceReady {
		t.Fatalf("expected voiceReady, got %+v", msg)
	}

	for i := 0; i < 2; i++ {
		send(t, conn, ClientMessage{
			Type:  TypeAudioChunk,
			Audio: base64.StdEncoding.EncodeToString([]byte{byte(i)}),
		})
	}
	send(t, conn, ClientMessage{Type: TypeVoiceStop})

	var interleaved []ServerMessage
	final := recvType(t, conn, TypeTranscript, &interleaved)
	for !final.IsFinal {
		final = recvType(t, conn, TypeTranscript, &interleaved)
	}
	if final.Text != testScript.Final {
		t.Errorf("expected final transcript %q, got %q", testScript.Final, final.Text)
	}

	resp := recvType(t, conn, TypeInterviewerResponse, &interleaved)
	if resp.Text != testScript.ReplyText {
		t.Errorf("expected reply %q, got %q", testScript.ReplyText, resp.Text)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		t.Fatalf("undecodable reply audio: %v", err)
	}
	if string(audio) != "aud-1aud-2" {
		t.Errorf("expected joined reply audio, got %q", audio)
	}
}

func TestGateway_VoiceStartPassesSampleRate(t *testing.T) {
	g := testGateway(nil)
	rates := make(chan int, 1)
	g.Factory = func(_ context.Context, sampleRate int) (voice.Backend, error) {
		rates <- sampleRate
		return mock.NewScripted(testScript), nil
	}
	conn, done := dialTestServer(t, g)
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-rate"})
	recv(t, conn) // joined
	send(t, conn, ClientMessage{Type: TypeVoiceStart, SampleRate: 24000})
	if msg := recv(t, conn); msg.Type != TypeVoiceReady {
		t.Fatalf("expected voiceReady, got %+v", msg)
	}

	select {
	case got := <-rates:
		if got != 24000 {
			t.Errorf("expected sample rate 24000 passed to factory, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("factory never invoked")
	}
}

func TestGateway_MessagesBeforeJoinRejected(t *testing.T) {
	conn, done := dialTestServer(t, testGateway(nil))
	defer done()

	send(t, conn, ClientMessage{Type: TypeVoiceStart})
	msg := recv(t, conn)
	if msg.Type != TypeError || !strings.Contains(msg.Message, "join") {
		t.Fatalf("expected join-required error, got %+v", msg)
	}

	// The connection stays usable; a join afterwards succeeds.
	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-2"})
	if msg := recv(t, conn); msg.Type != TypeJoined {
		t.Fatalf("expected joined after late join, got %+v", msg)
	}
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	conn, done := dialTestServer(t, testGateway(nil))
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-3"})
	recv(t, conn) // joined

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := recv(t, conn)
	if msg.Type != TypeError || !strings.Contains(msg.Message, "malformed") {
		t.Fatalf("expected malformed-message error, got %+v", msg)
	}

	// Subsequent valid messages still work.
	send(t, conn, ClientMessage{Type: TypeVoiceStart})
	if msg := recv(t, conn); msg.Type != TypeVoiceReady {
		t.Fatalf("expected voiceReady after recovery, got %+v", msg)
	}
}

func TestGateway_UndecodableAudioReportsMalformed(t *testing.T) {
	conn, done := dialTestServer(t, testGateway(nil))
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-4"})
	recv(t, conn) // joined
	send(t, conn, ClientMessage{Type: TypeVoiceStart})
	recv(t, conn) // voiceReady

	send(t, conn, ClientMessage{Type: TypeAudioChunk, Audio: "%%%not-base64%%%"})
	msg := recv(t, conn)
	if msg.Type != TypeError || !strings.Contains(msg.Message, "malformed") {
		t.Fatalf("expected malformed-message error, got %+v", msg)
	}
}

func TestGateway_DoubleJoinRejected(t *testing.T) {
	conn, done := dialTestServer(t, testGateway(nil))
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-5"})
	recv(t, conn) // joined
	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-5"})
	msg := recv(t, conn)
	if msg.Type != TypeError || !strings.Contains(msg.Message, "already joined") {
		t.Fatalf("expected already-joined error, got %+v", msg)
	}
}

func TestGateway_DisconnectFlushesTranscript(t *testing.T) {
	st := store.NewMemory()
	g := testGateway(st)
	conn, done := dialTestServer(t, g)
	defer done()

	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-6"})
	recv(t, conn) // joined
	send(t, conn, ClientMessage{Type: TypeVoiceStart})
	recv(t, conn) // voiceReady
	send(t, conn, ClientMessage{
		Type:  TypeAudioChunk,
		Audio: base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	send(t, conn, ClientMessage{Type: TypeVoiceStop})
	recvType(t, conn, TypeInterviewerResponse, nil)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := st.LoadTranscript(context.Background(), "itv-6"); len(got) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := st.LoadTranscript(context.Background(), "itv-6")
	t.Fatalf("expected 2 persisted entries after disconnect, got %d", len(got))
}

func TestGateway_ReconnectRestoresHistory(t *testing.T) {
	st := store.NewMemory()
	g := testGateway(st)

	conn, done := dialTestServer(t, g)
	send(t, conn, ClientMessage{Type: TypeJoin, InterviewID: "itv-7"})
	recv(t, conn) // joined
	send(t, conn, ClientMessage{Type: TypeTextInput, Text: "hello"})
	recv(t, conn) // soft error: no live backend
	conn.Close()
	done()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := st.LoadTranscript(context.Background(), "itv-7"); len(got) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn2, done2 := dialTestServer(t, g)
	defer done2()
	send(t, conn2, ClientMessage{Type: TypeJoin, InterviewID: "itv-7"})
	recv(t, conn2) // joined

	// The restored history is visible once the second connection flushes.
	conn2.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := st.LoadTranscript(context.Background(), "itv-7")
		if len(got) == 1 && got[0].Text == "hello" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected history preserved across reconnect")
}
