// Command wsclient is a smoke-test client for the relay gateway. It joins an
// interview, starts voice, streams a PCM file (or a silent burst) as audio
// chunks, stops, and prints every frame the gateway sends back.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type clientMessage struct {
	Type        string `json:"type"`
	InterviewID string `json:"interviewId,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Text        string `json:"text,omitempty"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/v1/ws", "gateway websocket URL")
	interview := flag.String("interview", "smoke-test", "interview id to join")
	audioFile := flag.String("audio", "", "raw 16kHz LINEAR16 PCM file to stream")
	chunkMs := flag.Int("chunk-ms", 100, "audio chunk duration in milliseconds")
	text := flag.String("text", "", "send a text input instead of audio")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var pretty map[string]any
			if json.Unmarshal(data, &pretty) == nil {
				if audio, ok := pretty["audio"].(string); ok && len(audio) > 64 {
					pretty["audio"] = fmt.Sprintf("<%d base64 bytes>", len(audio))
				}
				out, _ := json.Marshal(pretty)
				log.Printf("<- %s", out)
			} else {
				log.Printf("<- %s", data)
			}
		}
	}()

	send := func(msg clientMessage) {
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("write %s: %v", msg.Type, err)
		}
	}

	send(clientMessage{Type: "join", InterviewID: *interview})

	if *text != "" {
		send(clientMessage{Type: "textInput", Text: *text})
		time.Sleep(3 * time.Second)
		return
	}

	send(clientMessage{Type: "voiceStart"})
	time.Sleep(500 * time.Millisecond)

	// 16kHz mono LINEAR16: 32 bytes per millisecond.
	chunkSize := 32 * *chunkMs
	var pcm []byte
	if *audioFile != "" {
		pcm, err = os.ReadFile(*audioFile)
		if err != nil {
			log.Fatalf("read %s: %v", *audioFile, err)
		}
	} else {
		pcm = make([]byte, chunkSize*10) // one second of silence
	}

	for off := 0; off < len(pcm); off += chunkSize {
		end := off + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		send(clientMessage{
			Type:  "audioChunk",
			Audio: base64.StdEncoding.EncodeToString(pcm[off:end]),
		})
		time.Sleep(time.Duration(*chunkMs) * time.Millisecond)
	}

	send(clientMessage{Type: "voiceStop"})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}
