package ws

// ClientMessage is one inbound websocket frame. Type selects which of the
// optional fields are meaningful; audio payloads are base64 in JSON.
type ClientMessage struct {
	Type        string `json:"type"`
	InterviewID string `json:"interviewId,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Text        string `json:"text,omitempty"`
	Code        string `json:"code,omitempty"`
	Question    string `json:"question,omitempty"`
}

// Inbound message types.
const (
	TypeJoin                = "join"
	TypeVoiceStart          = "voiceStart"
	TypeVoiceStop           = "voiceStop"
	TypeAudioChunk          = "audioChunk"
	TypeTextInput           = "textInput"
	TypeCodeUpdate          = "codeUpdate"
	TypeQuestionUpdate      = "questionUpdate"
	TypeRequestIntroduction = "requestIntroduction"
)

// ServerMessage is one outbound websocket frame.
type ServerMessage struct {
	Type        string `json:"type"`
	InterviewID string `json:"interviewId,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Outbound message types.
const (
	TypeJoined              = "joined"
	TypeVoiceReady          = "voiceReady"
	TypeTranscript          = "transcript"
	TypeInterviewerResponse = "interviewerResponse"
	TypeIntroductionReady   = "introductionReady"
	TypeError               = "error"
)
