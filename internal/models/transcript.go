// Package models defines the data structures for transcripts and transcript events.
package models

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser        Speaker = "user"
	SpeakerInterviewer Speaker = "interviewer"
)

// TranscriptEntry is one finalized line of the conversation.
// Entries are append-only and never mutated after creation.
type TranscriptEntry struct {
	Timestamp int64   `json:"timestamp"`
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`
}

// TranscriptPartial represents an interim/partial transcript result.
type TranscriptPartial struct {
	EventType   string `json:"eventType"`
	InterviewID string `json:"interviewId"`
	Timestamp   int64  `json:"timestamp"`
	Text        string `json:"text"`
}

// TranscriptFinal represents a finalized transcript entry event.
type TranscriptFinal struct {
	EventType   string  `json:"eventType"`
	InterviewID string  `json:"interviewId"`
	Timestamp   int64   `json:"timestamp"`
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
}
