package convo

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ai-interview-relay-service/internal/models"
)

const summaryTimeout = 20 * time.Second

// OpenAISummarizer summarizes transcript ranges with a chat completion call.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer creates a summarizer using the given model.
func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Summarize produces a bounded summary of the given entries.
func (s *OpenAISummarizer) Summarize(ctx context.Context, entries []models.TranscriptEntry) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	var transcript strings.Builder
	for _, e := range entries {
		transcript.WriteString(string(e.Speaker))
		transcript.WriteString(": ")
		transcript.WriteString(e.Text)
		transcript.WriteString("\n")
	}

	req := openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 400,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Summarize this technical interview conversation so far. " +
					"Preserve the question being discussed, the candidate's approach, " +
					"hints already given, and any conclusions reached. Be concise.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: transcript.String(),
			},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
