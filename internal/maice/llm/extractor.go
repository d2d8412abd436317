package llm

import (
	"context"
	"strings"

	"github.com/bdobrica/maice/internal/maice/memory"
)

// extractionPrompt instructs the model to mine a transcript for durable
// memories. The output contract matches the memory package's extraction
// schema; anything that deviates is dropped downstream.
const extractionPrompt = `You are a memory extraction system for a chat assistant.

Read the conversation transcript and extract ONLY durable, user-specific
information worth remembering across sessions.

RULES (strict — do not deviate):
1. Respond ONLY with valid JSON. No markdown, no code fences, no explanation.
2. "facts" is an array of short, atomic, third-person statements about the
   user ("works as a gardener", "allergic to peanuts"). Skip small talk.
3. "episodes" is an array of objects {"summary": string, "importance": number}
   summarising notable conversation moments. "importance" is 0.0-1.0.
4. Never include secrets, API keys, tokens, or passwords in any field.
5. If nothing is worth remembering, return {"facts": [], "episodes": []}.

JSON schema for your response:
{
  "facts":    ["<statement>", ...],
  "episodes": [{"summary": "<text>", "importance": 0.0-1.0}, ...]
}`

// Extractor proposes memory extraction documents from recent transcripts.
type Extractor struct {
	client *Client
}

// NewExtractor returns an Extractor over the shared client.
func NewExtractor(client *Client) *Extractor {
	return &Extractor{client: client}
}

// Propose asks the model for an extraction document over the transcript.
// The raw JSON is returned unvalidated; the memory store owns validation.
func (x *Extractor) Propose(ctx context.Context, transcript []string) ([]byte, error) {
	lowTemp := 0.2

	content, err := x.client.chat(ctx, chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: "Transcript:\n" + strings.Join(transcript, "\n")},
		},
		MaxTokens:      1024,
		Temperature:    &lowTemp,
		ResponseFormat: &chatFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

var _ memory.Extractor = (*Extractor)(nil)
