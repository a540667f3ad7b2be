package external

import (
	"context"
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversational turn
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a provider-neutral completion request
type CompletionRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature *float64
}

// LLMClient generates text completions
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CleanJSON strips markdown fences around a model response and returns the
// outermost JSON object or array.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")
	switch {
	case objStart >= 0 && (arrStart < 0 || objStart < arrStart):
		if end := strings.LastIndex(text, "}"); end > objStart {
			text = text[objStart : end+1]
		}
	case arrStart >= 0:
		if end := strings.LastIndex(text, "]"); end > arrStart {
			text = text[arrStart : end+1]
		}
	}

	return strings.TrimSpace(text)
}
