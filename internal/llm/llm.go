package llm

import (
	"context"
)

// Message is one chat turn in the provider-neutral format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion request.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Provider is a text-completion backend.
type Provider interface {
	// Name identifies the provider in logs, metrics and responses.
	Name() string
	// Complete returns the assistant text for the prompt. An empty answer
	// is reported as ErrEmptyCompletion.
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}
