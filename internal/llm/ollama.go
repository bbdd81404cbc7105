package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ollamaProvider struct {
	client *http.Client
	url    string
	model  string
}

// NewOllamaProvider returns a provider backed by a local Ollama server.
func NewOllamaProvider(url, model string) Provider {
	return &ollamaProvider{
		client: &http.Client{},
		url:    strings.TrimSuffix(url, "/"),
		model:  model,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	req := ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": opts.Temperature},
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("could not marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("could not create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Message: "http request failed", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Message: "could not read response body", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(bodyBytes)}
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return "", &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: fmt.Sprintf("could not decode response: %s", string(bodyBytes)), Err: err}
	}
	text := strings.TrimSpace(chatResp.Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
