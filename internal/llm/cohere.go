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

type cohereProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewCohereProvider returns a provider for the Cohere v1 chat endpoint.
func NewCohereProvider(apiKey, baseURL, model string) Provider {
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	return &cohereProvider{
		client:  &http.Client{},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

type cohereTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereChatRequest struct {
	Model       string       `json:"model"`
	Message     string       `json:"message"`
	Preamble    string       `json:"preamble,omitempty"`
	ChatHistory []cohereTurn `json:"chat_history,omitempty"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type cohereChatResponse struct {
	Text    string `json:"text"`
	Message struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (p *cohereProvider) Name() string { return "cohere" }

// buildCohereRequest splits the neutral prompt into Cohere's shape: system
// turns become the preamble, the final user turn becomes the message and
// everything between becomes chat_history.
func buildCohereRequest(model string, messages []Message, opts Options) cohereChatRequest {
	req := cohereChatRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = i
			break
		}
	}

	var preamble []string
	for i, m := range messages {
		switch {
		case i == last:
			req.Message = m.Content
		case m.Role == "system":
			preamble = append(preamble, m.Content)
		case m.Role == "assistant":
			req.ChatHistory = append(req.ChatHistory, cohereTurn{Role: "CHATBOT", Message: m.Content})
		default:
			req.ChatHistory = append(req.ChatHistory, cohereTurn{Role: "USER", Message: m.Content})
		}
	}
	req.Preamble = strings.Join(preamble, "\n\n")
	return req
}

func (p *cohereProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	body, err := json.Marshal(buildCohereRequest(p.model, messages, opts))
	if err != nil {
		return "", fmt.Errorf("could not marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("could not create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var chatResp cohereChatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return "", &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: "could not decode response", Err: err}
	}
	text := chatResp.Text
	if text == "" && len(chatResp.Message.Content) > 0 {
		text = chatResp.Message.Content[0].Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
