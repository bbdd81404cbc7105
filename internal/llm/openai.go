package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider returns a provider for the OpenAI chat completions API
// or any service compatible with it. Retries are left to FallbackClient.
func NewOpenAIProvider(apiKey, baseURL, model string) Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F(toOpenAIMessages(messages)),
		Model:    openai.F(openai.ChatModel(p.model)),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.F(int64(opts.MaxTokens))
	}
	params.Temperature = openai.F(opts.Temperature)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		pe := &ProviderError{Provider: p.Name(), Message: err.Error(), Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return "", pe
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
