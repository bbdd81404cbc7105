package llm

import "fmt"

// Settings carries the credentials and models of every supported provider.
type Settings struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	CohereAPIKey  string
	CohereBaseURL string
	CohereModel   string
	OllamaURL     string
	OllamaModel   string
}

// NewProvider builds the provider registered under name. An empty name
// yields a nil provider, which FallbackClient treats as absent.
func NewProvider(name string, s Settings) (Provider, error) {
	switch name {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAIProvider(s.OpenAIAPIKey, s.OpenAIBaseURL, s.OpenAIModel), nil
	case "cohere":
		return NewCohereProvider(s.CohereAPIKey, s.CohereBaseURL, s.CohereModel), nil
	case "ollama":
		return NewOllamaProvider(s.OllamaURL, s.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
