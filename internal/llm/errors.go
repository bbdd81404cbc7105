package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmptyCompletion is returned when a provider answers without text.
var ErrEmptyCompletion = errors.New("provider returned an empty completion")

// ProviderError describes a failed call to a provider. StatusCode is zero
// when no HTTP response was received.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Outcome classifies the result of a provider call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable covers rate limits, server errors and transport
	// failures; the same provider may be tried again.
	OutcomeRetryable
	// OutcomeFailed covers timeouts, client errors and empty answers; the
	// call moves on to the next provider.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "failed"
	}
}

// Classify maps a provider error to its outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyCompletion) {
		return OutcomeFailed
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 0:
			return OutcomeRetryable
		case pe.StatusCode == http.StatusTooManyRequests, pe.StatusCode >= 500:
			return OutcomeRetryable
		default:
			return OutcomeFailed
		}
	}
	return OutcomeRetryable
}

// AllProvidersFailedError is returned when neither provider produced text.
type AllProvidersFailedError struct {
	Errors []error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() []error { return e.Errors }
