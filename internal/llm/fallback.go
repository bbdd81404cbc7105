package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"alma/backend/internal/metrics"
)

const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// Completion is a successful reply and where it came from.
type Completion struct {
	Text     string
	Source   string
	Provider string
}

// FallbackConfig bounds how long and how often each provider is tried.
type FallbackConfig struct {
	// Timeout covers every attempt against one provider.
	Timeout time.Duration
	// MaxAttempts is the number of tries per provider for retryable errors.
	MaxAttempts int
	// RetryDelay is the wait before the second attempt; later waits grow.
	RetryDelay time.Duration
}

// FallbackClient asks the primary provider and, when it fails, the
// secondary one.
type FallbackClient struct {
	primary   Provider
	secondary Provider
	cfg       FallbackConfig
	metrics   *metrics.Metrics
}

// NewFallbackClient wires the two providers. secondary may be nil.
func NewFallbackClient(primary, secondary Provider, cfg FallbackConfig, m *metrics.Metrics) *FallbackClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 400 * time.Millisecond
	}
	return &FallbackClient{primary: primary, secondary: secondary, cfg: cfg, metrics: m}
}

// Complete returns the first non-empty reply. When every provider fails
// the error is an *AllProvidersFailedError.
func (c *FallbackClient) Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	var errs []error

	text, err := c.callWithRetry(ctx, c.primary, messages, opts)
	if err == nil {
		return &Completion{Text: text, Source: SourcePrimary, Provider: c.primary.Name()}, nil
	}
	errs = append(errs, err)
	slog.Warn("Primary provider failed", "provider", c.primary.Name(), "error", err)

	if c.secondary == nil {
		return nil, &AllProvidersFailedError{Errors: errs}
	}
	if ctx.Err() != nil {
		// The caller is gone; a second provider call would be wasted.
		return nil, &AllProvidersFailedError{Errors: append(errs, ctx.Err())}
	}

	text, err = c.callWithRetry(ctx, c.secondary, messages, opts)
	if err == nil {
		c.metrics.IncFallback()
		slog.Info("Reply served by secondary provider", "provider", c.secondary.Name())
		return &Completion{Text: text, Source: SourceSecondary, Provider: c.secondary.Name()}, nil
	}
	errs = append(errs, err)
	slog.Error("Secondary provider failed", "provider", c.secondary.Name(), "error", err)
	return nil, &AllProvidersFailedError{Errors: errs}
}

func (c *FallbackClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// callWithRetry runs one provider under the configured timeout, retrying
// only retryable outcomes.
func (c *FallbackClient) callWithRetry(ctx context.Context, p Provider, messages []Message, opts Options) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var text string
	attempt := 0
	operation := func() error {
		attempt++
		start := time.Now()
		out, err := p.Complete(callCtx, messages, opts)
		out = strings.TrimSpace(out)
		if err == nil && out == "" {
			err = ErrEmptyCompletion
		}
		// A deadline hit inside the provider is reported as the timeout it is.
		if err != nil && callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", callCtx.Err(), err)
		}
		outcome := Classify(err)
		c.metrics.ObserveProviderCall(p.Name(), outcome.String(), time.Since(start))
		switch outcome {
		case OutcomeSuccess:
			text = out
			return nil
		case OutcomeRetryable:
			slog.Debug("Provider call failed, retrying", "provider", p.Name(), "attempt", attempt, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, c.newBackOff(callCtx)); err != nil {
		return "", err
	}
	return text, nil
}
