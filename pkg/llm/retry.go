package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxRetries      = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// RetryingClient retries transient completion failures with exponential backoff.
type RetryingClient struct {
	log  *slog.Logger
	next Client
	cfg  RetryConfig
}

type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retryable decides whether an error is transient. Defaults to IsRetryable.
	Retryable func(error) bool
}

func (c *RetryConfig) Validate() error {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = defaultMaxInterval
	}
	if c.Retryable == nil {
		c.Retryable = IsRetryable
	}
	return nil
}

func NewRetryingClient(log *slog.Logger, next Client, cfg RetryConfig) (*RetryingClient, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if next == nil {
		return nil, errors.New("client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RetryingClient{log: log, next: next, cfg: cfg}, nil
}

func (c *RetryingClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	var out string
	attempt := 0
	op := func() error {
		attempt++
		resp, err := c.next.Complete(ctx, systemPrompt, userPrompt, opts...)
		if err != nil {
			if !c.cfg.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.log.Warn("llm: completion failed, retrying", "attempt", attempt, "delay", d, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return out, nil
}

// IsRetryable reports whether err is a rate limit, overload or server error from the API.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == 529:
		return true
	case code >= 500:
		return true
	case code > 0:
		return false
	}
	// Transport-level failures carry no status.
	return true
}
