package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	errs  []error
	calls int
	opts  []CompleteOptions
}

func (c *scriptedClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	c.opts = append(c.opts, o)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	return fmt.Sprintf("ok after %d", c.calls), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestLLM_RetryingClient_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	next := &scriptedClient{errs: []error{errors.New("connection reset"), errors.New("eof")}}
	c, err := NewRetryingClient(testLogger(), next, fastRetry())
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "sys", "user", WithCacheControl())
	require.NoError(t, err)
	require.Equal(t, "ok after 3", out)
	require.Equal(t, 3, next.calls)
	for _, o := range next.opts {
		require.True(t, o.CacheSystemPrompt, "options are forwarded on every attempt")
	}
}

func TestLLM_RetryingClient_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad request")
	next := &scriptedClient{errs: []error{permanent}}
	cfg := fastRetry()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	c, err := NewRetryingClient(testLogger(), next, cfg)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "sys", "user")
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, next.calls)
}

func TestLLM_RetryingClient_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	fail := errors.New("unavailable")
	next := &scriptedClient{errs: []error{fail, fail, fail, fail, fail}}
	c, err := NewRetryingClient(testLogger(), next, fastRetry())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "sys", "user")
	require.ErrorIs(t, err, fail)
	require.Equal(t, 4, next.calls)
}

func TestLLM_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
}

func TestLLM_StripCodeFences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "sql fence", in: "```sql\nSELECT 1\n```", want: "SELECT 1"},
		{name: "python fence", in: "```python\ndf.head()\n```\n", want: "df.head()"},
		{name: "bare fence", in: "```\nx = 1\n```", want: "x = 1"},
		{name: "no fence", in: "  SELECT 2  ", want: "SELECT 2"},
		{name: "only trailing fence", in: "SELECT 3\n```", want: "SELECT 3"},
		{name: "one line fence", in: "```SELECT 4```", want: "SELECT 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, StripCodeFences(tt.in))
		})
	}
}

func TestLLM_ExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "json fence", in: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "generic fence", in: "```\n{\"a\": 2}\n```", want: `{"a": 2}`},
		{name: "prose", in: `Sure: {"selected": ["x"], "reason": "has {braces}"} done`, want: `{"selected": ["x"], "reason": "has {braces}"}`},
		{name: "unbalanced", in: `{"a": 1`, want: `{"a": 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}
