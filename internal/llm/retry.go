package llm

import (
	"context"
	"time"

	oerrors "github.com/oraclecore/oracle/internal/errors"
)

// RetryingClient wraps a ChatClient and retries the initial ChatStream call
// once when it fails with a retryable error (rate limiting, transient
// network failure), backing off for cfg.InitialDelay first. Mid-stream
// failures (an EventError after the channel is already open) are not
// retried — the caller has already seen partial output and re-issuing the
// whole request would duplicate it.
type RetryingClient struct {
	inner ChatClient
	cfg   oerrors.RetryConfig
}

// NewRetryingClient wraps inner with one-retry-on-transient-failure
// semantics. Pass oerrors.DefaultRetryConfig() for sane backoff defaults.
func NewRetryingClient(inner ChatClient, cfg oerrors.RetryConfig) *RetryingClient {
	return &RetryingClient{inner: inner, cfg: cfg}
}

// ChatStream implements ChatClient.
func (c *RetryingClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec) (<-chan StreamEvent, error) {
	stream, err := c.inner.ChatStream(ctx, model, messages, tools)
	if err == nil {
		return stream, nil
	}
	if !oerrors.IsRetryable(err) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.cfg.InitialDelay):
	}

	return c.inner.ChatStream(ctx, model, messages, tools)
}
