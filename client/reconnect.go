package client

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig controls DialWithRetry's exponential backoff.
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultRetry is a sensible backoff for long-lived clients.
var DefaultRetry = RetryConfig{
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	MaxAttempts:    10,
}

// DialWithRetry re-establishes a Wisp connection with exponential backoff.
// It returns the new client on success or an error after MaxAttempts
// failures.
func DialWithRetry(ctx context.Context, url string, rc RetryConfig) (*Client, error) {
	backoff := rc.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		c, err := Dial(ctx, url)
		if err == nil {
			return c, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > rc.MaxBackoff {
			backoff = rc.MaxBackoff
		}
	}

	return nil, fmt.Errorf("client: unable to connect after %d attempts: %w", rc.MaxAttempts, lastErr)
}
