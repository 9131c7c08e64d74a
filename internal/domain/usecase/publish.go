package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var publishBaseDelay = 500 * time.Millisecond

func publishWithRetry(ctx context.Context, pub Publisher, msg json.RawMessage) error {
	var (
		baseDelay   = publishBaseDelay
		maxDelay    = 10 * time.Second
		maxAttempts = 5
	)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := pub.Publish(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}

		backoff := baseDelay << (attempt - 1)
		if backoff > maxDelay {
			backoff = maxDelay
		}

		select {
		case <-time.After(backoff):

		case <-ctx.Done():
			return errors.New("publish canceled by context")
		}
	}

	return lastErr
}
