package adapter

import (
	"context"
	"time"

	"github.com/kiln-systems/kiln/internal/clock"
)

// idempotentBackoff is the fixed exponential backoff schedule for
// adapter-level retries of idempotent operations: 3 retries at
// 200ms, 400ms, 800ms after the first attempt.
var idempotentBackoff = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

// RetryIdempotent runs attempt up to 1+len(idempotentBackoff) times,
// stopping at the first success or when ctx is cancelled. start_print,
// cancel_print, and upload_file are non-idempotent and must call attempt
// directly instead of going through this helper; retrying them is the
// scheduler's responsibility, not the adapter's.
func RetryIdempotent(ctx context.Context, clk clock.Clock, attempt func() error) error {
	var err error
	for i := 0; ; i++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if i >= len(idempotentBackoff) {
			return err
		}
		select {
		case <-clk.After(idempotentBackoff[i]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
