package adapter

import (
	"context"
	"time"
)

// Default per-operation timeouts. Adapters apply them directly as HTTP
// client, dial and reply-wait timeouts; none of them calls WithOpTimeout.
const (
	TimeoutStatus = 5 * time.Second
	TimeoutUpload = 10 * time.Minute
	TimeoutStart  = 30 * time.Second
	TimeoutCancel = 15 * time.Second
	TimeoutGCode  = 15 * time.Second
)

// WithOpTimeout returns ctx bounded by d, unless ctx already has an earlier
// deadline, in which case ctx is returned unchanged (with a no-op cancel).
func WithOpTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
