// Package appctx provides context helpers for work that must outlive the
// request or connection that triggered it — e.g. finishing a transcript
// fsync after a client has already disconnected.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context independent of parent's cancellation, bounded
// by timeout and cancellable early via stopCh.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
