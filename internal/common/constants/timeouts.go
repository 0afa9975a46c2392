// Package constants provides application-wide timeouts (spec.md §5).
package constants

import "time"

const (
	// SessionCreateTimeout bounds how long session creation may take
	// before the create_session request errors out (spec.md §5).
	SessionCreateTimeout = 30 * time.Second

	// WebSocketReadIdleTimeout is the keep-alive idle budget before the
	// multiplexer closes a silent connection (spec.md §4.F, §5).
	WebSocketReadIdleTimeout = 90 * time.Second

	// ApprovalDefaultTimeout is used when a request does not specify one.
	ApprovalDefaultTimeout = 300 * time.Second

	// CancelDrainTimeout bounds how long cancel() waits for the runtime
	// to acknowledge cooperative cancellation before forcing idle.
	CancelDrainTimeout = 15 * time.Second

	// MaxTurnDuration bounds a single prompt's execution when driven from
	// a detached goroutine that has outlived its triggering request, so a
	// connection that vanishes mid-turn cannot pin runtime resources
	// indefinitely (spec.md §5).
	MaxTurnDuration = 30 * time.Minute
)
