// Package eventbus provides a publish/subscribe abstraction used to carry
// session lifecycle notifications (created/updated/deleted) from
// internal/session.Manager to the supplemented sqlite session index
// without the manager calling into sqlite directly. The high-frequency
// runtime event stream (tool calls, content deltas, ...) stays on its
// own direct path from the runtime collaborator to the streaming
// adapter and gateway hub, since that path is order-sensitive per
// session in a way a fan-out bus does not guarantee; the bus carries
// the lower-frequency, order-insensitive bookkeeping instead.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single message on the bus. Data is pre-marshalled by the
// publisher so the bus itself stays agnostic of the domain payload shapes
// defined in internal/protocol.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent marshals data and stamps a fresh id/timestamp.
func NewEvent(eventType, source string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Handler processes an event delivered by a subscription.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active registration on a subject.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the pub/sub surface the gateway depends on. Subjects follow a
// dotted hierarchy (e.g. "session.<id>.lifecycle") and support NATS-style
// wildcards: "*" for one token, ">" for the remainder.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// SessionSubject returns the subject a session's lifecycle notifications
// are published on.
func SessionSubject(sessionID string) string {
	return "session." + sessionID + ".lifecycle"
}

// SessionWildcardSubject matches every session's lifecycle notifications;
// the session index subscribes on this to stay current across all
// sessions with a single subscription.
func SessionWildcardSubject() string {
	return "session.*.lifecycle"
}

// Lifecycle event types published on the session subjects above. Data is
// a transcript.Metadata for EventSessionUpserted, and
// {"session_id": "..."} for EventSessionDeleted.
const (
	EventSessionUpserted = "session_upserted"
	EventSessionDeleted  = "session_deleted"
)
