// Package approval implements component C (spec.md §4.C): correlates
// pending approval requests with client responses, with timeout/default
// resolution and per-session "always" caching. The pending-map + timer +
// response-channel shape is grounded on the teacher's
// internal/agent/acp/session.go PendingPermission/waitForPermissionResponse
// pattern; the fingerprint-keyed "always" cache and the first-of-
// {response,timeout}-wins guarantee are spec-driven generalizations of
// that teacher pattern (the teacher matches a structured Kind field,
// not prompt/option text).
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/streamgate/agentgw/internal/common/logger"
)

// Request is a still-open approval request (spec.md §3).
type Request struct {
	ID      string
	Prompt  string
	Options []string
	Timeout time.Duration
	Default string
}

// Emitter is how the broker tells the gateway to push an approval_request
// frame to the client. Implemented by internal/gateway.
type Emitter interface {
	EmitApprovalRequest(sessionID string, req Request) error
}

type pending struct {
	req        Request
	sessionID  string
	responseCh chan string
	timer      *time.Timer
	resolved   bool
	mu         sync.Mutex
}

// Broker implements the approval broker. One Broker serves the whole
// session tree (spec.md §4.E: "one approval UI serves the whole tree").
type Broker struct {
	logger  *logger.Logger
	emitter Emitter

	mu      sync.Mutex
	pending map[string]*pending // request id -> pending
	cache   map[string]map[string]string // sessionID -> fingerprint -> choice
}

// New creates a Broker. SetEmitter must be called before Request is used.
func New(log *logger.Logger) *Broker {
	return &Broker{
		logger:  log.WithFields(zap.String("component", "approval_broker")),
		pending: make(map[string]*pending),
		cache:   make(map[string]map[string]string),
	}
}

// SetEmitter wires the frame emitter (broken out from New to avoid an
// import cycle with internal/gateway, which itself depends on Broker).
func (b *Broker) SetEmitter(e Emitter) {
	b.emitter = e
}

// Fingerprint computes the stable cache key for (prompt, options),
// deliberately excluding any non-deterministic field (spec.md §9).
func Fingerprint(prompt string, options []string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	for _, opt := range options {
		h.Write([]byte{0})
		h.Write([]byte(opt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Request asks the client for a decision, or returns a cached "always"
// choice immediately without emitting a frame (spec.md §4.C).
func (b *Broker) Request(ctx context.Context, sessionID, prompt string, options []string, timeout time.Duration, defaultChoice string) (string, error) {
	fp := Fingerprint(prompt, options)

	b.mu.Lock()
	if sessionCache, ok := b.cache[sessionID]; ok {
		if choice, ok := sessionCache[fp]; ok {
			b.mu.Unlock()
			return choice, nil
		}
	}
	b.mu.Unlock()

	id := uuid.New().String()
	req := Request{ID: id, Prompt: prompt, Options: options, Timeout: timeout, Default: defaultChoice}

	p := &pending{
		req:        req,
		sessionID:  sessionID,
		responseCh: make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()

	if b.emitter != nil {
		if err := b.emitter.EmitApprovalRequest(sessionID, req); err != nil {
			b.mu.Lock()
			delete(b.pending, id)
			b.mu.Unlock()
			return "", fmt.Errorf("emit approval_request: %w", err)
		}
	}

	p.timer = time.AfterFunc(timeout, func() {
		b.resolve(id, defaultChoice, false)
	})

	select {
	case choice := <-p.responseCh:
		return choice, nil
	case <-ctx.Done():
		b.resolve(id, defaultChoice, false)
		return defaultChoice, ctx.Err()
	}
}

// Respond resolves a pending request with the client's choice. A
// response arriving after the request has already resolved (by timeout
// or cancellation) is discarded without effect and reported with a
// "not pending" error — first of {response, timeout} wins (spec.md §4.C,
// invariant 4).
func (b *Broker) Respond(id, choice string) error {
	return b.resolve(id, choice, true)
}

func (b *Broker) resolve(id, choice string, fromClient bool) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		if fromClient {
			return fmt.Errorf("approval request %q not pending", id)
		}
		return nil
	}
	delete(b.pending, id)
	b.mu.Unlock()

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return nil
	}
	p.resolved = true
	p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}

	if fromClient && strings.Contains(strings.ToLower(choice), "always") {
		b.mu.Lock()
		if b.cache[p.sessionID] == nil {
			b.cache[p.sessionID] = make(map[string]string)
		}
		b.cache[p.sessionID][Fingerprint(p.req.Prompt, p.req.Options)] = choice
		b.mu.Unlock()
	}

	p.responseCh <- choice
	return nil
}

// CancelSession resolves every pending request belonging to sessionID
// (and its descendants, if the caller passes each id) with its default
// choice, and clears the session's "always" cache (spec.md §4.C, §4.E).
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var toResolve []*pending
	for _, p := range b.pending {
		if p.sessionID == sessionID {
			toResolve = append(toResolve, p)
		}
	}
	delete(b.cache, sessionID)
	b.mu.Unlock()

	for _, p := range toResolve {
		_ = b.resolve(p.req.ID, p.req.Default, false)
	}
}

// PendingCount reports the number of unresolved requests, for tests and
// diagnostics.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
