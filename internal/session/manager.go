// Package session implements component E (spec.md §4.E): the session
// manager that owns the runtime collaborator's session lifecycle, wires
// each session's streaming adapter/approval broker/transcript store/
// artifact ledger together, and enforces the one-prompt-in-flight and
// not-active-for-mutation invariants. Grounded on the teacher's
// internal/orchestrator task lifecycle (create/start/cancel/resume
// state machine) generalized from a single fixed pipeline to an
// arbitrarily nested session tree per spec.md §3's session graph.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamgate/agentgw/internal/apperrors"
	"github.com/streamgate/agentgw/internal/approval"
	"github.com/streamgate/agentgw/internal/artifact"
	"github.com/streamgate/agentgw/internal/common/constants"
	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/common/stringutil"
	"github.com/streamgate/agentgw/internal/eventbus"
	"github.com/streamgate/agentgw/internal/protocol"
	"github.com/streamgate/agentgw/internal/runtime"
	"github.com/streamgate/agentgw/internal/streaming"
	"github.com/streamgate/agentgw/internal/transcript"
)

// logPreviewLen bounds how much of a prompt's content is echoed into log
// lines (spec.md §5: logs must not balloon with full turn content).
const logPreviewLen = 200

// FrameSink is how the manager delivers framed messages to connected
// clients. Implemented by internal/gateway; broken out here to avoid a
// cyclic import (gateway depends on session, not the reverse).
type FrameSink interface {
	EmitFrame(sessionID string, env *protocol.Envelope) error
}

// CreateConfig is the manager-facing form of protocol.CreateSessionConfig,
// after resolving a resume request against the transcript store.
type CreateConfig struct {
	Bundle           string
	Behaviors        []string
	Provider         *string
	Cwd              string
	ResumeSessionID  string
}

type state struct {
	mu         sync.Mutex
	id         string
	parentID   string
	children   map[string]bool
	handle     runtime.SessionHandle
	adapter    *streaming.Adapter
	executing  bool
	idleCh     chan struct{}
	idleClosed bool
}

func (s *state) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idleClosed {
		close(s.idleCh)
		s.idleClosed = true
	}
}

// Manager is the session manager (spec.md §4.E). One Manager instance
// serves the whole gateway process.
type Manager struct {
	logger    *logger.Logger
	runtime   runtime.Runtime
	transcript *transcript.Store
	ledger    *artifact.Ledger
	broker    *approval.Broker
	bus       eventbus.Bus
	sink      FrameSink

	mu       sync.RWMutex
	sessions map[string]*state
}

// New creates a Manager. sink may be nil at construction time and set
// afterward with SetSink, to break the construction cycle with
// internal/gateway (the Hub needs the Manager, and is itself the
// Manager's FrameSink). bus may be nil, in which case session lifecycle
// notifications are simply not published (e.g. in tests that construct
// a Manager without the rest of the process wired up).
func New(rt runtime.Runtime, tstore *transcript.Store, ledger *artifact.Ledger, broker *approval.Broker, bus eventbus.Bus, sink FrameSink, log *logger.Logger) *Manager {
	return &Manager{
		logger:     log.WithFields(zap.String("component", "session_manager")),
		runtime:    rt,
		transcript: tstore,
		ledger:     ledger,
		broker:     broker,
		bus:        bus,
		sink:       sink,
		sessions:   make(map[string]*state),
	}
}

// publishUpserted notifies the session index (and any other subscriber)
// that a session's metadata changed (spec.md §9: the bus decouples the
// index from the manager's primary create/prompt/cancel flow).
func (m *Manager) publishUpserted(ctx context.Context, meta transcript.Metadata) {
	if m.bus == nil {
		return
	}
	evt, err := eventbus.NewEvent(eventbus.EventSessionUpserted, "session_manager", meta)
	if err != nil {
		m.logger.Warn("marshal session lifecycle event failed", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, eventbus.SessionSubject(meta.SessionID), evt); err != nil {
		m.logger.Warn("publish session lifecycle event failed", zap.String("session_id", meta.SessionID), zap.Error(err))
	}
}

// publishDeleted notifies subscribers that a session's record is gone.
func (m *Manager) publishDeleted(ctx context.Context, sessionID string) {
	if m.bus == nil {
		return
	}
	evt, err := eventbus.NewEvent(eventbus.EventSessionDeleted, "session_manager", map[string]string{"session_id": sessionID})
	if err != nil {
		m.logger.Warn("marshal session lifecycle event failed", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, eventbus.SessionSubject(sessionID), evt); err != nil {
		m.logger.Warn("publish session lifecycle event failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// publishCurrent looks up sessionID's current metadata and publishes it,
// logging rather than failing the caller if the lookup itself errors.
func (m *Manager) publishCurrent(ctx context.Context, sessionID string) {
	meta, err := m.transcript.Metadata(sessionID)
	if err != nil {
		m.logger.Warn("load metadata for lifecycle publish failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.publishUpserted(ctx, meta)
}

// SetSink wires the frame sink after construction (see New).
func (m *Manager) SetSink(sink FrameSink) {
	m.sink = sink
}

// Create resolves the bundle, instantiates a runtime session, and wires
// its event/display/approval sinks. On ResumeSessionID it replays the
// prior transcript's text-only content (spec.md §9 Open Question (a))
// into the new runtime session while keeping the original session id.
func (m *Manager) Create(ctx context.Context, cfg CreateConfig) (*protocol.SessionCreatedFrame, error) {
	plan, err := m.runtime.Prepare(ctx, cfg.Bundle, cfg.Behaviors, cfg.Provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBundleResolution, "resolve bundle", err)
	}

	resumed := false
	sessionID := uuid.New().String()
	var seedMeta transcript.Metadata
	var seeds []runtime.TranscriptSeed

	if cfg.ResumeSessionID != "" {
		entries, err := m.transcript.LoadTranscript(cfg.ResumeSessionID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSessionNotFound, "load transcript for resume", err)
		}
		for _, e := range entries {
			text, ok := e.Content.(string)
			if !ok {
				continue // non-text content (tool blocks) is dropped on resume, text-only per design note
			}
			seeds = append(seeds, runtime.TranscriptSeed{Role: e.Role, Content: text})
		}
		sessionID = cfg.ResumeSessionID
		resumed = true
	}

	seedMeta.Bundle = cfg.Bundle
	seedMeta.Behaviors = cfg.Behaviors
	seedMeta.Cwd = cfg.Cwd
	if err := m.transcript.Open(sessionID, seedMeta); err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	m.publishCurrent(ctx, sessionID)

	st := &state{
		id:       sessionID,
		children: make(map[string]bool),
		adapter:  streaming.New(sessionID),
		idleCh:   make(chan struct{}),
	}

	sink := &eventSink{manager: m, state: st}
	display := &displaySink{manager: m, sessionID: sessionID}
	approvalSink := &approvalSink{broker: m.broker, sessionID: sessionID}

	handle, err := m.runtime.CreateSession(ctx, plan, sink, display, approvalSink, cfg.Cwd, seeds)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRuntimeFault, "create runtime session", err)
	}
	st.handle = handle

	m.mu.Lock()
	m.sessions[sessionID] = st
	m.mu.Unlock()

	frame := &protocol.SessionCreatedFrame{SessionID: sessionID, Bundle: cfg.Bundle, Resumed: resumed}
	if env, err := protocol.NewEnvelope(protocol.TypeSessionCreated, frame); err == nil {
		env.SessionID = sessionID
		_ = m.sink.EmitFrame(sessionID, env)
	}
	if env, err := protocol.NewEnvelope(protocol.TypeBundleDebugInfo, protocol.BundleDebugInfoFrame{
		Bundle:    cfg.Bundle,
		Behaviors: cfg.Behaviors,
		MountInfo: plan.Opaque,
	}); err == nil {
		env.SessionID = sessionID
		_ = m.sink.EmitFrame(sessionID, env)
	}

	return frame, nil
}

func (m *Manager) get(sessionID string) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	return st, nil
}

// Prompt sends one turn's input into a session. A second prompt while
// the session is mid-turn is rejected rather than queued (spec.md §4.E,
// invariant: at most one turn executing per session).
func (m *Manager) Prompt(ctx context.Context, sessionID, content string, images, attachments []string) error {
	st, err := m.get(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.executing {
		st.mu.Unlock()
		return apperrors.AlreadyExecuting(sessionID)
	}
	st.executing = true
	st.idleCh = make(chan struct{})
	st.idleClosed = false
	st.mu.Unlock()

	if err := m.transcript.Append(sessionID, protocol.TranscriptEntry{
		Role:      "user",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Content:   content,
	}); err != nil {
		m.logger.Warn("append prompt to transcript failed",
			zap.String("session_id", sessionID),
			zap.String("content_preview", stringutil.TruncateEllipsis(content, logPreviewLen)),
			zap.Error(err))
	}

	err = st.handle.Execute(ctx, content, images, attachments)

	st.mu.Lock()
	st.executing = false
	st.mu.Unlock()
	st.closeIdle()

	if err != nil {
		_ = m.transcript.SnapshotMetadata(sessionID, func(meta *transcript.Metadata) {
			meta.Status = transcript.StatusErrored
		})
		m.publishCurrent(ctx, sessionID)
		return apperrors.Wrap(apperrors.CodeRuntimeFault, "execute turn", err)
	}

	_ = m.transcript.SnapshotMetadata(sessionID, func(meta *transcript.Metadata) {
		meta.TurnCount++
		meta.Status = transcript.StatusIdle
	})
	m.publishCurrent(ctx, sessionID)
	return nil
}

// Cancel stops a session's in-flight turn. Cooperative cancellation
// waits up to constants.CancelDrainTimeout for the runtime to report
// idle before returning; immediate cancellation returns as soon as the
// runtime acknowledges (spec.md §4.E).
func (m *Manager) Cancel(ctx context.Context, sessionID string, immediate bool) error {
	st, err := m.get(sessionID)
	if err != nil {
		return err
	}

	m.broker.CancelSession(sessionID)
	for child := range st.children {
		m.broker.CancelSession(child)
	}

	if err := st.handle.Cancel(ctx, immediate); err != nil {
		return apperrors.Wrap(apperrors.CodeRuntimeFault, "cancel session", err)
	}

	if !immediate {
		drainCtx, cancel := context.WithTimeout(ctx, constants.CancelDrainTimeout)
		defer cancel()
		select {
		case <-st.idleCh:
		case <-drainCtx.Done():
			m.logger.Warn("cancel drain timed out", zap.String("session_id", sessionID))
		}
	}

	err = m.transcript.SnapshotMetadata(sessionID, func(meta *transcript.Metadata) {
		meta.Status = transcript.StatusIdle
	})
	m.publishCurrent(ctx, sessionID)
	return err
}

// List returns metadata for every known session, active or archived.
func (m *Manager) List() ([]transcript.Metadata, error) {
	return m.transcript.List()
}

// ActiveSession summarizes a session currently live in this process
// (spec.md §6.3's GET /api/sessions, distinct from the full persisted
// history at GET /api/sessions/history).
type ActiveSession struct {
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_session_id,omitempty"`
	Executing bool   `json:"executing"`
}

// ListActive returns every session currently held in memory by this
// process, regardless of what the persisted history says.
func (m *Manager) ListActive() []ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActiveSession, 0, len(m.sessions))
	for id, st := range m.sessions {
		st.mu.Lock()
		out = append(out, ActiveSession{SessionID: id, ParentID: st.parentID, Executing: st.executing})
		st.mu.Unlock()
	}
	return out
}

// Delete removes a session's persisted transcript and artifacts. It
// refuses with an already_executing error while the session is live in
// this process (spec.md §4.E).
func (m *Manager) Delete(sessionID string) error {
	if _, err := m.get(sessionID); err == nil {
		return apperrors.New(apperrors.CodeAlreadyExecuting, "cannot delete an active session")
	}
	m.ledger.Clear(sessionID)
	if err := m.transcript.Delete(sessionID); err != nil {
		return err
	}
	m.publishDeleted(context.Background(), sessionID)
	return nil
}

// Rename sets a session's display name. Like Delete, it refuses while the
// session is live in this process.
func (m *Manager) Rename(sessionID, name string) error {
	if _, err := m.get(sessionID); err == nil {
		return apperrors.New(apperrors.CodeAlreadyExecuting, "cannot rename an active session")
	}
	if err := m.transcript.Rename(sessionID, name); err != nil {
		return err
	}
	m.publishCurrent(context.Background(), sessionID)
	return nil
}

// CancelTree cancels a session and every descendant session forked
// from it, depth-first (spec.md §4.E: "cancellation propagates
// depth-first through the session graph"). Used when a connection is
// closed as a slow consumer and every session it owns must be torn down
// together, rather than Cancel's single-level child bookkeeping.
func (m *Manager) CancelTree(ctx context.Context, sessionID string, immediate bool) error {
	return m.cancelDescendants(ctx, sessionID, immediate)
}

// cancelDescendants fans out cancellation depth-first across a
// session's locally tracked sub-sessions.
func (m *Manager) cancelDescendants(ctx context.Context, sessionID string, immediate bool) error {
	st, err := m.get(sessionID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for child := range st.children {
		child := child
		g.Go(func() error {
			return m.cancelDescendants(gctx, child, immediate)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("descendant cancellation error", zap.String("session_id", sessionID), zap.Error(err))
	}
	return m.Cancel(ctx, sessionID, immediate)
}

// eventSink adapts one session's streaming.Adapter + artifact.Ledger +
// transcript.Store as a runtime.EventSink.
type eventSink struct {
	manager *Manager
	state   *state
}

func (e *eventSink) HandleEvent(ctx context.Context, event runtime.Event) error {
	frames, err := e.state.adapter.HandleEvent(event)
	if err != nil {
		return fmt.Errorf("stream event: %w", err)
	}
	for _, f := range frames {
		if err := e.manager.sink.EmitFrame(e.state.id, f); err != nil {
			return fmt.Errorf("emit frame: %w", err)
		}
	}

	switch event.Kind {
	case runtime.EventSessionFork:
		e.state.mu.Lock()
		e.state.children[event.ChildSessionID] = true
		e.state.mu.Unlock()
	case runtime.EventSessionEnd:
		e.state.closeIdle()
	case runtime.EventToolResult:
		e.manager.recordArtifactIfMutating(e.state.id, event)
	}

	return nil
}

// recordArtifactIfMutating implements component B's observation of the
// same event stream component D consumes (spec.md §2: both observe
// tool_call/tool_result independently).
func (m *Manager) recordArtifactIfMutating(sessionID string, event runtime.Event) {
	if !event.ToolSuccess {
		return
	}
	path, _ := event.ToolResult["path"].(string)
	if path == "" {
		return
	}
	op, ok := artifact.IsFileMutating(event.ToolName)
	if !ok {
		return
	}
	var before, after *string
	if b, ok := event.ToolResult["content_before"].(string); ok {
		before = &b
	}
	if a, ok := event.ToolResult["content_after"].(string); ok {
		after = &a
	}
	m.ledger.Record(sessionID, path, op, before, after)
}

// displaySink adapts the manager as a runtime.DisplaySink.
type displaySink struct {
	manager   *Manager
	sessionID string
}

func (d *displaySink) Display(ctx context.Context, level runtime.DisplayLevel, message, source string) error {
	env, err := protocol.NewEnvelope(protocol.TypeDisplayMessage, protocol.DisplayMessageFrame{
		Level:   string(level),
		Message: message,
		Source:  source,
	})
	if err != nil {
		return err
	}
	env.SessionID = d.sessionID
	return d.manager.sink.EmitFrame(d.sessionID, env)
}

// approvalSink adapts the approval broker as a runtime.ApprovalSink,
// binding every request to the owning session.
type approvalSink struct {
	broker    *approval.Broker
	sessionID string
}

func (a *approvalSink) Request(ctx context.Context, prompt string, options []string, timeoutSeconds int, defaultChoice string) (string, error) {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = constants.ApprovalDefaultTimeout
	}
	return a.broker.Request(ctx, a.sessionID, prompt, options, timeout, defaultChoice)
}
