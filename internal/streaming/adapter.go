// Package streaming implements component D (spec.md §4.D): the per-
// session streaming adapter that remaps the runtime's server-assigned
// block indices into dense, monotone local indices and assigns a single
// chronological "order" across interleaved content blocks, tool calls,
// and nested sub-sessions. Grounded on spec.md §9's translation notes:
// sparse server indices become a dense local index plus a cleared map
// (not a cleared list), and the event sum type is dispatched by tag
// rather than by virtual call.
package streaming

import (
	"fmt"
	"sync"

	"github.com/streamgate/agentgw/internal/protocol"
	"github.com/streamgate/agentgw/internal/runtime"
)

// toolCallState tracks one tool call's lifecycle (spec.md §3).
type toolCallState struct {
	order          int
	status         protocol.ToolStatus
	childSessionID string // set once a session_fork binds to this call
	delegation     bool   // names a tool that may fork a child session
}

// phaseState is the per-(session-or-sub-adapter) indexing state that
// resets at each tool-result boundary (the block_index_map), alongside
// the state that stays monotone for the adapter's whole lifetime.
type phaseState struct {
	blockIndexMap  map[int]int // server_index -> local_index, cleared per phase
	nextLocalIndex int         // monotone across the (sub-)session
	orderCounter   int         // monotone across the (sub-)session

	toolCalls map[string]*toolCallState // toolID -> state, lifetime of the (sub-)session

	// pendingDelegations is a FIFO queue of tool call ids that named a
	// delegating tool and have not yet been bound to a session_fork
	// (spec.md §4.D step 6, invariant 6: FIFO among siblings).
	pendingDelegations []string

	// mostRecentThinkingIndex supports thinking_delta/final arriving
	// without an explicit content_start (spec.md §4.D step 8).
	mostRecentThinkingIndex *int
}

func newPhaseState() *phaseState {
	return &phaseState{
		blockIndexMap: make(map[int]int),
		toolCalls:     make(map[string]*toolCallState),
	}
}

// Adapter is one streaming adapter instance, scoped to a single session
// and all of its live sub-sessions (spec.md §4.D).
type Adapter struct {
	mu sync.Mutex // defense in depth; spec.md §5 says the owning task
	// drives an adapter single-threaded, but tests read state through
	// the snapshot methods below.

	sessionID string
	main      *phaseState
	subs      map[string]*phaseState // childSessionID -> its phase state

	childToParent map[string]string // childSessionID -> parent tool-call id
}

// New creates an Adapter for a freshly created session.
func New(sessionID string) *Adapter {
	return &Adapter{
		sessionID:     sessionID,
		main:          newPhaseState(),
		subs:          make(map[string]*phaseState),
		childToParent: make(map[string]string),
	}
}

// delegationToolNames lists tool names whose tool_call is expected to be
// followed by a session_fork (spec.md §4.D step 5's "e.g., task").
var delegationToolNames = map[string]bool{
	"task": true,
}

// HandleEvent translates one runtime event into zero or more framed
// client messages, routing to the correct (sub-)adapter state per
// spec.md §4.D step 1. The caller (internal/session.Manager) is
// responsible for actually delivering the returned envelopes.
func (a *Adapter) HandleEvent(event runtime.Event) ([]*protocol.Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	phase, scopeChild, scopeParentTool := a.route(event)

	switch event.Kind {
	case runtime.EventContentStart:
		return a.handleContentStart(phase, event, scopeChild, scopeParentTool)
	case runtime.EventContentDelta:
		return a.handleContentDelta(phase, event, scopeChild, scopeParentTool)
	case runtime.EventContentEnd:
		return a.handleContentEnd(phase, event, scopeChild, scopeParentTool)
	case runtime.EventThinkingDelta:
		return a.handleThinkingDelta(phase, event, scopeChild, scopeParentTool)
	case runtime.EventThinkingFinal:
		return a.handleThinkingFinal(phase, event, scopeChild, scopeParentTool)
	case runtime.EventToolCall:
		return a.handleToolCall(phase, event, scopeChild, scopeParentTool)
	case runtime.EventToolResult:
		return a.handleToolResult(phase, event, scopeChild, scopeParentTool)
	case runtime.EventSessionFork:
		return a.handleSessionFork(event)
	case runtime.EventPromptComplete:
		return a.handlePromptComplete(event)
	case runtime.EventContextCompaction:
		env, err := protocol.NewEnvelope(protocol.TypeContextCompaction, protocol.ContextCompactionFrame{Reason: event.CompactReason})
		return wrap(env, err)
	case runtime.EventSessionStart:
		env, err := protocol.NewEnvelope(protocol.TypeSessionStart, protocol.SessionStartFrame{Turn: event.Turn})
		return wrap(env, err)
	case runtime.EventSessionEnd:
		env, err := protocol.NewEnvelope(protocol.TypeSessionEnd, protocol.SessionEndFrame{Status: event.EndStatus})
		return wrap(env, err)
	case runtime.EventProviderRequest:
		env, err := protocol.NewEnvelope(protocol.TypeProviderRequest, protocol.ProviderRequestFrame{Provider: event.Provider, Detail: event.ProviderDetail})
		return wrap(env, err)
	case runtime.EventProviderResponse:
		env, err := protocol.NewEnvelope(protocol.TypeProviderResponse, protocol.ProviderResponseFrame{Provider: event.Provider, Detail: event.ProviderDetail})
		return wrap(env, err)
	default:
		// Unknown variants degrade: log-and-ignore for UI state (spec.md §9).
		return nil, nil
	}
}

// route picks the main adapter or a child sub-adapter's phase state per
// spec.md §4.D step 1.
func (a *Adapter) route(event runtime.Event) (*phaseState, string, string) {
	if event.ChildSessionID != "" && event.NestingDepth > 0 {
		if p, ok := a.subs[event.ChildSessionID]; ok {
			return p, event.ChildSessionID, a.childToParent[event.ChildSessionID]
		}
	}
	if event.ParentToolCall != "" {
		for child, parent := range a.childToParent {
			if parent == event.ParentToolCall {
				if p, ok := a.subs[child]; ok {
					return p, child, parent
				}
			}
		}
	}
	return a.main, "", ""
}

func wrap(env *protocol.Envelope, err error) ([]*protocol.Envelope, error) {
	if err != nil {
		return nil, err
	}
	return []*protocol.Envelope{env}, nil
}

func stampScope(env *protocol.Envelope, sessionID, childSessionID, parentToolCall string) *protocol.Envelope {
	env.SessionID = sessionID
	env.ChildSessionID = childSessionID
	env.ParentToolCall = parentToolCall
	if childSessionID != "" {
		env.NestingDepth = 1
	}
	return env
}

func (a *Adapter) handleContentStart(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	localIndex := phase.nextLocalIndex
	phase.nextLocalIndex++
	order := phase.orderCounter
	phase.orderCounter++
	phase.blockIndexMap[event.ServerIndex] = localIndex

	env, err := protocol.NewEnvelope(protocol.TypeContentStart, protocol.ContentStartFrame{
		Index:     localIndex,
		Order:     order,
		BlockType: protocol.BlockType(event.BlockType),
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleContentDelta(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	localIndex, ok := phase.blockIndexMap[event.ServerIndex]
	if !ok {
		// Out-of-order start: drop silently, do not synthesize a block
		// (spec.md §4.D step 3).
		return nil, nil
	}
	env, err := protocol.NewEnvelope(protocol.TypeContentDelta, protocol.ContentDeltaFrame{
		Index: localIndex,
		Delta: event.Delta,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleContentEnd(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	localIndex, ok := phase.blockIndexMap[event.ServerIndex]
	if !ok {
		return nil, nil
	}
	env, err := protocol.NewEnvelope(protocol.TypeContentEnd, protocol.ContentEndFrame{
		Index:   localIndex,
		Content: event.FinalText,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleThinkingDelta(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	localIndex, ok := phase.blockIndexMap[event.ServerIndex]
	if !ok {
		// Implicit content-start: allocate one now (spec.md §4.D step 8).
		localIndex = phase.nextLocalIndex
		phase.nextLocalIndex++
		phase.blockIndexMap[event.ServerIndex] = localIndex
	}
	phase.mostRecentThinkingIndex = &localIndex

	env, err := protocol.NewEnvelope(protocol.TypeThinkingDelta, protocol.ThinkingDeltaFrame{
		Index: localIndex,
		Delta: event.Delta,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleThinkingFinal(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	localIndex, ok := phase.blockIndexMap[event.ServerIndex]
	if !ok {
		if phase.mostRecentThinkingIndex != nil {
			localIndex = *phase.mostRecentThinkingIndex
		} else {
			localIndex = phase.nextLocalIndex
			phase.nextLocalIndex++
		}
	}

	env, err := protocol.NewEnvelope(protocol.TypeThinkingFinal, protocol.ThinkingFinalFrame{
		Index:   localIndex,
		Content: event.FinalText,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleToolCall(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	order := phase.orderCounter
	phase.orderCounter++

	delegation := delegationToolNames[event.ToolName]
	phase.toolCalls[event.ToolID] = &toolCallState{
		order:      order,
		status:     protocol.ToolPending,
		delegation: delegation,
	}
	if delegation {
		phase.pendingDelegations = append(phase.pendingDelegations, event.ToolID)
	}

	env, err := protocol.NewEnvelope(protocol.TypeToolCall, protocol.ToolCallFrame{
		ID:     event.ToolID,
		Name:   event.ToolName,
		Args:   event.ToolArgs,
		Order:  order,
		Status: protocol.ToolPending,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

func (a *Adapter) handleToolResult(phase *phaseState, event runtime.Event, child, parentTool string) ([]*protocol.Envelope, error) {
	state, ok := phase.toolCalls[event.ToolID]
	if !ok {
		return nil, fmt.Errorf("tool_result for unknown tool call %q", event.ToolID)
	}
	if state.status == protocol.ToolComplete || state.status == protocol.ToolError {
		return nil, fmt.Errorf("tool call %q already terminal", event.ToolID)
	}
	if event.ToolSuccess {
		state.status = protocol.ToolComplete
	} else {
		state.status = protocol.ToolError
	}

	// Next model response restarts server indexing; clear the map but
	// keep next_local_index/order_counter monotone (spec.md §4.D step 7).
	phase.blockIndexMap = make(map[int]int)

	if state.childSessionID != "" {
		delete(a.subs, state.childSessionID)
		delete(a.childToParent, state.childSessionID)
	}

	env, err := protocol.NewEnvelope(protocol.TypeToolResult, protocol.ToolResultFrame{
		ID:      event.ToolID,
		Success: event.ToolSuccess,
		Result:  event.ToolResult,
		Error:   event.ToolError,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, child, parentTool), nil)
}

// handleSessionFork binds a child session to its owning delegation tool
// call: directly if the runtime names the parent, otherwise FIFO among
// not-yet-bound delegation calls (spec.md §4.D step 6, invariant 6).
// pendingDelegations is populated at tool_call time, so FIFO binding
// needs the delegation tool_call to have arrived first: a fork with no
// explicit parent and no pending delegation is rejected with an error,
// not held for a later tool_call. A fork naming an explicit parent that
// has not been seen yet is bound by id, but that tool call's state is
// not linked to the child, and a later tool_call with that id still
// joins pendingDelegations.
func (a *Adapter) handleSessionFork(event runtime.Event) ([]*protocol.Envelope, error) {
	parentToolCall := event.ParentToolCall
	if parentToolCall == "" {
		if len(a.main.pendingDelegations) == 0 {
			return nil, fmt.Errorf("session_fork with no pending delegation tool call")
		}
		parentToolCall = a.main.pendingDelegations[0]
		a.main.pendingDelegations = a.main.pendingDelegations[1:]
	} else {
		for i, id := range a.main.pendingDelegations {
			if id == parentToolCall {
				a.main.pendingDelegations = append(a.main.pendingDelegations[:i], a.main.pendingDelegations[i+1:]...)
				break
			}
		}
	}

	if state, ok := a.main.toolCalls[parentToolCall]; ok {
		state.childSessionID = event.ChildSessionID
		state.status = protocol.ToolRunning
	}

	a.subs[event.ChildSessionID] = newPhaseState()
	a.childToParent[event.ChildSessionID] = parentToolCall

	env, err := protocol.NewEnvelope(protocol.TypeSessionFork, protocol.SessionForkFrame{
		ChildSessionID: event.ChildSessionID,
		ParentToolCall: parentToolCall,
	})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, "", ""), nil)
}

func (a *Adapter) handlePromptComplete(event runtime.Event) ([]*protocol.Envelope, error) {
	// Reset indexing for the next turn but keep order_counter monotone
	// across the whole session (spec.md §4.D step 9).
	a.main.blockIndexMap = make(map[int]int)

	env, err := protocol.NewEnvelope(protocol.TypePromptComplete, protocol.PromptCompleteFrame{Turn: event.Turn})
	if err != nil {
		return nil, err
	}
	return wrap(stampScope(env, a.sessionID, "", ""), nil)
}

// PendingDelegations returns a snapshot of not-yet-bound delegation tool
// call ids, for tests asserting FIFO binding order.
func (a *Adapter) PendingDelegations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.main.pendingDelegations))
	copy(out, a.main.pendingDelegations)
	return out
}

// ToolStatus returns a tool call's current status, for tests.
func (a *Adapter) ToolStatus(toolID string) (protocol.ToolStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.main.toolCalls[toolID]
	if !ok {
		return "", false
	}
	return state.status, true
}
