package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/agentgw/internal/protocol"
	"github.com/streamgate/agentgw/internal/runtime"
)

func TestContentStartDeltaEnd_RemapsServerIndices(t *testing.T) {
	a := New("sess-1")

	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 7, BlockType: "text"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	var start protocol.ContentStartFrame
	require.NoError(t, frames[0].Decode(&start))
	assert.Equal(t, 0, start.Index, "first block gets local index 0 regardless of server index")
	assert.Equal(t, 0, start.Order)

	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventContentDelta, ServerIndex: 7, Delta: "hel"})
	require.NoError(t, err)
	var delta protocol.ContentDeltaFrame
	require.NoError(t, frames[0].Decode(&delta))
	assert.Equal(t, 0, delta.Index)
	assert.Equal(t, "hel", delta.Delta)

	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventContentEnd, ServerIndex: 7, FinalText: "hello"})
	require.NoError(t, err)
	var end protocol.ContentEndFrame
	require.NoError(t, frames[0].Decode(&end))
	assert.Equal(t, 0, end.Index)
}

func TestContentDelta_DropsWhenStartMissing(t *testing.T) {
	a := New("sess-1")
	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventContentDelta, ServerIndex: 3, Delta: "x"})
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestOrderCounter_MonotoneAcrossToolResultReset(t *testing.T) {
	a := New("sess-1")

	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 0, BlockType: "text"})
	require.NoError(t, err)

	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "t1", ToolName: "bash"})
	require.NoError(t, err)
	var call protocol.ToolCallFrame
	require.NoError(t, frames[0].Decode(&call))
	assert.Equal(t, 1, call.Order)

	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolResult, ToolID: "t1", ToolSuccess: true})
	require.NoError(t, err)

	// block_index_map is cleared, but a fresh content_start after the
	// reset must still get a fresh local index and a monotone order.
	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 0, BlockType: "text"})
	require.NoError(t, err)
	var start protocol.ContentStartFrame
	require.NoError(t, frames[0].Decode(&start))
	assert.Equal(t, 2, start.Order, "order_counter must stay monotone across a tool_result reset")
	assert.Equal(t, 1, start.Index, "next_local_index must stay monotone across a tool_result reset")
}

func TestSessionFork_BindsFIFOAmongPendingDelegations(t *testing.T) {
	a := New("sess-1")

	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-a", ToolName: "task"})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-b", ToolName: "task"})
	require.NoError(t, err)

	assert.Equal(t, []string{"task-a", "task-b"}, a.PendingDelegations())

	// First fork with no explicit parent binds to the oldest pending
	// delegation call (task-a); both tool_calls arrived before the fork.
	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventSessionFork, ChildSessionID: "child-1"})
	require.NoError(t, err)
	var fork protocol.SessionForkFrame
	require.NoError(t, frames[0].Decode(&fork))
	assert.Equal(t, "task-a", fork.ParentToolCall)

	status, ok := a.ToolStatus("task-a")
	require.True(t, ok)
	assert.Equal(t, protocol.ToolRunning, status)

	assert.Equal(t, []string{"task-b"}, a.PendingDelegations())

	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventSessionFork, ChildSessionID: "child-2"})
	require.NoError(t, err)
	require.NoError(t, frames[0].Decode(&fork))
	assert.Equal(t, "task-b", fork.ParentToolCall)
	assert.Empty(t, a.PendingDelegations())
}

func TestSessionFork_ExplicitParentSkipsFIFOOrder(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-a", ToolName: "task"})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-b", ToolName: "task"})
	require.NoError(t, err)

	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventSessionFork, ChildSessionID: "child-2", ParentToolCall: "task-b"})
	require.NoError(t, err)
	var fork protocol.SessionForkFrame
	require.NoError(t, frames[0].Decode(&fork))
	assert.Equal(t, "task-b", fork.ParentToolCall)

	assert.Equal(t, []string{"task-a"}, a.PendingDelegations())
}

func TestChildSession_RoutesIndependentlyOfMain(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-a", ToolName: "task"})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventSessionFork, ChildSessionID: "child-1"})
	require.NoError(t, err)

	// Main session content_start continues to use main's own local index.
	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 5, BlockType: "text"})
	require.NoError(t, err)
	var mainStart protocol.ContentStartFrame
	require.NoError(t, frames[0].Decode(&mainStart))
	assert.Equal(t, 0, mainStart.Index)

	// Child session's content_start is independently indexed starting at 0.
	frames, err = a.HandleEvent(runtime.Event{
		Kind:           runtime.EventContentStart,
		ChildSessionID: "child-1",
		NestingDepth:   1,
		ServerIndex:    0,
		BlockType:      "text",
	})
	require.NoError(t, err)
	var childStart protocol.ContentStartFrame
	require.NoError(t, frames[0].Decode(&childStart))
	assert.Equal(t, 0, childStart.Index)
	assert.Equal(t, "sess-1", frames[0].SessionID)
	assert.Equal(t, "child-1", frames[0].ChildSessionID)
}

func TestToolResult_TearsDownChildSubAdapterState(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "task-a", ToolName: "task"})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventSessionFork, ChildSessionID: "child-1"})
	require.NoError(t, err)

	require.Contains(t, a.subs, "child-1")

	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolResult, ToolID: "task-a", ToolSuccess: true})
	require.NoError(t, err)

	assert.NotContains(t, a.subs, "child-1")
	assert.NotContains(t, a.childToParent, "child-1")
}

func TestToolResult_UnknownToolIDErrors(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolResult, ToolID: "nope", ToolSuccess: true})
	assert.Error(t, err)
}

func TestToolResult_AlreadyTerminalErrors(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventToolCall, ToolID: "t1", ToolName: "bash"})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolResult, ToolID: "t1", ToolSuccess: true})
	require.NoError(t, err)
	_, err = a.HandleEvent(runtime.Event{Kind: runtime.EventToolResult, ToolID: "t1", ToolSuccess: true})
	assert.Error(t, err)
}

func TestThinkingDeltaWithoutExplicitStart_AllocatesImplicitBlock(t *testing.T) {
	a := New("sess-1")
	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventThinkingDelta, ServerIndex: 9, Delta: "pondering"})
	require.NoError(t, err)
	var delta protocol.ThinkingDeltaFrame
	require.NoError(t, frames[0].Decode(&delta))
	assert.Equal(t, 0, delta.Index)

	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventThinkingFinal, ServerIndex: 9, FinalText: "done thinking"})
	require.NoError(t, err)
	var final protocol.ThinkingFinalFrame
	require.NoError(t, frames[0].Decode(&final))
	assert.Equal(t, 0, final.Index)
}

func TestPromptComplete_ResetsIndexingKeepsOrderMonotone(t *testing.T) {
	a := New("sess-1")
	_, err := a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 0, BlockType: "text"})
	require.NoError(t, err)

	frames, err := a.HandleEvent(runtime.Event{Kind: runtime.EventPromptComplete, Turn: 1})
	require.NoError(t, err)
	var complete protocol.PromptCompleteFrame
	require.NoError(t, frames[0].Decode(&complete))
	assert.Equal(t, 1, complete.Turn)

	frames, err = a.HandleEvent(runtime.Event{Kind: runtime.EventContentStart, ServerIndex: 0, BlockType: "text"})
	require.NoError(t, err)
	var start protocol.ContentStartFrame
	require.NoError(t, frames[0].Decode(&start))
	assert.Equal(t, 1, start.Order, "order_counter keeps climbing across prompt_complete")
}
