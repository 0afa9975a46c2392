package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/agentgw/internal/protocol"
)

func deltaEnvelope(t *testing.T, sessionID string, index int, delta string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeContentDelta, protocol.ContentDeltaFrame{Index: index, Delta: delta})
	require.NoError(t, err)
	env.SessionID = sessionID
	return env
}

func TestOutboundQueue_PassesThroughUnderDepth(t *testing.T) {
	q := newOutboundQueue(4, 8)
	for i := 0; i < 3; i++ {
		over := q.push(deltaEnvelope(t, "s1", 0, "x"))
		assert.False(t, over)
	}
	assert.Equal(t, 3, q.len())
}

func TestOutboundQueue_CoalescesContentDeltaAtDepth(t *testing.T) {
	q := newOutboundQueue(2, 8)
	q.push(deltaEnvelope(t, "s1", 0, "a"))
	q.push(deltaEnvelope(t, "s1", 0, "b"))
	// queue is now at depth; the next same-block delta should coalesce
	// instead of growing the queue.
	q.push(deltaEnvelope(t, "s1", 0, "c"))
	assert.Equal(t, 2, q.len())

	env, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, protocol.TypeContentDelta, env.Type)

	last, ok := q.pop()
	require.True(t, ok)
	var frame protocol.ContentDeltaFrame
	require.NoError(t, last.Decode(&frame))
	assert.Equal(t, "bc", frame.Delta, "coalesced delta merges text onto the most recent queued frame for the same block")
}

func TestOutboundQueue_DoesNotCoalesceDifferentBlocks(t *testing.T) {
	q := newOutboundQueue(1, 8)
	q.push(deltaEnvelope(t, "s1", 0, "a"))
	q.push(deltaEnvelope(t, "s1", 1, "b")) // different block index, must not merge
	assert.Equal(t, 2, q.len())
}

func TestOutboundQueue_NonDeltaFramesAlwaysPreserved(t *testing.T) {
	q := newOutboundQueue(1, 8)
	q.push(deltaEnvelope(t, "s1", 0, "a"))

	toolEnv, err := protocol.NewEnvelope(protocol.TypeToolCall, protocol.ToolCallFrame{ID: "t1"})
	require.NoError(t, err)
	toolEnv.SessionID = "s1"
	over := q.push(toolEnv)
	assert.False(t, over)
	assert.Equal(t, 2, q.len(), "non-delta frame types are never coalesced or dropped")
}

func TestOutboundQueue_ReportsOverHardCap(t *testing.T) {
	q := newOutboundQueue(1, 2)
	q.push(deltaEnvelope(t, "s1", 0, "a"))
	q.push(deltaEnvelope(t, "s1", 1, "b"))
	over := q.push(deltaEnvelope(t, "s1", 2, "c"))
	assert.True(t, over, "distinct block indices cannot coalesce, so the queue must exceed the hard cap")
}
