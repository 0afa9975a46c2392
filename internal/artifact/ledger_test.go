package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/agentgw/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestIsFileMutating_KnownAndUnknownTools(t *testing.T) {
	op, ok := IsFileMutating("write_file")
	require.True(t, ok)
	assert.Equal(t, OpCreate, op)

	_, ok = IsFileMutating("read_file")
	assert.False(t, ok)
}

func TestRecord_ComputesUnifiedDiffForTextChanges(t *testing.T) {
	l := New(testLogger(t))
	before := "line one\nline two\n"
	after := "line one\nline two changed\n"

	entry := l.Record("sess-1", "/tmp/a.txt", OpEdit, &before, &after)
	require.NotNil(t, entry.Diff)
	assert.True(t, strings.Contains(*entry.Diff, "line two changed"))
	assert.Equal(t, int64(1), entry.ID)
}

func TestRecord_NoDiffWhenBeforeOrAfterMissing(t *testing.T) {
	l := New(testLogger(t))
	after := "new file contents\n"

	entry := l.Record("sess-1", "/tmp/new.txt", OpCreate, nil, &after)
	assert.Nil(t, entry.Diff)
	assert.Equal(t, after, *entry.ContentAfter)
}

func TestRecord_OverSizeBoundSkipsDiffButKeepsEntry(t *testing.T) {
	l := New(testLogger(t))
	huge := strings.Repeat("x", maxDiffBytes+1)
	small := "y"

	entry := l.Record("sess-1", "/tmp/big.txt", OpEdit, &huge, &small)
	assert.Nil(t, entry.Diff)
}

func TestList_ReturnsInsertionOrderCopy(t *testing.T) {
	l := New(testLogger(t))
	l.Record("sess-1", "/tmp/a.txt", OpCreate, nil, nil)
	l.Record("sess-1", "/tmp/b.txt", OpEdit, nil, nil)
	l.Record("sess-2", "/tmp/c.txt", OpCreate, nil, nil)

	entries := l.List("sess-1")
	require.Len(t, entries, 2)
	assert.Equal(t, "/tmp/a.txt", entries[0].Path)
	assert.Equal(t, "/tmp/b.txt", entries[1].Path)

	entries[0].Path = "mutated"
	assert.Equal(t, "/tmp/a.txt", l.List("sess-1")[0].Path)
}

func TestClear_RemovesSessionEntries(t *testing.T) {
	l := New(testLogger(t))
	l.Record("sess-1", "/tmp/a.txt", OpCreate, nil, nil)
	l.Clear("sess-1")
	assert.Empty(t, l.List("sess-1"))
}
