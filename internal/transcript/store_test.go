package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestOpen_SeedsFreshMetadataOnFirstUse(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
	assert.Equal(t, StatusActive, list[0].Status)
}

func TestOpen_IsIdempotentAndReloadsPersistedMetadata(t *testing.T) {
	root := t.TempDir()
	s := New(root, testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))
	require.NoError(t, s.Rename("sess-1", "my session"))

	s2 := New(root, testLogger(t))
	require.NoError(t, s2.Open("sess-1", Metadata{Bundle: "default"}))

	entries, err := s2.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "my session", entries[0].Name)
}

func TestAppendAndLoadTranscript_RoundTrips(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))

	require.NoError(t, s.Append("sess-1", protocol.TranscriptEntry{Role: "user", Content: "hello"}))
	require.NoError(t, s.Append("sess-1", protocol.TranscriptEntry{Role: "assistant", Content: "hi there"}))

	entries, err := s.LoadTranscript("sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "hi there", entries[1].Content)
}

func TestAppend_UnknownSessionErrors(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	err := s.Append("missing", protocol.TranscriptEntry{Role: "user", Content: "x"})
	assert.Error(t, err)
}

func TestSnapshotMetadata_UpdatesTurnCountAndStatus(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))

	require.NoError(t, s.SnapshotMetadata("sess-1", func(m *Metadata) {
		m.TurnCount++
		m.Status = StatusIdle
	}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].TurnCount)
	assert.Equal(t, StatusIdle, list[0].Status)
}

func TestDelete_RemovesSessionDirectory(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))
	require.NoError(t, s.Delete("sess-1"))

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLoadTranscript_OpensFromDiskWhenNotLive(t *testing.T) {
	root := t.TempDir()
	s := New(root, testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))
	require.NoError(t, s.Append("sess-1", protocol.TranscriptEntry{Role: "user", Content: "hello"}))

	// A fresh Store simulates a gateway restart: sess-1 is on disk but
	// was never Open()'d against this instance.
	restarted := New(root, testLogger(t))
	entries, err := restarted.LoadTranscript("sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Content)
}

func TestRename_WorksWithoutPriorOpen(t *testing.T) {
	root := t.TempDir()
	s := New(root, testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))

	restarted := New(root, testLogger(t))
	require.NoError(t, restarted.Rename("sess-1", "renamed after restart"))

	list, err := restarted.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed after restart", list[0].Name)
}

func TestMetadata_UnknownSessionErrors(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	_, err := s.Metadata("missing")
	assert.Error(t, err)
}

func TestLoad_DiscardsPartialTrailingLine(t *testing.T) {
	s := New(t.TempDir(), testLogger(t))
	require.NoError(t, s.Open("sess-1", Metadata{Bundle: "default"}))
	require.NoError(t, s.Append("sess-1", protocol.TranscriptEntry{Role: "user", Content: "complete"}))

	dir := s.Dir("sess-1")
	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"role":"user","content":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", entries[0].Content)
}
