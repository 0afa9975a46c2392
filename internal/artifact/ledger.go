// Package artifact implements component B (spec.md §4.B): a diff ledger
// derived by observing tool_call/tool_result events for file-mutating
// tools. Modeled on the teacher's per-task message buffer
// (internal/orchestrator/acp/handler.go's messageBuffer + listener
// pattern), generalized from a fixed-size ring of raw messages to an
// unbounded per-session append log of structured entries, and adapted
// to compute unified diffs with go-difflib instead of merely recording
// raw progress text.
package artifact

import (
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/streamgate/agentgw/internal/common/logger"
)

// Operation enumerates the kinds of file mutation a tool call can cause.
type Operation string

const (
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpBash   Operation = "bash"
)

// Entry is one artifact ledger record (spec.md §3).
type Entry struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Path          string    `json:"path"`
	Operation     Operation `json:"operation"`
	ContentBefore *string   `json:"content_before,omitempty"`
	ContentAfter  *string   `json:"content_after,omitempty"`
	Diff          *string   `json:"diff,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// maxDiffBytes bounds the size of textual snapshots the ledger will
// attempt to diff; larger snapshots are recorded path/operation-only
// (spec.md §4.B: "under a configurable size bound").
const maxDiffBytes = 2 * 1024 * 1024

// fileMutatingTools names the tools the ledger watches for: the
// write/edit/patch/shell surface named in spec.md §4.B. The set is fixed;
// there is no way to extend it at run time.
var fileMutatingTools = map[string]Operation{
	"write_file": OpCreate,
	"edit_file":  OpEdit,
	"patch_file": OpEdit,
	"delete_file": OpDelete,
	"bash":       OpBash,
	"shell":      OpBash,
}

// Ledger holds per-session artifact entries in memory. Like the approval
// broker's pending table, it is single-writer per session (driven by
// that session's runtime task); readers (REST handlers) take a copy
// under the read lock.
type Ledger struct {
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string][]Entry // sessionID -> entries, insertion order
	nextID  int64
}

// New creates an empty Ledger.
func New(log *logger.Logger) *Ledger {
	return &Ledger{
		logger:  log,
		entries: make(map[string][]Entry),
	}
}

// IsFileMutating reports whether toolName is one this ledger watches,
// and the operation it implies.
func IsFileMutating(toolName string) (Operation, bool) {
	op, ok := fileMutatingTools[toolName]
	return op, ok
}

// Record appends an entry for a completed (complete, not error) tool
// call naming a file-mutating tool. Diffing failures degrade to an
// operation-only record rather than being fatal (spec.md §4.B).
func (l *Ledger) Record(sessionID, path string, op Operation, before, after *string) Entry {
	entry := Entry{
		SessionID: sessionID,
		Path:      path,
		Operation: op,
		Timestamp: time.Now().UTC(),
	}

	if before != nil {
		entry.ContentBefore = before
	}
	if after != nil {
		entry.ContentAfter = after
	}

	if diff := l.computeDiff(before, after); diff != "" {
		entry.Diff = &diff
	}

	l.mu.Lock()
	l.nextID++
	entry.ID = l.nextID
	l.entries[sessionID] = append(l.entries[sessionID], entry)
	l.mu.Unlock()

	return entry
}

func (l *Ledger) computeDiff(before, after *string) string {
	if before == nil || after == nil {
		return ""
	}
	if len(*before) > maxDiffBytes || len(*after) > maxDiffBytes {
		l.logger.Warn("artifact snapshot exceeds diff size bound, recording operation only")
		return ""
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(*before),
		B:        difflib.SplitLines(*after),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		l.logger.Warn("unified diff computation failed, recording operation only")
		return ""
	}
	return strings.TrimRight(text, "\n")
}

// List returns a session's artifact entries in insertion order.
func (l *Ledger) List(sessionID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.entries[sessionID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Clear drops a session's entries, e.g. on session delete.
func (l *Ledger) Clear(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, sessionID)
}
