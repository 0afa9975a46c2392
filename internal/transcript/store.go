// Package transcript implements component A (spec.md §4.A): an
// append-only per-session event log plus a metadata document, laid out
// per §6.4 under <state_root>/web-sessions/<id>/.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamgate/agentgw/internal/apperrors"
	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/protocol"
)

const (
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.jsonl"
)

// Status mirrors the session record's status field (spec.md §3).
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusEnded   Status = "ended"
	StatusErrored Status = "errored"
)

// Metadata is the persisted metadata.json document (spec.md §6.4).
type Metadata struct {
	SessionID string    `json:"session_id"`
	Bundle    string    `json:"bundle"`
	Behaviors []string  `json:"behaviors"`
	Name      string    `json:"name,omitempty"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
	Cwd       string    `json:"cwd,omitempty"`
	ParentID  string    `json:"parent_session_id,omitempty"`
}

// session is one open transcript directory; writes are serialized per
// session so append() + snapshot_metadata() never interleave.
type session struct {
	mu   sync.Mutex
	dir  string
	meta Metadata
}

// Store is the transcript store. One Store instance owns the entire
// <state_root>/web-sessions/ tree for the process.
type Store struct {
	root   string
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Store rooted at stateRoot/web-sessions.
func New(stateRoot string, log *logger.Logger) *Store {
	return &Store{
		root:     filepath.Join(stateRoot, "web-sessions"),
		logger:   log.WithFields(zap.String("component", "transcript_store")),
		sessions: make(map[string]*session),
	}
}

// Open creates the session directory on first use and loads existing
// metadata if present, otherwise seeds fresh metadata.
func (s *Store) Open(sessionID string, seed Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return nil
	}

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	sess := &session{dir: dir}
	metaPath := filepath.Join(dir, metadataFile)
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err == nil {
			sess.meta = meta
			s.sessions[sessionID] = sess
			return nil
		}
	}

	now := time.Now().UTC()
	seed.SessionID = sessionID
	seed.CreatedAt = now
	seed.UpdatedAt = now
	if seed.Status == "" {
		seed.Status = StatusActive
	}
	sess.meta = seed
	s.sessions[sessionID] = sess
	return sess.writeMetadata()
}

func (sess *session) writeMetadata() error {
	data, err := json.MarshalIndent(sess.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp := filepath.Join(sess.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(sess.dir, metadataFile))
}

// get returns a session's in-memory handle, lazily re-opening it from
// disk if it is not currently live. A gateway restart only repopulates
// the sqlite session index (rebuilt from disk), not this in-memory map,
// so transcript/rename/append access for a persisted-but-not-live
// session (history browsing, resume) must not require it to have been
// Open()'d first.
func (s *Store) get(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return s.openFromDisk(sessionID)
}

// openFromDisk registers a persisted session found on disk as live,
// without reseeding metadata the way Open does for a brand-new session.
func (s *Store) openFromDisk(sessionID string) (*session, error) {
	dir := filepath.Join(s.root, sessionID)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.SessionNotFound(sessionID)
		}
		return nil, fmt.Errorf("read metadata for %q: %w", sessionID, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata for %q: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil // lost a race with a concurrent Open/openFromDisk
	}
	sess := &session{dir: dir, meta: meta}
	s.sessions[sessionID] = sess
	return sess, nil
}

// Metadata returns a copy of a session's current metadata, opening it
// from disk on demand if it is not currently live.
func (s *Store) Metadata(sessionID string) (Metadata, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.meta, nil
}

// Append writes one transcript entry and fsyncs the file before
// returning; an fsync failure is logged, not returned.
// Writes mid-stream may be lost on crash; the file remains parseable
// because a partial trailing line is discarded on load (see Load).
func (s *Store) Append(sessionID string, entry protocol.TranscriptEntry) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(sess.dir, transcriptFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		s.logger.Warn("transcript fsync failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// SnapshotMetadata merges the provided fields into the session's
// metadata and persists it.
func (s *Store) SnapshotMetadata(sessionID string, mutate func(*Metadata)) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	mutate(&sess.meta)
	sess.meta.UpdatedAt = time.Now().UTC()
	return sess.writeMetadata()
}

// Load reads every transcript entry for a session in file order. A
// partial trailing line (crash mid-write) is discarded rather than
// treated as an error, per spec.md §4.A.
func Load(dir string) ([]protocol.TranscriptEntry, error) {
	f, err := os.Open(filepath.Join(dir, transcriptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []protocol.TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry protocol.TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Partial trailing line from a mid-stream crash: stop here
			// rather than erroring the whole load.
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadTranscript loads a session's entries, opening it from disk on
// demand if it is not currently live.
func (s *Store) LoadTranscript(sessionID string) ([]protocol.TranscriptEntry, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return Load(sess.dir)
}

// List returns metadata summaries for every session directory under
// root, including ones not currently open in memory.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var result []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), metadataFile))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		result = append(result, meta)
	}
	return result, nil
}

// Delete removes a session's directory entirely. Callers must ensure the
// session is not active (spec.md §4.E).
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// Rename sets the session's human-friendly name.
func (s *Store) Rename(sessionID, name string) error {
	return s.SnapshotMetadata(sessionID, func(m *Metadata) {
		m.Name = name
	})
}

// Dir returns a session's on-disk directory, for callers (e.g. tests)
// that need to read its files directly.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}
