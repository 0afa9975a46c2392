// Package sessionindex implements the supplemented session index
// (SPEC_FULL.md's domain-stack wiring of jmoiron/sqlx and
// mattn/go-sqlite3): a secondary SQLite index over
// <state_root>/web-sessions/*/metadata.json, letting
// GET /api/sessions/history filter and sort without scanning every
// metadata.json on disk. Grounded on the teacher's
// internal/agent/settings/store/sqlite.go schema-creation and
// EnsureColumn/ColumnExists migration pattern.
package sessionindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	commonsqlite "github.com/streamgate/agentgw/internal/common/sqlite"
	"github.com/streamgate/agentgw/internal/eventbus"
	"github.com/streamgate/agentgw/internal/transcript"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	bundle TEXT NOT NULL,
	name TEXT,
	status TEXT NOT NULL,
	turn_count INTEGER NOT NULL DEFAULT 0,
	parent_session_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// Index is the secondary session index.
type Index struct {
	db *sqlx.DB
}

// Open creates (or opens) the index database at dbPath and ensures its
// schema is current.
func Open(dbPath string) (*Index, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate session index schema: %w", err)
	}
	if err := commonsqlite.EnsureColumn(db.DB, "sessions", "cwd", "TEXT"); err != nil {
		return nil, fmt.Errorf("migrate session index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// Upsert writes (or updates) one session's row from its transcript
// metadata.
func (i *Index) Upsert(meta transcript.Metadata) error {
	_, err := i.db.Exec(`
		INSERT INTO sessions (session_id, bundle, name, status, turn_count, parent_session_id, cwd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			bundle=excluded.bundle, name=excluded.name, status=excluded.status,
			turn_count=excluded.turn_count, parent_session_id=excluded.parent_session_id,
			cwd=excluded.cwd, updated_at=excluded.updated_at
	`, meta.SessionID, meta.Bundle, meta.Name, string(meta.Status), meta.TurnCount, meta.ParentID, meta.Cwd,
		meta.CreatedAt.Format(time.RFC3339Nano), meta.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert session index row: %w", err)
	}
	return nil
}

// Delete removes a session's row.
func (i *Index) Delete(sessionID string) error {
	_, err := i.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Row is one indexed session summary row.
type Row struct {
	SessionID       string `db:"session_id"`
	Bundle          string `db:"bundle"`
	Name            string `db:"name"`
	Status          string `db:"status"`
	TurnCount       int    `db:"turn_count"`
	ParentSessionID string `db:"parent_session_id"`
	Cwd             string `db:"cwd"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

// Query is a filter for History (spec.md §6.3's sessions/history query
// parameters: status filter, bundle filter, paging).
type Query struct {
	Status string
	Bundle string
	Limit  int
	Offset int
}

// History returns indexed sessions matching the query, most recently
// updated first.
func (i *Index) History(q Query) ([]Row, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT session_id, bundle, name, status, turn_count, parent_session_id, cwd, created_at, updated_at FROM sessions WHERE 1=1`
	args := []any{}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if q.Bundle != "" {
		query += ` AND bundle = ?`
		args = append(args, q.Bundle)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	var rows []Row
	if err := i.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("query session index: %w", err)
	}
	return rows, nil
}

// Subscribe wires idx to bus so every session lifecycle notification
// published by internal/session.Manager (session created, metadata
// updated, deleted) keeps the index current without the manager calling
// into sqlite directly. A single wildcard subscription covers every
// session.
func Subscribe(bus eventbus.Bus, idx *Index) (eventbus.Subscription, error) {
	return bus.Subscribe(eventbus.SessionWildcardSubject(), func(ctx context.Context, evt *eventbus.Event) error {
		switch evt.Type {
		case eventbus.EventSessionUpserted:
			var meta transcript.Metadata
			if err := json.Unmarshal(evt.Data, &meta); err != nil {
				return fmt.Errorf("decode session upserted event: %w", err)
			}
			return idx.Upsert(meta)
		case eventbus.EventSessionDeleted:
			var payload struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				return fmt.Errorf("decode session deleted event: %w", err)
			}
			return idx.Delete(payload.SessionID)
		default:
			return nil
		}
	})
}

// Rebuild repopulates the index from every metadata.json under the
// transcript store, discarding and recreating every row. Used on
// startup when the index holds no rows; an index that has rows is not
// compared against the on-disk session directories.
func Rebuild(idx *Index, store *transcript.Store) error {
	metas, err := store.List()
	if err != nil {
		return fmt.Errorf("list sessions for index rebuild: %w", err)
	}
	if _, err := idx.db.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear session index: %w", err)
	}
	for _, meta := range metas {
		if err := idx.Upsert(meta); err != nil {
			return err
		}
	}
	return nil
}
