package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dealinspect/deal-recorder/internal/apperr"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRecording  Status = "recording"
	StatusFinalizing Status = "finalizing"
	StatusFinalized  Status = "finalized"
	StatusFailed     Status = "failed"
)

// Session is one registry row.
type Session struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	ChunkCount  int       `json:"chunkCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
}

// SegmentResult is one per-deal output in a manifest. File is empty and
// Error populated when that segment's extraction failed.
type SegmentResult struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	File    string `json:"file,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Manifest is the finalized record of a session: the continuous session
// file plus the per-segment outputs. Written once, read-only afterward.
type Manifest struct {
	SessionID   string          `json:"sessionId"`
	SessionFile string          `json:"sessionFile"`
	DurationMs  int64           `json:"durationMs"`
	Segments    []SegmentResult `json:"segments"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Registry persists session state and manifests in SQLite.
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	chunk_count  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_chunks (
	session_id TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS manifests (
	session_id   TEXT PRIMARY KEY REFERENCES sessions(id),
	session_file TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest_segments (
	session_id TEXT NOT NULL REFERENCES manifests(session_id),
	idx        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	start_ms   INTEGER NOT NULL,
	end_ms     INTEGER NOT NULL,
	file       TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, idx)
);
`

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc's driver is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Touch records the arrival of the chunk at chunkIndex, creating the
// session row in the recording state on first contact. chunk_count is the
// number of distinct indices seen, so a retried upload at the same index
// does not inflate it.
func (r *Registry) Touch(sessionID string, chunkIndex int) error {
	now := time.Now().UnixMilli()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO sessions (id, status, chunk_count, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, StatusRecording, now, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO session_chunks (session_id, idx) VALUES (?, ?)
	`, sessionID, chunkIndex); err != nil {
		return fmt.Errorf("record chunk index: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions
		SET chunk_count = (SELECT COUNT(*) FROM session_chunks WHERE session_id = ?)
		WHERE id = ?
	`, sessionID, sessionID); err != nil {
		return fmt.Errorf("update chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Get returns the session row, or a NotFound error.
func (r *Registry) Get(sessionID string) (*Session, error) {
	row := r.db.QueryRow(`
		SELECT id, status, chunk_count, created_at, updated_at, error_kind, error_detail
		FROM sessions
		WHERE id = ?
	`, sessionID)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "unknown session %s", sessionID)
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

// List returns all sessions, most recently updated first.
func (r *Registry) List() ([]Session, error) {
	rows, err := r.db.Query(`
		SELECT id, status, chunk_count, created_at, updated_at, error_kind, error_detail
		FROM sessions
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountByStatus returns the number of sessions in the given state.
func (r *Registry) CountByStatus(status Status) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ClaimFinalize atomically moves the session into the finalizing state.
// Only a recording or previously failed session can be claimed; a session
// already finalizing yields Conflict, so finalize runs at most once
// concurrently per session.
func (r *Registry) ClaimFinalize(sessionID string) error {
	now := time.Now().UnixMilli()
	res, err := r.db.Exec(`
		UPDATE sessions
		SET status = ?, updated_at = ?, error_kind = '', error_detail = ''
		WHERE id = ? AND status IN (?, ?)
	`, StatusFinalizing, now, sessionID, StatusRecording, StatusFailed)
	if err != nil {
		return fmt.Errorf("claim finalize: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim finalize: %w", err)
	}
	if affected == 1 {
		return nil
	}

	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusFinalizing:
		return apperr.New(apperr.Conflict, "finalize already in flight for session %s", sessionID)
	case StatusFinalized:
		return apperr.New(apperr.Conflict, "session %s is already finalized", sessionID)
	default:
		return apperr.New(apperr.Conflict, "session %s cannot be finalized from state %s", sessionID, s.Status)
	}
}

// MarkFinalized stores the manifest and moves the session to finalized in
// one transaction.
func (r *Registry) MarkFinalized(m *Manifest) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	res, err := tx.Exec(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, StatusFinalized, now.UnixMilli(), m.SessionID, StatusFinalizing)
	if err != nil {
		return fmt.Errorf("mark finalized: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark finalized: %w", err)
	} else if affected != 1 {
		return apperr.New(apperr.Conflict, "session %s is not in the finalizing state", m.SessionID)
	}

	if _, err := tx.Exec(`
		INSERT INTO manifests (session_id, session_file, duration_ms, created_at)
		VALUES (?, ?, ?, ?)
	`, m.SessionID, m.SessionFile, m.DurationMs, now.UnixMilli()); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}

	for _, seg := range m.Segments {
		if _, err := tx.Exec(`
			INSERT INTO manifest_segments (session_id, idx, name, start_ms, end_ms, file, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.SessionID, seg.Index, seg.Name, seg.StartMs, seg.EndMs, seg.File, seg.Error); err != nil {
			return fmt.Errorf("insert manifest segment %d: %w", seg.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}

	m.CreatedAt = now
	return nil
}

// MarkFailed records a fatal finalize failure and releases the claim so the
// caller can retry. Chunk storage is left untouched.
func (r *Registry) MarkFailed(sessionID string, kind apperr.Kind, detail string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		UPDATE sessions
		SET status = ?, updated_at = ?, error_kind = ?, error_detail = ?
		WHERE id = ?
	`, StatusFailed, now, string(kind), detail, sessionID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// GetManifest loads the stored manifest for a finalized session.
func (r *Registry) GetManifest(sessionID string) (*Manifest, error) {
	row := r.db.QueryRow(`
		SELECT session_id, session_file, duration_ms, created_at
		FROM manifests
		WHERE session_id = ?
	`, sessionID)

	var m Manifest
	var createdAt int64
	if err := row.Scan(&m.SessionID, &m.SessionFile, &m.DurationMs, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "no manifest for session %s", sessionID)
		}
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt)

	rows, err := r.db.Query(`
		SELECT idx, name, start_ms, end_ms, file, error
		FROM manifest_segments
		WHERE session_id = ?
		ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query manifest segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg SegmentResult
		if err := rows.Scan(&seg.Index, &seg.Name, &seg.StartMs, &seg.EndMs, &seg.File, &seg.Error); err != nil {
			return nil, fmt.Errorf("scan manifest segment: %w", err)
		}
		m.Segments = append(m.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var createdAt, updatedAt int64
	if err := row.Scan(&s.ID, &s.Status, &s.ChunkCount, &createdAt, &updatedAt,
		&s.ErrorKind, &s.ErrorDetail); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}
