package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the local embedded Store backend: a durable, file-backed
// key-value store built on modernc.org/sqlite (pure Go, no cgo — the same
// driver the teacher repo carries alongside mattn/go-sqlite3).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLiteStore at path. Use
// ":memory:" for an ephemeral store, e.g. in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// The checkpoint tree is written by a single process; avoid SQLITE_BUSY
	// under concurrent goroutine writers instead of fanning out connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	visibility TEXT NOT NULL,
	status TEXT NOT NULL,
	cwd TEXT NOT NULL DEFAULT '',
	active_checkpoint_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
`)
	if err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, query SessionQuery) ([]Session, error) {
	sqlQuery := `SELECT id, title, visibility, status, cwd, active_checkpoint_id, created_at, updated_at FROM sessions WHERE status != 'deleted'`
	args := []any{}
	if query.Status != "" {
		sqlQuery += ` AND visibility = ?`
		args = append(args, string(query.Status))
	}
	sqlQuery += ` ORDER BY updated_at DESC`
	if query.Limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, query.Limit)
		if query.Offset > 0 {
			sqlQuery += ` OFFSET ?`
			args = append(args, query.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, newErr(KindInternal, "list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, newErr(KindInternal, "scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	if err := r.Scan(&sess.ID, &sess.Title, &sess.Visibility, &sess.Status, &sess.CWD, &sess.ActiveCheckpointID, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, visibility, status, cwd, active_checkpoint_id, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, newErr(KindNotFound, "session "+id, nil)
	}
	if err != nil {
		return Session{}, newErr(KindInternal, "get session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, in NewSessionInput) (string, Checkpoint, error) {
	sessionID := uuid.NewString()
	rootID := uuid.NewString()
	now := time.Now().UTC()

	stateJSON, err := json.Marshal(in.InitialState)
	if err != nil {
		return "", Checkpoint{}, newErr(KindInvalid, "marshal initial state", err)
	}

	visibility := in.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", Checkpoint{}, newErr(KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, parent_id, depth, status, state, created_at, updated_at) VALUES (?, ?, '', 0, ?, ?, ?, ?)`,
		rootID, sessionID, string(CheckpointComplete), stateJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return "", Checkpoint{}, newErr(KindInternal, "insert root checkpoint", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, visibility, status, cwd, active_checkpoint_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, in.Title, string(visibility), string(SessionActive), in.CWD, rootID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return "", Checkpoint{}, newErr(KindInternal, "insert session", err)
	}

	if err := tx.Commit(); err != nil {
		return "", Checkpoint{}, newErr(KindInternal, "commit", err)
	}

	return sessionID, Checkpoint{
		ID: rootID, SessionID: sessionID, Depth: 0, Status: CheckpointComplete,
		State: in.InitialState, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, title *string, visibility *Visibility) (Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if title != nil {
		sess.Title = *title
	}
	if visibility != nil {
		sess.Visibility = *visibility
	}
	sess.UpdatedAt = time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, visibility = ?, updated_at = ? WHERE id = ?`,
		sess.Title, string(sess.Visibility), sess.UpdatedAt.Format(time.RFC3339Nano), id); err != nil {
		return Session{}, newErr(KindInternal, "update session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(SessionDeleted), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return newErr(KindInternal, "delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newErr(KindNotFound, "session "+id, nil)
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, parent_id, depth, status, state, created_at, updated_at FROM checkpoints WHERE session_id = ? ORDER BY depth ASC, created_at ASC`,
		sessionID)
	if err != nil {
		return nil, newErr(KindInternal, "list checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, newErr(KindInternal, "scan checkpoint", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(r rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var stateJSON, createdAt, updatedAt string
	if err := r.Scan(&cp.ID, &cp.SessionID, &cp.ParentID, &cp.Depth, &cp.Status, &stateJSON, &createdAt, &updatedAt); err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return Checkpoint{}, err
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cp, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, parent_id, depth, status, state, created_at, updated_at FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, newErr(KindNotFound, "checkpoint "+id, nil)
	}
	if err != nil {
		return Checkpoint{}, newErr(KindInternal, "get checkpoint", err)
	}
	return cp, nil
}

// CreateCheckpoint inserts a new leaf under in.ParentID. SQLite's default
// isolation (each connection serialized through db.SetMaxOpenConns(1))
// means two concurrent calls under the same parent still both commit: they
// simply queue, and each computes its depth from the same immutable parent
// row, producing two distinct children with no merge — exactly the
// divergent-branch invariant the store must uphold.
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, sessionID string, in NewCheckpointInput) (Checkpoint, error) {
	parent, err := s.GetCheckpoint(ctx, in.ParentID)
	if err != nil {
		return Checkpoint{}, err
	}
	if parent.SessionID != sessionID {
		return Checkpoint{}, newErr(KindInvalid, "parent checkpoint belongs to a different session", nil)
	}

	status := in.Status
	if status == "" {
		status = CheckpointRunning
	}

	stateJSON, err := json.Marshal(in.State)
	if err != nil {
		return Checkpoint{}, newErr(KindInvalid, "marshal state", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	depth := parent.Depth + 1

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, parent_id, depth, status, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, in.ParentID, depth, string(status), stateJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return Checkpoint{}, newErr(KindInternal, "insert checkpoint", err)
	}

	if status == CheckpointComplete {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET active_checkpoint_id = ?, updated_at = ? WHERE id = ?`,
			id, now.Format(time.RFC3339Nano), sessionID); err != nil {
			return Checkpoint{}, newErr(KindInternal, "update active checkpoint", err)
		}
	}

	return Checkpoint{
		ID: id, ParentID: in.ParentID, SessionID: sessionID, Depth: depth,
		Status: status, State: in.State, CreatedAt: now, UpdatedAt: now,
	}, nil
}

var _ Store = (*SQLiteStore)(nil)
