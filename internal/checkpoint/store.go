// Package checkpoint implements the session/checkpoint store: sessions are
// a tree of checkpoints, and resuming means picking a leaf and forking from
// it. Two implementations share one interface — a local embedded store
// backed by modernc.org/sqlite, and a remote HTTP adapter — differing only
// in how they map transport failures onto the store's error kinds.
//
// The tree/depth semantics here generalize the branch-tree logic in
// internal/sessions/branch_cockroach.go (parent_branch_id, recursive depth
// computation, divergent non-merging forks) from that package's
// channel-session branches to the spec's simpler checkpoint model: a
// checkpoint's depth is computed once at creation time (parent.depth + 1)
// rather than re-derived with a recursive query on every read.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrorKind classifies a store failure the way callers need to branch on it.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInvalid      ErrorKind = "invalid_request"
	KindInternal     ErrorKind = "internal"
)

// StoreError wraps a failure with its kind so callers can type-switch
// without parsing a message string.
type StoreError struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *StoreError) Unwrap() error { return e.Cause }

func (k ErrorKind) String() string { return string(k) }

func newErr(kind ErrorKind, msg string, cause error) *StoreError {
	return &StoreError{Kind: kind, Msg: msg, Cause: cause}
}

// IsNotFound reports whether err is (or wraps) a KindNotFound StoreError.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

func hasKind(err error, kind ErrorKind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Visibility is a session's sharing scope.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// SessionStatus is a session's lifecycle state.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionDeleted SessionStatus = "deleted"
)

// Session is the top-level conversation entity: a tree of checkpoints
// rooted at its first checkpoint, with one checkpoint marked active.
type Session struct {
	ID                string
	Title             string
	Visibility        Visibility
	Status            SessionStatus
	CWD               string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ActiveCheckpointID string
}

// CheckpointStatus is a checkpoint's lifecycle state.
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointComplete  CheckpointStatus = "complete"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// Checkpoint is one node in a session's tree. State is append-only relative
// to the parent's state: a child checkpoint's message list is always at
// least as long as its parent's, with the parent's messages as a prefix.
type Checkpoint struct {
	ID         string
	ParentID   string // empty for a root checkpoint
	SessionID  string
	Depth      int
	Status     CheckpointStatus
	State      State
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// State is a checkpoint's persisted payload: the ordered message list plus
// opaque per-node state the turn loop attaches (e.g. compaction bookkeeping,
// provider-specific continuation metadata).
type State struct {
	Messages   []json.RawMessage `json:"messages"`
	NodeStates json.RawMessage   `json:"node_states,omitempty"`
}

// NewSessionInput seeds create_session with the initial root checkpoint's
// state.
type NewSessionInput struct {
	Title        string
	Visibility   Visibility
	CWD          string
	InitialState State
}

// NewCheckpointInput seeds create_checkpoint.
type NewCheckpointInput struct {
	ParentID string
	State    State
	Status   CheckpointStatus
}

// SessionQuery filters list_sessions.
type SessionQuery struct {
	Status Visibility
	Limit  int
	Offset int
}

// Store is the session/checkpoint persistence contract. Implementations
// must guarantee: (1) a new checkpoint's Depth = parent.Depth + 1, (2)
// checkpoint IDs are globally unique, (3) concurrent CreateCheckpoint calls
// under the same parent both succeed and produce divergent branches (no
// merge, no last-write-wins).
type Store interface {
	ListSessions(ctx context.Context, query SessionQuery) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	CreateSession(ctx context.Context, in NewSessionInput) (sessionID string, root Checkpoint, err error)
	UpdateSession(ctx context.Context, id string, title *string, visibility *Visibility) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	CreateCheckpoint(ctx context.Context, sessionID string, in NewCheckpointInput) (Checkpoint, error)
}
