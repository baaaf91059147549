package sessions

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("session not found")

// Store is the persistence contract consumed by the task core. The
// single-active-session invariant is enforced by the caller at submission
// time; the store only has to report active sessions truthfully.
type Store interface {
	// GetActive returns the session in a non-terminal status for the
	// conversation, or ErrNotFound.
	GetActive(ctx context.Context, conversationID string) (Session, error)
	Save(ctx context.Context, session Session) error
	// Update applies a merge patch to an existing session. Idempotent.
	Update(ctx context.Context, sessionID string, patch Patch) error
	// History returns sessions for the conversation, most recent first,
	// across all statuses.
	History(ctx context.Context, conversationID string, limit int) ([]Session, error)
	// ListActive returns every non-terminal session, used to reconcile
	// state against live processes after a restart.
	ListActive(ctx context.Context) ([]Session, error)
	Close() error
}

// NewStore picks the engine from the database URL: Postgres when set, the
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
