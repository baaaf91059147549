package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			process_id INTEGER NOT NULL DEFAULT 0,
			log_path TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_conv_started ON agent_sessions (conversation_id, started_at DESC);`,
		// Backstop for the one-active-session-per-conversation invariant;
		// the queue still enforces it synchronously at submission.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_sessions_conv_active ON agent_sessions (conversation_id) WHERE status IN ('queued', 'running');`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetActive(ctx context.Context, conversationID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, owner_id, target, description, status, process_id,
		        log_path, result, reason, started_at, updated_at, ended_at
		   FROM agent_sessions
		  WHERE conversation_id=$1 AND status IN ('queued', 'running')
		  ORDER BY started_at DESC LIMIT 1`,
		strings.TrimSpace(conversationID),
	)
	sess, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, session Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (
			id, conversation_id, owner_id, target, description, status, process_id,
			log_path, result, reason, started_at, updated_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=EXCLUDED.conversation_id,
			owner_id=EXCLUDED.owner_id,
			target=EXCLUDED.target,
			description=EXCLUDED.description,
			status=EXCLUDED.status,
			process_id=EXCLUDED.process_id,
			log_path=EXCLUDED.log_path,
			result=EXCLUDED.result,
			reason=EXCLUDED.reason,
			started_at=EXCLUDED.started_at,
			updated_at=EXCLUDED.updated_at,
			ended_at=EXCLUDED.ended_at`,
		session.ID,
		session.ConversationID,
		session.OwnerID,
		session.Target,
		session.Description,
		string(session.Status),
		session.ProcessID,
		session.LogPath,
		session.Result,
		session.Reason,
		session.StartedAt,
		session.UpdatedAt,
		session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, sessionID string, patch Patch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status="+arg(string(*patch.Status)))
	}
	if patch.ProcessID != nil {
		sets = append(sets, "process_id="+arg(*patch.ProcessID))
	}
	if patch.LogPath != nil {
		sets = append(sets, "log_path="+arg(*patch.LogPath))
	}
	if patch.Result != nil {
		sets = append(sets, "result="+arg(*patch.Result))
	}
	if patch.Reason != nil {
		sets = append(sets, "reason="+arg(*patch.Reason))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at="+arg(*patch.EndedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at="+arg(time.Now().UTC()))

	query := "UPDATE agent_sessions SET " + strings.Join(sets, ", ") + " WHERE id=" + arg(sessionID)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, owner_id, target, description, status, process_id,
		        log_path, result, reason, started_at, updated_at, ended_at
		   FROM agent_sessions
		  WHERE conversation_id=$1
		  ORDER BY started_at DESC LIMIT $2`,
		strings.TrimSpace(conversationID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, owner_id, target, description, status, process_id,
		        log_path, result, reason, started_at, updated_at, ended_at
		   FROM agent_sessions
		  WHERE status IN ('queued', 'running')
		  ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	out := make([]Session, 0, 8)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess          Session
		status        string
		endedNullable *time.Time
	)
	if err := row.Scan(
		&sess.ID,
		&sess.ConversationID,
		&sess.OwnerID,
		&sess.Target,
		&sess.Description,
		&status,
		&sess.ProcessID,
		&sess.LogPath,
		&sess.Result,
		&sess.Reason,
		&sess.StartedAt,
		&sess.UpdatedAt,
		&endedNullable,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.EndedAt = endedNullable
	return sess, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
