package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const turnColumns = `id, user_id, session_id, request_id, role, content, used_fallback, pii_redacted, created_at`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcript_turns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		used_fallback BOOLEAN NOT NULL DEFAULT FALSE,
		pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_turns_user_created ON transcript_turns (user_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_turns_session_created ON transcript_turns (session_id, created_at);`,
}

// PostgresStore keeps transcript turns in the transcript_turns table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init transcript schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record.fillDefaults()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_turns (`+turnColumns+`)
		 VALUES (@id, @user_id, @session_id, @request_id, @role, @content, @used_fallback, @pii_redacted, @created_at)`,
		pgx.NamedArgs{
			"id":            record.ID,
			"user_id":       record.UserID,
			"session_id":    record.SessionID,
			"request_id":    record.RequestID,
			"role":          record.Role,
			"content":       record.Content,
			"used_fallback": record.UsedFallback,
			"pii_redacted":  record.PIIRedacted,
			"created_at":    record.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", record.RequestID, err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	// Newest rows are picked first, then returned oldest first.
	return s.query(ctx,
		`SELECT `+turnColumns+` FROM (
			SELECT `+turnColumns+` FROM transcript_turns
			WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`,
		userID, limit,
	)
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	return s.query(ctx,
		`SELECT `+turnColumns+` FROM transcript_turns WHERE session_id=$1 ORDER BY created_at ASC`,
		sessionID,
	)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]TurnRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, pgx.RowToStructByName[TurnRecord])
	if err != nil {
		return nil, fmt.Errorf("collect turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
