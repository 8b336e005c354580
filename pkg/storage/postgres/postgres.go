// Package postgres provides a PostgreSQL implementation of transport.ChatStore.
// It uses pgx/v5 for connection pooling and JSONB for trace and metrics storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/storage"
	"github.com/parley-chat/parley/pkg/transport"
)

// Store is a PostgreSQL-backed ChatStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements transport.ChatStore at compile time.
var _ transport.ChatStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// IsFirstMessage reports whether the session has no messages for this user.
func (s *Store) IsFirstMessage(ctx context.Context, sessionID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_messages WHERE session_id = $1 AND user_id = $2)`,
		sessionID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking first message: %w", err)
	}
	return !exists, nil
}

// LoadHistory returns the session's messages ordered oldest first.
// An unknown session yields an empty history.
func (s *Store) LoadHistory(ctx context.Context, sessionID, userID string) ([]api.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, session_id, user_id, role, content, created_at,
		        rating, trace, metrics, is_first_message
		   FROM chat_messages
		  WHERE session_id = $1 AND user_id = $2
		  ORDER BY seq`,
		sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var messages []api.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PersistMessage appends a message to its session, creating the session
// row on first write.
func (s *Store) PersistMessage(ctx context.Context, msg api.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_sessions (session_id, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO NOTHING`,
		msg.SessionID, msg.UserID, msg.Timestamp,
	); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	metricsJSON, traceJSON, err := marshalPayloads(msg)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages
		   (message_id, session_id, user_id, role, content, created_at,
		    rating, trace, metrics, is_first_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.MessageID, msg.SessionID, msg.UserID, string(msg.Role), msg.Content,
		msg.Timestamp, nullableRating(msg.Rating), traceJSON, metricsJSON,
		msg.IsFirstMessage,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	return tx.Commit(ctx)
}

// ReplaceMessage overwrites the message with the same MessageID in place.
// The seq column is untouched, so the message keeps its position.
func (s *Store) ReplaceMessage(ctx context.Context, msg api.Message) error {
	metricsJSON, traceJSON, err := marshalPayloads(msg)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_messages
		    SET content = $1, created_at = $2, rating = $3, trace = $4, metrics = $5
		  WHERE message_id = $6 AND user_id = $7`,
		msg.Content, msg.Timestamp, nullableRating(msg.Rating), traceJSON,
		metricsJSON, msg.MessageID, msg.UserID,
	)
	if err != nil {
		return fmt.Errorf("replacing message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateRating sets the rating on a message owned by userID. Last write wins.
func (s *Store) UpdateRating(ctx context.Context, messageID, userID string, rating api.Rating) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_messages SET rating = $1 WHERE message_id = $2 AND user_id = $3`,
		nullableRating(rating), messageID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("updating rating: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSessions returns summaries of the user's sessions, most recently
// created first. Titles come from each session's first user message.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]api.SessionSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.session_id, s.created_at,
		        COALESCE((SELECT m.content FROM chat_messages m
		                   WHERE m.session_id = s.session_id AND m.role = 'user'
		                   ORDER BY m.seq LIMIT 1), ''),
		        (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.session_id)
		   FROM chat_sessions s
		  WHERE s.user_id = $1
		  ORDER BY s.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []api.SessionSummary
	for rows.Next() {
		var summary api.SessionSummary
		var title string
		var count int64
		if err := rows.Scan(&summary.SessionID, &summary.CreatedAt, &title, &count); err != nil {
			return nil, fmt.Errorf("scanning session summary: %w", err)
		}
		summary.Title = storage.TruncateTitle(title)
		summary.MessageCount = int(count)
		sessions = append(sessions, summary)
	}
	return sessions, rows.Err()
}

// GetSession returns a session with its full message list.
func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*api.ChatSession, error) {
	sess := &api.ChatSession{SessionID: sessionID, UserID: userID}

	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM chat_sessions WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	).Scan(&sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	sess.Messages, err = s.LoadHistory(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// HealthCheck verifies the database connection is functional.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scanMessage reads one chat_messages row into an api.Message.
func scanMessage(row pgx.Row) (api.Message, error) {
	var msg api.Message
	var role string
	var rating *string
	var traceJSON, metricsJSON []byte

	err := row.Scan(&msg.MessageID, &msg.SessionID, &msg.UserID, &role,
		&msg.Content, &msg.Timestamp, &rating, &traceJSON, &metricsJSON,
		&msg.IsFirstMessage)
	if err != nil {
		return msg, fmt.Errorf("scanning message: %w", err)
	}

	msg.Role = api.Role(role)
	if rating != nil {
		msg.Rating = api.Rating(*rating)
	}
	if len(traceJSON) > 0 {
		msg.Trace = json.RawMessage(traceJSON)
	}
	if len(metricsJSON) > 0 {
		var metrics api.TurnMetrics
		if err := json.Unmarshal(metricsJSON, &metrics); err != nil {
			return msg, fmt.Errorf("unmarshaling metrics: %w", err)
		}
		msg.Metrics = &metrics
	}
	return msg, nil
}

// marshalPayloads serializes the JSONB columns of a message. Nil slices
// become SQL NULLs.
func marshalPayloads(msg api.Message) (metricsJSON, traceJSON []byte, err error) {
	if msg.Metrics != nil {
		metricsJSON, err = json.Marshal(msg.Metrics)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling metrics: %w", err)
		}
	}
	if len(msg.Trace) > 0 {
		traceJSON = msg.Trace
	}
	return metricsJSON, traceJSON, nil
}

// nullableRating converts an empty rating to a SQL NULL.
func nullableRating(r api.Rating) *string {
	if r == api.RatingNone {
		return nil
	}
	s := string(r)
	return &s
}
