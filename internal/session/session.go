// Package session tracks live assistant sessions and the knowledge they
// touch. A session records its context, which entries were surfaced and with
// what outcome, and what new knowledge it produced. Ended sessions feed the
// learning loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the session id is unknown.
var ErrNotFound = errors.New("session not found")

// Applied records one knowledge entry surfaced during the session and how it
// worked out. Outcome stays nil until feedback arrives.
type Applied struct {
	EntryID uuid.UUID `json:"entry_id"`
	Score   float64   `json:"score"`
	Outcome *bool     `json:"outcome,omitempty"`
}

// Session is one tracked assistant session.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time
	EndedAt   *time.Time
	Context   map[string]string
	Applied   []Applied
	Learned   []uuid.UUID
	// SuccessScore summarizes the session outcome in [0,1]. Nil until the
	// session ends.
	SuccessScore *float64
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool { return s.EndedAt != nil }

// Store persists sessions in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a session Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Begin opens a new session with the given context.
func (s *Store) Begin(ctx context.Context, sessionCtx map[string]string) (*Session, error) {
	if sessionCtx == nil {
		sessionCtx = map[string]string{}
	}
	sess := &Session{Context: sessionCtx, Applied: []Applied{}, Learned: []uuid.UUID{}}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (context) VALUES ($1) RETURNING id, started_at`,
		sessionCtx,
	).Scan(&sess.ID, &sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("beginning session: %w", err)
	}
	s.logger.Debug("session started", "id", sess.ID)
	return sess, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess := &Session{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, context, knowledge_applied, knowledge_learned, success_score
		   FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.Context,
		&sess.Applied, &sess.Learned, &sess.SuccessScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// RecordApplied appends surfaced entries to the session's applied set.
func (s *Store) RecordApplied(ctx context.Context, id uuid.UUID, applied []Applied) error {
	if len(applied) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		    SET knowledge_applied = knowledge_applied || $2
		  WHERE id = $1 AND ended_at IS NULL`,
		id, applied)
	if err != nil {
		return fmt.Errorf("recording applied knowledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutcome sets the outcome flag on one applied entry. The JSONB update
// runs server-side so concurrent feedback on different entries cannot clobber
// each other.
func (s *Store) RecordOutcome(ctx context.Context, id, entryID uuid.UUID, success bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		    SET knowledge_applied = (
		      SELECT COALESCE(jsonb_agg(
		        CASE WHEN elem->>'entry_id' = $2::text
		             THEN elem || jsonb_build_object('outcome', $3::boolean)
		             ELSE elem END), '[]'::jsonb)
		        FROM jsonb_array_elements(knowledge_applied) AS elem)
		  WHERE id = $1`,
		id, entryID, success)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLearned appends entry ids produced during the session. The learning
// pass runs after End, so ended sessions still accept learned ids.
func (s *Store) RecordLearned(ctx context.Context, id uuid.UUID, entryIDs []uuid.UUID) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		    SET knowledge_learned = knowledge_learned || $2
		  WHERE id = $1`,
		id, entryIDs)
	if err != nil {
		return fmt.Errorf("recording learned knowledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// End closes a session with its summary score. Ending an already ended
// session is an error so duplicate hooks cannot overwrite the score.
func (s *Store) End(ctx context.Context, id uuid.UUID, successScore float64) (*Session, error) {
	if successScore < 0 || successScore > 1 {
		return nil, fmt.Errorf("success score %f out of [0,1]", successScore)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = now(), success_score = $2
		  WHERE id = $1 AND ended_at IS NULL`,
		id, successScore)
	if err != nil {
		return nil, fmt.Errorf("ending session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already ended.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("session %s already ended", id)
	}
	s.logger.Debug("session ended", "id", id, "score", successScore)
	return s.Get(ctx, id)
}

// Recent returns sessions ended within the window, newest first. The learning
// loop mines these.
func (s *Store) Recent(ctx context.Context, window time.Duration, limit int) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, ended_at, context, knowledge_applied, knowledge_learned, success_score
		   FROM sessions
		  WHERE ended_at IS NOT NULL AND ended_at > now() - $1::interval
		  ORDER BY ended_at DESC
		  LIMIT $2`,
		window, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.Context,
			&sess.Applied, &sess.Learned, &sess.SuccessScore); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
