// Package knowledge persists knowledge entries, relationships, and context
// patterns in PostgreSQL with pgvector-backed similarity search.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// entryCols is the standard SELECT column list for scanEntry.
const entryCols = `id, kind, content, summary, embedding,
	confidence, usage_count, success_count, failure_count,
	sdlc_phase, agent_types, sources, version,
	created_at, updated_at, deprecated_at`

const (
	// maxCASRetries bounds optimistic-version retries before surfacing
	// ErrWriteContention.
	maxCASRetries = 3

	// cycleWalkLimit bounds the advisory DAG check on insert. Cycles deeper
	// than this escape detection.
	cycleWalkLimit = 10

	// dedupLockKey is the advisory lock guarding store-wide duplicate
	// detection. Held only while candidate pairs are collected.
	dedupLockKey = 0x7265_6361 // "reca"
)

// Store manages knowledge entries backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines. Reads run fully in
// parallel; single-entry mutations are atomic (single-statement UPDATE or
// version compare-and-swap).
type Store struct {
	pool   *pgxpool.Pool
	dim    int
	logger *slog.Logger
}

// NewStore creates a Store. dim is the deployment's embedding dimension and
// is enforced on every write that carries a vector.
func NewStore(pool *pgxpool.Pool, dim int, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, dim: dim, logger: logger}, nil
}

// Dimension returns the embedding dimension the store enforces.
func (s *Store) Dimension() int { return s.dim }

// validate checks structural invariants before a write.
func (s *Store) validate(e *Entry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}
	if e.Embedding != nil && len(e.Embedding) != s.dim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", ErrInvalidEntry, len(e.Embedding), s.dim)
	}
	return nil
}

// Put inserts a new entry and returns its id. Confidence is derived from the
// outcome counts when the caller did not set it explicitly.
func (s *Store) Put(ctx context.Context, e Entry) (uuid.UUID, error) {
	if err := s.validate(&e); err != nil {
		return uuid.Nil, err
	}
	if e.Confidence == 0 {
		e.Confidence = DeriveConfidence(e.SuccessCount, e.FailureCount)
	}
	if e.Sources == nil {
		e.Sources = []string{}
	}
	if e.AgentTypes == nil {
		e.AgentTypes = []string{}
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO entries
		   (kind, content, summary, embedding, confidence,
		    usage_count, success_count, failure_count,
		    sdlc_phase, agent_types, sources)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		 RETURNING id`,
		e.Kind, e.Content, e.Summary, vecOrNil(e.Embedding), e.Confidence,
		e.UsageCount, e.SuccessCount, e.FailureCount,
		e.SDLCPhase, e.AgentTypes, e.Sources,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting entry: %w", err)
	}

	s.logger.Debug("entry stored", "id", id, "kind", e.Kind, "embedded", e.Embedding != nil)
	return id, nil
}

// PutBatch inserts a group of entries in one transaction, pipelined through a
// single round trip. All-or-nothing: one invalid entry fails the whole batch.
func (s *Store) PutBatch(ctx context.Context, entries []Entry) ([]uuid.UUID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for i := range entries {
		if err := s.validate(&entries[i]); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entries[i].Confidence == 0 {
			entries[i].Confidence = DeriveConfidence(entries[i].SuccessCount, entries[i].FailureCount)
		}
		if entries[i].Sources == nil {
			entries[i].Sources = []string{}
		}
		if entries[i].AgentTypes == nil {
			entries[i].AgentTypes = []string{}
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning batch insert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO entries
			   (kind, content, summary, embedding, confidence,
			    usage_count, success_count, failure_count,
			    sdlc_phase, agent_types, sources)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
			 RETURNING id`,
			e.Kind, e.Content, e.Summary, vecOrNil(e.Embedding), e.Confidence,
			e.UsageCount, e.SuccessCount, e.FailureCount,
			e.SDLCPhase, e.AgentTypes, e.Sources,
		)
	}

	results := tx.SendBatch(ctx, batch)
	ids := make([]uuid.UUID, 0, len(entries))
	for i := range entries {
		var id uuid.UUID
		if err := results.QueryRow().Scan(&id); err != nil {
			results.Close()
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("closing batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing batch insert: %w", err)
	}

	s.logger.Debug("batch stored", "entries", len(ids))
	return ids, nil
}

// Get fetches an entry by id. Deprecated entries remain addressable here for
// audit even though search excludes them.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryCols+` FROM entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	return e, nil
}

// UpdateCounts records one retrieval-feedback outcome. The whole mutation is
// a single UPDATE, so concurrent callers on the same entry cannot lose
// updates: usage bumps, the outcome count increments, confidence is
// recomputed from the new counts, and version advances.
func (s *Store) UpdateCounts(ctx context.Context, id uuid.UUID, success bool) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE entries SET
		   usage_count   = usage_count + 1,
		   success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		   failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		   confidence    = (success_count + CASE WHEN $2 THEN 1 ELSE 0 END)::double precision
		                   / (success_count + failure_count + 1),
		   version       = version + 1,
		   updated_at    = now()
		 WHERE id = $1
		 RETURNING `+entryCols,
		id, success)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating counts for %s: %w", id, err)
	}
	return e, nil
}

// MergeObservation folds a duplicate observation into an existing entry
// instead of creating a new one: usage increments and confidence becomes the
// mean of the stored value and the observation. Runs as a version
// compare-and-swap with bounded retries.
func (s *Store) MergeObservation(ctx context.Context, id uuid.UUID, obsConfidence float64) (*Entry, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		merged := (cur.Confidence + obsConfidence) / 2

		row := s.pool.QueryRow(ctx,
			`UPDATE entries SET
			   usage_count = usage_count + 1,
			   confidence  = $3,
			   version     = version + 1,
			   updated_at  = now()
			 WHERE id = $1 AND version = $2
			 RETURNING `+entryCols,
			id, cur.Version, merged)
		e, err := scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Debug("merge lost version race, retrying", "id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("merging observation into %s: %w", id, err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrWriteContention, id, maxCASRetries)
}

// MergeSources merges a remote copy of an entry seen during federation:
// sources become the union, confidence the max of the two. Version CAS with
// bounded retries, same as MergeObservation.
func (s *Store) MergeSources(ctx context.Context, id uuid.UUID, confidence float64, sources []string) (*Entry, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		merged := unionStrings(cur.Sources, sources)
		conf := cur.Confidence
		if confidence > conf {
			conf = confidence
		}

		row := s.pool.QueryRow(ctx,
			`UPDATE entries SET
			   sources    = $3,
			   confidence = $4,
			   version    = version + 1,
			   updated_at = now()
			 WHERE id = $1 AND version = $2
			 RETURNING `+entryCols,
			id, cur.Version, merged, conf)
		e, err := scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("merging sources into %s: %w", id, err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrWriteContention, id, maxCASRetries)
}

// VectorSearch returns the k nearest non-deprecated entries by cosine
// similarity. Ordering is similarity desc, then confidence desc, then
// updated_at desc, which makes identical queries reproducible.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, k int, filter SearchFilter) ([]Match, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query dimension %d, want %d", ErrInvalidEntry, len(vec), s.dim)
	}
	if k <= 0 {
		k = 10
	}

	v := pgvector.NewVector(vec)
	kinds := filter.kindStrings()

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM entries
		 WHERE embedding IS NOT NULL
		   AND ($2::bool OR deprecated_at IS NULL)
		   AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
		 ORDER BY similarity DESC, confidence DESC, updated_at DESC
		 LIMIT $4`,
		v, filter.IncludeDeprecated, kinds, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

// Nearest returns the single closest entry of the given kind, or nil when the
// store holds nothing comparable. Used by the learning loop's near-duplicate
// check.
func (s *Store) Nearest(ctx context.Context, vec []float32, kind Kind) (*Match, error) {
	matches, err := s.VectorSearch(ctx, vec, 1, SearchFilter{Kinds: []Kind{kind}})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// Unembedded returns active entries still waiting for a vector. Ingest
// stores entries without embeddings when the embedding service is down;
// maintenance backfills them from here.
func (s *Store) Unembedded(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+` FROM entries
		  WHERE embedding IS NULL AND deprecated_at IS NULL
		  ORDER BY created_at
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unembedded entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// SetEmbedding backfills the vector on an entry that was stored without one.
func (s *Store) SetEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", ErrInvalidEntry, len(vec), s.dim)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries
		    SET embedding = $2, version = version + 1, updated_at = now()
		  WHERE id = $1 AND embedding IS NULL`,
		id, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("setting embedding on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already embedded; only the former is an error.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Deprecate soft-deletes an entry. It stays addressable via Get but drops out
// of vector and graph search.
func (s *Store) Deprecate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET deprecated_at = now(), version = version + 1, updated_at = now()
		 WHERE id = $1 AND deprecated_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("deprecating entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already deprecated; distinguish for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entries WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking entry %s: %w", id, err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// DeprecateStale soft-deletes entries not touched within the window. Returns
// the number of entries deprecated.
func (s *Store) DeprecateStale(ctx context.Context, window time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET deprecated_at = now(), version = version + 1
		 WHERE deprecated_at IS NULL AND updated_at < now() - $1::interval`,
		window)
	if err != nil {
		return 0, fmt.Errorf("deprecating stale entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PushCandidates selects entries eligible for federation push: proven
// (confidence and usage above the thresholds) and still active.
func (s *Store) PushCandidates(ctx context.Context, minConfidence float64, minUsage, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+`
		 FROM entries
		 WHERE deprecated_at IS NULL
		   AND confidence >= $1
		   AND usage_count >= $2
		 ORDER BY confidence DESC, usage_count DESC
		 LIMIT $3`,
		minConfidence, minUsage, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting push candidates: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// SharePage returns one page of shareable entries for a pulling peer,
// keyset-paginated on (created_at, id). created_at is immutable, so pages
// stay stable while entries keep mutating between requests.
func (s *Store) SharePage(ctx context.Context, minConfidence float64, minUsage int, afterCreated time.Time, afterID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+`
		 FROM entries
		 WHERE deprecated_at IS NULL
		   AND confidence >= $1
		   AND usage_count >= $2
		   AND (created_at, id) > ($3, $4)
		 ORDER BY created_at, id
		 LIMIT $5`,
		minConfidence, minUsage, afterCreated, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting share page: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// DuplicatePair identifies two active entries whose embeddings exceed the
// similarity threshold.
type DuplicatePair struct {
	A, B       uuid.UUID
	Similarity float64
}

// DuplicatePairs finds candidate duplicates across the whole store. A
// store-wide advisory lock is held only for the duration of detection so one
// maintenance job runs at a time without starving live traffic.
func (s *Store) DuplicatePairs(ctx context.Context, threshold float64, limit int) ([]DuplicatePair, error) {
	if limit <= 0 {
		limit = 100
	}

	// The xact-scoped lock is released when the transaction ends, on the
	// same session that took it.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning dedup transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("releasing dedup lock", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dedupLockKey); err != nil {
		return nil, fmt.Errorf("acquiring dedup lock: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT a.id, b.id, 1 - (a.embedding <=> b.embedding) AS similarity
		 FROM entries a
		 JOIN entries b ON a.id < b.id AND a.kind = b.kind
		 WHERE a.deprecated_at IS NULL AND b.deprecated_at IS NULL
		   AND a.embedding IS NOT NULL AND b.embedding IS NOT NULL
		   AND 1 - (a.embedding <=> b.embedding) > $1
		 ORDER BY similarity DESC
		 LIMIT $2`,
		threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("detecting duplicates: %w", err)
	}
	defer rows.Close()

	var pairs []DuplicatePair
	for rows.Next() {
		var p DuplicatePair
		if err := rows.Scan(&p.A, &p.B, &p.Similarity); err != nil {
			return nil, fmt.Errorf("scanning duplicate pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating duplicate pairs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing dedup transaction: %w", err)
	}
	return pairs, nil
}

// AbsorbDuplicate merges duplicate into survivor and deprecates the
// duplicate, recording a SUPERSEDES edge for audit. The survivor keeps the
// max confidence, the summed usage counts, and the union of sources.
func (s *Store) AbsorbDuplicate(ctx context.Context, survivor, duplicate uuid.UUID) error {
	if survivor == duplicate {
		return fmt.Errorf("entry cannot absorb itself")
	}

	dup, err := s.Get(ctx, duplicate)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := s.Get(ctx, survivor)
		if err != nil {
			return err
		}

		conf := cur.Confidence
		if dup.Confidence > conf {
			conf = dup.Confidence
		}
		sources := unionStrings(cur.Sources, dup.Sources)

		tag, err := s.pool.Exec(ctx,
			`UPDATE entries SET
			   confidence    = $3,
			   usage_count   = usage_count + $4,
			   success_count = success_count + $5,
			   failure_count = failure_count + $6,
			   sources       = $7,
			   version       = version + 1,
			   updated_at    = now()
			 WHERE id = $1 AND version = $2`,
			survivor, cur.Version, conf,
			dup.UsageCount, dup.SuccessCount, dup.FailureCount, sources)
		if err != nil {
			return fmt.Errorf("absorbing duplicate %s: %w", duplicate, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		if err := s.Deprecate(ctx, duplicate); err != nil {
			return err
		}
		if err := s.PutRelationship(ctx, Relationship{
			SourceID: survivor,
			TargetID: duplicate,
			Kind:     RelationSupersedes,
			Strength: 1.0,
		}); err != nil && !errors.Is(err, ErrCycle) {
			return err
		}
		s.logger.Debug("absorbed duplicate", "survivor", survivor, "duplicate", duplicate)
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrWriteContention, survivor, maxCASRetries)
}

// vecOrNil converts a float slice to a pgvector value, preserving NULL for
// entries whose embedding has not been generated yet.
func vecOrNil(v []float32) any {
	if v == nil {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

// unionStrings merges two string sets preserving first-seen order.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// kindStrings converts the filter kinds for the ANY($n) parameter.
func (f SearchFilter) kindStrings() []string {
	out := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		out[i] = string(k)
	}
	return out
}

// scanEntry reads one Entry from a row with the entryCols column set.
func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var vec *pgvector.Vector
	var phase *string
	if err := row.Scan(
		&e.ID, &e.Kind, &e.Content, &e.Summary, &vec,
		&e.Confidence, &e.UsageCount, &e.SuccessCount, &e.FailureCount,
		&phase, &e.AgentTypes, &e.Sources, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.DeprecatedAt,
	); err != nil {
		return nil, err
	}
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	if phase != nil {
		e.SDLCPhase = *phase
	}
	return &e, nil
}

// scanMatch reads an Entry plus a trailing similarity column.
func scanMatch(rows pgx.Rows) (*Match, error) {
	var m Match
	var vec *pgvector.Vector
	var phase *string
	if err := rows.Scan(
		&m.Entry.ID, &m.Entry.Kind, &m.Entry.Content, &m.Entry.Summary, &vec,
		&m.Entry.Confidence, &m.Entry.UsageCount, &m.Entry.SuccessCount, &m.Entry.FailureCount,
		&phase, &m.Entry.AgentTypes, &m.Entry.Sources, &m.Entry.Version,
		&m.Entry.CreatedAt, &m.Entry.UpdatedAt, &m.Entry.DeprecatedAt,
		&m.Similarity,
	); err != nil {
		return nil, fmt.Errorf("scanning match: %w", err)
	}
	if vec != nil {
		m.Entry.Embedding = vec.Slice()
	}
	if phase != nil {
		m.Entry.SDLCPhase = *phase
	}
	return &m, nil
}

// collectEntries drains rows with the entryCols column set.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}
