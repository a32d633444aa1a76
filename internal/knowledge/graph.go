package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GraphSearch walks relationship edges of the given kinds outward from the
// seed entries, up to depth hops, and returns every active entry reached
// (seeds included). The walk is a recursive CTE, so a single round trip
// covers the whole traversal.
func (s *Store) GraphSearch(ctx context.Context, seeds []uuid.UUID, kinds []RelationKind, depth int) ([]Entry, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if depth < 0 {
		depth = 0
	}

	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}

	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE walk(id, hop) AS (
		   SELECT v.id, 0 FROM unnest($1::uuid[]) AS v(id)
		   UNION
		   SELECT r.target_id, w.hop + 1
		   FROM walk w
		   JOIN relationships r ON r.source_id = w.id
		   WHERE w.hop < $2
		     AND (cardinality($3::text[]) = 0 OR r.kind = ANY($3))
		 )
		 SELECT `+entryCols+`
		 FROM entries
		 WHERE id IN (SELECT DISTINCT id FROM walk)
		   AND deprecated_at IS NULL`,
		seeds, depth, kindStrs)
	if err != nil {
		return nil, fmt.Errorf("graph search: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// PutRelationship stores an edge. Strength is clamped to [0,1]. For
// SUPERSEDES and DERIVED_FROM edges a bounded walk checks that the new edge
// does not close a cycle; a detected cycle is rejected with ErrCycle, while
// cycles deeper than the walk limit escape detection (the check is advisory,
// not a transactional guarantee).
func (s *Store) PutRelationship(ctx context.Context, rel Relationship) error {
	if !rel.Kind.Valid() {
		return fmt.Errorf("%w: relation kind %q", ErrInvalidEntry, rel.Kind)
	}
	if rel.SourceID == rel.TargetID {
		return fmt.Errorf("%w: self-referencing edge", ErrInvalidEntry)
	}
	if rel.Strength < 0 {
		rel.Strength = 0
	}
	if rel.Strength > 1 {
		rel.Strength = 1
	}

	if rel.Kind.acyclic() {
		cyclic, err := s.wouldCycle(ctx, rel)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s -> %s (%s)", ErrCycle, rel.SourceID, rel.TargetID, rel.Kind)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO relationships (source_id, target_id, kind, strength)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id, target_id, kind)
		 DO UPDATE SET strength = EXCLUDED.strength`,
		rel.SourceID, rel.TargetID, rel.Kind, rel.Strength)
	if err != nil {
		return fmt.Errorf("inserting relationship: %w", err)
	}
	return nil
}

// wouldCycle reports whether target already reaches source over edges of the
// same kind within cycleWalkLimit hops.
func (s *Store) wouldCycle(ctx context.Context, rel Relationship) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx,
		`WITH RECURSIVE walk(id, hop) AS (
		   SELECT $1::uuid, 0
		   UNION
		   SELECT r.target_id, w.hop + 1
		   FROM walk w
		   JOIN relationships r ON r.source_id = w.id AND r.kind = $3
		   WHERE w.hop < $4
		 )
		 SELECT EXISTS (SELECT 1 FROM walk WHERE id = $2)`,
		rel.TargetID, rel.SourceID, rel.Kind, cycleWalkLimit,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("cycle check: %w", err)
	}
	return found, nil
}

// Relationships lists the outgoing edges of an entry.
func (s *Store) Relationships(ctx context.Context, source uuid.UUID) ([]Relationship, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, target_id, kind, strength
		 FROM relationships WHERE source_id = $1`,
		source)
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Kind, &r.Strength); err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relationships: %w", err)
	}
	return rels, nil
}

// PutContextPattern stores a context pattern and returns its id.
func (s *Store) PutContextPattern(ctx context.Context, p ContextPattern) (uuid.UUID, error) {
	if len(p.Triggers) == 0 {
		return uuid.Nil, fmt.Errorf("%w: context pattern needs at least one trigger", ErrInvalidEntry)
	}
	if p.Activates == nil {
		p.Activates = []uuid.UUID{}
	}
	if p.Exclusions == nil {
		p.Exclusions = []string{}
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO context_patterns (triggers, activates, priority_boost, exclusions)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		p.Triggers, p.Activates, p.PriorityBoost, p.Exclusions,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting context pattern: %w", err)
	}
	return id, nil
}

// MatchContextPatterns returns patterns whose triggers intersect the given
// context keys and whose exclusions do not.
func (s *Store) MatchContextPatterns(ctx context.Context, contextKeys []string) ([]ContextPattern, error) {
	if len(contextKeys) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, triggers, activates, priority_boost, exclusions
		 FROM context_patterns
		 WHERE triggers && $1::text[]
		   AND NOT (exclusions && $1::text[])`,
		contextKeys)
	if err != nil {
		return nil, fmt.Errorf("matching context patterns: %w", err)
	}
	defer rows.Close()

	var patterns []ContextPattern
	for rows.Next() {
		var p ContextPattern
		if err := rows.Scan(&p.ID, &p.Triggers, &p.Activates, &p.PriorityBoost, &p.Exclusions); err != nil {
			return nil, fmt.Errorf("scanning context pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating context patterns: %w", err)
	}
	return patterns, nil
}
