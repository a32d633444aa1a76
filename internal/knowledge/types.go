package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a knowledge entry.
type Kind string

const (
	KindWorkflow        Kind = "workflow"
	KindCodePattern     Kind = "code_pattern"
	KindErrorResolution Kind = "error_resolution"
	KindUserPreference  Kind = "user_preference"
	KindToolUsage       Kind = "tool_usage"
	KindContextPattern  Kind = "context_pattern"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkflow, KindCodePattern, KindErrorResolution,
		KindUserPreference, KindToolUsage, KindContextPattern:
		return true
	}
	return false
}

// RelationKind classifies an edge between two entries.
type RelationKind string

const (
	RelationSimilarTo      RelationKind = "similar_to"
	RelationDerivedFrom    RelationKind = "derived_from"
	RelationSupersedes     RelationKind = "supersedes"
	RelationRequires       RelationKind = "requires"
	RelationConflictsWith  RelationKind = "conflicts_with"
	RelationBelongsToPhase RelationKind = "belongs_to_phase"
)

// Valid reports whether k is a known relation kind.
func (k RelationKind) Valid() bool {
	switch k {
	case RelationSimilarTo, RelationDerivedFrom, RelationSupersedes,
		RelationRequires, RelationConflictsWith, RelationBelongsToPhase:
		return true
	}
	return false
}

// acyclic reports whether edges of this kind must keep the graph a DAG.
func (k RelationKind) acyclic() bool {
	return k == RelationSupersedes || k == RelationDerivedFrom
}

// Entry is one stored unit of reusable knowledge.
//
// Confidence is derived from the outcome counts: success/(success+failure)
// when either count is non-zero, 0.5 otherwise. Version increases on every
// mutation and backs the optimistic concurrency checks.
type Entry struct {
	ID           uuid.UUID
	Kind         Kind
	Content      string
	Summary      string
	Embedding    []float32 // nil until generated
	Confidence   float64
	UsageCount   int
	SuccessCount int
	FailureCount int
	SDLCPhase    string
	AgentTypes   []string
	Sources      []string // contributing store ids, for federation attribution
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeprecatedAt *time.Time
}

// Deprecated reports whether the entry has been soft-deleted.
func (e *Entry) Deprecated() bool {
	return e.DeprecatedAt != nil
}

// DeriveConfidence computes the confidence implied by outcome counts.
// With no observations the entry sits at the 0.5 neutral prior.
func DeriveConfidence(success, failure int) float64 {
	if success+failure == 0 {
		return 0.5
	}
	return float64(success) / float64(success+failure)
}

// Match pairs an entry with its cosine similarity to a query vector.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Relationship is a typed, weighted edge between two entries.
type Relationship struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Kind     RelationKind
	Strength float64
}

// ContextPattern biases retrieval toward entries relevant to a session
// context. A pattern fires when any trigger matches a context key not ruled
// out by the exclusions.
type ContextPattern struct {
	ID            uuid.UUID
	Triggers      []string
	Activates     []uuid.UUID
	PriorityBoost float64
	Exclusions    []string
}

// SearchFilter restricts vector search results.
type SearchFilter struct {
	Kinds             []Kind
	IncludeDeprecated bool
}
