// Package federation synchronizes proven knowledge between stores.
//
// Each configured peer gets its own worker running a small state machine:
// idle until the sync interval fires, then pushing, then pulling, then idle
// again; a failed exchange parks the worker in a backoff state without
// touching the other peers. Everything that leaves the store is anonymized
// and scanned first; everything that arrives passes a four-stage validation
// before it can touch local state.
package federation

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SharedEntry is the anonymized wire form of a knowledge entry. It carries no
// embedding: vector spaces differ between deployments, so the receiver embeds
// locally.
type SharedEntry struct {
	Key          string    `json:"key"` // content hash, stable across stores
	Kind         string    `json:"kind"`
	Content      string    `json:"content"`
	Summary      string    `json:"summary,omitempty"`
	Confidence   float64   `json:"confidence"`
	UsageCount   int       `json:"usage_count"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	SDLCPhase    string    `json:"sdlc_phase,omitempty"`
	Sources      []string  `json:"sources"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PushRequest is one batch of entries offered by a peer.
type PushRequest struct {
	ProjectID string        `json:"project_id"`
	Entries   []SharedEntry `json:"knowledge"`
}

// PushResponse reports what the receiver did with a push.
type PushResponse struct {
	Accepted int `json:"accepted"`
	Merged   int `json:"merged"`
	Rejected int `json:"rejected"`
}

// PullResponse is one page of a paginated pull. An empty NextToken means the
// final page.
type PullResponse struct {
	Entries   []SharedEntry `json:"knowledge"`
	NextToken string        `json:"next_token,omitempty"`
}

// State is a peer worker's position in the sync cycle.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateFailed  State = "failed"
)

// PeerStatus is a point-in-time snapshot of one peer worker, surfaced on the
// readiness endpoint.
type PeerStatus struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	LastSync    time.Time `json:"last_sync,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Consecutive int       `json:"consecutive_failures"`
}

// cursor is the keyset position encoded into pull pagination.
type cursor struct {
	Created time.Time
	ID      uuid.UUID
}

func encodeCursor(c cursor) string {
	raw := c.Created.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	created, idPart, ok := strings.Cut(string(raw), "|")
	if !ok {
		return cursor{}, fmt.Errorf("malformed cursor payload")
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	return cursor{Created: t, ID: id}, nil
}
