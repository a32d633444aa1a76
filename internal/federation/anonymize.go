package federation

import (
	"fmt"

	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/security"
)

// Anonymizer prepares local entries for sharing. Entries carrying secrets
// are withheld entirely; personal data is redacted in place. Agent types and
// session traces never leave the store, and source attribution collapses to
// this deployment's opaque project id.
type Anonymizer struct {
	projectID string
	scanner   *security.Scanner
}

// NewAnonymizer creates an Anonymizer. projectID is the opaque identifier
// peers see as the origin of shared entries.
func NewAnonymizer(projectID string) (*Anonymizer, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	return &Anonymizer{projectID: projectID, scanner: security.NewScanner()}, nil
}

// Anonymize converts one local entry to its wire form. Returns false when the
// entry must not be shared at all.
func (a *Anonymizer) Anonymize(e knowledge.Entry) (SharedEntry, bool) {
	if err := a.scanner.CheckShareable(e.Content); err != nil {
		return SharedEntry{}, false
	}

	content := a.scanner.Redact(e.Content)
	sources := security.StripIdentifiers(e.Sources, "session:", "user:")
	if len(sources) == 0 {
		sources = []string{a.projectID}
	} else if !contains(sources, a.projectID) {
		sources = append(sources, a.projectID)
	}

	return SharedEntry{
		Key:          cache.ContentHash(content),
		Kind:         string(e.Kind),
		Content:      content,
		Summary:      a.scanner.Redact(e.Summary),
		Confidence:   e.Confidence,
		UsageCount:   e.UsageCount,
		SuccessCount: e.SuccessCount,
		FailureCount: e.FailureCount,
		SDLCPhase:    e.SDLCPhase,
		Sources:      sources,
		UpdatedAt:    e.UpdatedAt,
	}, true
}

// AnonymizeBatch converts a candidate set, dropping entries that cannot be
// shared.
func (a *Anonymizer) AnonymizeBatch(entries []knowledge.Entry) []SharedEntry {
	out := make([]SharedEntry, 0, len(entries))
	for _, e := range entries {
		if shared, ok := a.Anonymize(e); ok {
			out = append(out, shared)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
