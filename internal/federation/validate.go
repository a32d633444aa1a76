package federation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/security"
)

// Validation stage errors. Each identifies the stage that rejected the
// entry so operators can tell a malformed peer from a hostile one.
var (
	ErrSchemaInvalid    = errors.New("schema validation failed")
	ErrContentInvalid   = errors.New("content validation failed")
	ErrInconsistent     = errors.New("cross-reference validation failed")
	ErrSecurityRejected = errors.New("security validation failed")
)

// maxSharedContentLen bounds inbound content so a peer cannot bloat the
// store.
const maxSharedContentLen = 16_384

// clockSkewTolerance allows for reasonable clock drift between peers before
// a future timestamp is treated as fabricated.
const clockSkewTolerance = 5 * time.Minute

// Validator runs the four-stage acceptance pipeline on inbound entries:
// schema shape, content rules, internal consistency, then a security scan.
// An entry must clear every stage before it can touch local state.
type Validator struct {
	schema  *jsonschema.Resolved
	scanner *security.Scanner
	now     func() time.Time
}

// NewValidator builds the validator, deriving the wire schema from the
// SharedEntry type.
func NewValidator() (*Validator, error) {
	schema, err := jsonschema.For[SharedEntry](nil)
	if err != nil {
		return nil, fmt.Errorf("deriving shared entry schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving shared entry schema: %w", err)
	}
	return &Validator{
		schema:  resolved,
		scanner: security.NewScanner(),
		now:     time.Now,
	}, nil
}

// Validate runs all four stages on one entry. raw is the decoded JSON value
// the entry was unmarshaled from; shape errors report against it.
func (v *Validator) Validate(raw any, entry SharedEntry) error {
	if err := v.schema.Validate(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := v.checkContent(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrContentInvalid, err)
	}
	if err := v.checkConsistency(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if err := v.checkSecurity(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrSecurityRejected, err)
	}
	return nil
}

// checkContent enforces field-level rules the schema cannot express.
func (v *Validator) checkContent(e SharedEntry) error {
	if !knowledge.Kind(e.Kind).Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Content == "" {
		return fmt.Errorf("empty content")
	}
	if len(e.Content) > maxSharedContentLen {
		return fmt.Errorf("content exceeds %d bytes", maxSharedContentLen)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", e.Confidence)
	}
	if e.UsageCount < 0 || e.SuccessCount < 0 || e.FailureCount < 0 {
		return fmt.Errorf("negative counts")
	}
	if e.Key == "" {
		return fmt.Errorf("missing content key")
	}
	if len(e.Sources) == 0 {
		return fmt.Errorf("missing source attribution")
	}
	return nil
}

// checkConsistency rejects entries whose fields contradict each other; a
// fabricated confidence is the main target.
func (v *Validator) checkConsistency(e SharedEntry) error {
	if e.SuccessCount+e.FailureCount > e.UsageCount {
		return fmt.Errorf("outcome counts exceed usage count")
	}
	if e.SuccessCount+e.FailureCount > 0 {
		derived := knowledge.DeriveConfidence(e.SuccessCount, e.FailureCount)
		// Merges average confidences, so allow drift but not fabrication.
		if math.Abs(derived-e.Confidence) > 0.3 {
			return fmt.Errorf("confidence %f inconsistent with counts (derived %f)", e.Confidence, derived)
		}
	}
	if e.UpdatedAt.After(v.now().Add(clockSkewTolerance)) {
		return fmt.Errorf("updated_at in the future")
	}
	return nil
}

// checkSecurity rejects entries that still carry credentials or personal
// data. The sender should have redacted; an entry that arrives dirty is
// dropped, never cleaned, so a sloppy peer cannot launder secrets through us.
func (v *Validator) checkSecurity(e SharedEntry) error {
	if f := v.scanner.ScanSecrets(e.Content); len(f) > 0 {
		return fmt.Errorf("content contains %s", f[0].Rule)
	}
	if f := v.scanner.ScanSecrets(e.Summary); len(f) > 0 {
		return fmt.Errorf("summary contains %s", f[0].Rule)
	}
	if f := v.scanner.ScanPII(e.Content); len(f) > 0 {
		return fmt.Errorf("content contains %s", f[0].Rule)
	}
	return nil
}
