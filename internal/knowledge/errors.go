package knowledge

import "errors"

var (
	// ErrNotFound indicates the entry id does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrWriteContention indicates an optimistic update lost the version race
	// more times than the retry budget allows.
	ErrWriteContention = errors.New("write contention on entry")

	// ErrCycle indicates a SUPERSEDES or DERIVED_FROM edge would close a
	// cycle within the bounded detection depth.
	ErrCycle = errors.New("relationship would create a cycle")

	// ErrInvalidEntry indicates a structurally invalid entry (bad kind, empty
	// content, wrong embedding dimension).
	ErrInvalidEntry = errors.New("invalid entry")
)
