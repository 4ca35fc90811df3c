package lineage

import "errors"

// Failure taxonomy. Cache content is positional, so every one of these
// is fatal for the task: the caller reports a non-success status and
// leaves retry or recovery to the workflow layer.
var (
	// ErrMissingAncestor means a referenced predecessor's lineage record
	// or output is absent from the store.
	ErrMissingAncestor = errors.New("missing ancestor")

	// ErrChainGap means a key listed in a chain failed to import. A gap
	// anywhere invalidates everything downstream of it.
	ErrChainGap = errors.New("cache chain gap")

	// ErrDuplicateExport means a task attempted a second export under
	// its identifier. Exports are at-most-once per task.
	ErrDuplicateExport = errors.New("duplicate export")
)
