package plan

import "errors"

// Planning-time failures abort the whole submission: either every task is
// planned or none is.
var (
	// ErrInvalidParameter means batch count, chunk size or priority is out
	// of its allowed range. Fully recoverable by the caller.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrEmptyWorkflow means the captured graph has no nodes, which almost
	// always indicates a failed workflow capture upstream. Surfaced rather
	// than silently planning zero tasks.
	ErrEmptyWorkflow = errors.New("empty workflow")
)
