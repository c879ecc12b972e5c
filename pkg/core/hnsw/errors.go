package hnsw

import "errors"

// Sentinel errors returned by index operations. Call sites wrap them with
// fmt.Errorf("...: %w", ...) to add context, so callers can match with
// errors.Is.
var (
	// ErrDimensionMismatch means a supplied vector's length disagrees with
	// the dimension established by the first insert.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyIndex is reserved for operations that are meaningless on an
	// empty index. Search degrades to an empty result instead of returning it.
	ErrEmptyIndex = errors.New("index is empty")

	// ErrInvalidParameter means a constructor or search parameter is outside
	// its valid domain, for example a negative efSearch.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotFound means the referenced document id is not in the index.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateID means an insert reused an id that is already present.
	ErrDuplicateID = errors.New("document id already exists")
)
