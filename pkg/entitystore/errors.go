package entitystore

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists    = errors.New("entity_already_exists")
	ErrVersionConflict  = errors.New("entity_version_conflict")
	ErrConditionFailed  = errors.New("entity_condition_failed")
	ErrStoreUnavailable = errors.New("entity_store_unavailable")
	ErrBatchPartial     = errors.New("entity_batch_partial_failure")
	ErrBadToken         = errors.New("entity_bad_page_token")
)

// BatchError reports a chunked batch operation that stopped mid-way.
// Chunks before the failing one are already committed; chunks after it were
// never attempted. Callers must design batch items to be idempotent under
// retry.
type BatchError struct {
	// Applied is the number of items committed before the failure.
	Applied int
	// Chunk is the zero-based index of the chunk that failed.
	Chunk int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch chunk %d failed after %d items applied: %v", e.Chunk, e.Applied, e.Err)
}

func (e *BatchError) Unwrap() error { return ErrBatchPartial }

// Cause returns the underlying store error.
func (e *BatchError) Cause() error { return e.Err }
