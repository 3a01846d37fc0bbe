package pipeline

import (
	"fmt"

	"github.com/filingworks/presubmit/internal/domain"
)

// CreateArchiveError means archive rendering could not proceed for the
// whole batch. The batch state is untouched; the next tick retries.
type CreateArchiveError struct {
	ApplicationID string
	BatchID       int64
	Err           error
}

func (e *CreateArchiveError) Error() string {
	return fmt.Sprintf("create archive for batch %s/%d: %v", e.ApplicationID, e.BatchID, e.Err)
}

func (e *CreateArchiveError) Unwrap() error { return e.Err }

// BundleArchivesError means packaging or uploading the bundle failed.
// It carries every submission's context data for diagnostics. The
// batch state is untouched; the next tick retries.
type BundleArchivesError struct {
	ApplicationID string
	BatchID       int64
	Contexts      []domain.UserContextData
	Err           error
}

func (e *BundleArchivesError) Error() string {
	return fmt.Sprintf("bundle archives for batch %s/%d (%d submissions): %v",
		e.ApplicationID, e.BatchID, len(e.Contexts), e.Err)
}

func (e *BundleArchivesError) Unwrap() error { return e.Err }

// SubmissionFailureError means transmission failed after a successful
// login. The bundle it carries is relocated to the error folder and
// the batch is marked failed; it is never retried automatically,
// because the transmitter may already have partial state for it.
type SubmissionFailureError struct {
	Batch  domain.SubmissionBatch
	Bundle domain.BundledArchives
	Err    error
}

func (e *SubmissionFailureError) Error() string {
	return fmt.Sprintf("submit batch %s/%d: %v", e.Batch.ApplicationID, e.Batch.ID, e.Err)
}

func (e *SubmissionFailureError) Unwrap() error { return e.Err }
