package repo

import (
	"context"
	"errors"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
)

// ErrNotFound is returned when a point lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrBatchClosed is returned when an append races a batch close. The
// caller re-fetches the current writing batch and retries.
var ErrBatchClosed = errors.New("batch is closed")

type BatchFilter struct {
	ApplicationID string
	Status        domain.BatchStatus
	Limit         int
}

// BatchRepository manages submission batches.
type BatchRepository interface {
	// CreateBatch inserts a new open batch and returns its id. Ids are
	// monotonic per application id.
	CreateBatch(ctx context.Context, applicationID string, controlYear int) (int64, error)
	GetBatch(ctx context.Context, applicationID string, id int64) (domain.SubmissionBatch, error)
	// OpenBatch returns the open batch for a partition, or ErrNotFound.
	OpenBatch(ctx context.Context, applicationID string) (domain.SubmissionBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.SubmissionBatch, error)
	// CloseBatch transitions an open batch to closed; no-op result
	// ErrNotFound when the batch is not open.
	CloseBatch(ctx context.Context, applicationID string, id int64, closedAt time.Time) error
	// MarkBatch records a terminal outcome for a closed batch.
	MarkBatch(ctx context.Context, applicationID string, id int64, status domain.BatchStatus, receiptID string) error
}

// SubmissionRepository manages the submissions owned by batches.
type SubmissionRepository interface {
	// AddSubmission appends a submission to its batch. Returns
	// ErrBatchClosed when the batch no longer accepts writes.
	AddSubmission(ctx context.Context, submission domain.UserSubmission) error
	ListByBatch(ctx context.Context, applicationID string, batchID int64) ([]domain.UserSubmission, error)
	CountByBatch(ctx context.Context, applicationID string, batchID int64) (int, error)
	// DeleteByBatch archives away a fully submitted batch's rows.
	DeleteByBatch(ctx context.Context, applicationID string, batchID int64) (int64, error)
}

// PodRepository resolves a pod's external transmitter identity.
type PodRepository interface {
	GetPod(ctx context.Context, podID string) (domain.PodIdentifier, error)
}
