package domain

import (
	"errors"
	"strings"
	"time"
)

// BatchStatus is the persisted lifecycle state of a submission batch.
type BatchStatus string

const (
	// BatchStatusOpen accepts new submissions.
	BatchStatusOpen BatchStatus = "open"
	// BatchStatusClosed is frozen and waiting for a pipeline run.
	BatchStatusClosed BatchStatus = "closed"
	// BatchStatusSubmitted was transmitted successfully.
	BatchStatusSubmitted BatchStatus = "submitted"
	// BatchStatusTransmissionFailed failed after login to the
	// transmitter; it is never retried automatically.
	BatchStatusTransmissionFailed BatchStatus = "transmission_failed"
)

// SubmissionBatch is a bounded group of submissions destined for one
// transmission attempt. Batch ids are monotonic per application id.
type SubmissionBatch struct {
	ID            int64
	ApplicationID string
	ControlYear   int
	Status        BatchStatus
	CreatedAt     time.Time
	ClosedAt      *time.Time
	ReceiptID     string
}

func (b SubmissionBatch) Validate() error {
	if b.ID <= 0 {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(b.ApplicationID) == "" {
		return errors.New("application id is required")
	}
	if b.ControlYear < 2000 {
		return errors.New("control year is required")
	}
	if NormalizeBatchStatus(string(b.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Open reports whether the batch still accepts submissions.
func (b SubmissionBatch) Open() bool {
	return b.Status == BatchStatusOpen
}

// Terminal reports whether the batch will never be processed again.
func (b SubmissionBatch) Terminal() bool {
	return b.Status == BatchStatusSubmitted || b.Status == BatchStatusTransmissionFailed
}

// NormalizeBatchStatus maps free-form status values to canonical ones.
func NormalizeBatchStatus(value string) BatchStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(BatchStatusOpen):
		return BatchStatusOpen
	case string(BatchStatusClosed):
		return BatchStatusClosed
	case string(BatchStatusSubmitted):
		return BatchStatusSubmitted
	case string(BatchStatusTransmissionFailed):
		return BatchStatusTransmissionFailed
	default:
		return ""
	}
}

// CanTransitionBatchStatus enforces the batch lifecycle: a batch
// closes once, and a closed batch moves to exactly one terminal state.
// Archive-stage failures leave the status untouched so the next tick
// retries the batch.
func CanTransitionBatchStatus(current, next BatchStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	switch current {
	case BatchStatusOpen:
		return next == BatchStatusClosed
	case BatchStatusClosed:
		return next == BatchStatusSubmitted || next == BatchStatusTransmissionFailed
	default:
		return false
	}
}
