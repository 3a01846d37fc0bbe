// Package pipeline turns closed batches into transmitted bundles. Each
// step returns a success value or a typed failure carrying the batch
// and any partial artifacts; the runner consumes those instead of
// letting failures propagate across step boundaries.
package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/repo"
	"github.com/filingworks/presubmit/internal/storage/objectstore"
	"github.com/filingworks/presubmit/internal/transmitter"
)

type Actions struct {
	batches     repo.BatchRepository
	submissions repo.SubmissionRepository
	store       objectstore.Store
	bucket      string
	client      transmitter.Client
	logger      *slog.Logger
}

func NewActions(
	logger *slog.Logger,
	batches repo.BatchRepository,
	submissions repo.SubmissionRepository,
	store objectstore.Store,
	bucket string,
	client transmitter.Client,
) *Actions {
	if batches == nil || submissions == nil || store == nil || bucket == "" || client == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		batches:     batches,
		submissions: submissions,
		store:       store,
		bucket:      bucket,
		client:      client,
		logger:      logger,
	}
}

// CreateArchive renders every submission of the batch into an archive
// container. A single submission failing to render is logged and
// skipped; only a batch-wide failure aborts the run.
func (a *Actions) CreateArchive(ctx context.Context, batch domain.SubmissionBatch) ([]domain.SubmissionArchiveContainer, error) {
	if a == nil {
		return nil, errors.New("pipeline actions not initialized")
	}
	submissions, err := a.submissions.ListByBatch(ctx, batch.ApplicationID, batch.ID)
	if err != nil {
		return nil, &CreateArchiveError{ApplicationID: batch.ApplicationID, BatchID: batch.ID, Err: err}
	}
	if len(submissions) == 0 {
		return nil, &CreateArchiveError{
			ApplicationID: batch.ApplicationID,
			BatchID:       batch.ID,
			Err:           errors.New("closed batch has no submissions"),
		}
	}

	containers := make([]domain.SubmissionArchiveContainer, 0, len(submissions))
	for _, sub := range submissions {
		container := domain.SubmissionArchiveContainer{
			SubmissionID: sub.SubmissionID,
			TaxReturnID:  sub.TaxReturnID,
			Name:         SubmissionPrefix(batch.ApplicationID, batch.ControlYear, batch.ID, sub.SubmissionID) + "/submission.xml",
			Content:      sub.Payload,
			Context:      sub.Context(),
		}
		if err := container.Validate(); err != nil {
			a.logger.Error("skipping unrenderable submission",
				"application_id", batch.ApplicationID,
				"batch_id", batch.ID,
				"submission_id", sub.SubmissionID,
				"tax_return_id", sub.TaxReturnID,
				"error", err,
			)
			continue
		}
		containers = append(containers, container)
	}
	if len(containers) == 0 {
		return nil, &CreateArchiveError{
			ApplicationID: batch.ApplicationID,
			BatchID:       batch.ID,
			Err:           errors.New("no submission rendered successfully"),
		}
	}
	return containers, nil
}

// BundleArchives packages all containers into one zip, uploads it to
// the batch's success-path key, and returns the transmittable bundle.
func (a *Actions) BundleArchives(ctx context.Context, batch domain.SubmissionBatch, containers []domain.SubmissionArchiveContainer) (domain.BundledArchives, error) {
	if a == nil {
		return domain.BundledArchives{}, errors.New("pipeline actions not initialized")
	}
	contexts := make([]domain.UserContextData, 0, len(containers))
	for _, c := range containers {
		contexts = append(contexts, c.Context)
	}
	fail := func(err error) (domain.BundledArchives, error) {
		return domain.BundledArchives{}, &BundleArchivesError{
			ApplicationID: batch.ApplicationID,
			BatchID:       batch.ID,
			Contexts:      contexts,
			Err:           err,
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	submissionIDs := make([]string, 0, len(containers))
	for _, c := range containers {
		w, err := zw.Create(c.Name)
		if err != nil {
			_ = zw.Close()
			return fail(fmt.Errorf("create entry %s: %w", c.Name, err))
		}
		if _, err := w.Write(c.Content); err != nil {
			_ = zw.Close()
			return fail(fmt.Errorf("write entry %s: %w", c.Name, err))
		}
		submissionIDs = append(submissionIDs, c.SubmissionID)
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finalize bundle: %w", err))
	}

	bundle := domain.BundledArchives{
		ApplicationID: batch.ApplicationID,
		ControlYear:   batch.ControlYear,
		BatchID:       batch.ID,
		ObjectKey:     BundleKey(batch.ApplicationID, batch.ControlYear, batch.ID),
		SubmissionIDs: submissionIDs,
		Payload:       buf.Bytes(),
	}
	if err := bundle.Validate(); err != nil {
		return fail(err)
	}
	err := a.store.Put(ctx, a.bucket, bundle.ObjectKey, bytes.NewReader(bundle.Payload), int64(len(bundle.Payload)), "application/zip")
	if err != nil {
		return fail(fmt.Errorf("upload bundle: %w", err))
	}
	return bundle, nil
}

// Submit logs in, transmits the bundle, sweeps acknowledgements and
// logs out. A login failure is transient and returned as a plain error
// for the next tick; any failure after a successful login returns a
// SubmissionFailureError and must go through the SubmissionFailure
// step.
func (a *Actions) Submit(ctx context.Context, batch domain.SubmissionBatch, bundle domain.BundledArchives) (string, error) {
	if a == nil {
		return "", errors.New("pipeline actions not initialized")
	}
	session, err := a.client.Login(ctx)
	if err != nil {
		return "", fmt.Errorf("transmitter login: %w", err)
	}
	defer func() {
		if logoutErr := a.client.Logout(ctx, session); logoutErr != nil {
			a.logger.Error("transmitter logout",
				"application_id", batch.ApplicationID,
				"batch_id", batch.ID,
				"error", logoutErr,
			)
		}
	}()

	receiptID, err := a.client.Submit(ctx, session, bundle)
	if err != nil {
		return "", &SubmissionFailureError{Batch: batch, Bundle: bundle, Err: err}
	}

	acks, err := a.client.Acknowledgements(ctx, session, receiptID)
	if err != nil {
		// The submission itself succeeded; acknowledgements can be
		// swept on a later pass.
		a.logger.Warn("acknowledgement sweep failed",
			"application_id", batch.ApplicationID,
			"batch_id", batch.ID,
			"receipt_id", receiptID,
			"error", err,
		)
		return receiptID, nil
	}
	for _, ack := range acks {
		a.logger.Info("submission acknowledged",
			"application_id", batch.ApplicationID,
			"batch_id", batch.ID,
			"submission_id", ack.SubmissionID,
			"status", ack.Status,
		)
	}
	return receiptID, nil
}

// SubmissionFailure handles a post-login transmission failure: the
// batch is marked failed first so no tick retries it, then the bundle
// is relocated to the error folder for manual reprocessing.
func (a *Actions) SubmissionFailure(ctx context.Context, failure *SubmissionFailureError) error {
	if a == nil {
		return errors.New("pipeline actions not initialized")
	}
	batch := failure.Batch
	bundle := failure.Bundle
	a.logger.Error("transmission failed, batch requires operator intervention",
		"application_id", batch.ApplicationID,
		"batch_id", batch.ID,
		"submissions", len(bundle.SubmissionIDs),
		"error", failure.Err,
	)

	// Mark before relocating: if anything below fails the batch must
	// already be off the automatic retry path.
	if err := a.batches.MarkBatch(ctx, batch.ApplicationID, batch.ID, domain.BatchStatusTransmissionFailed, ""); err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}

	errorKey := ErrorKey(batch.ApplicationID, batch.ControlYear, batch.ID)
	if err := a.store.Copy(ctx, a.bucket, bundle.ObjectKey, errorKey); err != nil {
		return fmt.Errorf("relocate bundle to %s: %w", errorKey, err)
	}
	if err := a.store.Delete(ctx, a.bucket, bundle.ObjectKey); err != nil {
		return fmt.Errorf("remove original bundle %s: %w", bundle.ObjectKey, err)
	}
	a.logger.Info("bundle relocated to error folder",
		"application_id", batch.ApplicationID,
		"batch_id", batch.ID,
		"error_key", errorKey,
	)
	return nil
}
