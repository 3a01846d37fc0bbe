package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/platform/dblock"
	"github.com/filingworks/presubmit/internal/platform/env"
	"github.com/filingworks/presubmit/internal/repo"
)

type RunnerConfig struct {
	Interval time.Duration
}

func RunnerConfigFromEnv() (RunnerConfig, error) {
	interval, err := env.Duration("PIPELINE_TICK_INTERVAL", 1*time.Minute)
	if err != nil {
		return RunnerConfig{}, err
	}
	cfg := RunnerConfig{Interval: interval}
	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, err
	}
	return cfg, nil
}

func (c RunnerConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("PIPELINE_TICK_INTERVAL must be positive")
	}
	return nil
}

// BatchCloser is the slice of the assembler the runner uses to roll
// partitions over on each tick.
type BatchCloser interface {
	CloseDueBatch(ctx context.Context, batch domain.SubmissionBatch, force bool) (bool, error)
}

// HealthGate reports whether the transmitter is known reachable.
type HealthGate interface {
	Healthy() bool
}

// Runner drives the archive pipeline from a scheduled tick. Each pod
// runs one; cross-pod exclusivity per batch comes from the advisory
// lock keyed on the batch id, never from in-process state.
type Runner struct {
	logger      *slog.Logger
	batches     repo.BatchRepository
	submissions repo.SubmissionRepository
	closer      BatchCloser
	actions     *Actions
	locks       dblock.Locker
	health      HealthGate
	cfg         RunnerConfig
}

func NewRunner(
	logger *slog.Logger,
	batches repo.BatchRepository,
	submissions repo.SubmissionRepository,
	closer BatchCloser,
	actions *Actions,
	locks dblock.Locker,
	health HealthGate,
	cfg RunnerConfig,
) *Runner {
	if batches == nil || submissions == nil || closer == nil || actions == nil || locks == nil || health == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:      logger,
		batches:     batches,
		submissions: submissions,
		closer:      closer,
		actions:     actions,
		locks:       locks,
		health:      health,
		cfg:         cfg,
	}
}

func (r *Runner) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick rolls over due batches, then runs the pipeline for each closed
// batch this pod can lock. A known transmitter outage short-circuits
// the whole tick before any pipeline run starts.
func (r *Runner) Tick(ctx context.Context) {
	if r == nil {
		return
	}
	r.rollover(ctx)

	closed, err := r.batches.ListBatches(ctx, repo.BatchFilter{Status: domain.BatchStatusClosed})
	if err != nil {
		r.logger.Error("list closed batches", "error", err)
		return
	}
	if len(closed) == 0 {
		return
	}
	if !r.health.Healthy() {
		r.logger.Warn("transmitter unhealthy, deferring closed batches", "batches", len(closed))
		return
	}
	for _, batch := range closed {
		if ctx.Err() != nil {
			return
		}
		r.processBatch(ctx, batch)
	}
}

func (r *Runner) rollover(ctx context.Context) {
	open, err := r.batches.ListBatches(ctx, repo.BatchFilter{Status: domain.BatchStatusOpen})
	if err != nil {
		r.logger.Error("list open batches", "error", err)
		return
	}
	for _, batch := range open {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.closer.CloseDueBatch(ctx, batch, false); err != nil {
			r.logger.Error("rollover check",
				"application_id", batch.ApplicationID,
				"batch_id", batch.ID,
				"error", err,
			)
		}
	}
}

func pipelineKey(batch domain.SubmissionBatch) int32 {
	return dblock.Key("pipeline", batch.ApplicationID, strconv.FormatInt(batch.ID, 10))
}

// processBatch runs steps 1-3 for one batch under the batch's advisory
// lock. Losing the lock race means another pod owns this batch; skip
// without side effects.
func (r *Runner) processBatch(ctx context.Context, batch domain.SubmissionBatch) {
	guard, acquired, err := r.locks.TryAcquire(ctx, dblock.ScopePipelineRun, pipelineKey(batch))
	if err != nil {
		r.logger.Error("try pipeline lock",
			"application_id", batch.ApplicationID,
			"batch_id", batch.ID,
			"error", err,
		)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if releaseErr := guard.Release(ctx); releaseErr != nil {
			r.logger.Error("release pipeline lock",
				"application_id", batch.ApplicationID,
				"batch_id", batch.ID,
				"error", releaseErr,
			)
		}
	}()

	// The batch may have reached a terminal state between the list and
	// the lock; only closed batches are processed.
	batch, err = r.batches.GetBatch(ctx, batch.ApplicationID, batch.ID)
	if err != nil {
		r.logger.Error("refetch batch",
			"application_id", batch.ApplicationID,
			"batch_id", batch.ID,
			"error", err,
		)
		return
	}
	if batch.Status != domain.BatchStatusClosed {
		return
	}

	if err := r.runPipeline(ctx, batch); err != nil {
		r.logger.Error("pipeline run failed",
			"application_id", batch.ApplicationID,
			"batch_id", batch.ID,
			"error", err,
		)
	}
}

func (r *Runner) runPipeline(ctx context.Context, batch domain.SubmissionBatch) error {
	containers, err := r.actions.CreateArchive(ctx, batch)
	if err != nil {
		// Batch state untouched; retried next tick.
		return err
	}

	bundle, err := r.actions.BundleArchives(ctx, batch, containers)
	if err != nil {
		var bundleErr *BundleArchivesError
		if errors.As(err, &bundleErr) {
			for _, c := range bundleErr.Contexts {
				r.logger.Error("bundle failure context",
					"application_id", batch.ApplicationID,
					"batch_id", batch.ID,
					"submission_id", c.SubmissionID,
					"tax_return_id", c.TaxReturnID,
				)
			}
		}
		return err
	}

	receiptID, err := r.actions.Submit(ctx, batch, bundle)
	if err != nil {
		var failure *SubmissionFailureError
		if errors.As(err, &failure) {
			if handleErr := r.actions.SubmissionFailure(ctx, failure); handleErr != nil {
				return fmt.Errorf("handle transmission failure: %w", handleErr)
			}
			return err
		}
		// Pre-login failure; transient, retried next tick.
		return err
	}

	if err := r.markSubmitted(ctx, batch, bundle, receiptID); err != nil {
		return err
	}
	deleted, err := r.submissions.DeleteByBatch(ctx, batch.ApplicationID, batch.ID)
	if err != nil {
		return fmt.Errorf("archive submissions: %w", err)
	}
	r.logger.Info("batch submitted",
		"application_id", batch.ApplicationID,
		"batch_id", batch.ID,
		"receipt_id", receiptID,
		"submissions", deleted,
	)
	return nil
}

// markSubmitted records the terminal submitted state. The bundle is
// already with the transmitter at this point, so a failed mark must
// not return the batch to the retry pool: the mark is retried once,
// and on persistent failure the batch is parked for operator
// intervention exactly like a transmission failure.
func (r *Runner) markSubmitted(ctx context.Context, batch domain.SubmissionBatch, bundle domain.BundledArchives, receiptID string) error {
	err := r.batches.MarkBatch(ctx, batch.ApplicationID, batch.ID, domain.BatchStatusSubmitted, receiptID)
	if err == nil {
		return nil
	}
	r.logger.Error("mark batch submitted, retrying",
		"application_id", batch.ApplicationID,
		"batch_id", batch.ID,
		"receipt_id", receiptID,
		"error", err,
	)
	err = r.batches.MarkBatch(ctx, batch.ApplicationID, batch.ID, domain.BatchStatusSubmitted, receiptID)
	if err == nil {
		return nil
	}
	failure := &SubmissionFailureError{
		Batch:  batch,
		Bundle: bundle,
		Err:    fmt.Errorf("record submitted state (receipt %s): %w", receiptID, err),
	}
	if handleErr := r.actions.SubmissionFailure(ctx, failure); handleErr != nil {
		return fmt.Errorf("park batch after transmit: %w", handleErr)
	}
	return failure
}
