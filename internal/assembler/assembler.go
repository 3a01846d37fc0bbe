// Package assembler decides which batch is currently open for writes
// in each application-id partition and appends inbound submissions to
// it. Batch creation and close are serialized across pods through the
// rollover advisory lock; routine appends take no lock.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/platform/dblock"
	"github.com/filingworks/presubmit/internal/platform/env"
	"github.com/filingworks/presubmit/internal/repo"
)

type Config struct {
	ControlYear  int
	MaxBatchSize int
	MaxBatchAge  time.Duration
}

func ConfigFromEnv() (Config, error) {
	controlYear, err := env.Int("BATCHING_CONTROL_YEAR", time.Now().UTC().Year())
	if err != nil {
		return Config{}, err
	}
	maxBatchSize, err := env.Int("BATCHING_MAX_BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	maxBatchAge, err := env.Duration("BATCHING_MAX_BATCH_AGE", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ControlYear:  controlYear,
		MaxBatchSize: maxBatchSize,
		MaxBatchAge:  maxBatchAge,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ControlYear < 2000 {
		return errors.New("BATCHING_CONTROL_YEAR must be a calendar year")
	}
	if c.MaxBatchSize < 1 {
		return errors.New("BATCHING_MAX_BATCH_SIZE must be >= 1")
	}
	if c.MaxBatchAge <= 0 {
		return errors.New("BATCHING_MAX_BATCH_AGE must be positive")
	}
	return nil
}

type Service struct {
	batches     repo.BatchRepository
	submissions repo.SubmissionRepository
	locks       dblock.Locker
	logger      *slog.Logger
	cfg         Config
}

func New(logger *slog.Logger, batches repo.BatchRepository, submissions repo.SubmissionRepository, locks dblock.Locker, cfg Config) *Service {
	if batches == nil || submissions == nil || locks == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		batches:     batches,
		submissions: submissions,
		locks:       locks,
		logger:      logger,
		cfg:         cfg,
	}
}

func rolloverKey(applicationID string) int32 {
	return dblock.Key("rollover", applicationID)
}

// CurrentWritingBatch returns the open batch for a partition, creating
// one if none exists. Creation runs under the partition's rollover
// lock so concurrent callers across pods converge on a single batch.
func (s *Service) CurrentWritingBatch(ctx context.Context, applicationID string) (domain.SubmissionBatch, error) {
	if s == nil {
		return domain.SubmissionBatch{}, errors.New("assembler not initialized")
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return domain.SubmissionBatch{}, errors.New("application id is required")
	}

	batch, err := s.batches.OpenBatch(ctx, applicationID)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.SubmissionBatch{}, fmt.Errorf("open batch: %w", err)
	}

	guard, err := s.locks.AcquireBlocking(ctx, dblock.ScopeBatchRollover, rolloverKey(applicationID))
	if err != nil {
		return domain.SubmissionBatch{}, fmt.Errorf("acquire rollover lock: %w", err)
	}
	defer func() {
		if releaseErr := guard.Release(ctx); releaseErr != nil {
			s.logger.Error("release rollover lock", "application_id", applicationID, "error", releaseErr)
		}
	}()

	// Another pod may have created the batch while we waited.
	batch, err = s.batches.OpenBatch(ctx, applicationID)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.SubmissionBatch{}, fmt.Errorf("open batch: %w", err)
	}

	id, err := s.batches.CreateBatch(ctx, applicationID, s.cfg.ControlYear)
	if err != nil {
		return domain.SubmissionBatch{}, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("opened new batch", "application_id", applicationID, "batch_id", id)
	batch, err = s.batches.GetBatch(ctx, applicationID, id)
	if err != nil {
		return domain.SubmissionBatch{}, fmt.Errorf("get created batch: %w", err)
	}
	return batch, nil
}

// AddSubmission appends a submission to the given batch. Returns
// repo.ErrBatchClosed when the batch closed underneath the caller; the
// caller re-fetches the current writing batch and retries.
func (s *Service) AddSubmission(ctx context.Context, batch domain.SubmissionBatch, submission domain.UserSubmission) error {
	if s == nil {
		return errors.New("assembler not initialized")
	}
	submission.BatchID = batch.ID
	submission.ApplicationID = batch.ApplicationID
	if err := s.submissions.AddSubmission(ctx, submission); err != nil {
		return err
	}
	return nil
}

// SubmissionBatch is a point lookup; ok is false when the batch does
// not exist.
func (s *Service) SubmissionBatch(ctx context.Context, applicationID string, id int64) (domain.SubmissionBatch, bool, error) {
	if s == nil {
		return domain.SubmissionBatch{}, false, errors.New("assembler not initialized")
	}
	batch, err := s.batches.GetBatch(ctx, applicationID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SubmissionBatch{}, false, nil
	}
	if err != nil {
		return domain.SubmissionBatch{}, false, err
	}
	return batch, true, nil
}

// UnprocessedBatches lists closed batches still awaiting a pipeline
// run for one partition, oldest first.
func (s *Service) UnprocessedBatches(ctx context.Context, applicationID string) ([]domain.SubmissionBatch, error) {
	if s == nil {
		return nil, errors.New("assembler not initialized")
	}
	return s.batches.ListBatches(ctx, repo.BatchFilter{
		ApplicationID: applicationID,
		Status:        domain.BatchStatusClosed,
	})
}

// CloseDueBatch closes the partition's open batch if a rollover
// condition holds: the size threshold reached, the age threshold
// passed, or force (operator close). Returns whether a close happened.
// Called from the scheduled tick, never from the write path.
func (s *Service) CloseDueBatch(ctx context.Context, batch domain.SubmissionBatch, force bool) (bool, error) {
	if s == nil {
		return false, errors.New("assembler not initialized")
	}
	if !batch.Open() {
		return false, nil
	}

	guard, acquired, err := s.locks.TryAcquire(ctx, dblock.ScopeBatchRollover, rolloverKey(batch.ApplicationID))
	if err != nil {
		return false, fmt.Errorf("try rollover lock: %w", err)
	}
	if !acquired {
		// Another pod is rolling this partition over; next tick.
		return false, nil
	}
	defer func() {
		if releaseErr := guard.Release(ctx); releaseErr != nil {
			s.logger.Error("release rollover lock", "application_id", batch.ApplicationID, "error", releaseErr)
		}
	}()

	count, err := s.submissions.CountByBatch(ctx, batch.ApplicationID, batch.ID)
	if err != nil {
		return false, fmt.Errorf("count submissions: %w", err)
	}
	// An empty batch never closes; there is nothing to transmit.
	if count == 0 {
		return false, nil
	}
	if !force {
		aged := time.Since(batch.CreatedAt) >= s.cfg.MaxBatchAge
		full := count >= s.cfg.MaxBatchSize
		if !aged && !full {
			return false, nil
		}
	}

	if err := s.batches.CloseBatch(ctx, batch.ApplicationID, batch.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Already closed by another pod between list and lock.
			return false, nil
		}
		return false, fmt.Errorf("close batch: %w", err)
	}
	s.logger.Info("closed batch",
		"application_id", batch.ApplicationID,
		"batch_id", batch.ID,
		"forced", force,
	)
	return true, nil
}

// ClosePartition force-closes the partition's open batch regardless of
// thresholds. Used for operator-triggered rollover.
func (s *Service) ClosePartition(ctx context.Context, applicationID string) (bool, error) {
	if s == nil {
		return false, errors.New("assembler not initialized")
	}
	batch, err := s.batches.OpenBatch(ctx, applicationID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open batch: %w", err)
	}
	return s.CloseDueBatch(ctx, batch, true)
}
