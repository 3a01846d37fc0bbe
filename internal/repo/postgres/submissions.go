package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/repo"
)

// The insert only lands while the owning batch is still open; zero
// rows affected means the append lost a race with a close. FOR SHARE
// locks the batch row, so an append racing a concurrent close blocks
// behind the close's row update and re-checks the committed status
// instead of the statement's snapshot.
const insertSubmissionQuery = `INSERT INTO user_submission (id, tax_return_id, submission_id, application_id, batch_id, tin_type, payload, created_at)
	 SELECT $1, $2, $3, $4, $5, $6, $7, $8
	 FROM submission_batch
	 WHERE application_id = $4 AND batch_id = $5 AND status = $9
	 FOR SHARE`

type SubmissionStore struct {
	db DB
}

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

// AddSubmission appends a submission to its batch. The insert is
// guarded on the batch still being open, so an append racing a close
// surfaces as ErrBatchClosed instead of landing in a frozen batch.
func (s *SubmissionStore) AddSubmission(ctx context.Context, submission domain.UserSubmission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	if err := submission.Validate(); err != nil {
		return err
	}
	if submission.BatchID <= 0 {
		return fmt.Errorf("batch id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		insertSubmissionQuery,
		strings.TrimSpace(submission.ID),
		strings.TrimSpace(submission.TaxReturnID),
		strings.TrimSpace(submission.SubmissionID),
		strings.TrimSpace(submission.ApplicationID),
		submission.BatchID,
		string(submission.TinType),
		submission.Payload,
		normalizeTime(submission.CreatedAt),
		string(domain.BatchStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if affected == 0 {
		var exists bool
		err := s.db.QueryRowContext(
			ctx,
			`SELECT EXISTS (
				SELECT 1 FROM submission_batch WHERE application_id = $1 AND batch_id = $2
			)`,
			strings.TrimSpace(submission.ApplicationID),
			submission.BatchID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check batch: %w", err)
		}
		if !exists {
			return repo.ErrNotFound
		}
		return repo.ErrBatchClosed
	}
	return nil
}

func (s *SubmissionStore) ListByBatch(ctx context.Context, applicationID string, batchID int64) ([]domain.UserSubmission, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("submission store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, tax_return_id, submission_id, application_id, batch_id, tin_type, payload, created_at
		 FROM user_submission
		 WHERE application_id = $1 AND batch_id = $2
		 ORDER BY created_at, id`,
		strings.TrimSpace(applicationID),
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.UserSubmission
	for rows.Next() {
		var sub domain.UserSubmission
		var tinType string
		if err := rows.Scan(
			&sub.ID,
			&sub.TaxReturnID,
			&sub.SubmissionID,
			&sub.ApplicationID,
			&sub.BatchID,
			&tinType,
			&sub.Payload,
			&sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.TinType = domain.TinType(tinType)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

func (s *SubmissionStore) CountByBatch(ctx context.Context, applicationID string, batchID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("submission store not initialized")
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM user_submission WHERE application_id = $1 AND batch_id = $2`,
		strings.TrimSpace(applicationID),
		batchID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}

func (s *SubmissionStore) DeleteByBatch(ctx context.Context, applicationID string, batchID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("submission store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM user_submission WHERE application_id = $1 AND batch_id = $2`,
		strings.TrimSpace(applicationID),
		batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete submissions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete submissions: %w", err)
	}
	return affected, nil
}
