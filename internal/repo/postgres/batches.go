package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/repo"
)

type BatchStore struct {
	db DB
}

func NewBatchStore(db DB) *BatchStore {
	if db == nil {
		return nil
	}
	return &BatchStore{db: db}
}

// CreateBatch inserts a fresh open batch with the next monotonic id
// for the partition. Callers serialize creation per partition through
// the rollover advisory lock; the statement itself is not guarded.
func (s *BatchStore) CreateBatch(ctx context.Context, applicationID string, controlYear int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("batch store not initialized")
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return 0, fmt.Errorf("application id is required")
	}
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO submission_batch (application_id, batch_id, control_year, status, created_at)
		 SELECT $1, COALESCE(MAX(batch_id), 0) + 1, $2, $3, $4
		 FROM submission_batch
		 WHERE application_id = $1
		 RETURNING batch_id`,
		applicationID,
		controlYear,
		string(domain.BatchStatusOpen),
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return id, nil
}

func (s *BatchStore) GetBatch(ctx context.Context, applicationID string, id int64) (domain.SubmissionBatch, error) {
	if s == nil || s.db == nil {
		return domain.SubmissionBatch{}, fmt.Errorf("batch store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT application_id, batch_id, control_year, status, created_at, closed_at, receipt_id
		 FROM submission_batch
		 WHERE application_id = $1 AND batch_id = $2`,
		strings.TrimSpace(applicationID),
		id,
	)
	return scanBatch(row)
}

func (s *BatchStore) OpenBatch(ctx context.Context, applicationID string) (domain.SubmissionBatch, error) {
	if s == nil || s.db == nil {
		return domain.SubmissionBatch{}, fmt.Errorf("batch store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT application_id, batch_id, control_year, status, created_at, closed_at, receipt_id
		 FROM submission_batch
		 WHERE application_id = $1 AND status = $2`,
		strings.TrimSpace(applicationID),
		string(domain.BatchStatusOpen),
	)
	return scanBatch(row)
}

func buildBatchListQuery(filter repo.BatchFilter) (string, []any) {
	query := `SELECT application_id, batch_id, control_year, status, created_at, closed_at, receipt_id
		FROM submission_batch WHERE 1=1`
	args := []any{}
	if v := strings.TrimSpace(filter.ApplicationID); v != "" {
		args = append(args, v)
		query += fmt.Sprintf(" AND application_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY application_id, batch_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *BatchStore) ListBatches(ctx context.Context, filter repo.BatchFilter) ([]domain.SubmissionBatch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("batch store not initialized")
	}
	query, args := buildBatchListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SubmissionBatch
	for rows.Next() {
		batch, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

func (s *BatchStore) CloseBatch(ctx context.Context, applicationID string, id int64, closedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE submission_batch
		 SET status = $1, closed_at = $2
		 WHERE application_id = $3 AND batch_id = $4 AND status = $5`,
		string(domain.BatchStatusClosed),
		normalizeTime(closedAt),
		strings.TrimSpace(applicationID),
		id,
		string(domain.BatchStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *BatchStore) MarkBatch(ctx context.Context, applicationID string, id int64, status domain.BatchStatus, receiptID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if !domain.CanTransitionBatchStatus(domain.BatchStatusClosed, status) {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE submission_batch
		 SET status = $1, receipt_id = $2
		 WHERE application_id = $3 AND batch_id = $4 AND status = $5`,
		string(status),
		nullIfEmpty(strings.TrimSpace(receiptID)),
		strings.TrimSpace(applicationID),
		id,
		string(domain.BatchStatusClosed),
	)
	if err != nil {
		return fmt.Errorf("mark batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark batch: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row *sql.Row) (domain.SubmissionBatch, error) {
	batch, err := scanBatchRow(row)
	if err != nil {
		return domain.SubmissionBatch{}, handleNotFound(err)
	}
	return batch, nil
}

func scanBatchRow(row rowScanner) (domain.SubmissionBatch, error) {
	var batch domain.SubmissionBatch
	var status string
	var closedAt sql.NullTime
	var receiptID sql.NullString
	err := row.Scan(
		&batch.ApplicationID,
		&batch.ID,
		&batch.ControlYear,
		&status,
		&batch.CreatedAt,
		&closedAt,
		&receiptID,
	)
	if err != nil {
		return domain.SubmissionBatch{}, err
	}
	batch.Status = domain.NormalizeBatchStatus(status)
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		batch.ClosedAt = &t
	}
	if receiptID.Valid {
		batch.ReceiptID = receiptID.String
	}
	return batch, nil
}
