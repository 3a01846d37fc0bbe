package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/repo"
	"github.com/google/uuid"
)

// BatchWriter is the slice of the assembler the handler needs.
type BatchWriter interface {
	CurrentWritingBatch(ctx context.Context, applicationID string) (domain.SubmissionBatch, error)
	AddSubmission(ctx context.Context, batch domain.SubmissionBatch, submission domain.UserSubmission) error
}

type Handler struct {
	writer BatchWriter
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, writer BatchWriter) *Handler {
	if writer == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{writer: writer, logger: logger}
}

// Handle decodes one inbound message and appends the submission to the
// partition's current writing batch. If the append loses the race
// against a batch close, the current batch is re-fetched and the
// append retried once; a second failure surfaces so the message is
// redelivered rather than dropped.
func (h *Handler) Handle(ctx context.Context, raw []byte) error {
	if h == nil {
		return errors.New("dispatch handler not initialized")
	}
	d, err := Decode(raw)
	if err != nil {
		return err
	}

	submission := domain.UserSubmission{
		ID:            uuid.NewString(),
		TaxReturnID:   d.TaxReturnID,
		SubmissionID:  d.SubmissionID,
		ApplicationID: d.ApplicationID,
		TinType:       domain.TinType(d.TinType),
		Payload:       d.ReturnXML,
		CreatedAt:     time.Now().UTC(),
	}

	batch, err := h.writer.CurrentWritingBatch(ctx, d.ApplicationID)
	if err != nil {
		return fmt.Errorf("current writing batch: %w", err)
	}
	err = h.writer.AddSubmission(ctx, batch, submission)
	if err == nil {
		h.logger.Info("submission appended",
			"application_id", d.ApplicationID,
			"batch_id", batch.ID,
			"submission_id", d.SubmissionID,
		)
		return nil
	}
	if !errors.Is(err, repo.ErrBatchClosed) {
		return fmt.Errorf("add submission: %w", err)
	}

	// The batch closed underneath us; one retry against the fresh one.
	h.logger.Info("batch closed during append, retrying",
		"application_id", d.ApplicationID,
		"batch_id", batch.ID,
		"submission_id", d.SubmissionID,
	)
	batch, err = h.writer.CurrentWritingBatch(ctx, d.ApplicationID)
	if err != nil {
		return fmt.Errorf("refetch writing batch: %w", err)
	}
	if err := h.writer.AddSubmission(ctx, batch, submission); err != nil {
		return fmt.Errorf("add submission after retry: %w", err)
	}
	h.logger.Info("submission appended",
		"application_id", d.ApplicationID,
		"batch_id", batch.ID,
		"submission_id", d.SubmissionID,
	)
	return nil
}
