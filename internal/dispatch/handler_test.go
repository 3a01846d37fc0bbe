package dispatch

import (
	"context"
	"testing"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/repo"
)

type fakeWriter struct {
	current      []domain.SubmissionBatch
	closed       map[int64]bool
	appended     map[int64][]domain.UserSubmission
	currentCalls int
	addCalls     int
}

func newFakeWriter(batches ...domain.SubmissionBatch) *fakeWriter {
	return &fakeWriter{
		current:  batches,
		closed:   map[int64]bool{},
		appended: map[int64][]domain.UserSubmission{},
	}
}

func (w *fakeWriter) CurrentWritingBatch(_ context.Context, _ string) (domain.SubmissionBatch, error) {
	idx := w.currentCalls
	w.currentCalls++
	if idx >= len(w.current) {
		idx = len(w.current) - 1
	}
	return w.current[idx], nil
}

func (w *fakeWriter) AddSubmission(_ context.Context, batch domain.SubmissionBatch, submission domain.UserSubmission) error {
	w.addCalls++
	if w.closed[batch.ID] {
		return repo.ErrBatchClosed
	}
	w.appended[batch.ID] = append(w.appended[batch.ID], submission)
	return nil
}

func openBatch(id int64) domain.SubmissionBatch {
	return domain.SubmissionBatch{ID: id, ApplicationID: "APP", ControlYear: 2024, Status: domain.BatchStatusOpen}
}

func TestHandleAppendsSubmission(t *testing.T) {
	writer := newFakeWriter(openBatch(1))
	h := NewHandler(nil, writer)

	if err := h.Handle(context.Background(), v1Message("tr-1", "S1", "APP")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rows := writer.appended[1]
	if len(rows) != 1 {
		t.Fatalf("expected one appended submission, got %d", len(rows))
	}
	sub := rows[0]
	if sub.TaxReturnID != "tr-1" || sub.SubmissionID != "S1" || sub.TinType != domain.TinTypeSSN {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.ID == "" {
		t.Fatalf("submission must get a generated id")
	}
	if string(sub.Payload) != "<Return/>" {
		t.Fatalf("unexpected payload: %q", sub.Payload)
	}
}

func TestHandleRetriesOnceOnClosedBatch(t *testing.T) {
	writer := newFakeWriter(openBatch(1), openBatch(2))
	writer.closed[1] = true
	h := NewHandler(nil, writer)

	if err := h.Handle(context.Background(), v1Message("tr-1", "S1", "APP")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(writer.appended[1]) != 0 {
		t.Fatalf("submission must not land in the closed batch")
	}
	if len(writer.appended[2]) != 1 {
		t.Fatalf("submission must land in the fresh batch")
	}
	if writer.currentCalls != 2 {
		t.Fatalf("expected a single re-fetch, got %d fetches", writer.currentCalls)
	}
}

func TestHandleSurfacesSecondFailure(t *testing.T) {
	writer := newFakeWriter(openBatch(1), openBatch(2))
	writer.closed[1] = true
	writer.closed[2] = true
	h := NewHandler(nil, writer)

	if err := h.Handle(context.Background(), v1Message("tr-1", "S1", "APP")); err == nil {
		t.Fatalf("a second lost race must surface, not drop the submission")
	}
	if writer.addCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d append attempts", writer.addCalls)
	}
}

func TestHandleUnsupportedVersionTouchesNothing(t *testing.T) {
	writer := newFakeWriter(openBatch(1))
	h := NewHandler(nil, writer)

	raw := []byte(`{"version": "9.9", "payload": {"dispatch": {"taxReturnId": "tr-1"}}}`)
	if err := h.Handle(context.Background(), raw); err == nil {
		t.Fatalf("expected unsupported version error")
	}
	if writer.currentCalls != 0 || writer.addCalls != 0 {
		t.Fatalf("rejected message must not touch any batch")
	}
}
