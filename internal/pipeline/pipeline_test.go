package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/platform/dblock"
)

func TestObjectKeys(t *testing.T) {
	if got, want := SubmissionPrefix("APP", 2024, 42, "S1"), "pre-submission-batching/APP/2024/42/S1"; got != want {
		t.Fatalf("SubmissionPrefix = %q, want %q", got, want)
	}
	if got, want := BundleKey("APP", 2024, 42), "pre-submission-batching/APP/2024/42/bundle.zip"; got != want {
		t.Fatalf("BundleKey = %q, want %q", got, want)
	}
	if got, want := ErrorPrefix("APP", 2024), "pre-submission-batching/errors/APP/2024/"; got != want {
		t.Fatalf("ErrorPrefix = %q, want %q", got, want)
	}
	if got, want := ErrorKey("APP", 2024, 42), "pre-submission-batching/errors/APP/2024/batch-42-bundle.zip"; got != want {
		t.Fatalf("ErrorKey = %q, want %q", got, want)
	}
}

func closedBatch(id int64) domain.SubmissionBatch {
	closedAt := time.Now().UTC()
	return domain.SubmissionBatch{
		ID:            id,
		ApplicationID: "APP",
		ControlYear:   2024,
		Status:        domain.BatchStatusClosed,
		CreatedAt:     closedAt.Add(-time.Hour),
		ClosedAt:      &closedAt,
	}
}

func seedSubmissions(t *testing.T, submissions *fakeSubmissionRepo, batch domain.SubmissionBatch, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := submissions.AddSubmission(context.Background(), domain.UserSubmission{
			ID:            fmt.Sprintf("id-%d", i),
			TaxReturnID:   fmt.Sprintf("tr-%d", i),
			SubmissionID:  fmt.Sprintf("S%d", i),
			BatchID:       batch.ID,
			ApplicationID: batch.ApplicationID,
			TinType:       domain.TinTypeSSN,
			Payload:       fmt.Appendf(nil, "<Return n=%q/>", fmt.Sprint(i)),
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed submission %d: %v", i, err)
		}
	}
}

type testEnv struct {
	batches     *fakeBatchRepo
	submissions *fakeSubmissionRepo
	store       *fakeStore
	client      *fakeTransmitter
	locks       *fakeLocker
	actions     *Actions
	runner      *Runner
}

func newTestEnv(t *testing.T, healthy bool, batches ...domain.SubmissionBatch) *testEnv {
	t.Helper()
	env := &testEnv{
		batches:     newFakeBatchRepo(batches...),
		submissions: newFakeSubmissionRepo(),
		store:       newFakeStore(),
		client:      &fakeTransmitter{},
		locks:       newFakeLocker(),
	}
	env.actions = NewActions(nil, env.batches, env.submissions, env.store, "submissions", env.client)
	if env.actions == nil {
		t.Fatalf("expected actions")
	}
	env.runner = NewRunner(nil, env.batches, env.submissions, &fakeCloser{}, env.actions, env.locks, staticHealth(healthy), RunnerConfig{Interval: time.Minute})
	if env.runner == nil {
		t.Fatalf("expected runner")
	}
	return env
}

func TestCreateArchiveBundleRoundTrip(t *testing.T) {
	const n = 3
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, n)
	ctx := context.Background()

	containers, err := env.actions.CreateArchive(ctx, batch)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if len(containers) != n {
		t.Fatalf("expected %d containers, got %d", n, len(containers))
	}
	if containers[0].Name != "pre-submission-batching/APP/2024/42/S1/submission.xml" {
		t.Fatalf("unexpected container key: %q", containers[0].Name)
	}

	bundle, err := env.actions.BundleArchives(ctx, batch, containers)
	if err != nil {
		t.Fatalf("bundle archives: %v", err)
	}
	if bundle.ObjectKey != BundleKey("APP", 2024, 42) {
		t.Fatalf("unexpected bundle key: %q", bundle.ObjectKey)
	}
	if len(bundle.SubmissionIDs) != n {
		t.Fatalf("expected %d submission ids, got %d", n, len(bundle.SubmissionIDs))
	}
	if !env.store.has(bundle.ObjectKey) {
		t.Fatalf("bundle not uploaded to success path")
	}

	zr, err := zip.NewReader(bytes.NewReader(bundle.Payload), int64(len(bundle.Payload)))
	if err != nil {
		t.Fatalf("read bundle zip: %v", err)
	}
	if len(zr.File) != n {
		t.Fatalf("expected %d zip entries, got %d", n, len(zr.File))
	}
	for i, f := range zr.File {
		want := SubmissionPrefix("APP", 2024, 42, fmt.Sprintf("S%d", i+1)) + "/submission.xml"
		if f.Name != want {
			t.Fatalf("entry %d named %q, want %q", i, f.Name, want)
		}
	}
}

func TestRunnerSubmitsClosedBatch(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	ctx := context.Background()

	env.runner.Tick(ctx)

	got, err := env.batches.GetBatch(ctx, "APP", 42)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != domain.BatchStatusSubmitted {
		t.Fatalf("expected submitted, got %s", got.Status)
	}
	if got.ReceiptID != "receipt-42" {
		t.Fatalf("expected recorded receipt, got %q", got.ReceiptID)
	}
	if env.client.logins != 1 || env.client.submits != 1 || env.client.logouts != 1 {
		t.Fatalf("expected one login/submit/logout, got %d/%d/%d", env.client.logins, env.client.submits, env.client.logouts)
	}
	count, _ := env.submissions.CountByBatch(ctx, "APP", 42)
	if count != 0 {
		t.Fatalf("submitted batch's submissions must be archived away, %d left", count)
	}
}

func TestRunnerSkipsEverythingWhenUnhealthy(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, false, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	ctx := context.Background()

	env.runner.Tick(ctx)

	if env.client.submits != 0 || env.client.logins != 0 {
		t.Fatalf("submit must never run while the transmitter is unhealthy")
	}
	if env.store.puts != 0 {
		t.Fatalf("no partial pipeline attempt may touch storage on an unhealthy tick")
	}
	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusClosed {
		t.Fatalf("batch must stay closed, got %s", got.Status)
	}
}

func TestRunnerSkipsLockedBatchWithoutSideEffects(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	ctx := context.Background()

	guard, acquired, err := env.locks.TryAcquire(ctx, dblock.ScopePipelineRun, pipelineKey(batch))
	if err != nil || !acquired {
		t.Fatalf("pre-hold pipeline lock: %v", err)
	}

	env.runner.Tick(ctx)
	if env.client.submits != 0 || env.store.puts != 0 {
		t.Fatalf("losing the lock race must leave no side effects")
	}
	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusClosed {
		t.Fatalf("batch must stay closed, got %s", got.Status)
	}

	if err := guard.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	env.runner.Tick(ctx)
	if env.client.submits != 1 {
		t.Fatalf("batch must be processed once the lock frees up")
	}
}

func TestTransmissionFailureIsTerminal(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	env.client.submitErr = errors.New("transmitter fault")
	ctx := context.Background()

	env.runner.Tick(ctx)

	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusTransmissionFailed {
		t.Fatalf("expected transmission_failed, got %s", got.Status)
	}
	if !env.store.has(ErrorKey("APP", 2024, 42)) {
		t.Fatalf("bundle must be relocated to the error folder")
	}
	if env.store.has(BundleKey("APP", 2024, 42)) {
		t.Fatalf("original bundle must be removed from the success path")
	}
	if env.client.logouts != 1 {
		t.Fatalf("session must be closed even on failure")
	}

	// A failed batch is never picked up again.
	env.client.submitErr = nil
	env.runner.Tick(ctx)
	if env.client.submits != 1 {
		t.Fatalf("transmission_failed batch must not be retried, got %d submits", env.client.submits)
	}
}

func TestLoginFailureIsRetriedNextTick(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	env.client.loginErr = errors.New("connection refused")
	ctx := context.Background()

	env.runner.Tick(ctx)
	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusClosed {
		t.Fatalf("pre-login failure must leave the batch closed, got %s", got.Status)
	}
	if env.client.submits != 0 {
		t.Fatalf("no transmit may happen without a session")
	}

	env.client.loginErr = nil
	env.runner.Tick(ctx)
	got, _ = env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusSubmitted {
		t.Fatalf("batch must submit once login recovers, got %s", got.Status)
	}
}

func TestCreateArchiveFailureLeavesBatchClosed(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	env.submissions.listErr = errors.New("storage unreachable")
	ctx := context.Background()

	env.runner.Tick(ctx)
	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusClosed {
		t.Fatalf("archive failure must leave the batch closed, got %s", got.Status)
	}
	if env.client.logins != 0 {
		t.Fatalf("archive failure must abort before submit")
	}

	env.submissions.listErr = nil
	env.runner.Tick(ctx)
	got, _ = env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusSubmitted {
		t.Fatalf("batch must submit on the next good tick, got %s", got.Status)
	}
}

func TestTransientMarkFailureDoesNotRetransmit(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	env.batches.markErrs = 1
	env.batches.markErr = errors.New("store unavailable")
	ctx := context.Background()

	env.runner.Tick(ctx)

	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusSubmitted {
		t.Fatalf("mark retry must record the submitted state, got %s", got.Status)
	}
	if got.ReceiptID != "receipt-42" {
		t.Fatalf("expected recorded receipt, got %q", got.ReceiptID)
	}

	env.runner.Tick(ctx)
	if env.client.submits != 1 {
		t.Fatalf("bundle already with the transmitter must not be re-sent, got %d submits", env.client.submits)
	}
}

func TestPersistentMarkFailureParksBatch(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	// Both the mark and its retry fail; the park itself goes through.
	env.batches.markErrs = 2
	env.batches.markErr = errors.New("store unavailable")
	ctx := context.Background()

	env.runner.Tick(ctx)

	got, _ := env.batches.GetBatch(ctx, "APP", 42)
	if got.Status != domain.BatchStatusTransmissionFailed {
		t.Fatalf("unrecordable submit must park the batch, got %s", got.Status)
	}
	if !env.store.has(ErrorKey("APP", 2024, 42)) {
		t.Fatalf("bundle must be relocated to the error folder")
	}
	if env.store.has(BundleKey("APP", 2024, 42)) {
		t.Fatalf("original bundle must be removed from the success path")
	}

	// The batch is off the automatic path for good.
	env.runner.Tick(ctx)
	if env.client.submits != 1 {
		t.Fatalf("parked batch must never be re-transmitted, got %d submits", env.client.submits)
	}
}

func TestCreateArchiveSkipsUnrenderableSubmission(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 2)
	// An empty payload cannot render; it is skipped, not fatal.
	_ = env.submissions.AddSubmission(context.Background(), domain.UserSubmission{
		ID:            "id-3",
		TaxReturnID:   "tr-3",
		SubmissionID:  "S3",
		BatchID:       42,
		ApplicationID: "APP",
	})

	containers, err := env.actions.CreateArchive(context.Background(), batch)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if len(containers) != 2 {
		t.Fatalf("expected 2 rendered containers, got %d", len(containers))
	}
}

func TestBundleArchivesErrorCarriesContexts(t *testing.T) {
	batch := closedBatch(42)
	env := newTestEnv(t, true, batch)
	seedSubmissions(t, env.submissions, batch, 3)
	env.store.putErr = errors.New("storage unreachable")
	ctx := context.Background()

	containers, err := env.actions.CreateArchive(ctx, batch)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	_, err = env.actions.BundleArchives(ctx, batch, containers)
	var bundleErr *BundleArchivesError
	if !errors.As(err, &bundleErr) {
		t.Fatalf("expected BundleArchivesError, got %v", err)
	}
	if len(bundleErr.Contexts) != 3 {
		t.Fatalf("expected contexts for all 3 submissions, got %d", len(bundleErr.Contexts))
	}
	if bundleErr.Contexts[0].TaxReturnID == "" {
		t.Fatalf("context must carry the tax return id")
	}
}
