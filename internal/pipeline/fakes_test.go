package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/filingworks/presubmit/internal/domain"
	"github.com/filingworks/presubmit/internal/platform/dblock"
	"github.com/filingworks/presubmit/internal/repo"
	"github.com/filingworks/presubmit/internal/transmitter"
)

type lockKey struct {
	scope int32
	key   int32
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[lockKey]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[lockKey]bool{}}
}

func (l *fakeLocker) TryAcquire(_ context.Context, scope, key int32) (dblock.Guard, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := lockKey{scope, key}
	if l.held[k] {
		return nil, false, nil
	}
	l.held[k] = true
	return &fakeGuard{locker: l, k: k}, true, nil
}

func (l *fakeLocker) AcquireBlocking(ctx context.Context, scope, key int32) (dblock.Guard, error) {
	for {
		guard, acquired, err := l.TryAcquire(ctx, scope, key)
		if err != nil {
			return nil, err
		}
		if acquired {
			return guard, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

type fakeGuard struct {
	locker *fakeLocker
	k      lockKey
}

func (g *fakeGuard) Release(context.Context) error {
	g.locker.mu.Lock()
	defer g.locker.mu.Unlock()
	delete(g.locker.held, g.k)
	return nil
}

type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[string]map[int64]domain.SubmissionBatch

	// markErrs fails the next N MarkBatch calls with markErr.
	markErrs int
	markErr  error
}

func newFakeBatchRepo(batches ...domain.SubmissionBatch) *fakeBatchRepo {
	r := &fakeBatchRepo{batches: map[string]map[int64]domain.SubmissionBatch{}}
	for _, b := range batches {
		r.put(b)
	}
	return r
}

func (r *fakeBatchRepo) put(b domain.SubmissionBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	partition := r.batches[b.ApplicationID]
	if partition == nil {
		partition = map[int64]domain.SubmissionBatch{}
		r.batches[b.ApplicationID] = partition
	}
	partition[b.ID] = b
}

func (r *fakeBatchRepo) CreateBatch(_ context.Context, applicationID string, controlYear int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	partition := r.batches[applicationID]
	if partition == nil {
		partition = map[int64]domain.SubmissionBatch{}
		r.batches[applicationID] = partition
	}
	var id int64
	for existing := range partition {
		if existing > id {
			id = existing
		}
	}
	id++
	partition[id] = domain.SubmissionBatch{
		ID:            id,
		ApplicationID: applicationID,
		ControlYear:   controlYear,
		Status:        domain.BatchStatusOpen,
		CreatedAt:     time.Now().UTC(),
	}
	return id, nil
}

func (r *fakeBatchRepo) GetBatch(_ context.Context, applicationID string, id int64) (domain.SubmissionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[applicationID][id]
	if !ok {
		return domain.SubmissionBatch{}, repo.ErrNotFound
	}
	return batch, nil
}

func (r *fakeBatchRepo) OpenBatch(_ context.Context, applicationID string) (domain.SubmissionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, batch := range r.batches[applicationID] {
		if batch.Status == domain.BatchStatusOpen {
			return batch, nil
		}
	}
	return domain.SubmissionBatch{}, repo.ErrNotFound
}

func (r *fakeBatchRepo) ListBatches(_ context.Context, filter repo.BatchFilter) ([]domain.SubmissionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SubmissionBatch
	for applicationID, partition := range r.batches {
		if filter.ApplicationID != "" && filter.ApplicationID != applicationID {
			continue
		}
		for _, batch := range partition {
			if filter.Status != "" && batch.Status != filter.Status {
				continue
			}
			out = append(out, batch)
		}
	}
	return out, nil
}

func (r *fakeBatchRepo) CloseBatch(_ context.Context, applicationID string, id int64, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[applicationID][id]
	if !ok || batch.Status != domain.BatchStatusOpen {
		return repo.ErrNotFound
	}
	batch.Status = domain.BatchStatusClosed
	t := closedAt.UTC()
	batch.ClosedAt = &t
	r.batches[applicationID][id] = batch
	return nil
}

func (r *fakeBatchRepo) MarkBatch(_ context.Context, applicationID string, id int64, status domain.BatchStatus, receiptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErrs > 0 {
		r.markErrs--
		return r.markErr
	}
	batch, ok := r.batches[applicationID][id]
	if !ok || batch.Status != domain.BatchStatusClosed {
		return repo.ErrNotFound
	}
	batch.Status = status
	batch.ReceiptID = receiptID
	r.batches[applicationID][id] = batch
	return nil
}

type fakeSubmissionRepo struct {
	mu      sync.Mutex
	rows    map[string][]domain.UserSubmission
	listErr error
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{rows: map[string][]domain.UserSubmission{}}
}

func batchKey(applicationID string, batchID int64) string {
	return fmt.Sprintf("%s/%d", applicationID, batchID)
}

func (r *fakeSubmissionRepo) AddSubmission(_ context.Context, submission domain.UserSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := batchKey(submission.ApplicationID, submission.BatchID)
	r.rows[k] = append(r.rows[k], submission)
	return nil
}

func (r *fakeSubmissionRepo) ListByBatch(_ context.Context, applicationID string, batchID int64) ([]domain.UserSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]domain.UserSubmission(nil), r.rows[batchKey(applicationID, batchID)]...), nil
}

func (r *fakeSubmissionRepo) CountByBatch(_ context.Context, applicationID string, batchID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[batchKey(applicationID, batchID)]), nil
}

func (r *fakeSubmissionRepo) DeleteByBatch(_ context.Context, applicationID string, batchID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := batchKey(applicationID, batchID)
	n := int64(len(r.rows[k]))
	delete(r.rows, k)
	return n, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Put(_ context.Context, _ string, key string, body io.Reader, _ int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.objects[key] = data
	s.puts++
	return nil
}

func (s *fakeStore) Copy(_ context.Context, _ string, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[srcKey]
	if !ok {
		return errors.New("copy source not found")
	}
	s.objects[dstKey] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, _ string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeTransmitter struct {
	mu        sync.Mutex
	loginErr  error
	submitErr error
	logins    int
	submits   int
	logouts   int
}

func (c *fakeTransmitter) Login(context.Context) (transmitter.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loginErr != nil {
		return transmitter.Session{}, c.loginErr
	}
	c.logins++
	return transmitter.Session{Token: "token", ASID: "asid-1"}, nil
}

func (c *fakeTransmitter) Submit(_ context.Context, _ transmitter.Session, bundle domain.BundledArchives) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return fmt.Sprintf("receipt-%d", bundle.BatchID), nil
}

func (c *fakeTransmitter) Acknowledgements(context.Context, transmitter.Session, string) ([]transmitter.Acknowledgement, error) {
	return nil, nil
}

func (c *fakeTransmitter) Logout(context.Context, transmitter.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeTransmitter) Probe(context.Context) error { return nil }

type fakeCloser struct {
	closed int
}

func (f *fakeCloser) CloseDueBatch(context.Context, domain.SubmissionBatch, bool) (bool, error) {
	f.closed++
	return false, nil
}

type staticHealth bool

func (h staticHealth) Healthy() bool { return bool(h) }
