package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"preflight-upload/internal/domain/job"
	"preflight-upload/internal/ratelimit"
	"preflight-upload/internal/repository"
	preflight_errors "preflight-upload/pkg/errors"
	"preflight-upload/pkg/logger"
)

// fakeStore is an in-memory ObjectStore. Objects are keyed bucket/key.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (f *fakeStore) PresignPut(ctx context.Context, bucket, key, contentType string, sizeBytes int64) (string, map[string]string, error) {
	return fmt.Sprintf("https://storage.test/%s/%s", bucket, key),
		map[string]string{"Content-Type": contentType}, nil
}

func (f *fakeStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("no such object %s/%s", bucket, key)
	}
	return data, nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectKey(bucket, key))
	f.deleted = append(f.deleted, objectKey(bucket, key))
	return nil
}

func (f *fakeStore) has(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectKey(bucket, key)]
	return ok
}

// fakeExtractor returns canned text or a canned error.
type fakeExtractor struct {
	text string
	err  error
}

func (f fakeExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

// stubLimiter answers every check with a fixed result.
type stubLimiter struct {
	result ratelimit.Result
	calls  int
}

func (s *stubLimiter) Allow(ctx context.Context, sourceIP string) ratelimit.Result {
	s.calls++
	return s.result
}

func (s *stubLimiter) Reset(ctx context.Context, sourceIP string) error { return nil }

func (s *stubLimiter) ResetAll(ctx context.Context) (int64, error) { return 0, nil }

func allowAll() *stubLimiter {
	return &stubLimiter{result: ratelimit.Result{Allowed: true, Remaining: 2}}
}

func denyAll(retryAfter time.Duration) *stubLimiter {
	return &stubLimiter{result: ratelimit.Result{Allowed: false, RetryAfter: retryAfter}}
}

// syncDispatcher runs tasks inline so tests observe terminal states without
// sleeping.
type syncDispatcher struct {
	dispatches int
}

func (d *syncDispatcher) Dispatch(task func()) {
	d.dispatches++
	task()
}

// gatedDispatcher holds dispatched tasks until run is called, so tests can
// interleave other operations with an extraction still in flight.
type gatedDispatcher struct {
	tasks []func()
}

func (d *gatedDispatcher) Dispatch(task func()) {
	d.tasks = append(d.tasks, task)
}

func (d *gatedDispatcher) run() {
	for _, task := range d.tasks {
		task()
	}
	d.tasks = nil
}

type fixture struct {
	service    *UploadService
	jobs       repository.JobRepository
	store      *fakeStore
	limiter    *stubLimiter
	dispatcher *syncDispatcher
	extractor  *fakeExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&job.UploadJob{}))

	f := &fixture{
		jobs:       repository.NewJobRepository(db),
		store:      newFakeStore(),
		limiter:    allowAll(),
		dispatcher: &syncDispatcher{},
		extractor:  &fakeExtractor{text: "extracted text"},
	}
	f.service = NewUploadService(
		f.jobs,
		f.store,
		f.extractor,
		f.limiter,
		f.dispatcher,
		UploadConfig{
			TempBucket:      "temp",
			PermanentBucket: "papers",
			MaxFileSize:     50 * 1024 * 1024,
		},
		&logger.Logger{Logger: zap.NewNop()},
	)
	return f
}

func TestInitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Init(ctx, InitInput{FileSize: 100, SourceIP: "10.0.0.1"})
	assert.ErrorIs(t, err, preflight_errors.ErrFileNameRequired)

	_, err = f.service.Init(ctx, InitInput{FileName: "notes.docx", FileSize: 100, SourceIP: "10.0.0.1"})
	assert.ErrorIs(t, err, preflight_errors.ErrNotPDF)

	_, err = f.service.Init(ctx, InitInput{FileName: "big.pdf", FileSize: 51 * 1024 * 1024, SourceIP: "10.0.0.1"})
	assert.ErrorIs(t, err, preflight_errors.ErrTooLarge)

	// Extension check is case-insensitive.
	_, err = f.service.Init(ctx, InitInput{FileName: "PAPER.PDF", FileSize: 100, SourceIP: "10.0.0.1"})
	assert.NoError(t, err)
}

func TestInitAuthenticated(t *testing.T) {
	f := newFixture(t)
	ownerID := uuid.New()

	res, err := f.service.Init(context.Background(), InitInput{
		FileName: "paper.pdf",
		FileSize: 1024,
		CallerID: uuid.NullUUID{UUID: ownerID, Valid: true},
		SourceIP: "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "papers", res.Bucket)
	assert.Equal(t, fmt.Sprintf("%s/%s/paper.pdf", ownerID, res.JobID), res.StoragePath)
	assert.False(t, res.RequiresAuth)
	assert.NotEmpty(t, res.UploadURL)
	assert.Equal(t, 0, f.limiter.calls, "authenticated uploads are not rate limited")

	j, err := f.jobs.GetByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploading, j.Status)
	assert.Equal(t, ownerID, j.OwnerID.UUID)
	assert.False(t, j.SessionID.Valid)
}

func TestInitAnonymous(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.Init(context.Background(), InitInput{
		FileName: "paper.pdf",
		FileSize: 1024,
		SourceIP: "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "temp", res.Bucket)
	assert.NotEmpty(t, res.SessionID, "a session is minted when the client has none")
	assert.Equal(t, fmt.Sprintf("temp/%s/%s/paper.pdf", res.SessionID, res.JobID), res.StoragePath)
	assert.True(t, res.RequiresAuth)
	assert.Equal(t, 1, f.limiter.calls)

	// A client-supplied session is reused.
	res2, err := f.service.Init(context.Background(), InitInput{
		FileName:  "paper.pdf",
		FileSize:  1024,
		SessionID: res.SessionID,
		SourceIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, res2.SessionID)
}

func TestInitRateLimited(t *testing.T) {
	f := newFixture(t)
	f.service.limiter = denyAll(30 * time.Minute)

	_, err := f.service.Init(context.Background(), InitInput{
		FileName: "paper.pdf",
		FileSize: 1024,
		SourceIP: "10.0.0.1",
	})

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(1800), rle.RetryAfter)
	assert.ErrorIs(t, err, preflight_errors.ErrRateLimited)
}

// initAndUpload drives a job through init and simulates the client's direct
// PUT to storage.
func initAndUpload(t *testing.T, f *fixture, in InitInput) InitResult {
	t.Helper()
	res, err := f.service.Init(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), res.Bucket, res.StoragePath, []byte("%PDF-1.4 bytes"), "application/pdf"))
	return res
}

func TestCompleteAnonymousRunsExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	j, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	assert.True(t, dispatched)
	assert.Equal(t, 1, f.dispatcher.dispatches)
	assert.Equal(t, job.StatusProcessing, j.Status)

	// The dispatcher ran inline, so the terminal state is already visible.
	final, err := f.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, "extracted text", final.ExtractedText.String)
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	_, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	require.True(t, dispatched)

	j, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	assert.False(t, dispatched, "replayed complete must not dispatch again")
	assert.Equal(t, 1, f.dispatcher.dispatches)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestCompleteRejectsWrongSession(t *testing.T) {
	f := newFixture(t)

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	_, _, err := f.service.Complete(context.Background(), CompleteInput{JobID: res.JobID, SessionID: "guessed"})
	assert.ErrorIs(t, err, preflight_errors.ErrUnauthorized)

	_, _, err = f.service.Complete(context.Background(), CompleteInput{JobID: res.JobID})
	assert.ErrorIs(t, err, preflight_errors.ErrUnauthorized)
}

func TestCompleteNotFound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.Complete(context.Background(), CompleteInput{JobID: uuid.New(), SessionID: "sess"})
	assert.ErrorIs(t, err, preflight_errors.ErrNotFound)
}

func TestCompleteMigratesAnonymousJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	j, dispatched, err := f.service.Complete(ctx, CompleteInput{
		JobID:     res.JobID,
		SessionID: res.SessionID,
		CallerID:  uuid.NullUUID{UUID: ownerID, Valid: true},
	})
	require.NoError(t, err)
	assert.True(t, dispatched)

	assert.Equal(t, ownerID, j.OwnerID.UUID)
	assert.Equal(t, "papers", j.Bucket)
	newKey := fmt.Sprintf("%s/%s/paper.pdf", ownerID, res.JobID)
	assert.Equal(t, newKey, j.StorageKey)

	// The bytes moved and the temp object is gone.
	assert.True(t, f.store.has("papers", newKey))
	assert.False(t, f.store.has("temp", res.StoragePath))

	// Extraction ran against the migrated location.
	final, err := f.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, "extracted text", final.ExtractedText.String)
}

func TestMigrationDuringExtractionKeepsTempObject(t *testing.T) {
	f := newFixture(t)
	gate := &gatedDispatcher{}
	f.service.dispatcher = gate
	ctx := context.Background()
	ownerID := uuid.New()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	// Anonymous complete schedules extraction; the task has not run yet.
	j, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	require.True(t, dispatched)
	require.Equal(t, job.StatusProcessing, j.Status)

	// The submitter signs in and claims the job while extraction is in flight.
	j, dispatched, err = f.service.Complete(ctx, CompleteInput{
		JobID:     res.JobID,
		SessionID: res.SessionID,
		CallerID:  uuid.NullUUID{UUID: ownerID, Valid: true},
	})
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Equal(t, ownerID, j.OwnerID.UUID)

	// The worker captured the temp location at dispatch, so migration must
	// not delete it out from under the in-flight extraction.
	newKey := fmt.Sprintf("%s/%s/paper.pdf", ownerID, res.JobID)
	assert.True(t, f.store.has("papers", newKey))
	assert.True(t, f.store.has("temp", res.StoragePath))

	gate.run()

	final, err := f.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, "extracted text", final.ExtractedText.String)
}

func TestCompleteMigrationRaceLeavesJobClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	first := uuid.New()
	_, _, err := f.service.Complete(ctx, CompleteInput{
		JobID:     res.JobID,
		SessionID: res.SessionID,
		CallerID:  uuid.NullUUID{UUID: first, Valid: true},
	})
	require.NoError(t, err)

	// Once claimed, the session alone no longer grants access.
	_, _, err = f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	assert.ErrorIs(t, err, preflight_errors.ErrUnauthorized)

	// Another account cannot take the job over.
	_, _, err = f.service.Complete(ctx, CompleteInput{
		JobID:     res.JobID,
		SessionID: res.SessionID,
		CallerID:  uuid.NullUUID{UUID: uuid.New(), Valid: true},
	})
	assert.ErrorIs(t, err, preflight_errors.ErrForbidden)
}

func TestWorkerFailsJobOnExtractionError(t *testing.T) {
	f := newFixture(t)
	f.service.extractor = fakeExtractor{err: errors.New("failed to process PDF: garbage")}
	ctx := context.Background()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})

	_, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	require.True(t, dispatched)

	final, err := f.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Equal(t, "failed to process PDF: garbage", final.ErrorMessage.String)
}

func TestWorkerFailsJobOnMissingObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Init without the direct upload: the worker finds no object.
	res, err := f.service.Init(ctx, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})
	require.NoError(t, err)

	_, dispatched, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)
	require.True(t, dispatched)

	final, err := f.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Equal(t, "failed to fetch uploaded file from storage", final.ErrorMessage.String)
}

func TestStatusAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()

	anon := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})
	owned, err := f.service.Init(ctx, InitInput{
		FileName: "paper.pdf",
		FileSize: 1024,
		CallerID: uuid.NullUUID{UUID: ownerID, Valid: true},
		SourceIP: "10.0.0.1",
	})
	require.NoError(t, err)

	// Anonymous job: session proves access, its absence denies it.
	j, err := f.service.Status(ctx, StatusInput{JobID: anon.JobID, SessionID: anon.SessionID})
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploading, j.Status)

	_, err = f.service.Status(ctx, StatusInput{JobID: anon.JobID})
	assert.ErrorIs(t, err, preflight_errors.ErrUnauthorized)

	// Owned job: only the owner may read it.
	_, err = f.service.Status(ctx, StatusInput{JobID: owned.JobID, CallerID: uuid.NullUUID{UUID: ownerID, Valid: true}})
	assert.NoError(t, err)

	_, err = f.service.Status(ctx, StatusInput{JobID: owned.JobID})
	assert.ErrorIs(t, err, preflight_errors.ErrUnauthorized)

	_, err = f.service.Status(ctx, StatusInput{JobID: owned.JobID, CallerID: uuid.NullUUID{UUID: uuid.New(), Valid: true}})
	assert.ErrorIs(t, err, preflight_errors.ErrForbidden)
}

func TestTerminalStatusIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := initAndUpload(t, f, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})
	_, _, err := f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		j, err := f.service.Status(ctx, StatusInput{JobID: res.JobID, SessionID: res.SessionID})
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.Equal(t, "extracted text", j.ExtractedText.String)
	}
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Pending(ctx, "")
	assert.ErrorIs(t, err, preflight_errors.ErrSessionRequired)

	res, err := f.service.Init(ctx, InitInput{FileName: "paper.pdf", FileSize: 1024, SourceIP: "10.0.0.1"})
	require.NoError(t, err)

	jobs, err := f.service.Pending(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)

	// A completed job no longer shows up as pending.
	require.NoError(t, f.store.Put(ctx, res.Bucket, res.StoragePath, []byte("%PDF"), "application/pdf"))
	_, _, err = f.service.Complete(ctx, CompleteInput{JobID: res.JobID, SessionID: res.SessionID})
	require.NoError(t, err)

	jobs, err = f.service.Pending(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
