package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"preflight-upload/internal/domain/job"
	"preflight-upload/internal/extract"
	"preflight-upload/internal/ratelimit"
	"preflight-upload/internal/repository"
	"preflight-upload/internal/storage"
	"preflight-upload/internal/worker"
	preflight_errors "preflight-upload/pkg/errors"
	"preflight-upload/pkg/logger"
)

const uploadContentType = "application/pdf"

// UploadConfig carries the orchestrator's external configuration.
type UploadConfig struct {
	TempBucket      string
	PermanentBucket string
	MaxFileSize     int64
}

// UploadService coordinates the upload job lifecycle: init -> direct upload
// -> complete -> processing, plus ownership migration when an anonymous
// submitter signs in.
type UploadService struct {
	jobs       repository.JobRepository
	store      storage.ObjectStore
	extractor  extract.Extractor
	limiter    ratelimit.Limiter
	dispatcher worker.Dispatcher
	cfg        UploadConfig
	logger     *logger.Logger
}

func NewUploadService(
	jobs repository.JobRepository,
	store storage.ObjectStore,
	extractor extract.Extractor,
	limiter ratelimit.Limiter,
	dispatcher worker.Dispatcher,
	cfg UploadConfig,
	l *logger.Logger,
) *UploadService {
	return &UploadService{
		jobs:       jobs,
		store:      store,
		extractor:  extractor,
		limiter:    limiter,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     l,
	}
}

// RateLimitError carries the seconds until the caller's window resets.
type RateLimitError struct {
	RetryAfter int64
}

func (e *RateLimitError) Error() string {
	return "upload rate limit exceeded. Please sign in to continue uploading, or try again later."
}

func (e *RateLimitError) Unwrap() error {
	return preflight_errors.ErrRateLimited
}

type InitInput struct {
	FileName  string
	FileSize  int64
	SessionID string
	CallerID  uuid.NullUUID
	SourceIP  string
}

type InitResult struct {
	JobID         uuid.UUID
	StoragePath   string
	Bucket        string
	SessionID     string
	RequiresAuth  bool
	UploadURL     string
	UploadHeaders map[string]string
}

// Init validates the request, rate-limits anonymous callers and creates the
// job in `uploading`, handing back a presigned target for the direct upload.
func (s *UploadService) Init(ctx context.Context, in InitInput) (InitResult, error) {
	if in.FileName == "" {
		return InitResult{}, preflight_errors.ErrFileNameRequired
	}
	if strings.ToLower(path.Ext(in.FileName)) != ".pdf" {
		return InitResult{}, preflight_errors.ErrNotPDF
	}
	if in.FileSize > s.cfg.MaxFileSize {
		return InitResult{}, preflight_errors.ErrTooLarge
	}

	jobID := uuid.New()
	newJob := job.UploadJob{
		ID:       jobID,
		SourceIP: in.SourceIP,
		FileName: in.FileName,
		Status:   job.StatusUploading,
	}

	sessionID := in.SessionID
	if in.CallerID.Valid {
		newJob.OwnerID = in.CallerID
		newJob.Bucket = s.cfg.PermanentBucket
		newJob.StorageKey = permanentKey(in.CallerID.UUID, jobID, in.FileName)
	} else {
		res := s.limiter.Allow(ctx, in.SourceIP)
		if !res.Allowed {
			return InitResult{}, &RateLimitError{RetryAfter: int64(res.RetryAfter.Seconds())}
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		newJob.SessionID = nullString(sessionID)
		newJob.Bucket = s.cfg.TempBucket
		newJob.StorageKey = temporaryKey(sessionID, jobID, in.FileName)
	}

	if err := s.jobs.Create(ctx, &newJob); err != nil {
		return InitResult{}, err
	}

	uploadURL, headers, err := s.store.PresignPut(ctx, newJob.Bucket, newJob.StorageKey, uploadContentType, in.FileSize)
	if err != nil {
		return InitResult{}, err
	}

	return InitResult{
		JobID:         jobID,
		StoragePath:   newJob.StorageKey,
		Bucket:        newJob.Bucket,
		SessionID:     sessionID,
		RequiresAuth:  !in.CallerID.Valid,
		UploadURL:     uploadURL,
		UploadHeaders: headers,
	}, nil
}

type CompleteInput struct {
	JobID     uuid.UUID
	SessionID string
	CallerID  uuid.NullUUID
}

// Complete acknowledges the client's direct upload. It migrates ownership
// when an authenticated caller presents the session of an anonymous job,
// advances the state machine and dispatches the extraction worker exactly
// once. Calling it again for a job already in flight or terminal is a no-op.
func (s *UploadService) Complete(ctx context.Context, in CompleteInput) (job.UploadJob, bool, error) {
	j, err := s.jobs.GetByID(ctx, in.JobID)
	if err != nil {
		return job.UploadJob{}, false, err
	}

	if err := authorize(j, in.SessionID, in.CallerID); err != nil {
		return job.UploadJob{}, false, err
	}

	if j.Anonymous() && in.CallerID.Valid {
		j, err = s.migrate(ctx, j, in.CallerID.UUID)
		if err != nil {
			return job.UploadJob{}, false, err
		}
	}

	if j.Status == job.StatusUploading {
		if err := s.jobs.UpdateStatus(ctx, j.ID, job.StatusUploaded); err != nil {
			if !errors.Is(err, preflight_errors.ErrInvalidTransition) {
				return job.UploadJob{}, false, err
			}
		} else {
			j.Status = job.StatusUploaded
		}
	}

	dispatched := false
	if j.Status == job.StatusUploaded {
		// The transition is issued before the worker is dispatched, so a
		// client observing `processing` knows the worker was scheduled. The
		// transition guard also makes the dispatch exactly-once: a
		// concurrent complete call loses with ErrInvalidTransition.
		err := s.jobs.UpdateStatus(ctx, j.ID, job.StatusProcessing)
		switch {
		case err == nil:
			jobID, bucket, key := j.ID, j.Bucket, j.StorageKey
			s.dispatcher.Dispatch(func() {
				s.process(jobID, bucket, key)
			})
			dispatched = true
			j.Status = job.StatusProcessing
		case errors.Is(err, preflight_errors.ErrInvalidTransition):
			if j, err = s.jobs.GetByID(ctx, j.ID); err != nil {
				return job.UploadJob{}, false, err
			}
		default:
			return job.UploadJob{}, false, err
		}
	}

	return j, dispatched, nil
}

// migrate moves the bytes of an anonymous job from the temporary bucket to
// the permanent one and attaches the job to the account. The temp delete is
// best-effort and skipped while extraction is in flight, since the worker
// resolved its bucket+key at dispatch time.
func (s *UploadService) migrate(ctx context.Context, j job.UploadJob, ownerID uuid.UUID) (job.UploadJob, error) {
	newKey := permanentKey(ownerID, j.ID, j.FileName)

	data, err := s.store.Get(ctx, j.Bucket, j.StorageKey)
	if err != nil {
		return job.UploadJob{}, err
	}
	if err := s.store.Put(ctx, s.cfg.PermanentBucket, newKey, data, uploadContentType); err != nil {
		return job.UploadJob{}, err
	}

	if err := s.jobs.ReassignOwner(ctx, j.ID, ownerID, s.cfg.PermanentBucket, newKey); err != nil {
		return job.UploadJob{}, err
	}

	if j.Status == job.StatusProcessing {
		s.logger.Infof("skipping temp delete for job %s, extraction in flight", j.ID)
	} else if err := s.store.Delete(ctx, j.Bucket, j.StorageKey); err != nil {
		s.logger.Warnf("failed to delete temp object %s/%s: %s", j.Bucket, j.StorageKey, err)
	}

	return s.jobs.GetByID(ctx, j.ID)
}

// process is the extraction worker body. It runs detached from any request
// and is the only writer of terminal states.
func (s *UploadService) process(jobID uuid.UUID, bucket, key string) {
	ctx := context.Background()

	data, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		s.logger.Errorf("job %s: fetch %s/%s failed: %s", jobID, bucket, key, err)
		s.fail(ctx, jobID, "failed to fetch uploaded file from storage")
		return
	}

	text, err := s.extractor.Extract(ctx, data)
	if err != nil {
		s.fail(ctx, jobID, err.Error())
		return
	}

	if err := s.jobs.Complete(ctx, jobID, text); err != nil {
		s.logger.Errorf("job %s: failed to record completion: %s", jobID, err)
	}
}

func (s *UploadService) fail(ctx context.Context, jobID uuid.UUID, message string) {
	if err := s.jobs.Fail(ctx, jobID, message); err != nil {
		s.logger.Errorf("job %s: failed to record failure: %s", jobID, err)
	}
}

type StatusInput struct {
	JobID     uuid.UUID
	SessionID string
	CallerID  uuid.NullUUID
}

// Status returns the job for polling. Terminal jobs return the same payload
// indefinitely.
func (s *UploadService) Status(ctx context.Context, in StatusInput) (job.UploadJob, error) {
	j, err := s.jobs.GetByID(ctx, in.JobID)
	if err != nil {
		return job.UploadJob{}, err
	}
	if err := authorize(j, in.SessionID, in.CallerID); err != nil {
		return job.UploadJob{}, err
	}
	return j, nil
}

// Pending lists a session's unclaimed jobs still waiting on completion or
// migration. Used after sign-in to find work to claim.
func (s *UploadService) Pending(ctx context.Context, sessionID string) ([]job.UploadJob, error) {
	if sessionID == "" {
		return nil, preflight_errors.ErrSessionRequired
	}
	return s.jobs.ListPendingBySession(ctx, sessionID)
}

// authorize checks that the caller may act on the job: owner match when the
// job is claimed, session match otherwise. The session check is what stops a
// stranger from hijacking a pending job by guessing its id.
func authorize(j job.UploadJob, sessionID string, callerID uuid.NullUUID) error {
	if !j.Anonymous() {
		if !callerID.Valid {
			return preflight_errors.ErrUnauthorized
		}
		if callerID.UUID != j.OwnerID.UUID {
			return preflight_errors.ErrForbidden
		}
		return nil
	}
	if sessionID == "" || !j.SessionID.Valid || j.SessionID.String != sessionID {
		return preflight_errors.ErrUnauthorized
	}
	return nil
}

func permanentKey(ownerID, jobID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, jobID, fileName)
}

func temporaryKey(sessionID string, jobID uuid.UUID, fileName string) string {
	return fmt.Sprintf("temp/%s/%s/%s", sessionID, jobID, fileName)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
