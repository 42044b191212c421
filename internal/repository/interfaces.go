package repository

import (
	"context"

	"github.com/google/uuid"

	"preflight-upload/internal/domain/job"
	"preflight-upload/internal/domain/user"
)

type JobRepository interface {
	// Create persists a new job. Exactly one of OwnerID and SessionID must
	// be set.
	Create(ctx context.Context, j *job.UploadJob) error
	GetByID(ctx context.Context, id uuid.UUID) (job.UploadJob, error)

	// UpdateStatus advances the job through the state machine. Illegal
	// transitions fail with ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id uuid.UUID, next job.Status) error
	// Complete and Fail write the terminal states together with their
	// payloads. Only the extraction worker calls these.
	Complete(ctx context.Context, id uuid.UUID, extractedText string) error
	Fail(ctx context.Context, id uuid.UUID, message string) error

	// ListPendingBySession returns unclaimed jobs for a session that are
	// still in {uploading, uploaded}, newest first.
	ListPendingBySession(ctx context.Context, sessionID string) ([]job.UploadJob, error)

	// ReassignOwner attaches an anonymous job to an account and records its
	// new storage location. Fails with ErrAlreadyClaimed if the job already
	// has an owner.
	ReassignOwner(ctx context.Context, id, ownerID uuid.UUID, bucket, storageKey string) error
}

type UserRepository interface {
	Create(ctx context.Context, u *user.User) error
	GetByID(ctx context.Context, id uuid.UUID) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
}
