package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"preflight-upload/internal/domain/job"
	preflight_errors "preflight-upload/pkg/errors"
)

type PostgresJobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) Create(ctx context.Context, j *job.UploadJob) error {
	if j.OwnerID.Valid == j.SessionID.Valid {
		return preflight_errors.ErrInvalidInput
	}
	res := r.db.WithContext(ctx).Create(j)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return preflight_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresJobRepository) GetByID(ctx context.Context, id uuid.UUID) (job.UploadJob, error) {
	var j job.UploadJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job.UploadJob{}, preflight_errors.ErrNotFound
		}
		return job.UploadJob{}, err
	}
	return j, nil
}

func (r *PostgresJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, next job.Status) error {
	return r.transition(ctx, id, next, nil)
}

func (r *PostgresJobRepository) Complete(ctx context.Context, id uuid.UUID, extractedText string) error {
	return r.transition(ctx, id, job.StatusCompleted, map[string]interface{}{
		"extracted_text": sql.NullString{String: extractedText, Valid: true},
	})
}

func (r *PostgresJobRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return r.transition(ctx, id, job.StatusFailed, map[string]interface{}{
		"error_message": sql.NullString{String: message, Valid: true},
	})
}

// transition loads the job, checks the state machine and applies the update
// atomically, so concurrent writers cannot both advance the same job.
func (r *PostgresJobRepository) transition(ctx context.Context, id uuid.UUID, next job.Status, extra map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j job.UploadJob
		if err := tx.Where("id = ?", id).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return preflight_errors.ErrNotFound
			}
			return err
		}

		if !j.Status.CanTransitionTo(next) {
			return preflight_errors.ErrInvalidTransition
		}

		updates := map[string]interface{}{
			"status":     next,
			"updated_at": time.Now(),
		}
		for k, v := range extra {
			updates[k] = v
		}

		res := tx.Model(&job.UploadJob{}).
			Where("id = ? AND status = ?", id, j.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Status changed under us; the guard makes concurrent writers
			// lose cleanly instead of double-advancing.
			return preflight_errors.ErrInvalidTransition
		}
		return nil
	})
}

func (r *PostgresJobRepository) ListPendingBySession(ctx context.Context, sessionID string) ([]job.UploadJob, error) {
	var jobs []job.UploadJob
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND owner_id IS NULL AND status IN ?", sessionID,
			[]job.Status{job.StatusUploading, job.StatusUploaded}).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *PostgresJobRepository) ReassignOwner(ctx context.Context, id, ownerID uuid.UUID, bucket, storageKey string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j job.UploadJob
		if err := tx.Where("id = ?", id).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return preflight_errors.ErrNotFound
			}
			return err
		}

		if j.OwnerID.Valid {
			return preflight_errors.ErrAlreadyClaimed
		}

		return tx.Model(&job.UploadJob{}).
			Where("id = ? AND owner_id IS NULL", id).
			Updates(map[string]interface{}{
				"owner_id":    uuid.NullUUID{UUID: ownerID, Valid: true},
				"session_id":  sql.NullString{},
				"bucket":      bucket,
				"storage_key": storageKey,
				"updated_at":  time.Now(),
			}).Error
	})
}
