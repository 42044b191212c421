package job

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload job. Transitions only move
// forward; completed and failed are sinks.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusUploading:  {StatusUploaded},
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UploadJob represents the upload_jobs table: one tracked
// upload-and-extraction attempt. Exactly one of OwnerID and SessionID is set
// at creation; ReassignOwner is the only path that later mutates ownership.
type UploadJob struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OwnerID       uuid.NullUUID  `gorm:"type:uuid;index"`
	SessionID     sql.NullString `gorm:"index"`
	SourceIP      string
	FileName      string `gorm:"not null"`
	Bucket        string `gorm:"not null"`
	StorageKey    string `gorm:"not null"`
	Status        Status `gorm:"type:varchar(16);not null"`
	ExtractedText sql.NullString
	ErrorMessage  sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (UploadJob) TableName() string {
	return "upload_jobs"
}

// Anonymous reports whether the job has not yet been claimed by an account.
func (j UploadJob) Anonymous() bool {
	return !j.OwnerID.Valid
}
