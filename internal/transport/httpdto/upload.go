package httpdto

// InitUploadRequest is used for POST /v1/upload/init
type InitUploadRequest struct {
	FileName  string `json:"file_name" binding:"required"`
	FileSize  int64  `json:"file_size"`
	SessionID string `json:"session_id"`
}

// InitUploadResponse is returned after initializing an upload job
type InitUploadResponse struct {
	JobID         string            `json:"job_id"`
	StoragePath   string            `json:"storage_path"`
	Bucket        string            `json:"bucket"`
	SessionID     string            `json:"session_id,omitempty"`
	RequiresAuth  bool              `json:"requires_auth"`
	UploadURL     string            `json:"upload_url,omitempty"`
	UploadHeaders map[string]string `json:"upload_headers,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// CompleteUploadRequest is used for POST /v1/upload/complete
type CompleteUploadRequest struct {
	JobID     string `json:"job_id" binding:"required"`
	SessionID string `json:"session_id"`
}

// CompleteUploadResponse is returned after acknowledging a direct upload
type CompleteUploadResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse is returned by GET /v1/upload/status/:jobId
type StatusResponse struct {
	Status        string `json:"status"`
	ExtractedText string `json:"extracted_text,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PendingJobDTO represents an unclaimed job in the pending list
type PendingJobDTO struct {
	JobID     string `json:"job_id"`
	FileName  string `json:"file_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// PendingJobsResponse is returned by GET /v1/upload/pending
type PendingJobsResponse struct {
	Jobs []PendingJobDTO `json:"jobs"`
}
