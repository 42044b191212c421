package preflight_errors

import "errors"

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRateLimited       = errors.New("rate limited")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyClaimed    = errors.New("upload already claimed")

	ErrFileNameRequired = errors.New("file name required")
	ErrNotPDF           = errors.New("only PDF files are allowed")
	ErrTooLarge         = errors.New("file size exceeds limit")
	ErrSessionRequired  = errors.New("session id required")
)
