package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"preflight-upload/internal/ratelimit"
	"preflight-upload/internal/services"
	"preflight-upload/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type UploadHandler struct {
	service *services.UploadService
	limiter ratelimit.Limiter
	devMode bool
}

func NewUploadHandler(service *services.UploadService, limiter ratelimit.Limiter, devMode bool) *UploadHandler {
	return &UploadHandler{service: service, limiter: limiter, devMode: devMode}
}

func (h *UploadHandler) Init(c *gin.Context) {
	var req httpdto.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}

	result, err := h.service.Init(c.Request.Context(), services.InitInput{
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		SessionID: req.SessionID,
		CallerID:  callerID(c),
		SourceIP:  c.ClientIP(),
	})
	if err != nil {
		var rle *services.RateLimitError
		if errors.As(err, &rle) {
			c.Header("Retry-After", fmt.Sprintf("%d", rle.RetryAfter))
			c.JSON(http.StatusTooManyRequests, httpdto.RateLimitResponse{
				Error:      rle.Error(),
				Code:       "RATE_LIMITED",
				RetryAfter: rle.RetryAfter,
			})
			return
		}
		respondError(c, err)
		return
	}

	message := "Upload initialized - upload file directly to storage"
	if result.RequiresAuth {
		message = "Upload initialized. Sign in to keep your file."
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.InitUploadResponse{
		JobID:         result.JobID.String(),
		StoragePath:   result.StoragePath,
		Bucket:        result.Bucket,
		SessionID:     result.SessionID,
		RequiresAuth:  result.RequiresAuth,
		UploadURL:     result.UploadURL,
		UploadHeaders: result.UploadHeaders,
		Message:       message,
	}))
}

func (h *UploadHandler) Complete(c *gin.Context) {
	var req httpdto.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}

	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid job id", "INVALID_REQUEST"))
		return
	}

	j, dispatched, err := h.service.Complete(c.Request.Context(), services.CompleteInput{
		JobID:     jobID,
		SessionID: req.SessionID,
		CallerID:  callerID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Upload already acknowledged"
	if dispatched {
		message = "Upload complete, processing started"
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.CompleteUploadResponse{
		JobID:   j.ID.String(),
		Status:  string(j.Status),
		Message: message,
	}))
}

func (h *UploadHandler) Status(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid job id", "INVALID_REQUEST"))
		return
	}

	j, err := h.service.Status(c.Request.Context(), services.StatusInput{
		JobID:     jobID,
		SessionID: c.Query("session_id"),
		CallerID:  callerID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatusResponse{
		Status:        string(j.Status),
		ExtractedText: j.ExtractedText.String,
		Error:         j.ErrorMessage.String,
	}))
}

func (h *UploadHandler) Pending(c *gin.Context) {
	jobs, err := h.service.Pending(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]httpdto.PendingJobDTO, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, httpdto.PendingJobDTO{
			JobID:     j.ID.String(),
			FileName:  j.FileName,
			Status:    string(j.Status),
			CreatedAt: j.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PendingJobsResponse{Jobs: items}))
}

// ClearRateLimit resets rate-limit bookkeeping. Development only; production
// answers 403.
func (h *UploadHandler) ClearRateLimit(c *gin.Context) {
	if !h.devMode {
		c.JSON(http.StatusForbidden, httpdto.NewErrorResponse("not available in production", "FORBIDDEN"))
		return
	}

	switch c.Request.Method {
	case http.MethodDelete:
		ip := c.Query("ip_address")
		if ip == "" {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("ip address required", "INVALID_REQUEST"))
			return
		}
		if err := h.limiter.Reset(c.Request.Context(), ip); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{
			"message": fmt.Sprintf("rate limit cleared for IP: %s", ip),
		}))
	default:
		if c.Query("all") != "true" {
			c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{
				"message": "use ?all=true to clear all rate limits, or DELETE with ?ip_address=x.x.x.x to clear one IP",
			}))
			return
		}
		count, err := h.limiter.ResetAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{
			"message": fmt.Sprintf("cleared all rate limits (%d records)", count),
		}))
	}
}

func callerID(c *gin.Context) uuid.NullUUID {
	if userID, ok := services.UserIDFromContext(c.Request.Context()); ok {
		return uuid.NullUUID{UUID: userID, Valid: true}
	}
	return uuid.NullUUID{}
}

func respondError(c *gin.Context, err error) {
	status := services.HTTPStatus(err)
	c.JSON(status, httpdto.NewErrorResponse(err.Error(), errorCode(status)))
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}
