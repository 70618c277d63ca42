package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rossigee/ec2-volume-provisioner/internal/jobs"
	"github.com/rossigee/ec2-volume-provisioner/internal/metrics"
	"github.com/rossigee/ec2-volume-provisioner/internal/provisioner"
	"github.com/rossigee/ec2-volume-provisioner/internal/storage"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// Version is reported by the health endpoint
var Version = "dev"

// JobManager interface for job operations
type JobManager interface {
	StartJob(req types.ProvisionRequest) (string, error)
	GetJobStatus(jobID string) (*types.StatusResponse, error)
	ListJobs(filter storage.ListJobsFilter) ([]*types.StatusResponse, error)
	CancelJob(jobID string) error
	GetActiveJobs() int
}

// Handler handles HTTP API requests
type Handler struct {
	jobManager JobManager
	startedAt  time.Time
}

// NewHandler creates a new API handler
func NewHandler(jobManager JobManager) *Handler {
	return &Handler{
		jobManager: jobManager,
		startedAt:  time.Now(),
	}
}

// SetupRoutes configures the API routes. Only the /api/v1 group runs
// behind middleware; health and metrics stay unauthenticated.
func SetupRoutes(router *gin.Engine, handler *Handler, middleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middleware...)
	{
		api.POST("/volumes", handler.ProvisionVolume)
		api.GET("/status/:job_id", handler.GetJobStatus)
		api.GET("/jobs", handler.ListJobs)
		api.DELETE("/cancel/:job_id", handler.CancelJob)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// ProvisionVolume starts a provisioning job for the requested volume state
func (h *Handler) ProvisionVolume(c *gin.Context) {
	var req types.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	if req.CorrelationID == "" {
		req.CorrelationID = c.GetHeader("X-Correlation-ID")
	}

	if err := provisioner.Validate(req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	jobID, err := h.jobManager.StartJob(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to start provisioning",
			Message: err.Error(),
			Code:    500,
		})
		return
	}

	c.JSON(http.StatusAccepted, types.ProvisionResponse{
		JobID:         jobID,
		Status:        "accepted",
		CorrelationID: req.CorrelationID,
	})
}

// GetJobStatus returns the status of a provisioning job
func (h *Handler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "job_id parameter is required",
			Code:    400,
		})
		return
	}

	status, err := h.jobManager.GetJobStatus(jobID)
	if err != nil {
		code := http.StatusInternalServerError
		message := "failed to get job status"
		if errors.Is(err, jobs.ErrJobNotFound) {
			code = http.StatusNotFound
			message = "job not found"
		}
		c.JSON(code, types.ErrorResponse{
			Error:   message,
			Message: err.Error(),
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// ListJobs returns jobs filtered by the status, volume_id, limit and
// offset query parameters
func (h *Handler) ListJobs(c *gin.Context) {
	filter, err := listFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	statuses, err := h.jobManager.ListJobs(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to list jobs",
			Message: err.Error(),
			Code:    500,
		})
		return
	}
	if statuses == nil {
		statuses = []*types.StatusResponse{}
	}

	c.JSON(http.StatusOK, types.JobListResponse{
		Jobs:  statuses,
		Count: len(statuses),
	})
}

func listFilter(c *gin.Context) (storage.ListJobsFilter, error) {
	filter := storage.ListJobsFilter{
		Status:   c.Query("status"),
		VolumeID: c.Query("volume_id"),
	}

	switch types.JobStatus(filter.Status) {
	case "", types.StatusPending, types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusCancelled:
	default:
		return filter, fmt.Errorf("unknown status %q", filter.Status)
	}

	for name, target := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		value := c.Query(name)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("%s must be a non-negative integer, got %q", name, value)
		}
		*target = n
	}
	return filter, nil
}

// CancelJob cancels a running provisioning job
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "job_id parameter is required",
			Code:    400,
		})
		return
	}

	if err := h.jobManager.CancelJob(jobID); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, jobs.ErrJobNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, types.ErrorResponse{
			Error:   "failed to cancel job",
			Message: err.Error(),
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "cancelled",
		"job_id": jobID,
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		ActiveJobs: h.jobManager.GetActiveJobs(),
	})
}
