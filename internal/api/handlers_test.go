package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rossigee/ec2-volume-provisioner/internal/jobs"
	"github.com/rossigee/ec2-volume-provisioner/internal/storage"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// MockJobManager for testing
type MockJobManager struct {
	startJobCalled bool
	lastRequest    types.ProvisionRequest
	startErr       error
	statusErr      error
	cancelErr      error
	listErr        error
	lastFilter     storage.ListJobsFilter
	listed         []*types.StatusResponse
	activeJobs     int
}

func (m *MockJobManager) StartJob(req types.ProvisionRequest) (string, error) {
	m.startJobCalled = true
	m.lastRequest = req
	if m.startErr != nil {
		return "", m.startErr
	}
	return "test-job-id", nil
}

func (m *MockJobManager) GetJobStatus(jobID string) (*types.StatusResponse, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &types.StatusResponse{
		JobID:  jobID,
		Status: types.StatusCompleted,
		Result: &types.ProvisionResult{
			Changed:  true,
			VolumeID: "vol-0abc",
			Device:   "/dev/sdf",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MockJobManager) ListJobs(filter storage.ListJobsFilter) ([]*types.StatusResponse, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listed, nil
}

func (m *MockJobManager) CancelJob(jobID string) error {
	return m.cancelErr
}

func (m *MockJobManager) GetActiveJobs() int {
	return m.activeJobs
}

func newRouter(manager JobManager, middleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, NewHandler(manager), middleware...)
	return router
}

func postVolumes(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/volumes", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestNewHandler(t *testing.T) {
	mockManager := &MockJobManager{}
	handler := NewHandler(mockManager)

	assert.NotNil(t, handler)
	assert.Equal(t, mockManager, handler.jobManager)
}

func TestSetupRoutes(t *testing.T) {
	router := newRouter(&MockJobManager{})

	routePaths := make(map[string]bool)
	for _, route := range router.Routes() {
		routePaths[route.Method+" "+route.Path] = true
	}

	assert.True(t, routePaths["POST /api/v1/volumes"])
	assert.True(t, routePaths["GET /api/v1/status/:job_id"])
	assert.True(t, routePaths["GET /api/v1/jobs"])
	assert.True(t, routePaths["DELETE /api/v1/cancel/:job_id"])
	assert.True(t, routePaths["GET /health"])
	assert.True(t, routePaths["GET /metrics"])
}

func TestMiddlewareOnlyGuardsAPI(t *testing.T) {
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	router := newRouter(&MockJobManager{}, deny)

	w := postVolumes(router, `{"volume_size_gb": 10}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router := newRouter(&MockJobManager{activeJobs: 2})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var health types.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.ActiveJobs)
	assert.NotEmpty(t, health.Uptime)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newRouter(&MockJobManager{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProvisionVolume_InvalidJSON(t *testing.T) {
	mockManager := &MockJobManager{}
	w := postVolumes(newRouter(mockManager), "invalid json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request")
	assert.False(t, mockManager.startJobCalled)
}

func TestProvisionVolume_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "empty request",
			body:    `{}`,
			message: "missing parameter",
		},
		{
			name:    "id with size",
			body:    `{"volume_id": "vol-1", "volume_size_gb": 10}`,
			message: "conflicting parameters",
		},
		{
			name:    "unknown state",
			body:    `{"volume_id": "vol-1", "state": "gone"}`,
			message: "invalid request",
		},
		{
			name:    "absent without identity",
			body:    `{"state": "absent"}`,
			message: "missing parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockManager := &MockJobManager{}
			w := postVolumes(newRouter(mockManager), tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.message)
			assert.False(t, mockManager.startJobCalled)
		})
	}
}

func TestProvisionVolume_ValidRequest(t *testing.T) {
	mockManager := &MockJobManager{}
	router := newRouter(mockManager)

	requestBody := `{
		"instance_id": "i-0123456789abcdef0",
		"name": "data",
		"volume_size_gb": 10,
		"volume_type": "gp3",
		"tags": {"team": "storage"}
	}`

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/volumes", bytes.NewBufferString(requestBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", "corr-42")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, mockManager.startJobCalled)
	assert.Equal(t, "i-0123456789abcdef0", mockManager.lastRequest.InstanceID)
	assert.Equal(t, "data", mockManager.lastRequest.Name)
	assert.Equal(t, int32(10), mockManager.lastRequest.VolumeSizeGB)
	assert.Equal(t, "storage", mockManager.lastRequest.Tags["team"])

	var response types.ProvisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "test-job-id", response.JobID)
	assert.Equal(t, "accepted", response.Status)
	assert.Equal(t, "corr-42", response.CorrelationID)
}

func TestProvisionVolume_StartFailure(t *testing.T) {
	mockManager := &MockJobManager{startErr: errors.New("store unavailable")}
	w := postVolumes(newRouter(mockManager), `{"volume_id": "vol-1", "state": "absent"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "store unavailable")
}

func TestGetJobStatus(t *testing.T) {
	router := newRouter(&MockJobManager{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/status/job-1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status types.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "job-1", status.JobID)
	assert.Equal(t, types.StatusCompleted, status.Status)
	require.NotNil(t, status.Result)
	assert.Equal(t, "vol-0abc", status.Result.VolumeID)
}

func TestGetJobStatus_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "unknown job",
			err:      fmt.Errorf("%w: job-1", jobs.ErrJobNotFound),
			expected: http.StatusNotFound,
		},
		{
			name:     "store failure",
			err:      errors.New("database is locked"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&MockJobManager{statusErr: tt.err})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/api/v1/status/job-1", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestListJobs(t *testing.T) {
	mockManager := &MockJobManager{listed: []*types.StatusResponse{
		{JobID: "job-2", Status: types.StatusFailed, ErrorCode: "StillAttached"},
		{JobID: "job-1", Status: types.StatusFailed, ErrorCode: "NotFound"},
	}}
	router := newRouter(mockManager)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/jobs?status=failed&volume_id=vol-1&limit=5&offset=2", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.ListJobsFilter{Status: "failed", VolumeID: "vol-1", Limit: 5, Offset: 2}, mockManager.lastFilter)

	var response types.JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Count)
	require.Len(t, response.Jobs, 2)
	assert.Equal(t, "job-2", response.Jobs[0].JobID)
	assert.Equal(t, "StillAttached", response.Jobs[0].ErrorCode)
}

func TestListJobs_Empty(t *testing.T) {
	router := newRouter(&MockJobManager{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/jobs", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs": [], "count": 0}`, w.Body.String())
}

func TestListJobs_Errors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		listErr  error
		expected int
	}{
		{name: "unknown status", query: "?status=done", expected: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=many", expected: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", expected: http.StatusBadRequest},
		{name: "store failure", listErr: errors.New("database is locked"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&MockJobManager{listErr: tt.listErr})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/api/v1/jobs"+tt.query, nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "cancelled",
			expected: http.StatusOK,
		},
		{
			name:     "unknown job",
			err:      fmt.Errorf("%w: job-1", jobs.ErrJobNotFound),
			expected: http.StatusNotFound,
		},
		{
			name:     "already finished",
			err:      errors.New("job cannot be cancelled: completed"),
			expected: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&MockJobManager{cancelErr: tt.err})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("DELETE", "/api/v1/cancel/job-1", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}
