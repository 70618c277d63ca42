// Package jobs runs provisioning requests in the background for the HTTP
// service and keeps their status.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/internal/archive"
	"github.com/rossigee/ec2-volume-provisioner/internal/provisioner"
	"github.com/rossigee/ec2-volume-provisioner/internal/storage"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

const (
	jobTimeout       = 30 * time.Minute
	keepFinishedJobs = 100
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// Provisioner converges a single request
type Provisioner interface {
	Provision(ctx context.Context, req types.ProvisionRequest) (*types.ProvisionResult, error)
}

// Store persists job records
type Store interface {
	SaveJob(ctx context.Context, record *storage.JobRecord) error
	GetJob(ctx context.Context, id string) (*storage.JobRecord, error)
	ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]*storage.JobRecord, error)
}

// Archiver keeps a copy of finished job results
type Archiver interface {
	ArchiveResult(ctx context.Context, status *types.StatusResponse) error
	FetchResult(ctx context.Context, jobID string) (*types.StatusResponse, error)
}

// Job represents a volume provisioning job
type Job struct {
	ID         string
	Status     types.JobStatus
	Request    types.ProvisionRequest
	Progress   *types.ProgressInfo
	Result     *types.ProvisionResult
	Error      error
	CreatedAt  time.Time
	UpdatedAt  time.Time
	cancelFunc context.CancelFunc
}

// UpdateProgress records the current stage of the job
func (j *Job) UpdateProgress(stage string, percent float64) {
	j.Progress = &types.ProgressInfo{
		Stage:   stage,
		Percent: percent,
	}
	j.UpdatedAt = time.Now()
}

func (j *Job) finished() bool {
	return j.Status == types.StatusCompleted || j.Status == types.StatusFailed || j.Status == types.StatusCancelled
}

func (j *Job) statusResponse() *types.StatusResponse {
	response := &types.StatusResponse{
		JobID:         j.ID,
		Status:        j.Status,
		Result:        j.Result,
		CorrelationID: j.Request.CorrelationID,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.Progress != nil {
		p := *j.Progress
		response.Progress = &p
	}
	if j.Error != nil {
		response.Error = j.Error.Error()
		response.ErrorCode = provisioner.ErrorCode(j.Error)
	}
	return response
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists job state transitions
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithArchiver copies finished job results to an archive
func WithArchiver(archiver Archiver) Option {
	return func(m *Manager) { m.archiver = archiver }
}

// Manager manages volume provisioning jobs
type Manager struct {
	provisioner Provisioner
	store       Store
	archiver    Archiver
	jobs        map[string]*Job
	semaphore   chan struct{} // One provisioning run at a time
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewManager creates a new job manager
func NewManager(p Provisioner, opts ...Option) *Manager {
	m := &Manager{
		provisioner: p,
		jobs:        make(map[string]*Job),
		// Concurrent "create if not exists" runs for the same name race.
		semaphore: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJob starts a new volume provisioning job
func (m *Manager) StartJob(req types.ProvisionRequest) (string, error) {
	if req.State == "" {
		req.State = types.StatePresent
	}
	if err := provisioner.Validate(req); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)

	now := time.Now()
	job := &Job{
		ID:         jobID,
		Status:     types.StatusPending,
		Request:    req,
		CreatedAt:  now,
		UpdatedAt:  now,
		cancelFunc: cancel,
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	m.persist(job)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runJob(ctx, job)

	return jobID, nil
}

// GetJobStatus returns the status of a job, falling back to the store and
// then the archive for jobs no longer held in memory.
func (m *Manager) GetJobStatus(jobID string) (*types.StatusResponse, error) {
	m.mu.RLock()
	job, exists := m.jobs[jobID]
	var response *types.StatusResponse
	if exists {
		response = job.statusResponse()
	}
	m.mu.RUnlock()

	if exists {
		return response, nil
	}

	if m.store != nil {
		record, err := m.store.GetJob(context.Background(), jobID)
		if err == nil {
			return statusFromRecord(record), nil
		}
		if !errors.Is(err, storage.ErrJobNotFound) {
			return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
	}

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err := m.archiver.FetchResult(ctx, jobID)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, archive.ErrNotArchived) {
			return nil, fmt.Errorf("failed to load archived job %s: %w", jobID, err)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// ListJobs returns jobs matching filter, most recently updated first. Jobs
// come from the store when one is configured and from memory otherwise.
func (m *Manager) ListJobs(filter storage.ListJobsFilter) ([]*types.StatusResponse, error) {
	if m.store != nil {
		records, err := m.store.ListJobs(context.Background(), filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		statuses := make([]*types.StatusResponse, 0, len(records))
		for _, record := range records {
			statuses = append(statuses, statusFromRecord(record))
		}
		return statuses, nil
	}

	m.mu.RLock()
	var matched []*Job
	for _, job := range m.jobs {
		if filter.Status != "" && string(job.Status) != filter.Status {
			continue
		}
		if filter.VolumeID != "" && jobVolumeID(job) != filter.VolumeID {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	statuses := make([]*types.StatusResponse, 0, limit)
	for i := max(filter.Offset, 0); i < len(matched) && len(statuses) < limit; i++ {
		statuses = append(statuses, matched[i].statusResponse())
	}
	m.mu.RUnlock()

	return statuses, nil
}

// CancelJob cancels a running job
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	job, exists := m.jobs[jobID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if job.Status != types.StatusRunning && job.Status != types.StatusPending {
		status := job.Status
		m.mu.Unlock()
		return fmt.Errorf("job cannot be cancelled: %s", status)
	}

	job.cancelFunc()
	job.Status = types.StatusCancelled
	job.UpdatedAt = time.Now()
	m.persist(job)
	m.mu.Unlock()

	return nil
}

// runJob executes a provisioning job
func (m *Manager) runJob(ctx context.Context, job *Job) {
	defer m.wg.Done()
	defer job.cancelFunc()

	log := logrus.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"correlation_id": job.Request.CorrelationID,
		"state":          job.Request.State,
	})

	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.finish(job, nil, ctx.Err())
		return
	}

	m.mu.Lock()
	if job.Status == types.StatusCancelled {
		m.mu.Unlock()
		return
	}
	job.Status = types.StatusRunning
	job.UpdateProgress("provisioning", 10)
	m.persist(job)
	m.mu.Unlock()

	log.Info("Starting provisioning job")
	result, err := m.provisioner.Provision(ctx, job.Request)
	m.finish(job, result, err)

	if err != nil {
		log.WithError(err).Warn("Provisioning job failed")
		return
	}
	log.WithFields(logrus.Fields{
		"volume_id": result.VolumeID,
		"device":    result.Device,
		"changed":   result.Changed,
	}).Info("Provisioning job completed")
}

// finish records the outcome of a job unless it was already cancelled
func (m *Manager) finish(job *Job, result *types.ProvisionResult, err error) {
	m.mu.Lock()
	if job.Status == types.StatusCancelled {
		m.mu.Unlock()
		return
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		job.Status = types.StatusCancelled
		job.Error = err
	case err != nil:
		job.Status = types.StatusFailed
		job.Error = err
	default:
		job.Status = types.StatusCompleted
		job.Result = result
		job.UpdateProgress("completed", 100)
	}
	job.UpdatedAt = time.Now()
	status := job.statusResponse()
	m.persist(job)
	m.mu.Unlock()

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.archiver.ArchiveResult(ctx, status); err != nil {
			logrus.WithError(err).WithField("job_id", job.ID).Warn("Failed to archive job result")
		}
	}
}

// persist writes the job to the store; persistence failures are logged only.
// Callers hold m.mu so saves land in the order the job changed.
func (m *Manager) persist(job *Job) {
	if m.store == nil {
		return
	}

	record, err := recordFromJob(job)
	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Warn("Failed to encode job record")
		return
	}

	if err := m.store.SaveJob(context.Background(), record); err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Warn("Failed to persist job")
	}
}

// Wait blocks until all started jobs have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// GetActiveJobs returns the count of active jobs
func (m *Manager) GetActiveJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		if job.Status == types.StatusRunning || job.Status == types.StatusPending {
			count++
		}
	}
	return count
}

// CleanupCompletedJobs drops all but the most recent finished jobs from memory
func (m *Manager) CleanupCompletedJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*Job
	for _, job := range m.jobs {
		if job.finished() {
			finished = append(finished, job)
		}
	}

	if len(finished) <= keepFinishedJobs {
		return 0
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.Before(finished[j].UpdatedAt)
	})

	removed := len(finished) - keepFinishedJobs
	for _, job := range finished[:removed] {
		delete(m.jobs, job.ID)
	}
	return removed
}

// jobVolumeID is the volume a job acted on, once known
func jobVolumeID(job *Job) string {
	if job.Result != nil && job.Result.VolumeID != "" {
		return job.Result.VolumeID
	}
	return job.Request.VolumeID
}

func recordFromJob(job *Job) (*storage.JobRecord, error) {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	record := &storage.JobRecord{
		ID:          job.ID,
		Status:      string(job.Status),
		State:       string(job.Request.State),
		RequestJSON: string(requestJSON),
		VolumeID:    jobVolumeID(job),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}

	if job.Result != nil {
		resultJSON, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		record.ResultJSON = string(resultJSON)
	}
	if job.Error != nil {
		record.ErrorMessage = job.Error.Error()
		record.ErrorCode = provisioner.ErrorCode(job.Error)
	}
	if job.finished() {
		completed := job.UpdatedAt
		record.CompletedAt = &completed
	}

	return record, nil
}

func statusFromRecord(record *storage.JobRecord) *types.StatusResponse {
	response := &types.StatusResponse{
		JobID:     record.ID,
		Status:    types.JobStatus(record.Status),
		Error:     record.ErrorMessage,
		ErrorCode: record.ErrorCode,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}

	var req types.ProvisionRequest
	if err := json.Unmarshal([]byte(record.RequestJSON), &req); err == nil {
		response.CorrelationID = req.CorrelationID
	}
	if record.ResultJSON != "" {
		var result types.ProvisionResult
		if err := json.Unmarshal([]byte(record.ResultJSON), &result); err == nil {
			response.Result = &result
		}
	}
	return response
}
