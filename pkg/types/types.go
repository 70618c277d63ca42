package types

import "time"

// VolumeState is the desired state of a provisioning request
type VolumeState string

const (
	StatePresent VolumeState = "present"
	StateAbsent  VolumeState = "absent"
	StateList    VolumeState = "list"
)

// ProvisionRequest describes the desired state of a single EBS volume
type ProvisionRequest struct {
	InstanceID          string            `json:"instance_id,omitempty"`
	VolumeID            string            `json:"volume_id,omitempty"`
	Name                string            `json:"name,omitempty"`
	VolumeSizeGB        int32             `json:"volume_size_gb,omitempty" binding:"omitempty,min=1"`
	VolumeType          string            `json:"volume_type,omitempty"`
	IOPS                int32             `json:"iops,omitempty" binding:"omitempty,min=0"`
	Encrypted           bool              `json:"encrypted,omitempty"`
	KMSKeyID            string            `json:"kms_key_id,omitempty"`
	SnapshotID          string            `json:"snapshot_id,omitempty"`
	DeviceName          string            `json:"device_name,omitempty"`
	Zone                string            `json:"zone,omitempty"`
	Tags                map[string]string `json:"tags,omitempty"`
	DeleteOnTermination *bool             `json:"delete_on_termination,omitempty"`
	State               VolumeState       `json:"state,omitempty" binding:"omitempty,oneof=present absent list"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
}

// VolumeSummary is the reported view of an EBS volume
type VolumeSummary struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	SizeGB              int32             `json:"size_gb"`
	VolumeType          string            `json:"volume_type,omitempty"`
	IOPS                int32             `json:"iops,omitempty"`
	Zone                string            `json:"zone,omitempty"`
	Encrypted           bool              `json:"encrypted"`
	SnapshotID          string            `json:"snapshot_id,omitempty"`
	CreateTime          *time.Time        `json:"create_time,omitempty"`
	Tags                map[string]string `json:"tags,omitempty"`
	AttachedInstanceID  string            `json:"attached_instance_id,omitempty"`
	AttachedDevice      string            `json:"attached_device,omitempty"`
	AttachmentState     string            `json:"attachment_state,omitempty"`
	DeleteOnTermination bool              `json:"delete_on_termination,omitempty"`
}

// ProvisionResult is the outcome of a provisioning request
type ProvisionResult struct {
	Changed  bool            `json:"changed"`
	VolumeID string          `json:"volume_id,omitempty"`
	Device   string          `json:"device,omitempty"`
	Message  string          `json:"msg,omitempty"`
	Volume   *VolumeSummary  `json:"volume,omitempty"`
	Volumes  []VolumeSummary `json:"volumes,omitempty"`
}

// FailureResult is the reported view of a failed request
type FailureResult struct {
	Failed  bool   `json:"failed"`
	Message string `json:"msg"`
	Code    string `json:"code,omitempty"`
}

// ProvisionResponse represents the response to a provisioning request
type ProvisionResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// JobStatus represents the status of a provisioning job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// ProgressInfo represents progress information for a job
type ProgressInfo struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
}

// StatusResponse represents the response to a status query
type StatusResponse struct {
	JobID         string           `json:"job_id"`
	Status        JobStatus        `json:"status"`
	Progress      *ProgressInfo    `json:"progress,omitempty"`
	Result        *ProvisionResult `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// JobListResponse lists jobs, most recently updated first
type JobListResponse struct {
	Jobs  []*StatusResponse `json:"jobs"`
	Count int               `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	ActiveJobs int       `json:"active_jobs"`
}
