// Package archive copies finished provisioning job results to an
// S3-compatible bucket so automation runs can be audited after the job
// store has been pruned.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/internal/retry"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

const objectPrefix = "results/"

// ErrNotArchived is returned by FetchResult when no result exists for a job.
var ErrNotArchived = errors.New("job result not archived")

// Client uploads job results to a bucket.
type Client struct {
	minioClient *minio.Client
	bucket      string
	retryConfig retry.Config
}

// NewClient creates an archive client for the bucket at endpoint.
func NewClient(endpoint, accessKey, secretKey, bucket string) (*Client, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket name is required")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT '%s': %w (expected format: https://hostname:port)", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid ARCHIVE_ENDPOINT '%s': missing hostname", endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client for %s: %w", u.Host, err)
	}

	return &Client{
		minioClient: minioClient,
		bucket:      bucket,
		retryConfig: retry.Config{
			MaxAttempts: 3,
			Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
		},
	}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check archive bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create archive bucket %s: %w", c.bucket, err)
	}
	logrus.WithField("bucket", c.bucket).Info("Created archive bucket")
	return nil
}

// ArchiveResult uploads the final status of a job. Uploads are retried;
// the archive is a secondary copy and never fails the job itself.
func (c *Client) ArchiveResult(ctx context.Context, status *types.StatusResponse) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", status.JobID, err)
	}

	object := ObjectName(status.JobID)
	err = retry.WithRetry(ctx, c.retryConfig, func() error {
		_, err := c.minioClient.PutObject(ctx, c.bucket, object, bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{ContentType: "application/json"})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %w", status.JobID, err)
	}

	logrus.WithFields(logrus.Fields{
		"job_id": status.JobID,
		"bucket": c.bucket,
		"object": object,
	}).Debug("Archived job result")
	return nil
}

// FetchResult reads back an archived job status.
func (c *Client) FetchResult(ctx context.Context, jobID string) (*types.StatusResponse, error) {
	object, err := c.minioClient.GetObject(ctx, c.bucket, ObjectName(jobID), minio.GetObjectOptions{})
	if err != nil {
		if notArchived(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, jobID)
		}
		return nil, fmt.Errorf("failed to get archived job %s: %w", jobID, err)
	}
	defer func() {
		_ = object.Close() // Close errors are not critical
	}()

	body, err := io.ReadAll(object)
	if err != nil {
		if notArchived(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, jobID)
		}
		return nil, fmt.Errorf("failed to read archived job %s: %w", jobID, err)
	}

	var status types.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode archived job %s: %w", jobID, err)
	}
	return &status, nil
}

// notArchived reports whether err means the object does not exist.
func notArchived(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// ObjectName returns the object key for a job id.
func ObjectName(jobID string) string {
	return objectPrefix + strings.ReplaceAll(jobID, "/", "_") + ".json"
}
