package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// ErrJobNotFound is returned when no record exists for a job id
var ErrJobNotFound = errors.New("job not found")

// JobRecord represents a provisioning job stored in the database
type JobRecord struct {
	ID           string
	Status       string
	State        string
	RequestJSON  string
	ResultJSON   string
	ErrorMessage string
	ErrorCode    string
	VolumeID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Store provides SQLite-based job persistence
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

const selectColumns = `SELECT id, status, state, request_json, result_json, error_message,
	error_code, volume_id, created_at, updated_at, completed_at FROM jobs`

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized job storage database")
	return store, nil
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // schema_version table may not exist yet

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

// SaveJob persists or updates a job record
func (s *Store) SaveJob(ctx context.Context, record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (id, status, state, request_json, result_json, error_message,
		  error_code, volume_id, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  status = excluded.status,
		  result_json = excluded.result_json,
		  error_message = excluded.error_message,
		  error_code = excluded.error_code,
		  volume_id = excluded.volume_id,
		  updated_at = excluded.updated_at,
		  completed_at = excluded.completed_at`,
		record.ID,
		record.Status,
		record.State,
		record.RequestJSON,
		record.ResultJSON,
		record.ErrorMessage,
		record.ErrorCode,
		record.VolumeID,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		timeToUnixPtr(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", record.ID, err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	return record, nil
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	Status   string // optional: filter by status
	VolumeID string // optional: filter by volume
	Limit    int    // default: 100
	Offset   int    // default: 0
}

// ListJobs retrieves jobs with optional filtering
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000
	}

	query := selectColumns + " WHERE 1 = 1"
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.VolumeID != "" {
		query += " AND volume_id = ?"
		args = append(args, filter.VolumeID)
	}

	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*JobRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return records, nil
}

// MarkInProgressJobsFailed marks all running/pending jobs as failed (called at startup)
func (s *Store) MarkInProgressJobsFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(types.StatusFailed),
		"service restarted while job in progress",
		now,
		now,
		string(types.StatusRunning),
		string(types.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-progress jobs as failed: %w", err)
	}

	return result.RowsAffected()
}

// DeleteOldJobs deletes finished jobs older than the specified duration
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(types.StatusCompleted),
		string(types.StatusFailed),
		string(types.StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old job records")
	}

	return deleted, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*JobRecord, error) {
	record := &JobRecord{}
	var resultJSON, errorMessage, errorCode, volumeID sql.NullString
	var createdAtUnix, updatedAtUnix int64
	var completedAtUnix *int64

	if err := row.Scan(
		&record.ID,
		&record.Status,
		&record.State,
		&record.RequestJSON,
		&resultJSON,
		&errorMessage,
		&errorCode,
		&volumeID,
		&createdAtUnix,
		&updatedAtUnix,
		&completedAtUnix,
	); err != nil {
		return nil, err
	}

	record.ResultJSON = resultJSON.String
	record.ErrorMessage = errorMessage.String
	record.ErrorCode = errorCode.String
	record.VolumeID = volumeID.String
	record.CreatedAt = time.Unix(createdAtUnix, 0)
	record.UpdatedAt = time.Unix(updatedAtUnix, 0)
	if completedAtUnix != nil {
		t := time.Unix(*completedAtUnix, 0)
		record.CompletedAt = &t
	}

	return record, nil
}

// timeToUnixPtr converts a time pointer to Unix timestamp pointer
func timeToUnixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
