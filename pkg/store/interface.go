package store

import (
	"errors"
	"time"

	"github.com/verisol/verify-api/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrOutcomeNotFound     = errors.New("no verification outcome found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// ClaimResult is the answer to an atomic claim attempt. Exactly one of
// Claimed=true or Existing!=nil holds. Outcome is set when the existing
// job has a stored verification outcome.
type ClaimResult struct {
	Claimed  bool
	Existing *models.BuildJob
	Outcome  *models.VerifiedBuild
}

// Store defines the interface for data persistence.
// SQLite, PostgreSQL and the in-memory store implement this interface.
type Store interface {
	// ClaimJob atomically inserts the job unless another job with the same
	// fingerprint is already pending, running or completed. A failed job is
	// re-claimed in the same atomic step, so a failed fingerprint does not
	// block resubmission. This is a single conditional insert, never a
	// check followed by an insert.
	ClaimJob(job *models.BuildJob) (*ClaimResult, error)

	MarkJobRunning(id string) error
	WriteOutcome(jobID string, outcome *models.VerifiedBuild) error
	MarkJobFailed(id string, errMsg string) error

	GetJob(id string) (*models.BuildJob, error)
	GetJobByFingerprint(fingerprint string) (*models.BuildJob, error)
	ListJobs() ([]*models.BuildJob, error)

	// GetRecentVerification returns the most recent outcome for the program
	// completed at or after since, or ErrOutcomeNotFound.
	GetRecentVerification(programID string, since time.Time) (*models.VerifiedBuild, error)

	GetJobMetrics() (*JobMetrics, error)

	Close() error
	HealthCheck() error
}

// JobMetrics contains aggregated job statistics for the metrics endpoint
type JobMetrics struct {
	JobsByStatus  map[models.JobStatus]int
	TotalJobs     int
	VerifiedCount int
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "verify.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
