package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/verisol/verify-api/pkg/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		repository TEXT NOT NULL,
		program_id TEXT NOT NULL,
		commit_hash TEXT,
		lib_name TEXT,
		bpf_flag BOOLEAN NOT NULL DEFAULT FALSE,
		base_image TEXT,
		mount_path TEXT,
		cargo_args TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_program ON jobs(program_id, completed_at);

	CREATE TABLE IF NOT EXISTS verified_builds (
		job_id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		is_verified BOOLEAN NOT NULL,
		on_chain_hash TEXT NOT NULL,
		executable_hash TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		verified_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_builds_program ON verified_builds(program_id, verified_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const pgJobSelect = `
	SELECT id, fingerprint, repository, program_id, commit_hash, lib_name, bpf_flag,
	       base_image, mount_path, cargo_args, status, created_at, completed_at, error
	FROM jobs`

const pgOutcomeSelect = `
	SELECT job_id, program_id, is_verified, on_chain_hash, executable_hash, repo_url, verified_at
	FROM verified_builds`

// ClaimJob atomically claims the fingerprint. The UNIQUE constraint plus
// ON CONFLICT DO NOTHING makes the insert the single decision point.
func (s *PostgresStore) ClaimJob(job *models.BuildJob) (*ClaimResult, error) {
	cargoArgs, err := json.Marshal(job.CargoArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cargo_args: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO jobs
		(id, fingerprint, repository, program_id, commit_hash, lib_name, bpf_flag,
		 base_image, mount_path, cargo_args, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fingerprint) DO NOTHING
	`, job.ID, job.Fingerprint, job.Repository, job.ProgramID, job.Commit, job.LibName,
		job.BPFFlag, job.BaseImage, job.MountPath, string(cargoArgs),
		models.JobStatusPending, job.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return &ClaimResult{Claimed: true}, tx.Commit()
	}

	// Failed holders are replaced in the same transaction; parameter
	// columns take the winning submission's raw values
	result, err = tx.Exec(`
		UPDATE jobs
		SET id = $1, repository = $2, program_id = $3, commit_hash = $4, lib_name = $5,
		    bpf_flag = $6, base_image = $7, mount_path = $8, cargo_args = $9,
		    status = $10, created_at = $11, completed_at = NULL, error = ''
		WHERE fingerprint = $12 AND status = $13
	`, job.ID, job.Repository, job.ProgramID, job.Commit, job.LibName,
		job.BPFFlag, job.BaseImage, job.MountPath, string(cargoArgs),
		models.JobStatusPending, job.CreatedAt, job.Fingerprint, models.JobStatusFailed)
	if err != nil {
		return nil, err
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return &ClaimResult{Claimed: true}, tx.Commit()
	}

	existing, err := scanJob(tx.QueryRow(pgJobSelect+` WHERE fingerprint = $1`, job.Fingerprint))
	if err != nil {
		return nil, err
	}

	res := &ClaimResult{Existing: existing}
	outcome, err := scanOutcome(tx.QueryRow(pgOutcomeSelect+` WHERE job_id = $1`, existing.ID))
	if err == nil {
		res.Outcome = outcome
	} else if err != ErrOutcomeNotFound {
		return nil, err
	}

	return res, tx.Commit()
}

// MarkJobRunning transitions a job to running
func (s *PostgresStore) MarkJobRunning(id string) error {
	return s.setStatus(id, models.JobStatusRunning, "", false)
}

// MarkJobFailed transitions a job to failed with the internal error message
func (s *PostgresStore) MarkJobFailed(id string, errMsg string) error {
	return s.setStatus(id, models.JobStatusFailed, errMsg, true)
}

func (s *PostgresStore) setStatus(id string, status models.JobStatus, errMsg string, terminal bool) error {
	var result sql.Result
	var err error
	if terminal {
		result, err = s.db.Exec(`UPDATE jobs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
			status, errMsg, time.Now().UTC(), id)
	} else {
		result, err = s.db.Exec(`UPDATE jobs SET status = $1 WHERE id = $2`, status, id)
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// WriteOutcome stores the verification outcome and completes the job
func (s *PostgresStore) WriteOutcome(jobID string, outcome *models.VerifiedBuild) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	verifiedAt := outcome.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = time.Now().UTC()
	}

	result, err := tx.Exec(`UPDATE jobs SET status = $1, completed_at = $2 WHERE id = $3`,
		models.JobStatusCompleted, verifiedAt, jobID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	_, err = tx.Exec(`
		INSERT INTO verified_builds
		(job_id, program_id, is_verified, on_chain_hash, executable_hash, repo_url, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			is_verified = EXCLUDED.is_verified,
			on_chain_hash = EXCLUDED.on_chain_hash,
			executable_hash = EXCLUDED.executable_hash,
			repo_url = EXCLUDED.repo_url,
			verified_at = EXCLUDED.verified_at
	`, jobID, outcome.ProgramID, outcome.IsVerified, outcome.OnChainHash,
		outcome.ExecutableHash, outcome.RepoURL, verifiedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.BuildJob, error) {
	return scanJob(s.db.QueryRow(pgJobSelect+` WHERE id = $1`, id))
}

// GetJobByFingerprint retrieves the job holding a fingerprint
func (s *PostgresStore) GetJobByFingerprint(fingerprint string) (*models.BuildJob, error) {
	return scanJob(s.db.QueryRow(pgJobSelect+` WHERE fingerprint = $1`, fingerprint))
}

// ListJobs returns all jobs, newest first
func (s *PostgresStore) ListJobs() ([]*models.BuildJob, error) {
	rows, err := s.db.Query(pgJobSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.BuildJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetRecentVerification returns the freshest outcome for a program since the cutoff
func (s *PostgresStore) GetRecentVerification(programID string, since time.Time) (*models.VerifiedBuild, error) {
	return scanOutcome(s.db.QueryRow(pgOutcomeSelect+`
		WHERE program_id = $1 AND verified_at >= $2
		ORDER BY verified_at DESC
		LIMIT 1`, programID, since))
}

// GetJobMetrics aggregates job counts for the metrics endpoint
func (s *PostgresStore) GetJobMetrics() (*JobMetrics, error) {
	m := &JobMetrics{JobsByStatus: make(map[models.JobStatus]int)}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.JobsByStatus[status] = count
		m.TotalJobs += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`SELECT COUNT(*) FROM verified_builds WHERE is_verified = TRUE`).Scan(&m.VerifiedCount)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close closes the underlying database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
