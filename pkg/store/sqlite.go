package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/verisol/verify-api/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string for concurrent access:
	// - _journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _txlock=immediate: acquire write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent claims
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		repository TEXT NOT NULL,
		program_id TEXT NOT NULL,
		commit_hash TEXT,
		lib_name TEXT,
		bpf_flag BOOLEAN NOT NULL DEFAULT 0,
		base_image TEXT,
		mount_path TEXT,
		cargo_args TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_jobs_program ON jobs(program_id, completed_at);

	CREATE TABLE IF NOT EXISTS verified_builds (
		job_id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		is_verified BOOLEAN NOT NULL,
		on_chain_hash TEXT NOT NULL,
		executable_hash TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		verified_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_builds_program ON verified_builds(program_id, verified_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ClaimJob atomically claims the fingerprint. The unique index on
// fingerprint plus ON CONFLICT DO NOTHING makes the insert the single
// decision point; there is no separate existence check to race against.
func (s *SQLiteStore) ClaimJob(job *models.BuildJob) (*ClaimResult, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
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

	// Fingerprint is held. A failed holder is replaced in the same
	// transaction; the conditional update keeps this atomic. All parameter
	// columns take the winning submission's raw values, which may differ
	// from the prior holder's before normalization.
	result, err = tx.Exec(`
		UPDATE jobs
		SET id = ?, repository = ?, program_id = ?, commit_hash = ?, lib_name = ?,
		    bpf_flag = ?, base_image = ?, mount_path = ?, cargo_args = ?,
		    status = ?, created_at = ?, completed_at = NULL, error = ''
		WHERE fingerprint = ? AND status = ?
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

	existing, err := scanJob(tx.QueryRow(jobSelect+` WHERE fingerprint = ?`, job.Fingerprint))
	if err != nil {
		return nil, err
	}

	res := &ClaimResult{Existing: existing}
	outcome, err := scanOutcome(tx.QueryRow(outcomeSelect+` WHERE job_id = ?`, existing.ID))
	if err == nil {
		res.Outcome = outcome
	} else if err != ErrOutcomeNotFound {
		return nil, err
	}

	return res, tx.Commit()
}

// MarkJobRunning transitions a job to running
func (s *SQLiteStore) MarkJobRunning(id string) error {
	return s.setStatus(id, models.JobStatusRunning, "", false)
}

// MarkJobFailed transitions a job to failed with the internal error message
func (s *SQLiteStore) MarkJobFailed(id string, errMsg string) error {
	return s.setStatus(id, models.JobStatusFailed, errMsg, true)
}

func (s *SQLiteStore) setStatus(id string, status models.JobStatus, errMsg string, terminal bool) error {
	var result sql.Result
	var err error
	if terminal {
		result, err = s.db.Exec(`UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			status, errMsg, time.Now().UTC(), id)
	} else {
		result, err = s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id)
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
func (s *SQLiteStore) WriteOutcome(jobID string, outcome *models.VerifiedBuild) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	verifiedAt := outcome.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = time.Now().UTC()
	}

	result, err := tx.Exec(`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
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
		INSERT OR REPLACE INTO verified_builds
		(job_id, program_id, is_verified, on_chain_hash, executable_hash, repo_url, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jobID, outcome.ProgramID, outcome.IsVerified, outcome.OnChainHash,
		outcome.ExecutableHash, outcome.RepoURL, verifiedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const jobSelect = `
	SELECT id, fingerprint, repository, program_id, commit_hash, lib_name, bpf_flag,
	       base_image, mount_path, cargo_args, status, created_at, completed_at, error
	FROM jobs`

const outcomeSelect = `
	SELECT job_id, program_id, is_verified, on_chain_hash, executable_hash, repo_url, verified_at
	FROM verified_builds`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.BuildJob, error) {
	var job models.BuildJob
	var cargoArgs string
	var commitHash, libName, baseImage, mountPath, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Fingerprint, &job.Repository, &job.ProgramID,
		&commitHash, &libName, &job.BPFFlag, &baseImage, &mountPath, &cargoArgs,
		&job.Status, &job.CreatedAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Commit = commitHash.String
	job.LibName = libName.String
	job.BaseImage = baseImage.String
	job.MountPath = mountPath.String
	job.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if cargoArgs != "" && cargoArgs != "null" {
		if err := json.Unmarshal([]byte(cargoArgs), &job.CargoArgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cargo_args: %w", err)
		}
	}

	return &job, nil
}

func scanOutcome(row rowScanner) (*models.VerifiedBuild, error) {
	var outcome models.VerifiedBuild
	err := row.Scan(&outcome.JobID, &outcome.ProgramID, &outcome.IsVerified,
		&outcome.OnChainHash, &outcome.ExecutableHash, &outcome.RepoURL, &outcome.VerifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOutcomeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.BuildJob, error) {
	return scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
}

// GetJobByFingerprint retrieves the job holding a fingerprint
func (s *SQLiteStore) GetJobByFingerprint(fingerprint string) (*models.BuildJob, error) {
	return scanJob(s.db.QueryRow(jobSelect+` WHERE fingerprint = ?`, fingerprint))
}

// ListJobs returns all jobs, newest first
func (s *SQLiteStore) ListJobs() ([]*models.BuildJob, error) {
	rows, err := s.db.Query(jobSelect + ` ORDER BY created_at DESC`)
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
func (s *SQLiteStore) GetRecentVerification(programID string, since time.Time) (*models.VerifiedBuild, error) {
	return scanOutcome(s.db.QueryRow(outcomeSelect+`
		WHERE program_id = ? AND verified_at >= ?
		ORDER BY verified_at DESC
		LIMIT 1`, programID, since))
}

// GetJobMetrics aggregates job counts for the metrics endpoint
func (s *SQLiteStore) GetJobMetrics() (*JobMetrics, error) {
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

	err = s.db.QueryRow(`SELECT COUNT(*) FROM verified_builds WHERE is_verified = 1`).Scan(&m.VerifiedCount)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
