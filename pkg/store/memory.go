package store

import (
	"sync"
	"time"

	"github.com/verisol/verify-api/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store,
// used in tests and for development runs without persistence.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[string]*models.BuildJob      // by id
	fingerprints map[string]string                // fingerprint -> job id
	outcomes     map[string]*models.VerifiedBuild // by job id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]*models.BuildJob),
		fingerprints: make(map[string]string),
		outcomes:     make(map[string]*models.VerifiedBuild),
	}
}

// ClaimJob atomically claims the fingerprint under the store lock
func (s *MemoryStore) ClaimJob(job *models.BuildJob) (*ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.fingerprints[job.Fingerprint]; ok {
		existing := s.jobs[existingID]
		if existing.Status != models.JobStatusFailed {
			cp := *existing
			res := &ClaimResult{Existing: &cp}
			if outcome, ok := s.outcomes[existingID]; ok {
				o := *outcome
				res.Outcome = &o
			}
			return res, nil
		}
		// Failed jobs do not block resubmission: replace in the same step
		delete(s.jobs, existingID)
	}

	cp := *job
	cp.Status = models.JobStatusPending
	s.jobs[cp.ID] = &cp
	s.fingerprints[cp.Fingerprint] = cp.ID
	return &ClaimResult{Claimed: true}, nil
}

// MarkJobRunning transitions a job to running
func (s *MemoryStore) MarkJobRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = models.JobStatusRunning
	return nil
}

// WriteOutcome stores the verification outcome and completes the job
func (s *MemoryStore) WriteOutcome(jobID string, outcome *models.VerifiedBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now

	o := *outcome
	o.JobID = jobID
	if o.VerifiedAt.IsZero() {
		o.VerifiedAt = now
	}
	s.outcomes[jobID] = &o
	return nil
}

// MarkJobFailed transitions a job to failed with the internal error message
func (s *MemoryStore) MarkJobFailed(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.Error = errMsg
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// GetJobByFingerprint retrieves the job holding a fingerprint
func (s *MemoryStore) GetJobByFingerprint(fingerprint string) (*models.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.fingerprints[fingerprint]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns all jobs
func (s *MemoryStore) ListJobs() ([]*models.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.BuildJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

// GetRecentVerification returns the freshest outcome for a program since the cutoff
func (s *MemoryStore) GetRecentVerification(programID string, since time.Time) (*models.VerifiedBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.VerifiedBuild
	for _, outcome := range s.outcomes {
		if outcome.ProgramID != programID {
			continue
		}
		if outcome.VerifiedAt.Before(since) {
			continue
		}
		if latest == nil || outcome.VerifiedAt.After(latest.VerifiedAt) {
			latest = outcome
		}
	}
	if latest == nil {
		return nil, ErrOutcomeNotFound
	}
	cp := *latest
	return &cp, nil
}

// GetJobMetrics aggregates job counts for the metrics endpoint
func (s *MemoryStore) GetJobMetrics() (*JobMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &JobMetrics{JobsByStatus: make(map[models.JobStatus]int)}
	for _, job := range s.jobs {
		m.JobsByStatus[job.Status]++
		m.TotalJobs++
	}
	for _, outcome := range s.outcomes {
		if outcome.IsVerified {
			m.VerifiedCount++
		}
	}
	return m, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error { return nil }
