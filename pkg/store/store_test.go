package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verisol/verify-api/pkg/models"
)

func newJob(fingerprint, programID string) *models.BuildJob {
	return &models.BuildJob{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		Repository:  "https://example.com/r.git",
		ProgramID:   programID,
		Status:      models.JobStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// runStoreSuite exercises the claim protocol and lifecycle against any
// Store implementation.
func runStoreSuite(t *testing.T, s Store) {
	t.Run("ClaimThenDuplicate", func(t *testing.T) {
		job := newJob("fp-dup", "ProgA")
		res, err := s.ClaimJob(job)
		require.NoError(t, err)
		assert.True(t, res.Claimed)
		assert.Nil(t, res.Existing)

		dup := newJob("fp-dup", "ProgA")
		res, err = s.ClaimJob(dup)
		require.NoError(t, err)
		assert.False(t, res.Claimed)
		require.NotNil(t, res.Existing)
		assert.Equal(t, job.ID, res.Existing.ID)
		assert.Nil(t, res.Outcome)
	})

	t.Run("CompletedClaimReturnsOutcome", func(t *testing.T) {
		job := newJob("fp-done", "ProgB")
		res, err := s.ClaimJob(job)
		require.NoError(t, err)
		require.True(t, res.Claimed)

		require.NoError(t, s.MarkJobRunning(job.ID))
		outcome := &models.VerifiedBuild{
			ProgramID:      "ProgB",
			IsVerified:     true,
			OnChainHash:    "abc",
			ExecutableHash: "abc",
			RepoURL:        "https://example.com/r.git",
			VerifiedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.WriteOutcome(job.ID, outcome))

		got, err := s.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)

		res, err = s.ClaimJob(newJob("fp-done", "ProgB"))
		require.NoError(t, err)
		assert.False(t, res.Claimed)
		require.NotNil(t, res.Outcome)
		assert.True(t, res.Outcome.IsVerified)
		assert.Equal(t, "abc", res.Outcome.OnChainHash)
	})

	t.Run("FailedJobIsReclaimable", func(t *testing.T) {
		job := newJob("fp-failed", "ProgC")
		res, err := s.ClaimJob(job)
		require.NoError(t, err)
		require.True(t, res.Claimed)

		require.NoError(t, s.MarkJobRunning(job.ID))
		require.NoError(t, s.MarkJobFailed(job.ID, "build exploded"))

		// Same fingerprint, different raw field values (the fingerprint
		// normalizes casing and trailing slashes, the record should not)
		retry := newJob("fp-failed", "ProgC")
		retry.Repository = "https://Example.com/r.git/"
		retry.Commit = "DEADBEEF"
		retry.CargoArgs = []string{"--features", "mainnet"}
		res, err = s.ClaimJob(retry)
		require.NoError(t, err)
		assert.True(t, res.Claimed, "failed fingerprint should be reclaimable")

		got, err := s.GetJobByFingerprint("fp-failed")
		require.NoError(t, err)
		assert.Equal(t, retry.ID, got.ID)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Empty(t, got.Error)
		assert.Nil(t, got.CompletedAt)

		// The record reflects the winning submission, not the failed holder
		assert.Equal(t, "https://Example.com/r.git/", got.Repository)
		assert.Equal(t, "DEADBEEF", got.Commit)
		assert.Equal(t, []string{"--features", "mainnet"}, got.CargoArgs)
	})

	t.Run("ConcurrentClaimsSingleWinner", func(t *testing.T) {
		const n = 16
		var wg sync.WaitGroup
		results := make([]*ClaimResult, n)
		errs := make([]error, n)

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.ClaimJob(newJob("fp-race", "ProgD"))
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			if results[i].Claimed {
				winners++
			} else {
				require.NotNil(t, results[i].Existing)
			}
		}
		assert.Equal(t, 1, winners, "exactly one claim must win")
	})

	t.Run("RecentVerificationWindow", func(t *testing.T) {
		job := newJob("fp-window", "ProgE")
		res, err := s.ClaimJob(job)
		require.NoError(t, err)
		require.True(t, res.Claimed)

		verifiedAt := time.Now().UTC().Add(-1 * time.Hour)
		require.NoError(t, s.WriteOutcome(job.ID, &models.VerifiedBuild{
			ProgramID:      "ProgE",
			IsVerified:     false,
			OnChainHash:    "aaa",
			ExecutableHash: "bbb",
			RepoURL:        "https://example.com/r.git",
			VerifiedAt:     verifiedAt,
		}))

		// Inside the window
		got, err := s.GetRecentVerification("ProgE", verifiedAt.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, got.IsVerified)

		// Outside the window
		_, err = s.GetRecentVerification("ProgE", verifiedAt.Add(time.Minute))
		assert.ErrorIs(t, err, ErrOutcomeNotFound)

		// Unknown program
		_, err = s.GetRecentVerification("NoSuchProg", time.Time{})
		assert.ErrorIs(t, err, ErrOutcomeNotFound)
	})

	t.Run("Metrics", func(t *testing.T) {
		m, err := s.GetJobMetrics()
		require.NoError(t, err)
		assert.NotZero(t, m.TotalJobs)
		assert.NotZero(t, m.VerifiedCount)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "verify_test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.HealthCheck())
	runStoreSuite(t, s)
}

func TestSQLiteStorePersistsCargoArgs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "verify_args.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	job := newJob("fp-args", "ProgArgs")
	job.CargoArgs = []string{"--features", "mainnet"}
	res, err := s.ClaimJob(job)
	require.NoError(t, err)
	require.True(t, res.Claimed)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"--features", "mainnet"}, got.CargoArgs)
}

func TestNewStoreFactory(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(Config{Type: "cassandra"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	s, err = NewStore(Config{Type: "sqlite", Path: filepath.Join(t.TempDir(), "f.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()
}
