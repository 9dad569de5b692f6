package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/verisol/verify-api/pkg/fingerprint"
	"github.com/verisol/verify-api/pkg/logging"
	"github.com/verisol/verify-api/pkg/metrics"
	"github.com/verisol/verify-api/pkg/models"
	"github.com/verisol/verify-api/pkg/store"
	"github.com/verisol/verify-api/pkg/verifier"
)

// SubmissionService orchestrates dedup-claim, record creation and
// dispatch to the verifier. All job record mutation goes through here.
type SubmissionService struct {
	store       store.Store
	verifier    verifier.Verifier
	log         *logging.Logger
	metrics     *metrics.Metrics
	syncTimeout time.Duration
}

// NewSubmissionService creates a submission service.
// syncTimeout bounds the caller-facing wait of SubmitSync; zero means no
// bound beyond the verifier's own timeout. m may be nil.
func NewSubmissionService(s store.Store, v verifier.Verifier, log *logging.Logger, m *metrics.Metrics, syncTimeout time.Duration) *SubmissionService {
	return &SubmissionService{
		store:       s,
		verifier:    v,
		log:         log,
		metrics:     m,
		syncTimeout: syncTimeout,
	}
}

// claim validates the submission and atomically claims its fingerprint.
// Exactly one concurrent identical submission gets a job back; the rest
// get a ConflictError describing the existing record.
func (s *SubmissionService) claim(params models.VerifyParams) (*models.BuildJob, error) {
	if err := params.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	job := &models.BuildJob{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint.Compute(params),
		Repository:  params.Repository,
		ProgramID:   params.ProgramID,
		Commit:      params.Commit,
		LibName:     params.LibName,
		BPFFlag:     params.BPFFlag,
		BaseImage:   params.BaseImage,
		MountPath:   params.MountPath,
		CargoArgs:   params.CargoArgs,
		Status:      models.JobStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	res, err := s.store.ClaimJob(job)
	if err != nil {
		s.log.Error("claim failed", map[string]interface{}{
			"program_id": params.ProgramID,
			"error":      err.Error(),
		})
		return nil, &StoreError{Err: err}
	}

	if !res.Claimed {
		if s.metrics != nil {
			s.metrics.ConflictsTotal.Inc()
		}
		return nil, &ConflictError{Outcome: res.Outcome}
	}

	s.log.Info("job claimed", map[string]interface{}{
		"job_id":     job.ID,
		"program_id": job.ProgramID,
	})
	return job, nil
}

// execute runs the verifier for a claimed job and writes the terminal
// state. It owns the running/completed/failed transitions.
func (s *SubmissionService) execute(ctx context.Context, job *models.BuildJob) (*models.VerifiedBuild, error) {
	if err := s.store.MarkJobRunning(job.ID); err != nil {
		s.log.Error("failed to mark job running", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return nil, &StoreError{Err: err}
	}

	if s.metrics != nil {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()
	}

	outcome, err := s.verifier.Run(ctx, job.Params())
	if err != nil {
		s.log.Error("verification run failed", map[string]interface{}{
			"job_id":     job.ID,
			"program_id": job.ProgramID,
			"error":      err.Error(),
		})
		if s.metrics != nil {
			s.metrics.VerificationsRun.WithLabelValues("error").Inc()
		}
		if serr := s.store.MarkJobFailed(job.ID, err.Error()); serr != nil {
			s.log.Error("failed to mark job failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  serr.Error(),
			})
		}
		return nil, &VerifierError{Err: err}
	}

	if err := s.store.WriteOutcome(job.ID, outcome); err != nil {
		s.log.Error("failed to store outcome", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return nil, &StoreError{Err: err}
	}

	if s.metrics != nil {
		if outcome.IsVerified {
			s.metrics.VerificationsRun.WithLabelValues("verified").Inc()
		} else {
			s.metrics.VerificationsRun.WithLabelValues("not_verified").Inc()
		}
	}

	s.log.Info("verification completed", map[string]interface{}{
		"job_id":      job.ID,
		"program_id":  job.ProgramID,
		"is_verified": outcome.IsVerified,
	})
	return outcome, nil
}

// SubmitAsync claims the submission and starts verification in the
// background. The background run uses its own context so a client
// disconnect never cancels it; callers poll the status endpoint for the
// final outcome.
func (s *SubmissionService) SubmitAsync(params models.VerifyParams) error {
	job, err := s.claim(params)
	if err != nil {
		s.countSubmission("async", err)
		return err
	}
	s.countSubmission("async", nil)

	go func() {
		// errors are terminal-state transitions, already logged
		_, _ = s.execute(context.Background(), job)
	}()

	return nil
}

// SubmitSync claims the submission and runs verification inline,
// returning the outcome. Other requests proceed while this waits.
func (s *SubmissionService) SubmitSync(ctx context.Context, params models.VerifyParams) (*models.VerifiedBuild, error) {
	job, err := s.claim(params)
	if err != nil {
		s.countSubmission("sync", err)
		return nil, err
	}
	s.countSubmission("sync", nil)

	if s.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.syncTimeout)
		defer cancel()
	}

	return s.execute(ctx, job)
}

func (s *SubmissionService) countSubmission(mode string, err error) {
	if s.metrics == nil {
		return
	}
	result := "accepted"
	if err != nil {
		switch err.(type) {
		case *ValidationError:
			result = "invalid"
		case *ConflictError:
			result = "conflict"
		default:
			result = "error"
		}
	}
	s.metrics.SubmissionsTotal.WithLabelValues(mode, result).Inc()
}
