package service

import (
	"errors"
	"time"

	"github.com/verisol/verify-api/pkg/logging"
	"github.com/verisol/verify-api/pkg/models"
	"github.com/verisol/verify-api/pkg/store"
)

// DefaultFreshnessWindow is how long a completed verification counts as
// a valid answer to a status query.
const DefaultFreshnessWindow = 24 * time.Hour

// MsgNoRecentVerification distinguishes "never verified recently" from a
// verification that ran and failed the comparison.
const MsgNoRecentVerification = "No recent verification record found for this program"

// StatusService answers freshness-windowed queries against the record store
type StatusService struct {
	store  store.Store
	window time.Duration
	log    *logging.Logger
}

// NewStatusService creates a status service with the given freshness window
func NewStatusService(s store.Store, window time.Duration, log *logging.Logger) *StatusService {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &StatusService{store: s, window: window, log: log}
}

// GetStatus reports the most recent verification outcome for a program
// inside the freshness window. A missing record is a distinct answer
// from a record that ran and did not verify.
func (s *StatusService) GetStatus(programID string) (models.StatusResponse, error) {
	since := time.Now().UTC().Add(-s.window)

	outcome, err := s.store.GetRecentVerification(programID, since)
	if errors.Is(err, store.ErrOutcomeNotFound) {
		return models.StatusResponse{
			IsVerified: false,
			Message:    MsgNoRecentVerification,
		}, nil
	}
	if err != nil {
		s.log.Error("status lookup failed", map[string]interface{}{
			"program_id": programID,
			"error":      err.Error(),
		})
		return models.StatusResponse{}, &StoreError{Err: err}
	}

	return models.StatusFromBuild(outcome), nil
}
