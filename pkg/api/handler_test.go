package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verisol/verify-api/pkg/api"
	"github.com/verisol/verify-api/pkg/logging"
	"github.com/verisol/verify-api/pkg/models"
	"github.com/verisol/verify-api/pkg/ratelimit"
	"github.com/verisol/verify-api/pkg/service"
	"github.com/verisol/verify-api/pkg/store"
)

type stubVerifier struct {
	err      error
	verified bool
	started  chan struct{} // closed is not needed; each Run sends
	release  chan struct{} // if non-nil, Run waits until closed
}

func (v *stubVerifier) Run(ctx context.Context, params models.VerifyParams) (*models.VerifiedBuild, error) {
	if v.started != nil {
		v.started <- struct{}{}
	}
	if v.release != nil {
		<-v.release
	}
	if v.err != nil {
		return nil, v.err
	}
	return &models.VerifiedBuild{
		ProgramID:      params.ProgramID,
		IsVerified:     v.verified,
		OnChainHash:    "abc",
		ExecutableHash: "abc",
		RepoURL:        models.CanonicalRepoURL(params.Repository, params.Commit),
		VerifiedAt:     time.Now().UTC(),
	}, nil
}

func newTestRouter(t *testing.T, v *stubVerifier) (*mux.Router, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	log := logging.NewLogger(logging.ERROR, false)

	submission := service.NewSubmissionService(st, v, log, nil, 0)
	status := service.NewStatusService(st, service.DefaultFreshnessWindow, log)
	handler := api.NewHandler(submission, status, st, log)

	// Generous gates so functional tests never throttle
	gate := func() *ratelimit.Admission { return ratelimit.NewAdmission(10000, 10000, 10000, 10000) }

	router := mux.NewRouter()
	handler.RegisterRoutes(router, gate(), gate())
	return router, st
}

func postJSON(router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *mux.Router, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"repository": "https://example.com/r.git",
		"program_id": "Prog1111111111111111111111111111111111111111",
	}
}

func TestVerifyAsyncThenDuplicate(t *testing.T) {
	v := &stubVerifier{verified: true, started: make(chan struct{}, 2), release: make(chan struct{})}
	router, _ := newTestRouter(t, v)

	// First submission: processing started
	w := postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusOK, w.Code)

	var ack models.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, models.StatusSuccess, ack.Status)
	assert.Equal(t, "Build verification started", ack.Message)

	// Back-to-back duplicate while the first is still in flight
	w = postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusConflict, w.Code)

	var conflict models.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "We have already processed this request", conflict.Message)

	close(v.release)
}

func TestVerifyAsyncDuplicateOfCompleted(t *testing.T) {
	v := &stubVerifier{verified: true, started: make(chan struct{}, 1)}
	router, st := newTestRouter(t, v)

	w := postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusOK, w.Code)
	<-v.started

	// Wait for the background run to complete
	waitForCompleted(t, st)

	w = postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusConflict, w.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.IsVerified)
	assert.Equal(t, "On chain program verified", status.Message)
	assert.Equal(t, "abc", status.OnChainHash)
}

func TestVerifySyncVerified(t *testing.T) {
	v := &stubVerifier{verified: true}
	router, _ := newTestRouter(t, v)

	w := postJSON(router, "/verify_sync", validBody())
	require.Equal(t, http.StatusOK, w.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.IsVerified)
	assert.Equal(t, "On chain program verified", status.Message)
	assert.Equal(t, "abc", status.OnChainHash)
	assert.Equal(t, "abc", status.ExecutableHash)
}

func TestVerifySyncNotVerifiedStill200(t *testing.T) {
	v := &stubVerifier{verified: false}
	router, _ := newTestRouter(t, v)

	w := postJSON(router, "/verify_sync", validBody())
	require.Equal(t, http.StatusOK, w.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.IsVerified)
	assert.Equal(t, "On chain program not verified", status.Message)
}

func TestVerifySyncVerifierFailure(t *testing.T) {
	v := &stubVerifier{err: errors.New("docker pull timed out")}
	router, _ := newTestRouter(t, v)

	w := postJSON(router, "/verify_sync", validBody())
	// Failure is carried by the status discriminator, not the HTTP code
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Equal(t, "unexpected error occurred", resp.Error)
	assert.NotContains(t, resp.Error, "docker", "internal detail must not leak")
}

func TestVerifyValidation(t *testing.T) {
	v := &stubVerifier{}
	router, _ := newTestRouter(t, v)

	w := postJSON(router, "/verify", map[string]interface{}{"program_id": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusError, resp.Status)
}

func TestStatusNotFoundDistinctFromFailedComparison(t *testing.T) {
	v := &stubVerifier{verified: false}
	router, st := newTestRouter(t, v)

	// No record at all
	w := get(router, "/status/ProgNone")
	require.Equal(t, http.StatusOK, w.Code)
	var missing models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &missing))
	assert.False(t, missing.IsVerified)
	assert.Equal(t, service.MsgNoRecentVerification, missing.Message)

	// Ran and failed the comparison
	w = postJSON(router, "/verify_sync", validBody())
	require.Equal(t, http.StatusOK, w.Code)
	waitForCompleted(t, st)

	w = get(router, "/status/Prog1111111111111111111111111111111111111111")
	require.Equal(t, http.StatusOK, w.Code)
	var ran models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ran))
	assert.False(t, ran.IsVerified)
	assert.Equal(t, "On chain program not verified", ran.Message)
	assert.NotEqual(t, missing.Message, ran.Message)
}

func TestSubmitThrottled(t *testing.T) {
	v := &stubVerifier{verified: true, release: make(chan struct{})}
	defer close(v.release)

	st := store.NewMemoryStore()
	log := logging.NewLogger(logging.ERROR, false)
	submission := service.NewSubmissionService(st, v, log, nil, 0)
	status := service.NewStatusService(st, service.DefaultFreshnessWindow, log)
	handler := api.NewHandler(submission, status, st, log)

	router := mux.NewRouter()
	submitGate := ratelimit.NewAdmission(1, 1, 1, 1) // one request, then throttle
	statusGate := ratelimit.NewAdmission(10000, 10000, 10000, 10000)
	handler.RegisterRoutes(router, submitGate, statusGate)

	w := postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(router, "/verify", validBody())
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// The status gate is independent of the submit gate
	w = get(router, "/status/ProgNone")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestIndexDocument(t *testing.T) {
	v := &stubVerifier{}
	router, _ := newTestRouter(t, v)

	w := get(router, "/")
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc, "endpoints")
}

func TestHealth(t *testing.T) {
	v := &stubVerifier{}
	router, _ := newTestRouter(t, v)

	w := get(router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
}

func waitForCompleted(t *testing.T, st store.Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := st.ListJobs()
		require.NoError(t, err)
		if len(jobs) > 0 && jobs[0].Status.IsTerminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
}
