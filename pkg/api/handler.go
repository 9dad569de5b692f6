package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/verisol/verify-api/pkg/logging"
	"github.com/verisol/verify-api/pkg/models"
	"github.com/verisol/verify-api/pkg/ratelimit"
	"github.com/verisol/verify-api/pkg/service"
	"github.com/verisol/verify-api/pkg/store"
)

// Handler maps the HTTP surface onto the submission and status services
type Handler struct {
	submission *service.SubmissionService
	status     *service.StatusService
	store      store.Store
	log        *logging.Logger
}

// NewHandler creates an API handler
func NewHandler(submission *service.SubmissionService, status *service.StatusService, s store.Store, log *logging.Logger) *Handler {
	return &Handler{
		submission: submission,
		status:     status,
		store:      s,
		log:        log,
	}
}

// RegisterRoutes registers all API routes. Submit endpoints sit behind
// the tighter submit gate; the read-only status endpoint gets its own,
// more generous gate. Neither gate touches the record store.
func (h *Handler) RegisterRoutes(r *mux.Router, submitGate, statusGate *ratelimit.Admission) {
	r.Handle("/", http.HandlerFunc(h.Index)).Methods("GET")
	r.Handle("/verify", submitGate.Middleware(http.HandlerFunc(h.VerifyAsync))).Methods("POST")
	r.Handle("/verify_sync", submitGate.Middleware(http.HandlerFunc(h.VerifySync))).Methods("POST")
	r.Handle("/status/{program_id}", statusGate.Middleware(http.HandlerFunc(h.Status))).Methods("GET")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

var (
	indexOnce sync.Once
	indexDoc  []byte
)

// Index serves the capability document. The document is an immutable
// constant, built once per process.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	indexOnce.Do(func() {
		indexDoc, _ = json.Marshal(map[string]interface{}{
			"endpoints": []map[string]interface{}{
				{
					"path":        "/verify",
					"method":      "POST",
					"description": "Verify a program (runs in the background, poll /status)",
					"params": map[string]string{
						"repository": "Git repository URL",
						"program_id": "Program ID of the program on mainnet",
						"commit":     "(Optional) Commit hash of the repository. If not specified, the latest commit will be used.",
						"lib_name":   "(Optional) If the repository contains multiple programs, the library name of the program to build and verify.",
						"bpf_flag":   "(Optional) Set if the program requires cargo build-bpf instead of cargo build-sbf, as for an Anchor program.",
						"base_image": "(Optional) Base docker image to use for building the program.",
						"mount_path": "(Optional) Mount path for the repository.",
						"cargo_args": "(Optional) Cargo args to pass to the build command, as a list of strings.",
					},
				},
				{
					"path":        "/verify_sync",
					"method":      "POST",
					"description": "Verify a program and wait for the result",
				},
				{
					"path":        "/status/{program_id}",
					"method":      "GET",
					"description": "Check whether a program was verified recently",
				},
			},
		})
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(indexDoc)
}

// VerifyAsync handles POST /verify: claims the submission and starts
// verification in the background.
func (h *Handler) VerifyAsync(w http.ResponseWriter, r *http.Request) {
	var params models.VerifyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.submission.SubmitAsync(params); err != nil {
		h.writeSubmissionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, models.VerifyResponse{
		Status:  models.StatusSuccess,
		Message: "Build verification started",
	})
}

// VerifySync handles POST /verify_sync: runs verification inline and
// returns the outcome.
func (h *Handler) VerifySync(w http.ResponseWriter, r *http.Request) {
	var params models.VerifyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.submission.SubmitSync(r.Context(), params)
	if err != nil {
		var verr *service.VerifierError
		if errors.As(err, &verr) {
			// The run failed; the outer status stays 200 and the body's
			// status discriminator carries the failure.
			h.writeJSON(w, http.StatusOK, models.ErrorResponse{
				Status: models.StatusError,
				Error:  "unexpected error occurred",
			})
			return
		}
		h.writeSubmissionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, models.StatusFromBuild(outcome))
}

// Status handles GET /status/{program_id}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	programID := mux.Vars(r)["program_id"]

	resp, err := h.status.GetStatus(programID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "unexpected error occurred")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListJobs returns all job records for operators
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs()
	if err != nil {
		h.log.Error("failed to list jobs", map[string]interface{}{"error": err.Error()})
		h.writeError(w, http.StatusInternalServerError, "unexpected error occurred")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Health returns the health status of the service
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		h.log.Error("health check failed", map[string]interface{}{"error": err.Error()})
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeSubmissionError maps service errors shared by both submit paths
func (h *Handler) writeSubmissionError(w http.ResponseWriter, err error) {
	var validationErr *service.ValidationError
	var conflictErr *service.ConflictError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &conflictErr):
		if conflictErr.Outcome != nil {
			// Duplicate of a completed job: answer from the stored outcome
			h.writeJSON(w, http.StatusConflict, models.StatusFromBuild(conflictErr.Outcome))
			return
		}
		h.writeJSON(w, http.StatusConflict, models.VerifyResponse{
			Status:  models.StatusError,
			Message: "We have already processed this request",
		})
	default:
		h.writeError(w, http.StatusInternalServerError, "unexpected error occurred")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, models.ErrorResponse{
		Status: models.StatusError,
		Error:  message,
	})
}
