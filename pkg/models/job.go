package models

import (
	"errors"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a verification job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions occur from this status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// VerifyParams represents a request to verify an on-chain program build
type VerifyParams struct {
	Repository string   `json:"repository"`
	ProgramID  string   `json:"program_id"`
	Commit     string   `json:"commit,omitempty"`
	LibName    string   `json:"lib_name,omitempty"`
	BPFFlag    bool     `json:"bpf_flag,omitempty"`
	BaseImage  string   `json:"base_image,omitempty"`
	MountPath  string   `json:"mount_path,omitempty"`
	CargoArgs  []string `json:"cargo_args,omitempty"`
}

// Validate checks required fields before any store interaction
func (p *VerifyParams) Validate() error {
	if strings.TrimSpace(p.Repository) == "" {
		return errors.New("repository is required")
	}
	if !strings.HasPrefix(p.Repository, "http://") && !strings.HasPrefix(p.Repository, "https://") {
		return errors.New("repository must be an http(s) URL")
	}
	if strings.TrimSpace(p.ProgramID) == "" {
		return errors.New("program_id is required")
	}
	return nil
}

// BuildJob represents a verification job tracked by the service.
// The ID is a generated UUID used for audit and ordering; the Fingerprint
// is the dedup key, logically unique per in-flight or completed job.
type BuildJob struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Repository  string     `json:"repository"`
	ProgramID   string     `json:"program_id"`
	Commit      string     `json:"commit,omitempty"`
	LibName     string     `json:"lib_name,omitempty"`
	BPFFlag     bool       `json:"bpf_flag"`
	BaseImage   string     `json:"base_image,omitempty"`
	MountPath   string     `json:"mount_path,omitempty"`
	CargoArgs   []string   `json:"cargo_args,omitempty"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Params reconstructs the submission parameters from a job record
func (j *BuildJob) Params() VerifyParams {
	return VerifyParams{
		Repository: j.Repository,
		ProgramID:  j.ProgramID,
		Commit:     j.Commit,
		LibName:    j.LibName,
		BPFFlag:    j.BPFFlag,
		BaseImage:  j.BaseImage,
		MountPath:  j.MountPath,
		CargoArgs:  j.CargoArgs,
	}
}

// VerifiedBuild is the outcome of a completed verification run.
// Produced exactly once per completed job and immutable once written.
type VerifiedBuild struct {
	JobID          string    `json:"job_id"`
	ProgramID      string    `json:"program_id"`
	IsVerified     bool      `json:"is_verified"`
	OnChainHash    string    `json:"on_chain_hash"`
	ExecutableHash string    `json:"executable_hash"`
	RepoURL        string    `json:"repo_url"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// CanonicalRepoURL appends the commit path to the repository URL when a
// commit is present. Both the sync and async response paths go through
// this one rule.
func CanonicalRepoURL(repository, commit string) string {
	if commit == "" {
		return repository
	}
	return repository + "/commit/" + commit
}
