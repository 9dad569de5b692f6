package models

// Status is the discriminator carried by every response body
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// VerifyResponse acknowledges an accepted submission
type VerifyResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// StatusResponse carries a verification outcome
type StatusResponse struct {
	IsVerified     bool   `json:"is_verified"`
	Message        string `json:"message"`
	OnChainHash    string `json:"on_chain_hash"`
	ExecutableHash string `json:"executable_hash"`
	RepoURL        string `json:"repo_url"`
}

// ErrorResponse is the single shape shared by every error path
type ErrorResponse struct {
	Status Status `json:"status"`
	Error  string `json:"error"`
}

// VerificationMessage derives the human-readable verdict string.
// Every endpoint that reports is_verified goes through this function so
// the wording cannot drift between code paths.
func VerificationMessage(isVerified bool) string {
	if isVerified {
		return "On chain program verified"
	}
	return "On chain program not verified"
}

// StatusFromBuild recasts a stored outcome as a StatusResponse
func StatusFromBuild(b *VerifiedBuild) StatusResponse {
	return StatusResponse{
		IsVerified:     b.IsVerified,
		Message:        VerificationMessage(b.IsVerified),
		OnChainHash:    b.OnChainHash,
		ExecutableHash: b.ExecutableHash,
		RepoURL:        b.RepoURL,
	}
}
