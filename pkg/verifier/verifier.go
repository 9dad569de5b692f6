package verifier

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/verisol/verify-api/pkg/models"
)

// Verifier executes a build-and-compare operation for a submission.
// It is a potentially long-running, fallible operation; this layer never
// retries it.
type Verifier interface {
	Run(ctx context.Context, params models.VerifyParams) (*models.VerifiedBuild, error)
}

// CLIVerifier runs the solana-verify tool as a subprocess. Cloning,
// containerized builds and on-chain bytecode fetching all live inside the
// tool; this wrapper only maps parameters in and hashes out.
type CLIVerifier struct {
	Binary  string
	Timeout time.Duration
}

// NewCLIVerifier creates a verifier backed by the solana-verify binary
func NewCLIVerifier(binary string, timeout time.Duration) *CLIVerifier {
	if binary == "" {
		binary = "solana-verify"
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CLIVerifier{Binary: binary, Timeout: timeout}
}

// Run invokes the build-and-compare tool and parses its hash report
func (v *CLIVerifier) Run(ctx context.Context, params models.VerifyParams) (*models.VerifiedBuild, error) {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	args := v.buildArgs(params)
	cmd := exec.CommandContext(ctx, v.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("verification timed out after %s: %w", v.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("verifier exited with error: %w: %s", err, truncate(stderr.String(), 512))
	}

	onChain, executable, err := parseHashes(stdout.String())
	if err != nil {
		return nil, err
	}

	return &models.VerifiedBuild{
		ProgramID:      params.ProgramID,
		IsVerified:     onChain != "" && onChain == executable,
		OnChainHash:    onChain,
		ExecutableHash: executable,
		RepoURL:        models.CanonicalRepoURL(params.Repository, params.Commit),
		VerifiedAt:     time.Now().UTC(),
	}, nil
}

func (v *CLIVerifier) buildArgs(params models.VerifyParams) []string {
	args := []string{"verify-from-repo", "--program-id", params.ProgramID}
	if params.Commit != "" {
		args = append(args, "--commit-hash", params.Commit)
	}
	if params.LibName != "" {
		args = append(args, "--library-name", params.LibName)
	}
	if params.BPFFlag {
		args = append(args, "--bpf")
	}
	if params.BaseImage != "" {
		args = append(args, "--base-image", params.BaseImage)
	}
	if params.MountPath != "" {
		args = append(args, "--mount-path", params.MountPath)
	}
	args = append(args, params.Repository)
	if len(params.CargoArgs) > 0 {
		args = append(args, "--")
		args = append(args, params.CargoArgs...)
	}
	return args
}

// parseHashes extracts the two hashes from the tool's report lines:
//
//	On-chain Program Hash: <hex>
//	Executable Program Hash: <hex>
func parseHashes(output string) (onChain, executable string, err error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := hashValue(line, "On-chain Program Hash:"); ok {
			onChain = v
		}
		if v, ok := hashValue(line, "Executable Program Hash:"); ok {
			executable = v
		}
	}
	if onChain == "" || executable == "" {
		return "", "", fmt.Errorf("verifier output missing hash report (got %s)",
			strconv.Quote(truncate(output, 256)))
	}
	return onChain, executable, nil
}

func hashValue(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
