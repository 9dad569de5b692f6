package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verisol/verify-api/pkg/models"
)

func TestParseHashes(t *testing.T) {
	output := `
Building program...
On-chain Program Hash: abc123
Executable Program Hash: abc123
Program hashes match
`
	onChain, executable, err := parseHashes(output)
	require.NoError(t, err)
	assert.Equal(t, "abc123", onChain)
	assert.Equal(t, "abc123", executable)
}

func TestParseHashesMissingReport(t *testing.T) {
	_, _, err := parseHashes("some unrelated build noise")
	assert.Error(t, err)
}

func TestBuildArgs(t *testing.T) {
	v := NewCLIVerifier("", 0)
	args := v.buildArgs(models.VerifyParams{
		Repository: "https://example.com/r.git",
		ProgramID:  "Prog111",
		Commit:     "deadbeef",
		LibName:    "my_program",
		BPFFlag:    true,
		MountPath:  "programs/token",
		CargoArgs:  []string{"--features", "mainnet"},
	})

	assert.Equal(t, []string{
		"verify-from-repo", "--program-id", "Prog111",
		"--commit-hash", "deadbeef",
		"--library-name", "my_program",
		"--bpf",
		"--mount-path", "programs/token",
		"https://example.com/r.git",
		"--", "--features", "mainnet",
	}, args)
}

func TestNewCLIVerifierDefaults(t *testing.T) {
	v := NewCLIVerifier("", 0)
	assert.Equal(t, "solana-verify", v.Binary)
	assert.NotZero(t, v.Timeout)
}
