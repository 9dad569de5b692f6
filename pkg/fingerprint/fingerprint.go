package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/verisol/verify-api/pkg/models"
)

// Sentinel values for absent optional fields. An absent field must never
// collide with an explicitly-empty one, so each absent optional maps to a
// marker that cannot appear in normalized input.
const (
	latestCommit = "latest"
	absentField  = "\x00absent"
)

// Compute derives the deduplication fingerprint for a submission.
// Two submissions with identical normalized parameters always map to the
// same fingerprint. Pure function, no side effects.
func Compute(p models.VerifyParams) string {
	parts := []string{
		normalizeRepo(p.Repository),
		commitOrLatest(p.Commit),
		strings.TrimSpace(p.ProgramID),
		optional(p.LibName),
		strconv.FormatBool(p.BPFFlag),
		optional(p.BaseImage),
		optional(p.MountPath),
	}
	if p.CargoArgs == nil {
		parts = append(parts, absentField)
	} else {
		// Order-preserving: ["--a","--b"] and ["--b","--a"] are distinct builds
		parts = append(parts, strconv.Itoa(len(p.CargoArgs)))
		parts = append(parts, p.CargoArgs...)
	}

	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeRepo(repo string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(repo), "/"))
}

func commitOrLatest(commit string) string {
	commit = strings.TrimSpace(commit)
	if commit == "" {
		return latestCommit
	}
	return strings.ToLower(commit)
}

func optional(v string) string {
	if v == "" {
		return absentField
	}
	return v
}
