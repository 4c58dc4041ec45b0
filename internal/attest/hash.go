package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/starford/kiln/internal/models"
)

// canonicalAttestation fixes the field order and encoding of the hashed
// attestation fields.
type canonicalAttestation struct {
	ArtifactID       string         `json:"artifact_id"`
	WorkflowID       string         `json:"workflow_id"`
	Timestamp        string         `json:"timestamp"`
	ValidationPassed bool           `json:"validation_passed"`
	Checks           []models.Check `json:"checks"`
}

// Canonical returns the canonical JSON encoding of the hashed fields of a:
// artifact id, workflow id, UTC RFC 3339 timestamp with nanoseconds,
// validation outcome and checks in report order.
func Canonical(a models.Attestation) ([]byte, error) {
	checks := a.Checks
	if checks == nil {
		checks = []models.Check{}
	}
	return json.Marshal(canonicalAttestation{
		ArtifactID:       a.ArtifactID,
		WorkflowID:       a.WorkflowID,
		Timestamp:        a.Timestamp.UTC().Format(time.RFC3339Nano),
		ValidationPassed: a.ValidationPassed,
		Checks:           checks,
	})
}

// ComputeHash returns the hex SHA-256 of a's canonical encoding.
func ComputeHash(a models.Attestation) (string, error) {
	data, err := Canonical(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
