// Package attest builds tamper-evident attestation records for validated
// artifacts.
package attest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// ErrHashMismatch is returned by Verify when the stored hash does not match
// the attestation fields.
var ErrHashMismatch = errors.New("attestation hash mismatch")

// Anchor queues attestation hashes with an external timestamping service.
type Anchor interface {
	QueueForAnchoring(ctx context.Context, id, hash string, meta map[string]string) (models.AnchorAck, error)
}

// Engine produces attestations.
type Engine struct {
	signer *Signer
	anchor Anchor
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSigner signs every attestation hash.
func WithSigner(s *Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithAnchor hands every attestation hash to a.
func WithAnchor(a Anchor) Option {
	return func(e *Engine) { e.anchor = a }
}

// WithClock overrides the attestation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an attestation engine.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attest returns one attestation per passed report, in report order. Failed
// reports are not attested. Anchoring failures are logged and ignored.
func (e *Engine) Attest(ctx context.Context, reports []models.ValidationReport, spec models.WorkflowSpec) ([]models.Attestation, error) {
	out := make([]models.Attestation, 0, len(reports))
	for _, r := range reports {
		if !r.Passed {
			continue
		}
		a := models.Attestation{
			ID:               "att-" + uuid.NewString(),
			ArtifactID:       r.ArtifactID,
			WorkflowID:       spec.ID,
			Timestamp:        e.now().UTC(),
			ValidationPassed: r.Passed,
			Checks:           append([]models.Check(nil), r.Checks...),
		}
		hash, err := ComputeHash(a)
		if err != nil {
			return nil, fmt.Errorf("attest: hash %s: %w", r.ArtifactID, err)
		}
		a.Hash = hash

		if e.signer != nil {
			sig, err := e.signer.Sign(ctx, []byte(hash))
			if err != nil {
				return nil, fmt.Errorf("attest: sign %s: %w", r.ArtifactID, err)
			}
			a.Signature = hex.EncodeToString(sig)
			a.KeyID = e.signer.KeyID()
		}

		e.anchorOne(ctx, a, spec)
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) anchorOne(ctx context.Context, a models.Attestation, spec models.WorkflowSpec) {
	if e.anchor == nil {
		return
	}
	meta := map[string]string{
		"artifact_id": a.ArtifactID,
		"workflow_id": a.WorkflowID,
		"user":        spec.User,
	}
	ack, err := e.anchor.QueueForAnchoring(ctx, a.ID, a.Hash, meta)
	if err != nil {
		anchorErr := &apperr.AttestationAnchoringError{AttestationID: a.ID, Err: err}
		e.logger.Warn("attest: anchoring failed",
			slog.String("attestation_id", a.ID),
			slog.String("error", anchorErr.Error()))
		return
	}
	e.logger.Debug("attest: anchored",
		slog.String("attestation_id", a.ID),
		slog.String("ack", ack.ID),
		slog.String("status", ack.Status))
}

// Verify re-derives the hash of a and, when a is signed, checks the
// signature against the engine's key.
func (e *Engine) Verify(ctx context.Context, a models.Attestation) error {
	hash, err := ComputeHash(a)
	if err != nil {
		return err
	}
	if hash != a.Hash {
		return fmt.Errorf("attest: %s: %w", a.ID, ErrHashMismatch)
	}
	if a.Signature == "" {
		return nil
	}
	if e.signer == nil {
		return fmt.Errorf("attest: %s is signed but no key is loaded: %w", a.ID, ErrKeyNotLoaded)
	}
	if a.KeyID != "" && a.KeyID != e.signer.KeyID() {
		return fmt.Errorf("attest: %s signed by key %s, have %s: %w", a.ID, a.KeyID, e.signer.KeyID(), ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("attest: decode signature: %w", err)
	}
	if err := e.signer.Verify(ctx, []byte(a.Hash), sig); err != nil {
		return fmt.Errorf("attest: %s: %w", a.ID, err)
	}
	return nil
}
