package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// Anchor queue statuses.
const (
	AnchorQueued   = "queued"
	AnchorAnchored = "anchored"
)

// Repository defines the persistence operations used by the orchestrator
// and the API. Consumers should depend on this interface rather than the
// concrete *DB type.
type Repository interface {
	SaveWorkflow(ctx context.Context, r *models.WorkflowResult) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowResult, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error)
	SaveAttestations(ctx context.Context, atts []models.Attestation) error
	ListAttestations(ctx context.Context, workflowID string) ([]models.Attestation, error)
	SaveProvenance(ctx context.Context, rec models.ProvenanceRecord) error
	GetProvenance(ctx context.Context, workflowID string) (*models.ProvenanceRecord, error)
	QueueForAnchoring(ctx context.Context, attestationID, hash string, meta map[string]string) (models.AnchorAck, error)
	PendingAnchors(ctx context.Context, limit int) ([]PendingAnchor, error)
	MarkAnchored(ctx context.Context, ackID string) error
	Close() error
}

// Verify *DB satisfies Repository at compile time.
var _ Repository = (*DB)(nil)

// PendingAnchor is a queued anchoring request.
type PendingAnchor struct {
	ID            string            `json:"id"`
	AttestationID string            `json:"attestation_id"`
	Hash          string            `json:"hash"`
	Meta          map[string]string `json:"meta"`
	QueuedAt      time.Time         `json:"queued_at"`
}

// SaveWorkflow inserts or replaces the record of one workflow run.
func (db *DB) SaveWorkflow(ctx context.Context, r *models.WorkflowResult) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode workflow: %w", err)
	}
	updated := r.CompletedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO workflows (id, user, status, failed_phase, artifacts, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user         = excluded.user,
			status       = excluded.status,
			failed_phase = excluded.failed_phase,
			artifacts    = excluded.artifacts,
			record       = excluded.record,
			updated_at   = excluded.updated_at
	`, r.WorkflowID, r.User, string(r.Status), r.FailedPhase, len(r.Artifacts), string(record), updated)
	if err != nil {
		return fmt.Errorf("store: save workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the stored record of a workflow run.
func (db *DB) GetWorkflow(ctx context.Context, id string) (*models.WorkflowResult, error) {
	var record string
	err := db.conn.QueryRowContext(ctx, `SELECT record FROM workflows WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow: %w", err)
	}
	var r models.WorkflowResult
	if err := json.Unmarshal([]byte(record), &r); err != nil {
		return nil, fmt.Errorf("store: decode workflow: %w", err)
	}
	return &r, nil
}

// ListWorkflows returns workflow summaries, most recent first, and the
// total count.
func (db *DB) ListWorkflows(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count workflows: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user, status, artifacts, updated_at
		FROM workflows
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()

	out := make([]models.WorkflowSummary, 0, limit)
	for rows.Next() {
		var s models.WorkflowSummary
		var status string
		if err := rows.Scan(&s.WorkflowID, &s.User, &status, &s.Artifacts, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		s.Status = models.WorkflowStatus(status)
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// SaveAttestations stores attestations within one transaction.
func (db *DB) SaveAttestations(ctx context.Context, atts []models.Attestation) error {
	if len(atts) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO attestations (id, workflow_id, artifact_id, hash, signature, key_id, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare attestation insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range atts {
		record, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("store: encode attestation: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, a.ID, a.WorkflowID, a.ArtifactID, a.Hash, a.Signature, a.KeyID, string(record), a.Timestamp); err != nil {
			return fmt.Errorf("store: insert attestation: %w", err)
		}
	}
	return tx.Commit()
}

// ListAttestations returns the attestations of a workflow in creation order.
func (db *DB) ListAttestations(ctx context.Context, workflowID string) ([]models.Attestation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT record FROM attestations WHERE workflow_id = ? ORDER BY created_at, rowid`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list attestations: %w", err)
	}
	defer rows.Close()

	var out []models.Attestation
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var a models.Attestation
		if err := json.Unmarshal([]byte(record), &a); err != nil {
			return nil, fmt.Errorf("store: decode attestation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveProvenance inserts or replaces a provenance record.
func (db *DB) SaveProvenance(ctx context.Context, rec models.ProvenanceRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode provenance: %w", err)
	}
	var completed any
	if !rec.CompletedAt.IsZero() {
		completed = rec.CompletedAt
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO provenance (id, workflow_id, user, status, error, record, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			error        = excluded.error,
			record       = excluded.record,
			completed_at = excluded.completed_at
	`, rec.ID, rec.WorkflowID, rec.User, rec.Status, rec.Error, string(record), rec.StartedAt, completed)
	if err != nil {
		return fmt.Errorf("store: save provenance: %w", err)
	}
	return nil
}

// GetProvenance returns the latest provenance record of a workflow.
func (db *DB) GetProvenance(ctx context.Context, workflowID string) (*models.ProvenanceRecord, error) {
	var record string
	err := db.conn.QueryRowContext(ctx,
		`SELECT record FROM provenance WHERE workflow_id = ? ORDER BY started_at DESC LIMIT 1`, workflowID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provenance for %s: %w", workflowID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provenance: %w", err)
	}
	var rec models.ProvenanceRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, fmt.Errorf("store: decode provenance: %w", err)
	}
	return &rec, nil
}

// QueueForAnchoring records an attestation hash for later anchoring. Queuing
// the same attestation twice returns ErrAlreadyExists.
func (db *DB) QueueForAnchoring(ctx context.Context, attestationID, hash string, meta map[string]string) (models.AnchorAck, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.AnchorAck{}, fmt.Errorf("store: encode anchor meta: %w", err)
	}
	ack := models.AnchorAck{
		ID:       "anc-" + uuid.NewString(),
		Status:   AnchorQueued,
		QueuedAt: time.Now().UTC(),
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO anchor_queue (id, attestation_id, hash, meta, status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ack.ID, attestationID, hash, string(metaJSON), ack.Status, ack.QueuedAt)
	if err != nil {
		return models.AnchorAck{}, fmt.Errorf("store: queue anchor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.AnchorAck{}, fmt.Errorf("anchor for %s: %w", attestationID, apperr.ErrAlreadyExists)
	}
	return ack, nil
}

// PendingAnchors returns queued anchoring requests, oldest first.
func (db *DB) PendingAnchors(ctx context.Context, limit int) ([]PendingAnchor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, attestation_id, hash, meta, queued_at
		FROM anchor_queue
		WHERE status = ?
		ORDER BY queued_at, rowid
		LIMIT ?
	`, AnchorQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending anchors: %w", err)
	}
	defer rows.Close()

	var out []PendingAnchor
	for rows.Next() {
		var p PendingAnchor
		var meta string
		if err := rows.Scan(&p.ID, &p.AttestationID, &p.Hash, &meta, &p.QueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &p.Meta); err != nil {
			return nil, fmt.Errorf("store: decode anchor meta: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkAnchored moves a queued request to the anchored state.
func (db *DB) MarkAnchored(ctx context.Context, ackID string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE anchor_queue SET status = ? WHERE id = ?`, AnchorAnchored, ackID)
	if err != nil {
		return fmt.Errorf("store: mark anchored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anchor %s: %w", ackID, apperr.ErrNotFound)
	}
	return nil
}
