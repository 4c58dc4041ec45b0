// Package provenance records who ran which workflow and what it produced.
package provenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// Record statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Meta describes a run as it starts.
type Meta struct {
	WorkflowID string
	User       string
}

// Tracker is the provenance collaborator used by the orchestrator.
type Tracker interface {
	StartOperation(ctx context.Context, meta Meta) (string, error)
	CompleteOperation(ctx context.Context, id string, result *models.WorkflowResult) (*models.ProvenanceRecord, error)
	RecordError(ctx context.Context, id string, err error) error
}

// Sink persists provenance records.
type Sink interface {
	SaveProvenance(ctx context.Context, rec models.ProvenanceRecord) error
}

// Recorder is a Tracker that keeps open records in memory and writes every
// state change to a Sink.
type Recorder struct {
	sink Sink
	now  func() time.Time

	mu   sync.Mutex
	open map[string]*models.ProvenanceRecord
}

var _ Tracker = (*Recorder)(nil)

// NewRecorder creates a Recorder. A nil sink keeps records in memory only.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: time.Now, open: map[string]*models.ProvenanceRecord{}}
}

// StartOperation opens a record and returns its id.
func (r *Recorder) StartOperation(ctx context.Context, meta Meta) (string, error) {
	rec := &models.ProvenanceRecord{
		ID:         "prov-" + uuid.NewString(),
		WorkflowID: meta.WorkflowID,
		User:       meta.User,
		Status:     StatusRunning,
		StartedAt:  r.now().UTC(),
	}
	r.mu.Lock()
	r.open[rec.ID] = rec
	r.mu.Unlock()

	if err := r.save(ctx, *rec); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// RecordError attaches err to an open record.
func (r *Recorder) RecordError(ctx context.Context, id string, err error) error {
	r.mu.Lock()
	rec, ok := r.open[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provenance %s: %w", id, apperr.ErrNotFound)
	}
	rec.Status = StatusFailed
	rec.Error = err.Error()
	snapshot := *rec
	r.mu.Unlock()

	return r.save(ctx, snapshot)
}

// CompleteOperation closes a record with the outcome of result. The record
// maps each artifact path to its checksum.
func (r *Recorder) CompleteOperation(ctx context.Context, id string, result *models.WorkflowResult) (*models.ProvenanceRecord, error) {
	r.mu.Lock()
	rec, ok := r.open[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("provenance %s: %w", id, apperr.ErrNotFound)
	}
	delete(r.open, id)
	r.mu.Unlock()

	rec.CompletedAt = r.now().UTC()
	if result.Status == models.StatusSuccess {
		rec.Status = StatusSuccess
	} else {
		rec.Status = StatusFailed
		if rec.Error == "" {
			rec.Error = result.Error
		}
	}
	if len(result.Artifacts) > 0 {
		rec.Artifacts = make(map[string]string, len(result.Artifacts))
		for _, a := range result.Artifacts {
			rec.Artifacts[a.Path] = a.Checksum
		}
	}

	if err := r.save(ctx, *rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r *Recorder) save(ctx context.Context, rec models.ProvenanceRecord) error {
	if r.sink == nil {
		return nil
	}
	if err := r.sink.SaveProvenance(ctx, rec); err != nil {
		return fmt.Errorf("provenance: save %s: %w", rec.ID, err)
	}
	return nil
}
