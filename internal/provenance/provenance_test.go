package provenance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

type memorySink struct {
	mu    sync.Mutex
	saved []models.ProvenanceRecord
	err   error
}

func (s *memorySink) SaveProvenance(_ context.Context, rec models.ProvenanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, rec)
	return nil
}

func TestRecorder_SuccessLifecycle(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink)
	ctx := context.Background()

	id, err := r.StartOperation(ctx, Meta{WorkflowID: "wf", User: "alice"})
	require.NoError(t, err)

	rec, err := r.CompleteOperation(ctx, id, &models.WorkflowResult{
		Status:    models.StatusSuccess,
		Artifacts: []models.Artifact{{Path: "src/Foo.ts", Checksum: "abc"}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "alice", rec.User)
	assert.Equal(t, map[string]string{"src/Foo.ts": "abc"}, rec.Artifacts)
	assert.False(t, rec.CompletedAt.IsZero())

	require.Len(t, sink.saved, 2)
	assert.Equal(t, StatusRunning, sink.saved[0].Status)
	assert.Equal(t, StatusSuccess, sink.saved[1].Status)

	_, err = r.CompleteOperation(ctx, id, &models.WorkflowResult{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecorder_RecordError(t *testing.T) {
	r := NewRecorder(nil)
	ctx := context.Background()

	id, err := r.StartOperation(ctx, Meta{WorkflowID: "wf"})
	require.NoError(t, err)
	require.NoError(t, r.RecordError(ctx, id, errors.New("disk full")))

	rec, err := r.CompleteOperation(ctx, id, &models.WorkflowResult{Status: models.StatusFailed, Error: "other"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "disk full", rec.Error)

	assert.ErrorIs(t, r.RecordError(ctx, "nope", errors.New("x")), apperr.ErrNotFound)
}

func TestRecorder_SinkFailureStillReturnsRecord(t *testing.T) {
	sink := &memorySink{err: errors.New("db locked")}
	r := NewRecorder(sink)
	ctx := context.Background()

	id, err := r.StartOperation(ctx, Meta{WorkflowID: "wf"})
	require.Error(t, err)
	require.NotEmpty(t, id)

	rec, err := r.CompleteOperation(ctx, id, &models.WorkflowResult{Status: models.StatusSuccess})
	require.Error(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
}
