package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kiln/internal/models"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC)

type recordingAnchor struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (a *recordingAnchor) QueueForAnchoring(_ context.Context, id, hash string, _ map[string]string) (models.AnchorAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return models.AnchorAck{}, a.err
	}
	a.hashes = append(a.hashes, hash)
	return models.AnchorAck{ID: "ack-" + id, Status: "queued"}, nil
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewSigner(priv)
}

func newEngine(opts ...Option) *Engine {
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...)
}

func reports() []models.ValidationReport {
	return []models.ValidationReport{
		{ArtifactID: "a1", Passed: true, Checks: []models.Check{{Name: "file-existence", Passed: true}, {Name: "content-integrity", Passed: true}}},
		{ArtifactID: "a2", Passed: false, Checks: []models.Check{{Name: "file-existence", Message: "file not found"}}},
		{ArtifactID: "a3", Passed: true, Checks: []models.Check{{Name: "file-existence", Passed: true}}},
	}
}

func TestAttest_OnlyPassedReports(t *testing.T) {
	atts, err := newEngine().Attest(context.Background(), reports(), models.WorkflowSpec{ID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, atts, 2)

	assert.Equal(t, "a1", atts[0].ArtifactID)
	assert.Equal(t, "a3", atts[1].ArtifactID)
	for _, a := range atts {
		assert.Equal(t, "wf-1", a.WorkflowID)
		assert.True(t, a.ValidationPassed)
		assert.Equal(t, fixedNow, a.Timestamp)
		assert.Len(t, a.Hash, 64)
		assert.NotEmpty(t, a.ID)
		assert.Empty(t, a.Signature)
	}
	assert.NotEqual(t, atts[0].Hash, atts[1].Hash)
}

func TestComputeHash_Deterministic(t *testing.T) {
	a := models.Attestation{ID: "x", ArtifactID: "a1", WorkflowID: "wf", Timestamp: fixedNow, ValidationPassed: true,
		Checks: []models.Check{{Name: "file-existence", Passed: true}}}
	h1, err := ComputeHash(a)
	require.NoError(t, err)

	// Fields outside the canonical set do not affect the hash.
	a.ID = "other"
	a.Signature = "ff"
	h2, err := ComputeHash(a)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	a.Checks[0].Passed = false
	h3, err := ComputeHash(a)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestCanonical_Layout(t *testing.T) {
	data, err := Canonical(models.Attestation{ArtifactID: "a", WorkflowID: "w", Timestamp: fixedNow})
	require.NoError(t, err)
	assert.Equal(t,
		`{"artifact_id":"a","workflow_id":"w","timestamp":"2025-01-02T03:04:05.0000006Z","validation_passed":false,"checks":[]}`,
		string(data))
}

func TestVerify(t *testing.T) {
	e := newEngine(WithSigner(testSigner(t)))
	atts, err := e.Attest(context.Background(), reports(), models.WorkflowSpec{ID: "wf-1"})
	require.NoError(t, err)

	a := atts[0]
	require.NotEmpty(t, a.Signature)
	require.NoError(t, e.Verify(context.Background(), a))

	tampered := a
	tampered.ArtifactID = "evil"
	assert.ErrorIs(t, e.Verify(context.Background(), tampered), ErrHashMismatch)

	forged := a
	forged.Signature = atts[1].Signature
	assert.ErrorIs(t, e.Verify(context.Background(), forged), ErrInvalidSignature)

	other := newEngine(WithSigner(testSigner(t)))
	assert.ErrorIs(t, other.Verify(context.Background(), a), ErrInvalidSignature)

	assert.ErrorIs(t, newEngine().Verify(context.Background(), a), ErrKeyNotLoaded)
}

func TestAttest_Anchoring(t *testing.T) {
	anchor := &recordingAnchor{}
	atts, err := newEngine(WithAnchor(anchor)).Attest(context.Background(), reports(), models.WorkflowSpec{ID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, []string{atts[0].Hash, atts[1].Hash}, anchor.hashes)
}

func TestAttest_AnchorFailureIsNotFatal(t *testing.T) {
	anchor := &recordingAnchor{err: errors.New("anchor offline")}
	atts, err := newEngine(WithAnchor(anchor)).Attest(context.Background(), reports(), models.WorkflowSpec{ID: "wf"})
	require.NoError(t, err)
	assert.Len(t, atts, 2)
}

func TestKeyManager_GeneratesAndReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	km := NewKeyManager(dir)
	assert.False(t, km.Exists())
	_, err := km.NewSigner()
	assert.ErrorIs(t, err, ErrKeyNotLoaded)

	require.NoError(t, km.Load(context.Background()))
	assert.True(t, km.Exists())
	s1, err := km.NewSigner()
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "attestation.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	km2 := NewKeyManager(dir)
	require.NoError(t, km2.Load(context.Background()))
	s2, err := km2.NewSigner()
	require.NoError(t, err)
	assert.Equal(t, s1.KeyID(), s2.KeyID())
}

func TestKeyManager_RejectsBadKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attestation.key"), []byte("abcd"), 0o600))
	err := NewKeyManager(dir).Load(context.Background())
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}
