package validation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/storage"
)

func setup(t *testing.T, files map[string]string) (string, *Engine) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644))
	}
	store, err := storage.NewFS(root)
	require.NoError(t, err)
	return root, New(store, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestValidate(t *testing.T) {
	_, e := setup(t, map[string]string{"ok.ts": "ok", "tampered.ts": "changed"})

	reports := e.Validate([]models.Artifact{
		{ID: "a1", Path: "ok.ts", Checksum: checksum.SumString("ok")},
		{ID: "a2", Path: "missing.ts", Checksum: checksum.SumString("x")},
		{ID: "a3", Path: "tampered.ts", Checksum: checksum.SumString("original")},
	})
	require.Len(t, reports, 3)

	ok := reports[0]
	assert.True(t, ok.Passed)
	assert.Equal(t, "a1", ok.ArtifactID)
	assert.Equal(t, []models.Check{
		{Name: CheckFileExistence, Passed: true},
		{Name: CheckContentIntegrity, Passed: true},
	}, ok.Checks)

	missing := reports[1]
	assert.False(t, missing.Passed)
	require.Len(t, missing.Checks, 1, "remaining checks are skipped")
	assert.Equal(t, CheckFileExistence, missing.Checks[0].Name)

	tampered := reports[2]
	assert.False(t, tampered.Passed)
	require.Len(t, tampered.Checks, 2)
	assert.Contains(t, tampered.Checks[1].Message, "checksum mismatch: expected "+checksum.SumString("original"))
	assert.Contains(t, tampered.Checks[1].Message, "got "+checksum.SumString("changed"))
}

func TestValidate_DoesNotMutate(t *testing.T) {
	root, e := setup(t, map[string]string{"a.ts": "a"})
	before, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)

	e.Validate([]models.Artifact{{ID: "x", Path: "a.ts", Checksum: "bogus"}})

	after, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestValidate_Empty(t *testing.T) {
	_, e := setup(t, nil)
	assert.Empty(t, e.Validate(nil))
}
