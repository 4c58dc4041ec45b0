package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/attest"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/index"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/provenance"
	"github.com/starford/kiln/internal/render"
	"github.com/starford/kiln/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newOrchestrator(t *testing.T, templates map[string]string, opts ...Option) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, templates)
	idx := index.New(root, render.NewEngine(), index.WithLogger(quietLogger()))
	o := New(idx, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, o.Initialize())
	return o
}

func readOut(t *testing.T, out, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, rel))
	require.NoError(t, err)
	return string(data)
}

func TestRun_SimpleCreate(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"component/new.tmpl": "---\nto: src/{{name}}.ts\n---\nexport class {{name}} {}",
	})
	out := t.TempDir()

	res, err := o.Run(context.Background(), models.WorkflowSpec{
		User:       "alice",
		Variables:  map[string]any{"name": "Foo"},
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, "export class Foo {}", readOut(t, out, "src/Foo.ts"))

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "src/Foo.ts", res.Artifacts[0].Path)
	assert.Equal(t, checksum.SumString("export class Foo {}"), res.Artifacts[0].Checksum)

	require.Len(t, res.Phases.Validation, 1)
	assert.True(t, res.Phases.Validation[0].Passed)
	require.Len(t, res.Phases.Attestation, 1)
	assert.Equal(t, res.WorkflowID, res.Phases.Attestation[0].WorkflowID)

	assert.Equal(t, models.Metrics{TemplatesProcessed: 1, VariablesResolved: 1, ArtifactsGenerated: 1, ValidationsPassed: 1}, res.Metrics)
	assert.NotEmpty(t, res.WorkflowID)
	assert.True(t, res.Phases.Generation.Committed)
	assert.NoDirExists(t, filepath.Join(out, ".kiln"))
}

func TestRun_FailedBatchRollsBack(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"batch/1-a.tmpl": "---\nto: a.ts\n---\na",
		"batch/2-b.tmpl": "---\nto: blocker/b.ts\n---\nb",
	})
	out := t.TempDir()
	writeFiles(t, out, map[string]string{"blocker": "i am a file"})

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out})
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, string(PhaseGenerating), res.FailedPhase)
	assert.NoFileExists(t, filepath.Join(out, "a.ts"))
	assert.Equal(t, "i am a file", readOut(t, out, "blocker"))

	var opErr *apperr.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 1, opErr.Index)
	assert.Equal(t, "batch/2-b", opErr.TemplateID)

	require.NotNil(t, res.Phases.Generation)
	assert.False(t, res.Phases.Generation.Committed)
	require.NotNil(t, res.Phases.Generation.Rollback)
	assert.True(t, res.Phases.Generation.Rollback.Attempted)
	assert.True(t, res.Phases.Generation.Rollback.FullyReverted)
	assert.Contains(t, res.Error, "fully reverted")

	assert.Empty(t, res.Artifacts)
	assert.Nil(t, res.Phases.Validation, "phases after generating must not run")
	assert.Nil(t, res.Phases.Attestation)
}

func TestRun_InjectionAfterMarker(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"inject/import.tmpl": "---\nto: app.ts\nafter: \"// IMPORT_SECTION\"\n---\nimport {X} from './x';\n",
	})
	out := t.TempDir()
	writeFiles(t, out, map[string]string{"app.ts": "// IMPORT_SECTION\nrun();\n"})

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, "// IMPORT_SECTION\nimport {X} from './x';\nrun();\n", readOut(t, out, "app.ts"))
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, models.ArtifactInjection, res.Artifacts[0].Kind)
}

func TestRun_SkipCondition(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"gen/file.tmpl": "---\nto: out.txt\nskipIf: dryRun\n---\nbody",
	})
	out := t.TempDir()

	res, err := o.Run(context.Background(), models.WorkflowSpec{
		OutputPath: out,
		Variables:  map[string]any{"dryRun": true},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Empty(t, res.Phases.Planning.Operations)
	assert.Equal(t, []string{"gen/file"}, res.Phases.Planning.Skipped)
	assert.Empty(t, res.Artifacts)
	assert.NoFileExists(t, filepath.Join(out, "out.txt"))
}

func TestRun_VariableValidationFails(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"a.tmpl": "---\nto: a.txt\nvariables:\n  owner:\n    required: true\n  team:\n    required: true\n---\n{{owner}} {{team}}",
	})
	out := t.TempDir()

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out})
	require.Error(t, err)

	assert.Equal(t, string(PhaseResolvingVariables), res.FailedPhase)
	var vErr *apperr.VariableValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Len(t, vErr.Violations, 2)
	assert.NoFileExists(t, filepath.Join(out, "a.txt"))
}

func TestRun_DryRun(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\nx"})
	out := filepath.Join(t.TempDir(), "not-created")

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out, DryRun: true})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	require.Len(t, res.Phases.Planning.Operations, 1)
	assert.Equal(t, "a.txt", res.Phases.Planning.Operations[0].TargetPath)
	assert.Nil(t, res.Phases.Generation)
	assert.NoDirExists(t, out)
}

func TestRun_CreatesAndCleansOutputRoot(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"x/1.tmpl": "---\nto: ok.txt\n---\nok",
		"x/2.tmpl": "---\nto: ../escape.txt\n---\nno",
	})

	out := filepath.Join(t.TempDir(), "fresh")
	_, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out, Templates: []string{"x/1"}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, "ok.txt"))

	// Planning rejects the escaping target before anything is written.
	out2 := filepath.Join(t.TempDir(), "fresh2")
	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out2})
	require.ErrorIs(t, err, apperr.ErrPathEscapesRoot)
	assert.Equal(t, string(PhasePlanning), res.FailedPhase)
	assert.NoDirExists(t, out2)
}

func TestRun_RemovesCreatedRootAfterRollback(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"x/1.tmpl": "---\nto: a.txt\n---\na",
		"x/2.tmpl": "---\nto: a.txt/b.txt\n---\nb",
	})
	out := filepath.Join(t.TempDir(), "fresh")

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out})
	require.Error(t, err)
	assert.Equal(t, string(PhaseGenerating), res.FailedPhase)
	assert.NoDirExists(t, out)
}

func TestRun_UnknownTemplateFailsDiscovery(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a\n---\n"})
	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: t.TempDir(), Templates: []string{"nope"}})
	require.ErrorIs(t, err, apperr.ErrUnknownTemplate)
	assert.Equal(t, string(PhaseDiscovering), res.FailedPhase)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a\n---\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	res, err := o.Run(ctx, models.WorkflowSpec{OutputPath: out})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, string(PhaseDiscovering), res.FailedPhase)
	assert.NoFileExists(t, filepath.Join(out, "a"))
}

func TestRun_CancelledDuringPlanning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\n"},
		WithObserver(ObserverFunc(func(e Event) {
			if e.Type == EventPhase && e.Phase == PhasePlanning {
				cancel()
			}
		})))
	out := t.TempDir()

	res, err := o.Run(ctx, models.WorkflowSpec{OutputPath: out})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, string(PhaseGenerating), res.FailedPhase)
	assert.NoFileExists(t, filepath.Join(out, "a.txt"))
}

func TestRun_CancelledAfterCommitKeepsSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\nA"},
		WithObserver(ObserverFunc(func(e Event) {
			if e.Type == EventPhase && e.Phase == PhaseValidating {
				cancel()
			}
		})))
	out := t.TempDir()

	res, err := o.Run(ctx, models.WorkflowSpec{OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Empty(t, res.FailedPhase)
	assert.Len(t, res.Phases.Validation, 1)
	assert.Nil(t, res.Phases.Attestation)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "attesting")
	assert.Contains(t, res.Warnings[0], context.Canceled.Error())
	assert.Equal(t, "A", readOut(t, out, "a.txt"))
}

type failingAttester struct{}

func (failingAttester) Attest(context.Context, []models.ValidationReport, models.WorkflowSpec) ([]models.Attestation, error) {
	return nil, errors.New("signer unavailable")
}

func TestRun_AttestErrorKeepsSuccess(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\nA"},
		WithAttester(failingAttester{}))
	out := t.TempDir()

	res, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Metrics.ValidationsPassed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "signer unavailable")
	assert.FileExists(t, filepath.Join(out, "a.txt"))
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\n"},
		WithObserver(ObserverFunc(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			if e.Type == EventPhase {
				events = append(events, string(e.Phase))
				return
			}
			events = append(events, e.Type)
		})),
		WithObserver(ObserverFunc(func(Event) { panic("observer bug") })),
	)

	_, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventStarted,
		string(PhaseDiscovering),
		string(PhaseResolvingVariables),
		string(PhasePlanning),
		string(PhaseGenerating),
		string(PhaseValidating),
		string(PhaseAttesting),
		EventCompleted,
	}, events)
}

func TestRun_FailedEvent(t *testing.T) {
	var got []Event
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a\n---\n"},
		WithObserver(ObserverFunc(func(e Event) { got = append(got, e) })))

	_, err := o.Run(context.Background(), models.WorkflowSpec{OutputPath: t.TempDir(), Templates: []string{"missing"}})
	require.Error(t, err)

	last := got[len(got)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, PhaseDiscovering, last.Phase)
	assert.NotEmpty(t, last.Error)
}

func TestRun_PersistsRecordsAndProvenance(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a.txt\n---\nA"},
		WithRecords(db),
		WithTracker(provenance.NewRecorder(db)),
		WithAttester(attest.New(attest.WithAnchor(db), attest.WithLogger(quietLogger()))),
	)

	res, err := o.Run(context.Background(), models.WorkflowSpec{ID: "wf-persist", User: "bob", OutputPath: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, res.ProvenanceRecord)
	assert.Equal(t, provenance.StatusSuccess, res.ProvenanceRecord.Status)

	stored, err := db.GetWorkflow(context.Background(), "wf-persist")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, res.Artifacts[0].Checksum, stored.Artifacts[0].Checksum)

	atts, err := db.ListAttestations(context.Background(), "wf-persist")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, res.Phases.Attestation[0].Hash, atts[0].Hash)

	pending, err := db.PendingAnchors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, atts[0].Hash, pending[0].Hash)

	prov, err := db.GetProvenance(context.Background(), "wf-persist")
	require.NoError(t, err)
	assert.Equal(t, "bob", prov.User)

	got, err := o.Get(context.Background(), "wf-persist")
	require.NoError(t, err)
	assert.Equal(t, res, got)

	list, total, err := o.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "wf-persist", list[0].WorkflowID)
}

func TestRun_DuplicateID(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a\n---\n"})
	spec := models.WorkflowSpec{ID: "wf-dup", OutputPath: t.TempDir()}

	_, err := o.Run(context.Background(), spec)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), spec)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestRun_DuplicateIDAfterRestart(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	templates := map[string]string{"a.tmpl": "---\nto: a.txt\n---\nA"}
	spec := models.WorkflowSpec{ID: "wf-restart", OutputPath: t.TempDir()}

	first := newOrchestrator(t, templates, WithRecords(db))
	res, err := first.Run(context.Background(), spec)
	require.NoError(t, err)

	second := newOrchestrator(t, templates, WithRecords(db))
	again, err := second.Run(context.Background(), spec)
	assert.Nil(t, again)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	stored, err := db.GetWorkflow(context.Background(), "wf-restart")
	require.NoError(t, err)
	assert.True(t, res.StartedAt.Equal(stored.StartedAt))
}

func TestRunAll_Concurrent(t *testing.T) {
	o := newOrchestrator(t, map[string]string{
		"svc/handler.tmpl": "---\nto: {{name | kebabCase}}/handler.go\n---\npackage {{name | snakeCase}}\n",
		"svc/routes.tmpl":  "---\nto: routes.go\nappend: true\n---\nregister(\"{{name}}\")\n",
	}, WithParallelism(3))

	out := t.TempDir()
	var specs []models.WorkflowSpec
	for i := 0; i < 8; i++ {
		specs = append(specs, models.WorkflowSpec{
			ID:         fmt.Sprintf("wf-%d", i),
			OutputPath: filepath.Join(out, fmt.Sprintf("run-%d", i)),
			Variables:  map[string]any{"name": fmt.Sprintf("service%c", 'a'+i)},
		})
	}

	results, err := o.RunAll(context.Background(), specs)
	require.NoError(t, err)
	require.Len(t, results, 8)

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, fmt.Sprintf("wf-%d", i), res.WorkflowID)
		assert.Equal(t, models.StatusSuccess, res.Status, res.Error)
		assert.Len(t, res.Artifacts, 2)

		dir := filepath.Join(out, fmt.Sprintf("run-%d", i))
		assert.Equal(t, fmt.Sprintf("register(\"service%c\")\n", 'a'+i), readOut(t, dir, "routes.go"))
		assert.FileExists(t, filepath.Join(dir, fmt.Sprintf("service%c", 'a'+i), "handler.go"))
	}

	list, total, err := o.List(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	assert.Len(t, list, 3)
}

func TestGet_NotFound(t *testing.T) {
	o := newOrchestrator(t, map[string]string{"a.tmpl": "---\nto: a\n---\n"})
	_, err := o.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInitialize_MissingRoot(t *testing.T) {
	idx := index.New(filepath.Join(t.TempDir(), "missing"), render.NewEngine(), index.WithLogger(quietLogger()))
	o := New(idx, WithLogger(quietLogger()))
	assert.ErrorIs(t, o.Initialize(), apperr.ErrTemplateRootMissing)
}
