package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/orchestrator"
	"github.com/starford/kiln/internal/registry"
	"github.com/starford/kiln/internal/testutil"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.App.LogLevel = 8 // above error: silence logs
	cfg.Templates.Root = testutil.TemplateTree(t, map[string]string{
		"service/main.tmpl":   "---\nto: cmd/{{ name | kebabCase }}/main.go\n---\n// {{ name }} :{{ port }}\npackage main\n",
		"service/readme.tmpl": "---\nto: README.md\nappend: true\n---\n- {{ name }} ({{ owner }})\n",
		"broken.tmpl":         "no frontmatter",
	})
	cfg.Output.Root = filepath.Join(dir, "out")
	cfg.SQLite.Path = filepath.Join(dir, "kiln.db")
	cfg.Attestation.KeyDir = filepath.Join(dir, "keys")
	cfg.Attestation.Anchor = AnchorSQLite
	cfg.Variables = map[string]registry.Definition{
		"port":  {Default: 8080, Type: registry.TypeNumber},
		"owner": {Default: "platform"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewApplication_RequiresConfig(t *testing.T) {
	if _, err := newApplication(nil); !errors.Is(err, errConfigRequired) {
		t.Errorf("err = %v, want errConfigRequired", err)
	}
}

func TestGenerate_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	var events []string
	obs := orchestrator.ObserverFunc(func(e orchestrator.Event) { events = append(events, e.Type) })

	res, err := Generate(ctx, models.WorkflowSpec{
		ID:        "wf-e2e",
		Generator: "service",
		Variables: map[string]any{"name": "BillingApi"},
	}, WithConfig(cfg), WithObserver(obs))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Status != models.StatusSuccess || len(res.Artifacts) != 2 {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Output.Root, "cmd", "billing-api", "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "// BillingApi :8080\npackage main\n" {
		t.Errorf("main.go = %q", data)
	}
	if len(events) == 0 || events[0] != orchestrator.EventStarted || events[len(events)-1] != orchestrator.EventCompleted {
		t.Errorf("events = %v", events)
	}
	for _, a := range res.Phases.Attestation {
		if a.Signature == "" || a.KeyID == "" {
			t.Errorf("attestation %s is unsigned", a.ID)
		}
	}

	// A second process sees the persisted records and the same key.
	statuses, err := VerifyWorkflow(ctx, "wf-e2e", WithConfig(cfg))
	if err != nil {
		t.Fatalf("VerifyWorkflow: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("attestations = %d, want 2", len(statuses))
	}
	for _, s := range statuses {
		if !s.Verified {
			t.Errorf("attestation %s not verified: %s", s.ID, s.Error)
		}
	}

	pending, err := PendingAnchors(ctx, 10, WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending anchors = %d, want 2", len(pending))
	}
	if err := MarkAnchored(ctx, pending[0].ID, WithConfig(cfg)); err != nil {
		t.Fatal(err)
	}
	pending, _ = PendingAnchors(ctx, 10, WithConfig(cfg))
	if len(pending) != 1 {
		t.Errorf("pending anchors after mark = %d, want 1", len(pending))
	}
	if err := MarkAnchored(ctx, "anc-missing", WithConfig(cfg)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("mark missing = %v, want ErrNotFound", err)
	}
}

func TestGenerate_DuplicateAcrossProcesses(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	spec := models.WorkflowSpec{ID: "wf-twice", Templates: []string{"service/readme"}, Variables: map[string]any{"name": "a"}}

	if _, err := Generate(ctx, spec, WithConfig(cfg)); err != nil {
		t.Fatal(err)
	}
	// A second process sees the persisted record and refuses the id.
	res, err := Generate(ctx, spec, WithConfig(cfg))
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	data, _ := os.ReadFile(filepath.Join(cfg.Output.Root, "README.md"))
	if string(data) != "- a (platform)\n" {
		t.Errorf("README.md = %q", data)
	}
}

func TestCatalog(t *testing.T) {
	cfg := testConfig(t)
	items, warnings, err := Catalog(context.Background(), WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("templates = %d, want 2", len(items))
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %+v, want 1", warnings)
	}
}

func TestGenerate_MissingTemplateRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Templates.Root = filepath.Join(t.TempDir(), "missing")
	_, err := Generate(context.Background(), models.WorkflowSpec{}, WithConfig(cfg))
	if !errors.Is(err, apperr.ErrTemplateRootMissing) {
		t.Errorf("err = %v, want ErrTemplateRootMissing", err)
	}
}
