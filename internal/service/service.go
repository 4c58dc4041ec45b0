// Package service is the surface-facing facade over the orchestrator. The
// HTTP API, the MCP server and the CLI all go through it.
package service

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/index"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/parser"
	"github.com/starford/kiln/internal/storage"
)

// Workflows is the orchestrator as seen by the service.
type Workflows interface {
	Run(ctx context.Context, spec models.WorkflowSpec) (*models.WorkflowResult, error)
	Get(ctx context.Context, id string) (*models.WorkflowResult, error)
	List(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error)
	Templates() []models.Template
	Template(id string) (models.Template, bool)
	Generators() []index.Generator
	Rescan() error
}

// AttestationLister returns the persisted attestations of a workflow.
type AttestationLister interface {
	ListAttestations(ctx context.Context, workflowID string) ([]models.Attestation, error)
}

// Verifier checks an attestation's hash and signature.
type Verifier interface {
	Verify(ctx context.Context, a models.Attestation) error
}

// WarningSource reports templates skipped during the last scan.
type WarningSource interface {
	Warnings() []apperr.DiscoveryWarning
}

// TemplateItem is a lightweight catalog entry.
type TemplateItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Generator string    `json:"generator,omitempty"`
	Target    string    `json:"to"`
	Inject    bool      `json:"inject"`
	Variables []string  `json:"variables"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TemplateDetail is the full representation of a template.
type TemplateDetail struct {
	TemplateItem
	SourcePath        string                         `json:"source_path"`
	Frontmatter       models.Frontmatter             `json:"frontmatter"`
	DeclaredVariables map[string]models.VariableDecl `json:"declared_variables"`
	Body              string                         `json:"body"`
}

// WarningItem is a template skipped during discovery.
type WarningItem struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// GeneratorItem is one generator and the templates under it.
type GeneratorItem struct {
	Name      string   `json:"name"`
	Templates []string `json:"templates"`
}

// AttestationStatus pairs an attestation with the result of re-verifying it.
type AttestationStatus struct {
	models.Attestation
	Verified bool   `json:"verified"`
	Error    string `json:"verify_error,omitempty"`
}

// Service coordinates workflow runs, the template catalog and attestations.
type Service struct {
	workflows Workflows
	atts      AttestationLister
	verifier  Verifier
	warnings  WarningSource
	templates storage.Provider
	ext       string
}

// Option configures a Service.
type Option func(*Service)

// WithAttestations reads attestations from a record store instead of the
// workflow result.
func WithAttestations(l AttestationLister) Option { return func(s *Service) { s.atts = l } }

// WithVerifier enables attestation verification.
func WithVerifier(v Verifier) Option { return func(s *Service) { s.verifier = v } }

// WithWarnings exposes discovery warnings.
func WithWarnings(w WarningSource) Option { return func(s *Service) { s.warnings = w } }

// WithTemplateStore enables template uploads into the template root. ext is
// the template file extension, including the dot.
func WithTemplateStore(p storage.Provider, ext string) Option {
	return func(s *Service) {
		s.templates = p
		s.ext = ext
	}
}

// New creates a new workflow service.
func New(workflows Workflows, opts ...Option) *Service {
	s := &Service{workflows: workflows}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunWorkflow executes spec. A failed run returns both the result and the
// phase error.
func (s *Service) RunWorkflow(ctx context.Context, spec models.WorkflowSpec) (*models.WorkflowResult, error) {
	return s.workflows.Run(ctx, spec)
}

// GetWorkflow returns the record of a finished run.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*models.WorkflowResult, error) {
	return s.workflows.Get(ctx, id)
}

// ListWorkflows returns paginated workflow summaries.
func (s *Service) ListWorkflows(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error) {
	items, total, err := s.workflows.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return nonNilSlice(items), total, nil
}

// ListTemplates returns the catalog, optionally filtered by generator.
func (s *Service) ListTemplates(_ context.Context, generator string) []TemplateItem {
	all := s.workflows.Templates()
	items := make([]TemplateItem, 0, len(all))
	for _, t := range all {
		if generator != "" && t.Generator != generator {
			continue
		}
		items = append(items, toItem(t))
	}
	return items
}

// GetTemplate returns one template with its body and frontmatter.
func (s *Service) GetTemplate(_ context.Context, id string) (*TemplateDetail, error) {
	t, ok := s.workflows.Template(id)
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, apperr.ErrNotFound)
	}
	decl := t.DeclaredVariables
	if decl == nil {
		decl = map[string]models.VariableDecl{}
	}
	return &TemplateDetail{
		TemplateItem:      toItem(t),
		SourcePath:        t.SourcePath,
		Frontmatter:       t.Frontmatter,
		DeclaredVariables: decl,
		Body:              t.Body,
	}, nil
}

// SaveTemplate writes a template under the template root, replacing any
// existing one with the same id, and rescans the catalog. The content must
// parse; otherwise nothing is written.
func (s *Service) SaveTemplate(ctx context.Context, id string, content []byte) (*TemplateDetail, error) {
	if s.templates == nil {
		return nil, fmt.Errorf("template uploads are disabled: %w", apperr.ErrConflict)
	}
	clean, err := templateID(id)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(content); err != nil {
		return nil, fmt.Errorf("template %s: %w: %v", clean, apperr.ErrInvalidTemplate, err)
	}
	if dir := path.Dir(clean); dir != "." {
		if _, err := s.templates.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("template %s: %w", clean, err)
		}
	}
	if err := s.templates.Write(clean+s.ext, content); err != nil {
		return nil, fmt.Errorf("template %s: write: %w", clean, err)
	}
	if err := s.workflows.Rescan(); err != nil {
		return nil, err
	}
	return s.GetTemplate(ctx, clean)
}

// templateID normalises an uploaded template id. Ids are slash-separated
// paths relative to the template root and may not contain hidden segments.
func templateID(id string) (string, error) {
	clean := path.Clean(strings.TrimSpace(id))
	if id == "" || clean == "." || path.IsAbs(clean) {
		return "", fmt.Errorf("template id %q: %w", id, apperr.ErrInvalidTemplate)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." || strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("template id %q: %w", id, apperr.ErrInvalidTemplate)
		}
	}
	return clean, nil
}

// Generators returns template ids grouped by generator.
func (s *Service) Generators(_ context.Context) []GeneratorItem {
	gens := s.workflows.Generators()
	out := make([]GeneratorItem, len(gens))
	for i, g := range gens {
		out[i] = GeneratorItem{Name: g.Name, Templates: nonNilSlice(g.Templates)}
	}
	return out
}

// Warnings returns the templates skipped during the last scan.
func (s *Service) Warnings(_ context.Context) []WarningItem {
	out := []WarningItem{}
	if s.warnings == nil {
		return out
	}
	for _, w := range s.warnings.Warnings() {
		out = append(out, WarningItem{Path: w.Path, Error: w.Err.Error()})
	}
	return out
}

// Rescan rebuilds the catalog and returns the number of templates.
func (s *Service) Rescan(_ context.Context) (int, error) {
	if err := s.workflows.Rescan(); err != nil {
		return 0, err
	}
	return len(s.workflows.Templates()), nil
}

// Attestations returns the attestations of a workflow, each re-verified
// when a verifier is configured.
func (s *Service) Attestations(ctx context.Context, workflowID string) ([]AttestationStatus, error) {
	res, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	atts := res.Phases.Attestation
	if s.atts != nil {
		if atts, err = s.atts.ListAttestations(ctx, workflowID); err != nil {
			return nil, err
		}
	}

	out := make([]AttestationStatus, len(atts))
	for i, a := range atts {
		out[i] = AttestationStatus{Attestation: a}
		if s.verifier == nil {
			continue
		}
		if err := s.verifier.Verify(ctx, a); err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Verified = true
	}
	return out, nil
}

func toItem(t models.Template) TemplateItem {
	vars := make([]string, 0, len(t.DeclaredVariables))
	for name := range t.DeclaredVariables {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return TemplateItem{
		ID:        t.ID,
		Name:      t.Name,
		Generator: t.Generator,
		Target:    t.Frontmatter.To,
		Inject:    t.Frontmatter.IsInjection(),
		Variables: vars,
		Checksum:  t.Checksum,
		UpdatedAt: t.LastModified,
	}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
