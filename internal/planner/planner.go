// Package planner turns selected templates and resolved variables into an
// ordered list of filesystem operations.
package planner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// Renderer renders template text with a variable set.
type Renderer interface {
	Render(content string, vars map[string]any) (string, error)
}

// Planner builds operation plans.
type Planner struct {
	renderer Renderer
	strict   bool
	logger   *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithStrictInject makes every injection fail when its pattern is missing,
// not only those whose frontmatter sets strict.
func WithStrictInject(strict bool) Option {
	return func(p *Planner) { p.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New creates a planner.
func New(r Renderer, opts ...Option) *Planner {
	p := &Planner{renderer: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan renders each template in order. Templates whose skipIf variable is
// truthy produce no operation and are reported in Skipped.
func (p *Planner) Plan(templates []models.Template, vars map[string]any) (models.PlanningOutput, error) {
	out := models.PlanningOutput{Operations: make([]models.Operation, 0, len(templates))}

	for _, t := range templates {
		fm := t.Frontmatter
		if fm.SkipIf != "" && Truthy(vars[fm.SkipIf]) {
			p.logger.Info("planner: template skipped",
				slog.String("template", t.ID),
				slog.String("skip_if", fm.SkipIf))
			out.Skipped = append(out.Skipped, t.ID)
			continue
		}

		op, err := p.operation(t, vars)
		if err != nil {
			return models.PlanningOutput{}, fmt.Errorf("planner: template %s: %w", t.ID, err)
		}
		op.Index = len(out.Operations)
		out.Operations = append(out.Operations, op)
	}
	return out, nil
}

func (p *Planner) operation(t models.Template, vars map[string]any) (models.Operation, error) {
	fm := t.Frontmatter

	rawTarget, err := p.renderer.Render(fm.To, vars)
	if err != nil {
		return models.Operation{}, fmt.Errorf("render target: %w", err)
	}
	target, err := cleanTarget(rawTarget)
	if err != nil {
		return models.Operation{}, err
	}

	content, err := p.renderer.Render(t.Body, vars)
	if err != nil {
		return models.Operation{}, fmt.Errorf("render body: %w", err)
	}

	perm, err := ParseMode(fm.Chmod)
	if err != nil {
		return models.Operation{}, err
	}

	op := models.Operation{
		Kind:        models.OpCreate,
		TemplateID:  t.ID,
		TargetPath:  target,
		Content:     content,
		Permissions: perm,
		Hook:        fm.Sh,
	}
	if fm.IsInjection() {
		op.Kind = models.OpInject
		op.Mode = fm.InjectMode()
		op.Strict = p.strict || fm.Strict
		if fm.SkipIfContains != "" {
			marker, err := p.renderer.Render(fm.SkipIfContains, vars)
			if err != nil {
				return models.Operation{}, fmt.Errorf("render skipIfContains: %w", err)
			}
			op.SkipIfContains = marker
		}
	}
	return op, nil
}

// cleanTarget normalises a rendered target path. Empty and absolute paths
// and paths leaving the output root are rejected.
func cleanTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("target path renders empty")
	}
	slashed := strings.ReplaceAll(raw, "\\", "/")
	if path.IsAbs(slashed) {
		return "", fmt.Errorf("target %q: %w", raw, apperr.ErrPathEscapesRoot)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("target %q: %w", raw, apperr.ErrPathEscapesRoot)
	}
	return cleaned, nil
}

// ParseMode parses an octal permission string such as "755" or "0644".
// An empty string yields 0, meaning no explicit permissions.
func ParseMode(s string) (fs.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid chmod %q", s)
	}
	return fs.FileMode(n), nil
}

// Truthy reports whether a variable value counts as set. Booleans and
// boolean-like strings parse as such; other values are truthy when their
// string form is non-empty.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, err := cast.ToBoolE(v); err == nil {
		return b
	}
	return cast.ToString(v) != ""
}
