// Package resolver computes the variable set of a workflow run.
package resolver

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/registry"
	"github.com/starford/kiln/internal/render"
)

// Registry supplies registered defaults and constraints.
type Registry interface {
	GetDefault(name string) (any, bool)
	GetConstraint(name string) (registry.Constraint, bool)
}

// Resolver resolves variables against explicit input, the registry, the
// environment, frontmatter defaults and naming heuristics, in that order.
type Resolver struct {
	registry Registry
	lookup   func(string) (string, bool)
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRegistry sets the variable registry.
func WithRegistry(r Registry) Option {
	return func(res *Resolver) { res.registry = r }
}

// WithEnv overrides environment lookup.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(res *Resolver) { res.lookup = lookup }
}

// WithClock overrides the clock used by the date and time heuristics.
func WithClock(now func() time.Time) Option {
	return func(res *Resolver) { res.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(res *Resolver) { res.logger = l }
}

// New creates a resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookup: os.LookupEnv,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds the variable set for spec over the selected templates.
// Every constraint violation is collected before failing with an
// *apperr.VariableValidationError.
func (r *Resolver) Resolve(spec models.WorkflowSpec, templates []models.Template) (models.ResolvedVariables, error) {
	decls := Union(templates)

	out := models.ResolvedVariables{
		Values:  make(map[string]any, len(decls)+len(spec.Variables)),
		Sources: make(map[string]models.VariableSource, len(decls)+len(spec.Variables)),
	}
	for name, v := range spec.Variables {
		out.Values[name] = v
		out.Sources[name] = models.SourceExplicit
	}

	for _, name := range sortedNames(decls) {
		if _, ok := out.Values[name]; ok {
			continue
		}
		value, source, ok := r.resolveOne(spec, name, decls[name])
		if !ok {
			r.logger.Debug("resolver: variable unresolved", slog.String("variable", name))
			continue
		}
		out.Values[name] = value
		out.Sources[name] = source

		attrs := []any{slog.String("variable", name), slog.String("source", string(source))}
		if source == models.SourceHeuristic {
			r.logger.Warn("resolver: heuristic fallback", append(attrs, slog.Any("value", value))...)
		} else {
			r.logger.Debug("resolver: resolved", attrs...)
		}
	}

	if violations := r.validate(decls, out); len(violations) > 0 {
		return models.ResolvedVariables{}, &apperr.VariableValidationError{Violations: violations}
	}
	return out, nil
}

func (r *Resolver) resolveOne(spec models.WorkflowSpec, name string, decl models.VariableDecl) (any, models.VariableSource, bool) {
	if r.registry != nil {
		if v, ok := r.registry.GetDefault(name); ok {
			return v, models.SourceRegistry, true
		}
	}
	if v, ok := r.lookup(render.UpperSnake(name)); ok {
		return v, models.SourceEnv, true
	}
	if decl.Default != nil {
		return decl.Default, models.SourceFrontmatter, true
	}
	if v, ok := r.heuristic(spec, name); ok {
		return v, models.SourceHeuristic, true
	}
	return nil, "", false
}

func (r *Resolver) heuristic(spec models.WorkflowSpec, name string) (any, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "name"):
		if spec.Name != "" {
			return spec.Name, true
		}
		if spec.ID != "" {
			return spec.ID, true
		}
	case strings.Contains(lower, "date"):
		return r.now().UTC().Format(time.DateOnly), true
	case strings.Contains(lower, "time"):
		return r.now().UTC().Format(time.RFC3339), true
	}
	return nil, false
}

func (r *Resolver) validate(decls map[string]models.VariableDecl, vars models.ResolvedVariables) []apperr.Violation {
	names := make(map[string]struct{}, len(decls)+len(vars.Values))
	for name := range decls {
		names[name] = struct{}{}
	}
	for name := range vars.Values {
		names[name] = struct{}{}
	}

	var violations []apperr.Violation
	for _, name := range sortedKeys(names) {
		var c registry.Constraint
		if r.registry != nil {
			c, _ = r.registry.GetConstraint(name)
		}
		if decls[name].Required {
			c.Required = true
		}
		if c.IsZero() {
			continue
		}
		value, present := vars.Values[name]
		violations = append(violations, c.Validate(name, value, present)...)
	}
	return violations
}

// Union merges the declared variables of templates. A name is required if
// any template requires it; the first declared default wins; occurrences
// are summed.
func Union(templates []models.Template) map[string]models.VariableDecl {
	out := make(map[string]models.VariableDecl)
	for _, t := range templates {
		for name, d := range t.DeclaredVariables {
			cur := out[name]
			cur.Required = cur.Required || d.Required
			if cur.Default == nil {
				cur.Default = d.Default
			}
			cur.Occurrences += d.Occurrences
			out[name] = cur
		}
	}
	return out
}

func sortedNames(m map[string]models.VariableDecl) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]struct{}) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
