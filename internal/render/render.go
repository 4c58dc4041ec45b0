// Package render substitutes `{{ name | filter }}` expressions in template
// bodies and target-path expressions.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

var exprRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*((?:\|\s*[A-Za-z_][A-Za-z0-9_]*\s*)*)\}\}`)

// Renderer is the rendering collaborator consumed by the index and planner.
type Renderer interface {
	Render(content string, vars map[string]any) (string, error)
	ExtractReferences(content string) []string
}

// Filter transforms a rendered value.
type Filter func(string) string

// Engine is the default Renderer.
type Engine struct {
	filters map[string]Filter
}

var _ Renderer = (*Engine)(nil)

// NewEngine returns an Engine with the built-in filters registered.
func NewEngine() *Engine {
	e := &Engine{filters: make(map[string]Filter, len(builtinFilters))}
	for name, f := range builtinFilters {
		e.filters[name] = f
	}
	return e
}

// RegisterFilter adds or replaces a named filter.
func (e *Engine) RegisterFilter(name string, f Filter) {
	e.filters[name] = f
}

// Render replaces every expression in content. Variables missing from vars
// render as the empty string; an unknown filter is an error.
func (e *Engine) Render(content string, vars map[string]any) (string, error) {
	var renderErr error
	out := exprRe.ReplaceAllStringFunc(content, func(match string) string {
		if renderErr != nil {
			return match
		}
		m := exprRe.FindStringSubmatch(match)
		val := stringify(vars[m[1]])
		for _, name := range parseFilters(m[2]) {
			f, ok := e.filters[name]
			if !ok {
				renderErr = fmt.Errorf("render: unknown filter %q on %q", name, m[1])
				return match
			}
			val = f(val)
		}
		return val
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// ExtractReferences returns every variable referenced in content, in order of
// appearance and including repeats.
func (e *Engine) ExtractReferences(content string) []string {
	matches := exprRe.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func parseFilters(chain string) []string {
	if strings.TrimSpace(chain) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(chain, "|") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
