// Package models defines the domain types for Kiln.
package models

import "time"

// InjectKind selects where injected content lands in an existing file.
type InjectKind string

const (
	InjectAppend  InjectKind = "append"
	InjectPrepend InjectKind = "prepend"
	InjectBefore  InjectKind = "before"
	InjectAfter   InjectKind = "after"
	InjectAtLine  InjectKind = "at_line"
)

// InjectMode is the resolved injection position of an Inject operation.
type InjectMode struct {
	Kind    InjectKind `json:"kind"`
	Pattern string     `json:"pattern,omitempty"`
	Line    int        `json:"line,omitempty"`
}

// VariableSpec is a variable declared in a template's frontmatter.
type VariableSpec struct {
	Required bool `yaml:"required" json:"required"`
	Default  any  `yaml:"default" json:"default,omitempty"`
}

// Frontmatter is the typed header of a template. Keys outside this set are
// rejected at parse time.
type Frontmatter struct {
	To             string                  `yaml:"to" json:"to"`
	Inject         bool                    `yaml:"inject" json:"inject,omitempty"`
	Append         bool                    `yaml:"append" json:"append,omitempty"`
	Prepend        bool                    `yaml:"prepend" json:"prepend,omitempty"`
	Before         string                  `yaml:"before" json:"before,omitempty"`
	After          string                  `yaml:"after" json:"after,omitempty"`
	LineAt         int                     `yaml:"lineAt" json:"line_at,omitempty"`
	SkipIf         string                  `yaml:"skipIf" json:"skip_if,omitempty"`
	SkipIfContains string                  `yaml:"skipIfContains" json:"skip_if_contains,omitempty"`
	Strict         bool                    `yaml:"strict" json:"strict,omitempty"`
	Chmod          string                  `yaml:"chmod" json:"chmod,omitempty"`
	Sh             string                  `yaml:"sh" json:"sh,omitempty"`
	Variables      map[string]VariableSpec `yaml:"variables" json:"variables,omitempty"`
}

// IsInjection reports whether the frontmatter declares any injection mode.
func (f Frontmatter) IsInjection() bool {
	return f.Inject || f.Append || f.Prepend || f.Before != "" || f.After != "" || f.LineAt > 0
}

// InjectMode returns the injection position. A bare `inject: true` appends.
func (f Frontmatter) InjectMode() InjectMode {
	switch {
	case f.Prepend:
		return InjectMode{Kind: InjectPrepend}
	case f.Before != "":
		return InjectMode{Kind: InjectBefore, Pattern: f.Before}
	case f.After != "":
		return InjectMode{Kind: InjectAfter, Pattern: f.After}
	case f.LineAt > 0:
		return InjectMode{Kind: InjectAtLine, Line: f.LineAt}
	default:
		return InjectMode{Kind: InjectAppend}
	}
}

// VariableDecl aggregates what a template says about one variable.
type VariableDecl struct {
	Required    bool `json:"required"`
	Default     any  `json:"default,omitempty"`
	Occurrences int  `json:"occurrences"`
}

// Template is a discovered template unit. Templates are immutable once the
// index has been built.
type Template struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	Generator         string                  `json:"generator,omitempty"`
	SourcePath        string                  `json:"source_path"`
	Content           string                  `json:"-"`
	Body              string                  `json:"-"`
	Frontmatter       Frontmatter             `json:"frontmatter"`
	DeclaredVariables map[string]VariableDecl `json:"declared_variables"`
	Checksum          string                  `json:"checksum"`
	LastModified      time.Time               `json:"last_modified"`
}
