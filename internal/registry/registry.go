// Package registry holds configured variable defaults, generators and
// constraints.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Default generators.
const (
	GeneratorTimestamp = "timestamp"
	GeneratorDate      = "date"
	GeneratorUUID      = "uuid"
)

// Constraint types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Definition describes one registered variable. Generator takes precedence
// over Default when both are set.
type Definition struct {
	Default   any    `yaml:"default"`
	Generator string `yaml:"generator"`
	Required  bool   `yaml:"required"`
	Type      string `yaml:"type"`
	Pattern   string `yaml:"pattern"`
}

// Validate validates the definition.
func (d *Definition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Generator, validation.In(GeneratorTimestamp, GeneratorDate, GeneratorUUID)),
		validation.Field(&d.Type, validation.In(TypeString, TypeNumber, TypeBoolean)),
		validation.Field(&d.Pattern, validation.By(compiles)),
	)
}

func compiles(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := regexp.Compile(s); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	return nil
}

// Registry answers default and constraint lookups by variable name. It is
// read-only after construction and safe for concurrent use.
type Registry struct {
	defs    map[string]Definition
	now     func() time.Time
	newUUID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used by the timestamp and date generators.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithUUID overrides the uuid generator.
func WithUUID(fn func() string) Option {
	return func(r *Registry) { r.newUUID = fn }
}

// New builds a registry from definitions. Every definition is validated.
func New(defs map[string]Definition, opts ...Option) (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]Definition, len(defs)),
		now:     time.Now,
		newUUID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	for name, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("registry: variable %q: %w", name, err)
		}
		r.defs[name] = def
	}
	return r, nil
}

// Names returns the registered variable names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefault returns the registered default for name. Generators are
// evaluated on every call.
func (r *Registry) GetDefault(name string) (any, bool) {
	def, ok := r.defs[name]
	if !ok {
		return nil, false
	}
	switch def.Generator {
	case GeneratorTimestamp:
		return r.now().UTC().Format(time.RFC3339), true
	case GeneratorDate:
		return r.now().UTC().Format(time.DateOnly), true
	case GeneratorUUID:
		return r.newUUID(), true
	}
	if def.Default == nil {
		return nil, false
	}
	return def.Default, true
}

// GetConstraint returns the constraint registered for name, if it has one.
func (r *Registry) GetConstraint(name string) (Constraint, bool) {
	def, ok := r.defs[name]
	if !ok {
		return Constraint{}, false
	}
	c := Constraint{Required: def.Required, Type: def.Type, Pattern: def.Pattern}
	if c.IsZero() {
		return Constraint{}, false
	}
	return c, true
}
