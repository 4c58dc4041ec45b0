// Package index discovers templates under a root directory and serves them
// as an in-memory catalog.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// DefaultExtension is the template file extension used when none is set.
const DefaultExtension = ".tmpl"

// Catalog is the read side of the template index. Consumers should depend
// on this interface rather than the concrete *Index type.
type Catalog interface {
	Get(id string) (models.Template, bool)
	All() []models.Template
	Generators() []Generator
	Select(ids []string, generator string) ([]models.Template, error)
}

// Verify *Index satisfies Catalog at compile time.
var _ Catalog = (*Index)(nil)

// ReferenceExtractor lists the variable names a template body refers to.
type ReferenceExtractor interface {
	ExtractReferences(content string) []string
}

// Generator groups the templates that share a top-level directory.
type Generator struct {
	Name      string   `json:"name"`
	Templates []string `json:"templates"`
}

// Index is a template catalog. Reads are safe for concurrent use; Rescan
// replaces the whole catalog under the write lock.
type Index struct {
	root   string
	ext    string
	refs   ReferenceExtractor
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]models.Template
	ids       []string
	warnings  []apperr.DiscoveryWarning
	scannedAt time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithExtension sets the template file extension.
func WithExtension(ext string) Option {
	return func(x *Index) {
		if ext != "" {
			x.ext = ext
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l }
}

// New creates an empty index over root. refs extracts variable references
// from template content. Call Rescan to populate it.
func New(root string, refs ReferenceExtractor, opts ...Option) *Index {
	x := &Index{
		root:      root,
		ext:       DefaultExtension,
		refs:      refs,
		logger:    slog.Default(),
		templates: map[string]models.Template{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Root returns the template root.
func (x *Index) Root() string { return x.root }

// Rescan discovers templates and atomically replaces the catalog. On error
// the previous catalog is kept.
func (x *Index) Rescan() error {
	found, warnings, err := x.discover()
	if err != nil {
		return err
	}

	templates := make(map[string]models.Template, len(found))
	ids := make([]string, 0, len(found))
	for _, t := range found {
		templates[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	x.mu.Lock()
	x.templates = templates
	x.ids = ids
	x.warnings = warnings
	x.scannedAt = time.Now().UTC()
	x.mu.Unlock()

	x.logger.Info("index: scanned",
		slog.String("root", x.root),
		slog.Int("templates", len(ids)),
		slog.Int("skipped", len(warnings)))
	return nil
}

// Get returns the template with the given id.
func (x *Index) Get(id string) (models.Template, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.templates[id]
	return t, ok
}

// All returns every template ordered by id.
func (x *Index) All() []models.Template {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]models.Template, 0, len(x.ids))
	for _, id := range x.ids {
		out = append(out, x.templates[id])
	}
	return out
}

// Warnings returns the files skipped by the last scan.
func (x *Index) Warnings() []apperr.DiscoveryWarning {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]apperr.DiscoveryWarning(nil), x.warnings...)
}

// ScannedAt returns the time of the last successful scan.
func (x *Index) ScannedAt() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.scannedAt
}

// Generators lists generators and their template ids, sorted by name.
// Templates at the root belong to no generator and are not listed.
func (x *Index) Generators() []Generator {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byName := map[string][]string{}
	for _, id := range x.ids {
		if g := x.templates[id].Generator; g != "" {
			byName[g] = append(byName[g], id)
		}
	}
	out := make([]Generator, 0, len(byName))
	for name, ids := range byName {
		out = append(out, Generator{Name: name, Templates: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select returns the templates for one workflow. Explicit ids are returned
// in the given order and must all exist; without ids every template is
// returned in id order. A non-empty generator restricts either form.
func (x *Index) Select(ids []string, generator string) ([]models.Template, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(ids) > 0 {
		out := make([]models.Template, 0, len(ids))
		for _, id := range ids {
			t, ok := x.templates[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", apperr.ErrUnknownTemplate, id)
			}
			if generator != "" && t.Generator != generator {
				return nil, fmt.Errorf("%w: %s is not part of generator %s", apperr.ErrUnknownTemplate, id, generator)
			}
			out = append(out, t)
		}
		return out, nil
	}

	out := make([]models.Template, 0, len(x.ids))
	for _, id := range x.ids {
		t := x.templates[id]
		if generator != "" && t.Generator != generator {
			continue
		}
		out = append(out, t)
	}
	if generator != "" && len(out) == 0 {
		return nil, fmt.Errorf("generator %s: %w", generator, apperr.ErrNotFound)
	}
	return out, nil
}
