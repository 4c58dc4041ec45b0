package index

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/parser"
)

// Discover walks root and returns every parseable template ordered by
// path. Unparseable files and unreadable nested directories are skipped
// with a warning; only a missing root is an error.
func Discover(root string, refs ReferenceExtractor, opts ...Option) ([]models.Template, error) {
	found, _, err := New(root, refs, opts...).discover()
	return found, err
}

func (x *Index) discover() ([]models.Template, []apperr.DiscoveryWarning, error) {
	info, err := os.Stat(x.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("index: %s: %w", x.root, apperr.ErrTemplateRootMissing)
		}
		return nil, nil, fmt.Errorf("index: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("index: %s is not a directory: %w", x.root, apperr.ErrTemplateRootMissing)
	}

	var (
		out      []models.Template
		warnings []apperr.DiscoveryWarning
	)
	skip := func(p string, err error) {
		w := apperr.DiscoveryWarning{Path: p, Err: err}
		warnings = append(warnings, w)
		x.logger.Warn("index: template skipped",
			slog.String("path", p),
			slog.String("error", err.Error()))
	}

	walkErr := filepath.WalkDir(x.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == x.root {
				return err
			}
			// Nested entries can vanish or be unreadable mid-walk.
			skip(x.rel(p), err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != x.root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), x.ext) {
			return nil
		}

		rel := x.rel(p)
		t, err := x.load(p, rel)
		if err != nil {
			skip(rel, err)
			return nil
		}
		out = append(out, t)
		return nil
	})
	if walkErr != nil {
		return nil, nil, fmt.Errorf("index: walk %s: %w", x.root, walkErr)
	}
	return out, warnings, nil
}

func (x *Index) load(abs, rel string) (models.Template, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return models.Template{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.Template{}, err
	}
	res, err := parser.Parse(data)
	if err != nil {
		return models.Template{}, err
	}

	id := strings.TrimSuffix(rel, x.ext)
	generator := ""
	if i := strings.Index(id, "/"); i > 0 {
		generator = id[:i]
	}

	return models.Template{
		ID:                id,
		Name:              path.Base(id),
		Generator:         generator,
		SourcePath:        abs,
		Content:           string(data),
		Body:              res.Body,
		Frontmatter:       res.Frontmatter,
		DeclaredVariables: x.declared(res),
		Checksum:          checksum.Sum(data),
		LastModified:      info.ModTime().UTC(),
	}, nil
}

// declared collects the variables a template depends on: references in the
// body and target path, the skipIf variable and frontmatter declarations.
func (x *Index) declared(res *parser.Result) map[string]models.VariableDecl {
	out := map[string]models.VariableDecl{}
	count := func(name string) {
		d := out[name]
		d.Occurrences++
		out[name] = d
	}
	for _, name := range x.refs.ExtractReferences(res.Body) {
		count(name)
	}
	for _, name := range x.refs.ExtractReferences(res.Frontmatter.To) {
		count(name)
	}
	if res.Frontmatter.SkipIf != "" {
		count(res.Frontmatter.SkipIf)
	}
	for name, spec := range res.Frontmatter.Variables {
		d := out[name]
		d.Required = spec.Required
		d.Default = spec.Default
		out[name] = d
	}
	return out
}

func (x *Index) rel(abs string) string {
	r, err := filepath.Rel(x.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}
