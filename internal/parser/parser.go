// Package parser splits templates into a typed frontmatter header and body.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/kiln/internal/models"
)

var (
	// ErrNoFrontmatter is returned for files without a leading --- block.
	ErrNoFrontmatter = errors.New("no frontmatter block")

	chmodRe = regexp.MustCompile(`^0?[0-7]{3}$`)

	// exprValueRe matches a mapping or sequence entry whose plain value opens
	// with a template expression, which YAML reads as a flow mapping.
	exprValueRe   = regexp.MustCompile(`^(\s*(?:-[ \t]+)?[\w.-]+:[ \t]+|\s*-[ \t]+)(\{\{.*)$`)
	blockScalarRe = regexp.MustCompile(`^(\s*)(?:-[ \t]+)?(?:[\w.-]+:[ \t]*)?[|>][-+0-9]*[ \t]*$`)
)

// Result holds the output of parsing a template file.
type Result struct {
	Frontmatter models.Frontmatter
	Body        string
}

// Parse separates the frontmatter from the body, decodes it strictly and
// validates it. Unknown keys, malformed YAML and conflicting injection modes
// are errors.
func Parse(data []byte) (*Result, error) {
	block, body, ok := splitFrontmatter(data)
	if !ok {
		return nil, ErrNoFrontmatter
	}

	var fm models.Frontmatter
	dec := yaml.NewDecoder(bytes.NewReader(quoteExpressions(block)))
	dec.KnownFields(true)
	if err := dec.Decode(&fm); err != nil {
		return nil, fmt.Errorf("parser: decode frontmatter: %w", err)
	}
	if err := Validate(fm); err != nil {
		return nil, fmt.Errorf("parser: invalid frontmatter: %w", err)
	}

	return &Result{Frontmatter: fm, Body: body}, nil
}

// Validate checks the frontmatter field constraints.
func Validate(fm models.Frontmatter) error {
	err := validation.ValidateStruct(&fm,
		validation.Field(&fm.To, validation.Required),
		validation.Field(&fm.LineAt, validation.Min(0)),
		validation.Field(&fm.Chmod, validation.Match(chmodRe).Error("must be an octal permission such as 644 or 0755")),
	)
	if err != nil {
		return err
	}

	modes := 0
	for _, set := range []bool{fm.Append, fm.Prepend, fm.Before != "", fm.After != "", fm.LineAt > 0} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("at most one of append, prepend, before, after, lineAt may be set")
	}
	return nil
}

// quoteExpressions single-quotes plain values that start with {{ so that
// `to: {{name}}/handler.go` decodes as a string. Block scalar content is
// left untouched.
func quoteExpressions(block []byte) []byte {
	lines := strings.Split(string(block), "\n")
	blockIndent := -1
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r")
		indent := len(trimmed) - len(strings.TrimLeft(trimmed, " \t"))
		if blockIndent >= 0 {
			if trimmed == "" || indent > blockIndent {
				continue
			}
			blockIndent = -1
		}
		if m := blockScalarRe.FindStringSubmatch(trimmed); m != nil {
			blockIndent = len(m[1])
			continue
		}
		m := exprValueRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		lines[i] = m[1] + "'" + strings.ReplaceAll(m[2], "'", "''") + "'"
	}
	return []byte(strings.Join(lines, "\n"))
}

// splitFrontmatter separates the header (between leading --- delimiters)
// from the body. ok is false when no complete header exists.
func splitFrontmatter(data []byte) ([]byte, string, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), false
	}

	block := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	// Drop only the line break that terminates the closing delimiter; the
	// body is otherwise preserved byte for byte.
	body := strings.TrimPrefix(string(afterDelim), "\r")
	body = strings.TrimPrefix(body, "\n")

	return block, body, true
}
