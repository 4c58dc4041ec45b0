package render

import (
	"strings"
	"unicode"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var builtinFilters = map[string]Filter{
	"upper":      strings.ToUpper,
	"lower":      strings.ToLower,
	"capitalize": Capitalize,
	"titleCase":  TitleCase,
	"camelCase":  CamelCase,
	"pascalCase": PascalCase,
	"kebabCase":  KebabCase,
	"snakeCase":  SnakeCase,
	"pluralize":  Pluralize,
}

// Casers carry state and must not be shared between goroutines.
func titleCase(s string) string { return cases.Title(language.English).String(s) }

func lowerCase(s string) string { return cases.Lower(language.English).String(s) }

// Capitalize upper-cases the first letter and lower-cases the rest.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(lowerCase(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// TitleCase capitalises every word, keeping separators.
func TitleCase(s string) string {
	return titleCase(s)
}

// PascalCase, CamelCase, KebabCase and SnakeCase split words on
// separators and case boundaries: "componentName", "component-name" and
// "Component Name" are the same two words.
func PascalCase(s string) string {
	return strcase.ToCamel(strcase.ToSnake(s))
}

func CamelCase(s string) string {
	return strcase.ToLowerCamel(strcase.ToSnake(s))
}

func KebabCase(s string) string {
	return strcase.ToKebab(s)
}

func SnakeCase(s string) string {
	return strcase.ToSnake(s)
}

// UpperSnake converts a variable name to its environment variable form.
func UpperSnake(s string) string {
	return strcase.ToScreamingSnake(s)
}

// Pluralize returns the English plural, irregular nouns included.
func Pluralize(s string) string {
	if s == "" {
		return s
	}
	return inflection.Plural(s)
}
