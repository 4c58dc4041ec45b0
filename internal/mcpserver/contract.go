package mcpserver

// TemplateFormatContract describes the template format that LLM consumers
// should follow when writing or importing templates.
const TemplateFormatContract = `# Kiln Template Format Contract

A template is a UTF-8 text file with the ` + "`" + `.tmpl` + "`" + ` extension under the template root.
Its id is the path relative to the root without the extension
(` + "`" + `component/new.tmpl` + "`" + ` has id ` + "`" + `component/new` + "`" + `). The first directory is the generator.

## Structure

` + "```" + `
---
to: src/{{ name | kebabCase }}/index.ts   # REQUIRED – target path, relative to the output root
variables:                                 # OPTIONAL – declared variables
  name:
    required: true
  author:
    default: kiln
---
export const {{ name | camelCase }} = '{{ author }}'
` + "```" + `

## Frontmatter keys

| key | meaning |
| --- | --- |
| ` + "`" + `to` + "`" + ` | Target path. Rendered with variables. Must stay inside the output root. |
| ` + "`" + `inject` + "`" + ` | Inject into an existing file instead of creating one (appends by default). |
| ` + "`" + `append` + "`" + ` / ` + "`" + `prepend` + "`" + ` | Inject at the end or start of the file. |
| ` + "`" + `before` + "`" + ` / ` + "`" + `after` + "`" + ` | Inject before or after the first line containing the pattern. |
| ` + "`" + `lineAt` + "`" + ` | Inject at a 1-based line number. |
| ` + "`" + `strict` + "`" + ` | Fail the workflow when the before/after pattern is missing (otherwise the content is appended). |
| ` + "`" + `skipIf` + "`" + ` | Skip the template when the rendered value is truthy. |
| ` + "`" + `skipIfContains` + "`" + ` | Skip an injection when the target already contains the rendered text. |
| ` + "`" + `chmod` + "`" + ` | Octal permissions for a created file, e.g. ` + "`" + `755` + "`" + `. |
| ` + "`" + `sh` + "`" + ` | Shell hook recorded on the operation. Kiln never executes it. |
| ` + "`" + `variables` + "`" + ` | Map of variable name to ` + "`" + `required` + "`" + ` / ` + "`" + `default` + "`" + `. |

Unknown keys are rejected. At most one of append, prepend, before, after, lineAt may be set.

## Expressions

` + "`" + `{{ name }}` + "`" + ` substitutes a variable. Filters chain with ` + "`" + `|` + "`" + `:
upper, lower, capitalize, titleCase, camelCase, pascalCase, kebabCase, snakeCase, pluralize.
Missing variables render as the empty string.

## Variable resolution

Values are taken from, in order: the workflow request, the configured variable registry,
the environment (` + "`" + `UPPER_SNAKE` + "`" + ` of the name), the frontmatter default, and finally
name heuristics (` + "`" + `*name*` + "`" + ` uses the workflow name, ` + "`" + `*date*` + "`" + ` and ` + "`" + `*time*` + "`" + ` use the clock).

## Atomicity

Every file written by a workflow is part of one transaction. If any operation fails,
all created files are removed and all modified files are restored byte-for-byte.
`
