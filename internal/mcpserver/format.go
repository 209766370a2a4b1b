package mcpserver

// QueryFormat documents the query syntax for the kiln://query-format
// resource.
const QueryFormat = `# Kiln Query Format

A query is a YAML mapping from result field to JSONPath expression.

` + "```yaml" + `
titles: $.byType.MarkdownRemark[*].title
post:
  path: $.byType.MarkdownRemark[?(@.slug == ${slug})]
  first: true
` + "```" + `

## Root document

- ` + "`$.nodes`" + ` every node, in id order
- ` + "`$.byType.<Type>`" + ` nodes of one internal type
- ` + "`$.context`" + ` the variables passed to the query

Each node exposes its plugin fields at the top level next to ` + "`id`" + `,
` + "`parent`" + `, ` + "`children`" + ` and ` + "`internal`" + `.

## Variables

` + "`${name}`" + ` is replaced by the variable rendered as a literal. Strings
are single quoted. Referencing an undefined variable is an error.

## Fields

A field is either an expression string or a mapping with ` + "`path`" + ` and
` + "`first`" + `. With ` + "`first: true`" + ` the field holds the first match,
or null when nothing matches.
`
