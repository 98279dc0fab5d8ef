// Package templates embeds the HTML served by the status endpoint.
package templates

import (
	"embed"
	"html/template"
)

//go:embed *.html
var FS embed.FS

// Load parses every embedded page.
func Load() (*template.Template, error) {
	return template.ParseFS(FS, "*.html")
}
