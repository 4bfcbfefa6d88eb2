// Package notfound renders the 404 response: a themed HTML page when enabled
// and an Express-style plain text line otherwise.
package notfound

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  body { margin: 0; font-family: -apple-system, "Segoe UI", Roboto, sans-serif;
         display: flex; align-items: center; justify-content: center;
         min-height: 100vh; background: {{.Background}}; color: {{.Foreground}}; }
  .card { text-align: center; padding: 2rem; }
  .code { font-size: 6rem; font-weight: 700; margin: 0; opacity: .85; }
  h1 { font-size: 1.5rem; margin: .5rem 0; }
  p { opacity: .7; }
  a { color: {{.Accent}}; text-decoration: none; }
</style>
</head>
<body>
<div class="card">
  <p class="code">404</p>
  <h1>{{.Title}}</h1>
  <p>{{.Message}}</p>
  <p><code>{{.Method}} {{.Path}}</code></p>
  {{if .RedirectTo}}<p><a href="{{.RedirectTo}}">Go back</a></p>{{end}}
  {{if .Contact}}<p>Need help? <a href="mailto:{{.Contact}}">{{.Contact}}</a></p>{{end}}
</div>
</body>
</html>
`

type pageData struct {
	Title      string
	Message    string
	Method     string
	Path       string
	RedirectTo string
	Contact    string
	Background string
	Foreground string
	Accent     string
}

// Renderer writes 404 responses.
type Renderer struct {
	cfg  config.NotFoundConfig
	tmpl *template.Template
}

// New compiles the page template once.
func New(cfg config.NotFoundConfig) *Renderer {
	return &Renderer{
		cfg:  cfg,
		tmpl: template.Must(template.New("notfound").Parse(pageTemplate)),
	}
}

// Render writes the 404 response. HTML is served only when the page is
// enabled and the client accepts it; everything else gets the plain line.
func (n *Renderer) Render(w http.ResponseWriter, r *http.Request) {
	if n.cfg.Enabled && acceptsHTML(r) {
		data := pageData{
			Title:      n.cfg.Title,
			Message:    n.cfg.Message,
			Method:     r.Method,
			Path:       r.URL.Path,
			RedirectTo: n.cfg.RedirectTo,
			Contact:    n.cfg.Contact,
		}
		if n.cfg.Theme == "light" {
			data.Background, data.Foreground, data.Accent = "#fafafa", "#1a1a2e", "#3b6dd8"
		} else {
			data.Background, data.Foreground, data.Accent = "#1a1a2e", "#eaeaea", "#7aa2f7"
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		n.tmpl.Execute(w, data)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Cannot %s %s\n", r.Method, r.URL.Path)
}

func acceptsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}
