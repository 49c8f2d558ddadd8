// Package render executes the engine's embedded boot templates and
// expands per-session variables in resolved site files.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Vars are the substitution values available to templated site files
// and to the embedded boot script.
type Vars struct {
	Hostname     string
	Architecture string
	Release      string
	ServerIP     string
	BaseURL      string
	TXID         string
}

// Engine renders templates embedded in the package and ad hoc text
// fragments from template layers.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named embedded template with the provided vars.
func (e *Engine) Render(name string, vars Vars) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Expand substitutes vars into a single templated site file. The text
// comes from an operator's template layer, so a parse failure names the
// path rather than an anonymous template.
func (e *Engine) Expand(path string, text []byte, vars Vars) ([]byte, error) {
	t, err := template.New(path).Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parse templated file %s: %w", path, err)
	}
	buf := bytes.NewBuffer(nil)
	if err := t.Execute(buf, vars); err != nil {
		return nil, fmt.Errorf("expand templated file %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
