// Package template provides the file-backed template engine shared by all
// notification providers.
//
// Templates live under a configured directory and are compiled on first use;
// compiled templates are cached for the lifetime of the engine. A missing
// template is reported as ErrNotFound, distinct from rendering failures,
// so ingress can reject bad jobs before delivery starts.
//
// The rendering context is always {recipient, username, message, subject}
// plus any provider-specific extras.
package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

var (
	// ErrNotFound is returned when the named template does not resolve
	// inside the engine's directory.
	ErrNotFound = errors.New("template not found")

	// ErrRender is returned when a template exists but fails to render.
	ErrRender = errors.New("template render failed")
)

// Context is the data handed to a template render.
type Context map[string]any

// Engine loads and renders templates rooted at a directory.
type Engine struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewEngine creates an engine rooted at dir. The directory must exist.
func NewEngine(dir string) (*Engine, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("template: directory %s does not exist", dir)
	}
	return &Engine{
		dir:   abs,
		cache: make(map[string]*template.Template),
	}, nil
}

// Dir returns the engine's root directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Get returns the compiled template for name, compiling and caching it on
// first use. Names must resolve inside the engine directory.
func (e *Engine) Get(name string) (*template.Template, error) {
	e.mu.RLock()
	tpl, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	path, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	tpl, err = template.New(name).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, name, err)
	}

	e.mu.Lock()
	e.cache[name] = tpl
	e.mu.Unlock()
	return tpl, nil
}

// Render renders the named template with the given context.
func (e *Engine) Render(name string, ctx Context) (string, error) {
	tpl, err := e.Get(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, map[string]any(ctx)); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRender, name, err)
	}
	return sb.String(), nil
}

// RenderContext renders the named template honoring ctx cancellation. The
// render itself is synchronous; cancellation is checked before work starts.
func (e *Engine) RenderContext(ctx context.Context, name string, data Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.Render(name, data)
}

// resolve maps a template name to an absolute path and rejects names that
// escape the template directory.
func (e *Engine) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	path := filepath.Join(e.dir, filepath.Clean(name))
	if !strings.HasPrefix(path, e.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes template directory", ErrNotFound, name)
	}
	return path, nil
}
