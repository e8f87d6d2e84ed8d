// Package render substitutes recipient variables into message templates
// using the Liquid template language.
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hivecrm/dispatch/internal/domain"
	"github.com/osteele/liquid"
)

// Engine renders Liquid templates with per-template compilation caching.
// Safe for concurrent use.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// New creates a render engine.
func New() *Engine {
	return &Engine{engine: liquid.NewEngine()}
}

// Render substitutes vars into the template source. Missing variables render
// as empty strings, which is what a bulk send wants (a recipient without a
// display name still gets the message).
func (e *Engine) Render(source string, vars map[string]interface{}) (string, error) {
	if source == "" {
		return "", nil
	}

	var tpl *liquid.Template
	if cached, ok := e.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := e.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		e.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Bindings builds the variable set for one recipient.
func Bindings(r domain.Recipient) map[string]interface{} {
	name := r.DisplayName
	if name == "" {
		name = r.Address
	}
	firstName := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		firstName = name[:i]
	}
	return map[string]interface{}{
		"name":       name,
		"first_name": firstName,
		"phone":      r.Address,
	}
}
