// Package hooks authenticates external webhook pushes and maps them into
// internal wake and agent actions.
package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/dispatch"
)

// Resolved is the outcome of evaluating mapping rules for one request.
// Exactly one of Wake or Agent is set unless NoAction is true.
type Resolved struct {
	Mapping  string
	NoAction bool
	Wake     *dispatch.WakeAction
	Agent    *dispatch.AgentAction
}

// Engine evaluates configured mapping rules in order against an inbound
// payload. First match wins.
type Engine struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewEngine() *Engine {
	return &Engine{compiled: make(map[string]*jsonschema.Schema)}
}

// matchDoc is what mapping rule schemas are evaluated against.
func matchDoc(payload interface{}, r *http.Request, subpath string) map[string]interface{} {
	headers := make(map[string]interface{}, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return map[string]interface{}{
		"payload": payload,
		"headers": headers,
		"url":     r.URL.String(),
		"path":    subpath,
	}
}

func (e *Engine) schemaFor(m config.MappingConfig) (*jsonschema.Schema, error) {
	if m.Match == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m.Match)
	if err != nil {
		return nil, fmt.Errorf("marshal match schema: %w", err)
	}
	cacheKey := m.Name + ":" + string(raw)

	e.mu.Lock()
	defer e.mu.Unlock()
	if schema, ok := e.compiled[cacheKey]; ok {
		return schema, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse match schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mapping.json", doc); err != nil {
		return nil, fmt.Errorf("add match schema: %w", err)
	}
	schema, err := compiler.Compile("mapping.json")
	if err != nil {
		return nil, fmt.Errorf("compile match schema: %w", err)
	}
	e.compiled[cacheKey] = schema
	return schema, nil
}

// Evaluate runs the ordered rules for subpath against the request. A nil
// result means no rule matched.
func (e *Engine) Evaluate(mappings []config.MappingConfig, subpath string, payload interface{}, r *http.Request) (*Resolved, error) {
	doc := matchDoc(payload, r, subpath)

	for _, m := range mappings {
		if m.Path != subpath {
			continue
		}
		schema, err := e.schemaFor(m)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			if err := schema.Validate(doc); err != nil {
				continue
			}
		}
		return e.resolve(m, payload)
	}
	return nil, nil
}

func (e *Engine) resolve(m config.MappingConfig, payload interface{}) (*Resolved, error) {
	if m.Action == "none" {
		return &Resolved{Mapping: m.Name, NoAction: true}, nil
	}

	text, err := renderTemplate(m.Template, payload)
	if err != nil {
		return nil, &dispatch.ValidationError{Field: "template", Reason: err.Error()}
	}
	if text == "" {
		return nil, &dispatch.ValidationError{Field: "template", Reason: "rendered empty message"}
	}

	switch m.Action {
	case "wake":
		return &Resolved{
			Mapping: m.Name,
			Wake:    &dispatch.WakeAction{Text: text, Mode: m.Mode},
		}, nil
	case "agent":
		return &Resolved{
			Mapping: m.Name,
			Agent: &dispatch.AgentAction{
				Message:    text,
				Name:       m.Name,
				SessionKey: m.SessionKey,
				Deliver:    m.Channel != "",
				Channel:    m.Channel,
				To:         m.To,
			},
		}, nil
	default:
		return nil, fmt.Errorf("mapping %q: unknown action %q", m.Name, m.Action)
	}
}

// renderTemplate fills {{.field}} placeholders from the payload. An empty
// template falls back to the payload's raw text form.
func renderTemplate(tmpl string, payload interface{}) (string, error) {
	if tmpl == "" {
		switch v := payload.(type) {
		case string:
			return v, nil
		default:
			raw, err := json.Marshal(payload)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		}
	}
	t, err := template.New("mapping").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, payload); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
