// Package template renders Go text templates into JSON values; declarative definitions use it
// to project between execution data and step payloads.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// ErrNotObject is returned by RenderObject when the template does not produce a JSON object.
var ErrNotObject = errors.New("template did not render a JSON object")

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}

		return string(raw), nil
	},
}

// Template is a parsed template. It is safe for concurrent use.
type Template struct {
	source string
	tmpl   *template.Template
}

// Parse compiles templateStr. Referencing a missing map key fails at render time.
func Parse(templateStr string) (*Template, error) {
	tmpl, err := template.
		New("projection").
		Option("missingkey=error").
		Funcs(funcs).
		Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return &Template{source: templateStr, tmpl: tmpl}, nil
}

// Render executes templateStr against data and converts the result to a JSON value.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return nil, err
	}

	return tmpl.Render(data)
}

// Render executes the template against data. Output that looks like a JSON object or array
// is decoded; numbers and booleans are converted; anything else is returned as a string.
func (t *Template) Render(data any) (any, error) {
	var buf strings.Builder

	err := t.tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", t.source, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", t.source, err)
		}

		return jsonResult, nil
	}

	// numbers always map to float64, as they do once decoded from JSON
	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderObject renders the template and requires the result to be a JSON object.
func (t *Template) RenderObject(data any) (map[string]any, error) {
	result, err := t.Render(data)
	if err != nil {
		return nil, err
	}

	object, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' rendered %T", ErrNotObject, t.source, result)
	}

	return object, nil
}
