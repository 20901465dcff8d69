// Package prompts holds the text templates sent to the oracle.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	GenerateQuery = "generate_query"
	CheckQuery    = "check_query"
	SelectTables  = "select_tables"
	Summarize     = "summarize"
)

var names = []string{GenerateQuery, CheckQuery, SelectTables, Summarize}

//go:embed defaults.yaml
var defaultsYAML []byte

type GenerateData struct {
	Dialect  string
	Schema   string
	Question string
	TopK     int
}

type CheckData struct {
	Dialect string
	Query   string
}

type SelectData struct {
	Question string
	Tables   []string
}

type SummarizeData struct {
	Question string
	Query    string
	Result   string
}

type Set struct {
	templates map[string]*template.Template
}

// Default returns the embedded templates.
func Default() (*Set, error) {
	raw, err := decode(defaultsYAML)
	if err != nil {
		return nil, fmt.Errorf("decode default prompts: %w", err)
	}
	return build(raw)
}

// Load reads a YAML file whose keys override individual default templates.
// An empty path yields the defaults.
func Load(path string) (*Set, error) {
	defaults, err := decode(defaultsYAML)
	if err != nil {
		return nil, fmt.Errorf("decode default prompts: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return build(defaults)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	overrides, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode prompts file %s: %w", path, err)
	}
	for name, text := range overrides {
		defaults[name] = text
	}
	return build(defaults)
}

func (s *Set) Render(name string, data any) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func decode(data []byte) (map[string]string, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(names))
	for _, name := range names {
		known[name] = struct{}{}
	}
	unknown := make([]string, 0)
	for name := range raw {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown prompt keys: %s", strings.Join(unknown, ", "))
	}
	return raw, nil
}

func build(raw map[string]string) (*Set, error) {
	set := &Set{templates: make(map[string]*template.Template, len(names))}
	for _, name := range names {
		text, ok := raw[name]
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("prompt %q is empty", name)
		}
		tmpl, err := template.New(name).
			Option("missingkey=error").
			Funcs(template.FuncMap{"join": strings.Join}).
			Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", name, err)
		}
		set.templates[name] = tmpl
	}
	return set, nil
}
