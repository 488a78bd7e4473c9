package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrTemplateNotFound is returned when a name resolves to neither a
// registered template nor a file.
var ErrTemplateNotFound = errors.New("prompt template not found")

const namespaceSeparator = "::"

// extensions are tried in order when resolving a name to a file.
var extensions = []string{".json", ".yaml", ".yml", ".txt", ".prompt"}

var frontMatterFence = regexp.MustCompile(`(?m)^---[ \t]*\r?$`)

// fileTemplate is the structured form accepted by .json and .yaml files.
type fileTemplate struct {
	Template string         `json:"template" yaml:"template"`
	User     string         `json:"user" yaml:"user"`
	System   string         `json:"system" yaml:"system"`
	Defaults map[string]any `json:"defaults" yaml:"defaults"`
}

func (f fileTemplate) toTemplate() *Template {
	text := f.Template
	if text == "" {
		text = f.User
	}
	t := New(text)
	if f.System != "" {
		t = t.WithSystem(f.System)
	}
	if len(f.Defaults) > 0 {
		t = t.WithDefaults(f.Defaults)
	}
	return t
}

// Manager resolves templates by name: registered templates first, then
// files under the default path and the namespaced paths. Loaded files are
// cached until forgotten.
type Manager struct {
	mu          sync.RWMutex
	templates   map[string]*Template
	paths       map[string]string
	defaultPath string
	logger      zerolog.Logger
}

// NewManager creates a manager from the prompts config.
func NewManager(cfg config.PromptsConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		templates:   make(map[string]*Template),
		paths:       make(map[string]string),
		defaultPath: strings.TrimRight(cfg.Path, "/"),
		logger:      logger.With().Str("component", "prompts").Logger(),
	}
	for ns, path := range cfg.Paths {
		m.AddPath(ns, path)
	}
	for _, name := range sortedNames(cfg.Templates) {
		m.Register(name, FromConfig(cfg.Templates[name]))
	}
	return m
}

// Register adds or replaces a named template.
func (m *Manager) Register(name string, t *Template) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[name] = t
	return m
}

// RegisterText registers a plain template string.
func (m *Manager) RegisterText(name, text string) *Manager {
	return m.Register(name, New(text))
}

// Get returns the named template, loading it from disk on first use.
func (m *Manager) Get(name string) (*Template, error) {
	m.mu.RLock()
	t, ok := m.templates[name]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	file := m.findTemplateFile(name)
	if file == "" {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	t, err := loadFile(file)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("name", name).Str("file", file).Msg("Loaded prompt template")

	m.mu.Lock()
	m.templates[name] = t
	m.mu.Unlock()
	return t, nil
}

// Has reports whether name resolves to a template.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	_, ok := m.templates[name]
	m.mu.RUnlock()
	return ok || m.findTemplateFile(name) != ""
}

// Make returns the named template with vars bound.
func (m *Manager) Make(name string, vars map[string]any) (*Template, error) {
	t, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return t.With(vars), nil
}

// Render renders the named template's user part.
func (m *Manager) Render(name string, vars map[string]any) (string, error) {
	t, err := m.Get(name)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}

// ToMessages renders the named template as chat messages.
func (m *Manager) ToMessages(name string, vars map[string]any) ([]llm.Message, error) {
	t, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return t.ToMessages(vars)
}

// AddPath registers a directory for "namespace::name" lookups. Names
// without a namespace also fall back to these directories.
func (m *Manager) AddPath(namespace, path string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[namespace] = strings.TrimRight(path, "/")
	return m
}

// SetDefaultPath sets the directory searched first for plain names.
func (m *Manager) SetDefaultPath(path string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPath = strings.TrimRight(path, "/")
	return m
}

// Names returns the registered and already loaded template names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNames(m.templates)
}

// Forget drops a registered or cached template.
func (m *Manager) Forget(name string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, name)
	return m
}

// Extend registers name as a copy of base with the non-empty fields of
// overrides applied. Override defaults are merged over the base's.
func (m *Manager) Extend(name, base string, overrides config.TemplateConfig) error {
	b, err := m.Get(base)
	if err != nil {
		return err
	}

	t := New(b.Text())
	if overrides.Template != "" {
		t = New(overrides.Template)
	}
	if system, ok := b.System(); ok {
		t = t.WithSystem(system)
	}
	if overrides.System != "" {
		t = t.WithSystem(overrides.System)
	}
	t = t.WithDefaults(b.Defaults()).WithDefaults(b.Bound())
	for k, v := range overrides.Defaults {
		t = t.WithDefaults(map[string]any{k: v})
	}

	m.Register(name, t)
	return nil
}

// findTemplateFile resolves a name to a file path, or "" when none exists.
func (m *Manager) findTemplateFile(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ns, rest, ok := strings.Cut(name, namespaceSeparator); ok {
		if path, found := m.paths[ns]; found {
			return findInPath(path, rest)
		}
		return ""
	}

	if m.defaultPath != "" {
		if file := findInPath(m.defaultPath, name); file != "" {
			return file
		}
	}
	for _, ns := range sortedNames(m.paths) {
		if file := findInPath(m.paths[ns], name); file != "" {
			return file
		}
	}
	return ""
}

// findInPath maps dotted names to subdirectories: "email.welcome" looks for
// email/welcome.<ext>.
func findInPath(base, name string) string {
	rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
	for _, ext := range extensions {
		file := filepath.Join(base, rel+ext)
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			return file
		}
	}
	return ""
}

func loadFile(file string) (*Template, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template: %w", err)
	}

	switch filepath.Ext(file) {
	case ".json":
		var ft fileTemplate
		if err := json.Unmarshal(data, &ft); err != nil {
			return nil, fmt.Errorf("invalid JSON in prompt template %s: %w", file, err)
		}
		return ft.toTemplate(), nil
	case ".yaml", ".yml":
		var ft fileTemplate
		if err := yaml.Unmarshal(data, &ft); err != nil {
			return nil, fmt.Errorf("invalid YAML in prompt template %s: %w", file, err)
		}
		return ft.toTemplate(), nil
	default:
		return parseText(string(data))
	}
}

// parseText reads a plain template, optionally preceded by a YAML front
// matter block fenced with "---" lines.
func parseText(content string) (*Template, error) {
	if !strings.HasPrefix(content, "---") {
		return New(content), nil
	}
	parts := frontMatterFence.Split(content, 3)
	if len(parts) < 3 {
		return New(content), nil
	}

	var ft fileTemplate
	if err := yaml.Unmarshal([]byte(parts[1]), &ft); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}
	ft.Template = strings.TrimSpace(parts[2])
	ft.User = ""
	return ft.toTemplate(), nil
}
