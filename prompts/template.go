// Package prompts renders reusable prompt templates with {{ variable }} and
// {{ variable | filter }} placeholders.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)(?:\s*\|\s*(\w+))?\s*\}\}`)

// ErrMissingVariables is returned by Render when required variables are unset.
var ErrMissingVariables = errors.New("missing required variables")

// Template is an immutable prompt template. The With* methods return copies.
type Template struct {
	text      string
	system    string
	hasSystem bool
	defaults  map[string]any
	vars      map[string]any
}

// New creates a template without a system part.
func New(text string) *Template {
	return &Template{text: text}
}

// NewWithSystem creates a template with a system part.
func NewWithSystem(text, system string) *Template {
	return &Template{text: text, system: system, hasSystem: true}
}

// FromConfig builds a template from its config representation.
func FromConfig(cfg config.TemplateConfig) *Template {
	t := New(cfg.Template)
	if cfg.System != "" {
		t = t.WithSystem(cfg.System)
	}
	if len(cfg.Defaults) > 0 {
		t = t.WithDefaults(lo.MapValues(cfg.Defaults, func(v string, _ string) any { return v }))
	}
	return t
}

func (t *Template) clone() *Template {
	c := *t
	c.defaults = maps.Clone(t.defaults)
	c.vars = maps.Clone(t.vars)
	return &c
}

// Text returns the raw user template.
func (t *Template) Text() string { return t.text }

// System returns the raw system template and whether one is set.
func (t *Template) System() (string, bool) { return t.system, t.hasSystem }

// Defaults returns a copy of the default values.
func (t *Template) Defaults() map[string]any { return maps.Clone(t.defaults) }

// Bound returns a copy of the variables bound with With.
func (t *Template) Bound() map[string]any { return maps.Clone(t.vars) }

// With returns a copy with vars bound on top of any earlier bindings.
func (t *Template) With(vars map[string]any) *Template {
	c := t.clone()
	if c.vars == nil {
		c.vars = make(map[string]any, len(vars))
	}
	maps.Copy(c.vars, vars)
	return c
}

// WithDefaults returns a copy with additional default values.
func (t *Template) WithDefaults(defaults map[string]any) *Template {
	c := t.clone()
	if c.defaults == nil {
		c.defaults = make(map[string]any, len(defaults))
	}
	maps.Copy(c.defaults, defaults)
	return c
}

// WithSystem returns a copy with the system template replaced.
func (t *Template) WithSystem(system string) *Template {
	c := t.clone()
	c.system = system
	c.hasSystem = true
	return c
}

// merged layers defaults, bound variables and call variables, later wins.
func (t *Template) merged(vars map[string]any) map[string]any {
	out := make(map[string]any, len(t.defaults)+len(t.vars)+len(vars))
	maps.Copy(out, t.defaults)
	maps.Copy(out, t.vars)
	maps.Copy(out, vars)
	return out
}

// Render substitutes the user template. Every required variable must be set.
func (t *Template) Render(vars map[string]any) (string, error) {
	merged := t.merged(vars)
	if missing := t.missing(merged); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingVariables, strings.Join(missing, ", "))
	}
	return substitute(t.text, merged), nil
}

// RenderSystem substitutes the system template. Unset variables render
// empty. ok is false when the template has no system part.
func (t *Template) RenderSystem(vars map[string]any) (string, bool) {
	if !t.hasSystem {
		return "", false
	}
	return substitute(t.system, t.merged(vars)), true
}

// Variables returns every placeholder name in order of first appearance.
func (t *Template) Variables() []string {
	names := extractVariables(t.text)
	if t.hasSystem {
		names = append(names, extractVariables(t.system)...)
	}
	return lo.Uniq(names)
}

// RequiredVariables returns the placeholders that have no default.
func (t *Template) RequiredVariables() []string {
	return lo.Filter(t.Variables(), func(name string, _ int) bool {
		_, ok := t.defaults[name]
		return !ok
	})
}

// MissingVariables returns the required variables vars and the bound
// variables leave unset.
func (t *Template) MissingVariables(vars map[string]any) []string {
	return t.missing(t.merged(vars))
}

func (t *Template) missing(merged map[string]any) []string {
	return lo.Filter(t.RequiredVariables(), func(name string, _ int) bool {
		_, ok := merged[name]
		return !ok
	})
}

// Validate reports whether every required variable is set.
func (t *Template) Validate(vars map[string]any) bool {
	return len(t.MissingVariables(vars)) == 0
}

// ToMessages renders the template as an optional system message followed
// by a user message.
func (t *Template) ToMessages(vars map[string]any) ([]llm.Message, error) {
	user, err := t.Render(vars)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, 2)
	if system, ok := t.RenderSystem(vars); ok {
		msgs = append(msgs, llm.NewSystemMessage(system))
	}
	return append(msgs, llm.NewUserMessage(user)), nil
}

func extractVariables(text string) []string {
	return lo.Map(placeholder.FindAllStringSubmatch(text, -1), func(m []string, _ int) string {
		return m[1]
	})
}

func substitute(text string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		return applyFilter(stringify(vars[m[1]]), m[2])
	})
}

// stringify renders a value; lists are joined with ", ".
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case []any:
		return strings.Join(lo.Map(val, func(item any, _ int) string { return stringify(item) }), ", ")
	default:
		return fmt.Sprint(val)
	}
}

// applyFilter applies a named filter. Unknown filters leave the value as is.
func applyFilter(value, filter string) string {
	switch filter {
	case "upper":
		return strings.ToUpper(value)
	case "lower":
		return strings.ToLower(value)
	case "ucfirst":
		return upperFirst(value)
	case "ucwords":
		return upperWords(value)
	case "trim":
		return strings.TrimSpace(value)
	case "json":
		b, err := json.Marshal(value)
		if err != nil {
			return value
		}
		return string(b)
	case "escape":
		return html.EscapeString(value)
	default:
		return value
	}
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func upperWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := true
	for _, r := range s {
		if start {
			r = unicode.ToUpper(r)
		}
		start = unicode.IsSpace(r)
		b.WriteRune(r)
	}
	return b.String()
}

// sortedNames is used for deterministic listings.
func sortedNames[V any](m map[string]V) []string {
	names := slices.Collect(maps.Keys(m))
	slices.Sort(names)
	return names
}
