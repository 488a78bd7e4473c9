package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager(config.PromptsConfig{
		Templates: map[string]config.TemplateConfig{
			"greet": {Template: "Hello {{name}}", System: "Be kind"},
		},
	}, zerolog.Nop())
	m.RegisterText("bye", "Bye {{name}}")

	if !m.Has("greet") || !m.Has("bye") {
		t.Error("Expected registered templates to exist")
	}
	if m.Has("nope") {
		t.Error("Expected unknown template not to exist")
	}

	got, err := m.Render("bye", map[string]any{"name": "Ada"})
	if err != nil || got != "Bye Ada" {
		t.Errorf("Expected 'Bye Ada', got %q (%v)", got, err)
	}

	msgs, err := m.ToMessages("greet", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("ToMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text() != "Be kind" {
		t.Errorf("Unexpected messages: %+v", msgs)
	}

	_, err = m.Get("nope")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Expected ErrTemplateNotFound, got %v", err)
	}
}

func TestManagerMake(t *testing.T) {
	m := NewManager(config.PromptsConfig{}, zerolog.Nop())
	m.RegisterText("t", "{{a}}-{{b}}")

	tmpl, err := m.Make("t", map[string]any{"a": "1"})
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	got, err := tmpl.Render(map[string]any{"b": "2"})
	if err != nil || got != "1-2" {
		t.Errorf("Expected '1-2', got %q (%v)", got, err)
	}

	stored, _ := m.Get("t")
	if stored.Validate(map[string]any{"b": "2"}) {
		t.Error("Expected Make not to modify the registered template")
	}
}

func TestManagerLoadsFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "plain.txt"), "Plain {{x}}")
	writeFile(t, filepath.Join(dir, "structured.json"), `{"template":"JSON {{x}}","system":"sys","defaults":{"x":"d"}}`)
	writeFile(t, filepath.Join(dir, "config.yaml"), "user: YAML {{x}}\nsystem: yaml sys\n")
	writeFile(t, filepath.Join(dir, "front.prompt"), "---\nsystem: Be {{tone}}\ndefaults:\n  tone: terse\n---\nFront {{x}}\n")
	writeFile(t, filepath.Join(dir, "email", "welcome.txt"), "Welcome {{x}}")

	m := NewManager(config.PromptsConfig{Path: dir}, zerolog.Nop())

	tests := []struct {
		name       string
		wantUser   string
		wantSystem string
	}{
		{"plain", "Plain 1", ""},
		{"structured", "JSON 1", "sys"},
		{"config", "YAML 1", "yaml sys"},
		{"front", "Front 1", "Be terse"},
		{"email.welcome", "Welcome 1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := m.Get(tt.name)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			user, err := tmpl.Render(map[string]any{"x": "1"})
			if err != nil || user != tt.wantUser {
				t.Errorf("Expected user %q, got %q (%v)", tt.wantUser, user, err)
			}
			system, _ := tmpl.RenderSystem(nil)
			if system != tt.wantSystem {
				t.Errorf("Expected system %q, got %q", tt.wantSystem, system)
			}
		})
	}

	if got, err := m.Render("structured", nil); err != nil || got != "JSON d" {
		t.Errorf("Expected JSON defaults to apply, got %q (%v)", got, err)
	}
}

func TestManagerNamespaces(t *testing.T) {
	base := t.TempDir()
	nsDir := t.TempDir()
	writeFile(t, filepath.Join(nsDir, "review.txt"), "Review {{code}}")

	m := NewManager(config.PromptsConfig{Path: base}, zerolog.Nop())
	m.AddPath("dev", nsDir)

	if !m.Has("dev::review") {
		t.Error("Expected namespaced template to resolve")
	}
	if m.Has("other::review") {
		t.Error("Expected unknown namespace not to resolve")
	}
	if !m.Has("review") {
		t.Error("Expected plain names to fall back to namespaced paths")
	}

	got, err := m.Render("dev::review", map[string]any{"code": "x := 1"})
	if err != nil || got != "Review x := 1" {
		t.Errorf("Unexpected render: %q (%v)", got, err)
	}
}

func TestManagerForgetReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.txt")
	writeFile(t, path, "v1")

	m := NewManager(config.PromptsConfig{Path: dir}, zerolog.Nop())
	if got, _ := m.Render("p", nil); got != "v1" {
		t.Fatalf("Expected v1, got %q", got)
	}

	writeFile(t, path, "v2")
	if got, _ := m.Render("p", nil); got != "v1" {
		t.Errorf("Expected cached v1, got %q", got)
	}

	m.Forget("p")
	if got, _ := m.Render("p", nil); got != "v2" {
		t.Errorf("Expected reloaded v2, got %q", got)
	}
}

func TestManagerExtend(t *testing.T) {
	m := NewManager(config.PromptsConfig{}, zerolog.Nop())
	m.Register("base", NewWithSystem("Translate {{text}} to {{lang}}", "You translate.").
		WithDefaults(map[string]any{"lang": "French"}))

	if err := m.Extend("german", "base", config.TemplateConfig{Defaults: map[string]string{"lang": "German"}}); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	got, err := m.Render("german", map[string]any{"text": "hi"})
	if err != nil || got != "Translate hi to German" {
		t.Errorf("Unexpected render: %q (%v)", got, err)
	}
	tmpl, _ := m.Get("german")
	if system, _ := tmpl.RenderSystem(nil); system != "You translate." {
		t.Errorf("Expected inherited system, got %q", system)
	}

	if err := m.Extend("x", "missing", config.TemplateConfig{}); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Expected ErrTemplateNotFound, got %v", err)
	}
}
