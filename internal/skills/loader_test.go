package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	full := filepath.Join(root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(full, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_Load(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", `---
name: weather
description: Look up weather forecasts
---
# Weather

Use web_search with the city name.`)
	writeSkill(t, root, "unnamed", `---
description: Falls back to the directory name
---
body`)
	// a plain file and a dir without a manifest are both skipped
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	skills := l.Skills()
	if len(skills) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(skills))
	}

	weather, ok := l.Get("weather")
	if !ok {
		t.Fatal("expected weather skill")
	}
	if weather.Description != "Look up weather forecasts" {
		t.Errorf("unexpected description %q", weather.Description)
	}

	if _, ok := l.Get("unnamed"); !ok {
		t.Error("expected unnamed skill keyed by directory name")
	}
}

func TestLoader_LaterRootWins(t *testing.T) {
	base := t.TempDir()
	user := t.TempDir()
	writeSkill(t, base, "deploy", "---\nname: deploy\ndescription: builtin version\n---\n")
	writeSkill(t, user, "deploy", "---\nname: deploy\ndescription: user version\n---\n")

	l := NewLoader(base, user)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	s, ok := l.Get("deploy")
	if !ok {
		t.Fatal("expected deploy skill")
	}
	if s.Description != "user version" {
		t.Errorf("expected user root to win, got %q", s.Description)
	}
}

func TestLoader_MissingRootSkipped(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := l.Load(); err != nil {
		t.Fatalf("missing root should not fail Load: %v", err)
	}
	if len(l.Skills()) != 0 {
		t.Error("expected no skills")
	}
}

func TestLoader_Content(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "notes", `---
name: notes
description: d
---
# Notes

Step one.`)

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	body, err := l.Content("notes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body, "# Notes") {
		t.Errorf("expected front-matter stripped, got %q", body)
	}
	if strings.Contains(body, "description:") {
		t.Errorf("front-matter leaked into body: %q", body)
	}

	if _, err := l.Content("ghost"); err == nil {
		t.Error("expected error for unknown skill")
	}
}

func TestLoader_BuildSummary(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: first skill\n---\n")
	writeSkill(t, root, "beta", "---\nname: beta\ndescription: second skill\n---\n")

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	summary := l.BuildSummary(nil)
	if !strings.Contains(summary, "<available_skills>") {
		t.Errorf("expected wrapper tag, got %q", summary)
	}
	if !strings.Contains(summary, `<skill name="alpha"`) || !strings.Contains(summary, "first skill") {
		t.Errorf("expected alpha entry, got %q", summary)
	}

	filtered := l.BuildSummary([]string{"beta"})
	if strings.Contains(filtered, "alpha") {
		t.Errorf("allow list should exclude alpha, got %q", filtered)
	}

	empty := l.BuildSummary([]string{})
	if empty != "" {
		t.Errorf("empty allow list should produce no summary, got %q", empty)
	}
}

func TestSplitFrontMatter_NoBlock(t *testing.T) {
	meta, body := splitFrontMatter("just a body\nwith lines")
	if len(meta) != 0 {
		t.Errorf("expected no metadata, got %v", meta)
	}
	if body != "just a body\nwith lines" {
		t.Errorf("body should pass through, got %q", body)
	}
}

func TestSplitFrontMatter_QuotedValues(t *testing.T) {
	meta, _ := splitFrontMatter("---\nname: \"quoted\"\ndescription: 'single'\n---\nbody")
	if meta["name"] != "quoted" || meta["description"] != "single" {
		t.Errorf("expected quotes stripped, got %v", meta)
	}
}
