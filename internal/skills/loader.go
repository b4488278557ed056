// Package skills loads skill definitions from disk. A skill is a directory
// holding a SKILL.md whose front-matter names and describes it; the body is
// the playbook the model reads on demand. The loader renders the catalog
// block injected into the system prompt.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const manifestName = "SKILL.md"

// Skill is one loaded skill definition.
type Skill struct {
	Name        string
	Description string
	Dir         string // directory holding SKILL.md
}

// ManifestPath returns the path of the skill's SKILL.md.
func (s Skill) ManifestPath() string {
	return filepath.Join(s.Dir, manifestName)
}

// Loader scans skill directories. Later roots win on name collisions, so
// user skill dirs listed after the builtin root override it.
type Loader struct {
	mu     sync.RWMutex
	roots  []string
	byName map[string]Skill
}

func NewLoader(roots ...string) *Loader {
	return &Loader{roots: roots, byName: make(map[string]Skill)}
}

// Load rescans all roots. Missing roots are skipped; a malformed SKILL.md
// skips that skill with a warning rather than failing the scan.
func (l *Loader) Load() error {
	byName := make(map[string]Skill)
	for _, root := range l.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("scan skills root %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			skill, err := loadSkill(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					slog.Warn("skipping skill", "dir", dir, "error", err)
				}
				continue
			}
			byName[skill.Name] = skill
		}
	}

	l.mu.Lock()
	l.byName = byName
	l.mu.Unlock()
	slog.Debug("skills loaded", "count", len(byName))
	return nil
}

func loadSkill(dir string) (Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Skill{}, err
	}
	meta, _ := splitFrontMatter(string(data))
	name := meta["name"]
	if name == "" {
		name = filepath.Base(dir)
	}
	return Skill{
		Name:        name,
		Description: meta["description"],
		Dir:         dir,
	}, nil
}

// Skills returns all loaded skills sorted by name.
func (l *Loader) Skills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.byName))
	for _, s := range l.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named skill.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byName[name]
	return s, ok
}

// Filter returns the skills on the allow list; a nil list allows all.
func (l *Loader) Filter(allow []string) []Skill {
	all := l.Skills()
	if allow == nil {
		return all
	}
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}
	var out []Skill
	for _, s := range all {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Content returns the SKILL.md body (front-matter stripped).
func (l *Loader) Content(name string) (string, error) {
	s, ok := l.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown skill %s", name)
	}
	data, err := os.ReadFile(s.ManifestPath())
	if err != nil {
		return "", fmt.Errorf("read skill %s: %w", name, err)
	}
	_, body := splitFrontMatter(string(data))
	return body, nil
}

// BuildSummary renders the skill catalog block for the system prompt. Each
// entry names the manifest path so the model can read the full playbook with
// read_file.
func (l *Loader) BuildSummary(allow []string) string {
	skills := l.Filter(allow)
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<available_skills>\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "  <skill name=%q path=%q>%s</skill>\n", s.Name, s.ManifestPath(), s.Description)
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}

// splitFrontMatter separates the leading front-matter block (between ---
// fences) from the body. Front-matter is flat "key: value" lines, which is
// all the manifest format allows.
func splitFrontMatter(content string) (map[string]string, string) {
	meta := make(map[string]string)
	rest := content

	trimmed := strings.TrimPrefix(content, "\ufeff")
	if strings.HasPrefix(trimmed, "---\n") || strings.HasPrefix(trimmed, "---\r\n") {
		after := trimmed[strings.IndexByte(trimmed, '\n')+1:]
		end := strings.Index(after, "\n---")
		if end >= 0 {
			block := after[:end]
			rest = after[end+len("\n---"):]
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				rest = rest[i+1:]
			} else {
				rest = ""
			}
			for _, line := range strings.Split(block, "\n") {
				line = strings.TrimRight(line, "\r")
				key, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				key = strings.TrimSpace(key)
				value = strings.TrimSpace(value)
				value = strings.Trim(value, `"'`)
				if key != "" {
					meta[key] = value
				}
			}
		}
	}
	return meta, strings.TrimSpace(rest)
}
