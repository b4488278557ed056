// Package selfcheck runs the daily environment checks and persists one
// report per day under the report directory, as {date}_report.json plus a
// human-readable {date}_report.md. The json carries the delivery flag the
// gateway uses to emit each report into chat exactly once.
package selfcheck

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the report date format used in file names and flags.
const DateLayout = "2006-01-02"

// deliveryWindow bounds how far back Pending looks for undelivered reports.
const deliveryWindow = 7 * 24 * time.Hour

// Status classifies one check outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is one day's self-check outcome. Reported flips to true after the
// gateway has delivered the report into a chat.
type Report struct {
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	Version     string    `json:"version"`
	Healthy     bool      `json:"healthy"`
	Checks      []Check   `json:"checks"`
	Reported    bool      `json:"reported"`
}

// Markdown renders the chat/file representation of the report.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Self-check report — %s\n\n", r.Date)
	overall := "healthy"
	if !r.Healthy {
		overall = "NEEDS ATTENTION"
	}
	fmt.Fprintf(&b, "Generated %s, version %s. Overall: %s.\n\n",
		r.GeneratedAt.Format("15:04:05"), r.Version, overall)
	for _, c := range r.Checks {
		line := fmt.Sprintf("- [%s] %s", c.Status, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

var reportFileRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})_report\.json$`)

// Store persists reports in a directory, one json+md pair per day.
type Store struct {
	dir string
}

// NewStore returns a store over dir. The directory is created on first
// write, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the report directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) jsonPath(date string) string {
	return filepath.Join(s.dir, date+"_report.json")
}

func (s *Store) mdPath(date string) string {
	return filepath.Join(s.dir, date+"_report.md")
}

// Write persists the report atomically: json first (the source of truth),
// then the markdown rendering.
func (s *Store) Write(r *Report) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("selfcheck: creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("selfcheck: encoding report: %w", err)
	}
	if err := s.writeAtomic(s.jsonPath(r.Date), data); err != nil {
		return err
	}
	return s.writeAtomic(s.mdPath(r.Date), []byte(r.Markdown()))
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "report-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Load reads one day's report.
func (s *Store) Load(date string) (*Report, error) {
	data, err := os.ReadFile(s.jsonPath(date))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("selfcheck: decoding %s report: %w", date, err)
	}
	return &r, nil
}

// Exists reports whether a report for the date has been written.
func (s *Store) Exists(date string) bool {
	_, err := os.Stat(s.jsonPath(date))
	return err == nil
}

// Pending returns the newest undelivered report dated today or earlier,
// ignoring reports older than the delivery window. The body is the markdown
// file when present, else a fresh rendering.
func (s *Store) Pending(now time.Time) (string, string, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", "", false
	}
	today := now.Format(DateLayout)
	oldest := now.Add(-deliveryWindow).Format(DateLayout)

	var best string
	for _, e := range entries {
		m := reportFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		date := m[1]
		if date > today || date < oldest || date <= best {
			continue
		}
		r, err := s.Load(date)
		if err != nil || r.Reported {
			continue
		}
		best = date
	}
	if best == "" {
		return "", "", false
	}
	if body, err := os.ReadFile(s.mdPath(best)); err == nil {
		return best, string(body), true
	}
	r, err := s.Load(best)
	if err != nil {
		return "", "", false
	}
	return best, r.Markdown(), true
}

// MarkReported flips the delivery flag for the date and rewrites the json.
func (s *Store) MarkReported(date string) error {
	r, err := s.Load(date)
	if err != nil {
		return fmt.Errorf("selfcheck: loading %s report: %w", date, err)
	}
	if r.Reported {
		return nil
	}
	r.Reported = true
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("selfcheck: encoding report: %w", err)
	}
	return s.writeAtomic(s.jsonPath(date), data)
}
