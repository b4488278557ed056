package selfcheck

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

func sampleReport(date string, reported bool) *Report {
	return &Report{
		Date:        date,
		GeneratedAt: time.Date(2026, 8, 25, 7, 0, 3, 0, time.Local),
		Version:     "test",
		Healthy:     true,
		Checks: []Check{
			{Name: "config", Status: StatusOK, Detail: "loaded"},
			{Name: "binary docker", Status: StatusWarn, Detail: "not on PATH"},
		},
		Reported: reported,
	}
}

func TestReportMarkdown(t *testing.T) {
	r := sampleReport("2026-08-25", false)
	md := r.Markdown()
	for _, want := range []string{
		"# Self-check report — 2026-08-25",
		"Overall: healthy.",
		"- [ok] config: loaded",
		"- [warn] binary docker: not on PATH",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	r.Healthy = false
	if md := r.Markdown(); !strings.Contains(md, "NEEDS ATTENTION") {
		t.Errorf("unhealthy report not flagged:\n%s", md)
	}
}

func TestStoreWriteAndLoad(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "reports"))
	rep := sampleReport("2026-08-25", false)
	if err := store.Write(rep); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"2026-08-25_report.json", "2026-08-25_report.md"} {
		if _, err := os.Stat(filepath.Join(store.Dir(), name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	got, err := store.Load("2026-08-25")
	if err != nil {
		t.Fatal(err)
	}
	if got.Date != rep.Date || got.Reported || len(got.Checks) != 2 {
		t.Errorf("loaded report = %+v", got)
	}
	if !store.Exists("2026-08-25") || store.Exists("2026-08-24") {
		t.Error("Exists is wrong")
	}
}

func TestPendingPicksNewestUndelivered(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)

	for _, tc := range []struct {
		date     string
		reported bool
	}{
		{"2026-08-10", false}, // outside the delivery window
		{"2026-08-22", true},  // already delivered
		{"2026-08-23", false},
		{"2026-08-24", false},
		{"2026-08-26", false}, // future, never delivered early
	} {
		if err := store.Write(sampleReport(tc.date, tc.reported)); err != nil {
			t.Fatal(err)
		}
	}

	date, body, ok := store.Pending(now)
	if !ok || date != "2026-08-24" {
		t.Fatalf("Pending = %q, %v; want 2026-08-24", date, ok)
	}
	if !strings.Contains(body, "# Self-check report — 2026-08-24") {
		t.Errorf("body = %q", body)
	}

	if err := store.MarkReported(date); err != nil {
		t.Fatal(err)
	}
	if date, _, ok := store.Pending(now); !ok || date != "2026-08-23" {
		t.Fatalf("after marking, Pending = %q, %v; want 2026-08-23", date, ok)
	}
	if err := store.MarkReported("2026-08-23"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := store.Pending(now); ok {
		t.Error("Pending still returns a report after both were delivered")
	}
}

func TestPendingEmptyDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"))
	if _, _, ok := store.Pending(time.Now()); ok {
		t.Error("Pending found a report in a missing dir")
	}
}

func TestMarkReportedPersists(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Write(sampleReport("2026-08-25", false)); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReported("2026-08-25"); err != nil {
		t.Fatal(err)
	}
	// Idempotent second flip.
	if err := store.MarkReported("2026-08-25"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load("2026-08-25")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Reported {
		t.Error("flag did not persist")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Sessions.Storage = t.TempDir()
	cfg.SelfCheck.ReportDir = t.TempDir()
	return cfg
}

func TestRunChecks(t *testing.T) {
	cfg := testConfig(t)
	r := &Runner{Config: cfg, ToolNames: []string{"shell", "read_file"}}

	rep := r.Run(context.Background(), Options{})
	if !rep.Healthy {
		t.Errorf("report unhealthy: %+v", rep.Checks)
	}
	byName := map[string]Check{}
	for _, c := range rep.Checks {
		byName[c.Name] = c
	}
	if byName["config"].Status != StatusOK {
		t.Errorf("config check = %+v", byName["config"])
	}
	if byName["endpoints"].Status != StatusWarn {
		t.Errorf("endpoints check = %+v", byName["endpoints"])
	}
	if byName["channels"].Status != StatusWarn {
		t.Errorf("channels check = %+v", byName["channels"])
	}
	if c := byName["tools"]; c.Status != StatusOK || !strings.Contains(c.Detail, "2 tools") {
		t.Errorf("tools check = %+v", c)
	}
	if rep.Date != time.Now().Format(DateLayout) {
		t.Errorf("date = %q", rep.Date)
	}
}

func TestRunMissingWorkspaceFailsWithoutFix(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Workspace = filepath.Join(t.TempDir(), "nested", "ws")
	r := &Runner{Config: cfg}

	rep := r.Run(context.Background(), Options{})
	if rep.Healthy {
		t.Error("missing workspace did not fail the report")
	}

	rep = r.Run(context.Background(), Options{Fix: true})
	if !rep.Healthy {
		t.Errorf("fix did not repair the workspace: %+v", rep.Checks)
	}
	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		t.Errorf("workspace was not created: %v", err)
	}
}

func TestCheckSessionsPostgres(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.Backend = "postgres"
	r := &Runner{Config: cfg}

	c := r.checkSessions(Options{})
	if c.Status != StatusFail {
		t.Errorf("missing DSN check = %+v", c)
	}

	cfg.Sessions.PostgresDSN = "postgres://akita@localhost/akita"
	if c := r.checkSessions(Options{}); c.Status != StatusOK {
		t.Errorf("configured DSN check = %+v", c)
	}
}

func TestCheckChannelsCredentialGaps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true // no token
	cfg.Channels.OneBot.Enabled = true
	cfg.Channels.OneBot.WSURL = "ws://127.0.0.1:3001"
	r := &Runner{Config: cfg}

	var telegram, onebot Check
	for _, c := range r.checkChannels() {
		switch c.Name {
		case "channel telegram":
			telegram = c
		case "channel onebot":
			onebot = c
		}
	}
	if telegram.Status != StatusFail {
		t.Errorf("telegram without token = %+v", telegram)
	}
	if onebot.Status != StatusOK {
		t.Errorf("onebot with ws_url = %+v", onebot)
	}
}

func TestGeneratePreservesDeliveredFlag(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg.ReportDir())
	r := &Runner{Config: cfg, Store: store}

	rep, err := r.Generate(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReported(rep.Date); err != nil {
		t.Fatal(err)
	}

	// Regenerating the same day must not resurrect delivery.
	rep2, err := r.Generate(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep2.Reported {
		t.Error("regenerated report lost the delivered flag")
	}
	got, err := store.Load(rep.Date)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Reported {
		t.Error("persisted report lost the delivered flag")
	}
}
