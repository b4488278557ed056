package selfcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/version"
)

// Options control what Run probes and repairs.
type Options struct {
	Full bool // probe every endpoint over the network
	Fix  bool // create missing directories
}

// Runner aggregates the environment checks. Pool and ToolNames are
// optional; a nil pool degrades the endpoint check to a warning.
type Runner struct {
	Config     *config.Config
	ConfigPath string
	Pool       *providers.Pool
	ToolNames  []string
	Store      *Store
}

// externalBinaries are looked up on PATH; missing ones warn, they never
// fail the report.
var externalBinaries = []string{"docker", "curl", "git"}

// Run executes all checks and assembles the day's report. Healthy means no
// check failed; warnings do not count against it.
func (r *Runner) Run(ctx context.Context, opts Options) *Report {
	now := time.Now()
	rep := &Report{
		Date:        now.Format(DateLayout),
		GeneratedAt: now,
		Version:     version.Version,
	}

	rep.Checks = append(rep.Checks, r.checkConfig())
	if r.Config != nil {
		rep.Checks = append(rep.Checks, r.checkDir("workspace", r.Config.WorkspacePath(), opts.Fix))
		rep.Checks = append(rep.Checks, r.checkSessions(opts))
		rep.Checks = append(rep.Checks, r.checkDir("reports", r.Config.ReportDir(), opts.Fix))
		rep.Checks = append(rep.Checks, r.checkChannels()...)
	}
	rep.Checks = append(rep.Checks, r.checkEndpoints(ctx, opts)...)
	rep.Checks = append(rep.Checks, r.checkTools())
	rep.Checks = append(rep.Checks, checkBinaries()...)

	rep.Healthy = true
	for _, c := range rep.Checks {
		if c.Status == StatusFail {
			rep.Healthy = false
			break
		}
	}
	return rep
}

// Generate runs the checks and persists today's report. Regenerating a
// report that was already delivered keeps its flag so the gateway never
// re-emits the same day.
func (r *Runner) Generate(ctx context.Context, opts Options) (*Report, error) {
	rep := r.Run(ctx, opts)
	if r.Store == nil {
		return rep, fmt.Errorf("selfcheck: no report store configured")
	}
	if prev, err := r.Store.Load(rep.Date); err == nil && prev.Reported {
		rep.Reported = true
	}
	if err := r.Store.Write(rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Runner) checkConfig() Check {
	if r.Config == nil {
		return Check{Name: "config", Status: StatusFail, Detail: "not loaded"}
	}
	if r.ConfigPath == "" {
		return Check{Name: "config", Status: StatusOK, Detail: "loaded"}
	}
	if _, err := os.Stat(r.ConfigPath); err != nil {
		return Check{Name: "config", Status: StatusWarn,
			Detail: fmt.Sprintf("loaded, but %s is gone", r.ConfigPath)}
	}
	return Check{Name: "config", Status: StatusOK, Detail: r.ConfigPath}
}

func (r *Runner) checkDir(name, dir string, fix bool) Check {
	if dir == "" {
		return Check{Name: name, Status: StatusWarn, Detail: "not configured"}
	}
	if _, err := os.Stat(dir); err == nil {
		return Check{Name: name, Status: StatusOK, Detail: dir}
	}
	if fix {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Check{Name: name, Status: StatusFail,
				Detail: fmt.Sprintf("cannot create %s: %v", dir, err)}
		}
		return Check{Name: name, Status: StatusOK, Detail: dir + " (created)"}
	}
	return Check{Name: name, Status: StatusFail, Detail: dir + " does not exist (run with --fix)"}
}

func (r *Runner) checkSessions(opts Options) Check {
	sc := r.Config.SessionsSection()
	backend := sc.Backend
	if backend == "" {
		backend = "file"
	}
	switch backend {
	case "file", "sqlite":
		c := r.checkDir("sessions", r.Config.SessionsPath(), opts.Fix)
		c.Detail = backend + " backend, " + c.Detail
		return c
	case "postgres":
		if sc.PostgresDSN == "" {
			return Check{Name: "sessions", Status: StatusFail,
				Detail: "postgres backend selected but OPENAKITA_POSTGRES_DSN is not set"}
		}
		return Check{Name: "sessions", Status: StatusOK, Detail: "postgres backend, DSN set"}
	default:
		return Check{Name: "sessions", Status: StatusFail,
			Detail: fmt.Sprintf("unknown backend %q", backend)}
	}
}

func (r *Runner) checkChannels() []Check {
	ch := r.Config.ChannelsSection()
	enabled := []struct {
		name string
		on   bool
		cred bool
	}{
		{"telegram", ch.Telegram.Enabled, ch.Telegram.Token != ""},
		{"feishu", ch.Feishu.Enabled, ch.Feishu.AppID != "" && ch.Feishu.AppSecret != ""},
		{"wework", ch.WeWork.Enabled, ch.WeWork.Token != "" && ch.WeWork.EncodingAESKey != ""},
		{"dingtalk", ch.DingTalk.Enabled, ch.DingTalk.ClientID != "" && ch.DingTalk.ClientSecret != ""},
		{"onebot", ch.OneBot.Enabled, ch.OneBot.WSURL != ""},
		{"qqbot", ch.QQBot.Enabled, ch.QQBot.AppID != "" && ch.QQBot.Secret != ""},
		{"discord", ch.Discord.Enabled, ch.Discord.Token != ""},
	}

	var out []Check
	for _, e := range enabled {
		if !e.on {
			continue
		}
		if !e.cred {
			out = append(out, Check{Name: "channel " + e.name, Status: StatusFail,
				Detail: "enabled but credentials missing"})
			continue
		}
		out = append(out, Check{Name: "channel " + e.name, Status: StatusOK, Detail: "enabled"})
	}
	if len(out) == 0 {
		out = append(out, Check{Name: "channels", Status: StatusWarn, Detail: "none enabled"})
	}
	return out
}

func (r *Runner) checkEndpoints(ctx context.Context, opts Options) []Check {
	if r.Pool == nil || len(r.Pool.Names()) == 0 {
		return []Check{{Name: "endpoints", Status: StatusWarn, Detail: "none configured"}}
	}
	if opts.Full {
		if err := r.Pool.ProbeAll(ctx); err != nil {
			return []Check{{Name: "endpoints", Status: StatusFail,
				Detail: fmt.Sprintf("probe: %v", err)}}
		}
	}

	var out []Check
	for _, st := range r.Pool.Status() {
		name := "endpoint " + st.Name
		detail := fmt.Sprintf("%s/%s", st.Protocol, st.Model)
		if st.Current {
			detail += ", current"
		}
		if st.Pinned {
			detail += ", pinned"
		}
		if st.Healthy {
			out = append(out, Check{Name: name, Status: StatusOK, Detail: detail})
			continue
		}
		if st.LastError != "" {
			detail += ", last error: " + st.LastError
		}
		out = append(out, Check{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("%s (%d consecutive failures)", detail, st.FailCount)})
	}
	return out
}

func (r *Runner) checkTools() Check {
	if len(r.ToolNames) == 0 {
		return Check{Name: "tools", Status: StatusWarn, Detail: "no tools registered"}
	}
	return Check{Name: "tools", Status: StatusOK,
		Detail: fmt.Sprintf("%d tools registered", len(r.ToolNames))}
}

func checkBinaries() []Check {
	out := make([]Check, 0, len(externalBinaries))
	for _, bin := range externalBinaries {
		if path, err := exec.LookPath(bin); err == nil {
			out = append(out, Check{Name: "binary " + bin, Status: StatusOK, Detail: path})
		} else {
			out = append(out, Check{Name: "binary " + bin, Status: StatusWarn, Detail: "not on PATH"})
		}
	}
	return out
}
