package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/version"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured endpoints, channels and storage",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	cfg := loadConfigOrExit()

	fmt.Printf("openakita %s %s/%s\n", version.Version, runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Config:    %s\n", resolveConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.WorkspacePath())
	fmt.Println()

	fmt.Println("Endpoints (failover order):")
	renderTable(os.Stdout, endpointRows(cfg))
	fmt.Println()

	fmt.Println("Channels:")
	renderTable(os.Stdout, channelRows(cfg))
	fmt.Println()

	sc := cfg.SessionsSection()
	backend := sc.Backend
	if backend == "" {
		backend = "file"
	}
	fmt.Printf("Sessions:   %s (%s)\n", backend, cfg.SessionsPath())

	cc := cfg.SelfCheckSection()
	if cc.Enabled {
		fmt.Printf("Self-check: daily at %q, reports in %s\n", cc.Schedule, cfg.ReportDir())
	} else {
		fmt.Println("Self-check: disabled")
	}
}

func endpointRows(cfg *config.Config) [][]string {
	eps := make([]config.EndpointConfig, len(cfg.Endpoints))
	copy(eps, cfg.Endpoints)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	rows := [][]string{{"  NAME", "PROTOCOL", "MODEL", "PRIORITY", "API KEY"}}
	for _, ep := range eps {
		key := "set"
		if ep.APIKey == "" {
			key = "missing"
			if ep.APIKeyEnv != "" {
				key = "missing ($" + ep.APIKeyEnv + ")"
			}
		}
		rows = append(rows, []string{
			"  " + ep.Name, ep.Protocol, ep.Model, strconv.Itoa(ep.Priority), key,
		})
	}
	if len(rows) == 1 {
		return [][]string{{"  (none configured)"}}
	}
	return rows
}

func channelRows(cfg *config.Config) [][]string {
	ch := cfg.ChannelsSection()
	entries := []struct {
		name    string
		enabled bool
	}{
		{"telegram", ch.Telegram.Enabled},
		{"feishu", ch.Feishu.Enabled},
		{"wework", ch.WeWork.Enabled},
		{"dingtalk", ch.DingTalk.Enabled},
		{"onebot", ch.OneBot.Enabled},
		{"qqbot", ch.QQBot.Enabled},
		{"discord", ch.Discord.Enabled},
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		state := "disabled"
		if e.enabled {
			state = "enabled"
		}
		rows = append(rows, []string{"  " + e.name, state})
	}
	return rows
}

// renderTable pads every column to its widest cell. Widths are measured in
// terminal cells so CJK names stay aligned.
func renderTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(row)-1 {
				b.WriteString(cell)
				continue
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
