package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/selfcheck"
)

func selfcheckCmd() *cobra.Command {
	var full, fix bool
	c := &cobra.Command{
		Use:   "selfcheck",
		Short: "Run the environment checks and print the report",
		Long: "selfcheck verifies the config, endpoint keys, session storage, workspace\n" +
			"and helper binaries, and prints a markdown report. Exits non-zero when a\n" +
			"check fails.",
		Run: func(cmd *cobra.Command, args []string) {
			runSelfcheck(full, fix)
		},
	}
	c.Flags().BoolVar(&full, "full", false, "probe every endpoint over the network")
	c.Flags().BoolVar(&fix, "fix", false, "create missing directories")
	return c
}

func runSelfcheck(full, fix bool) {
	cfg := loadConfigOrExit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// A missing API key is something the report should show, not die on.
	pool, err := buildPool(cfg)
	if err != nil {
		slog.Warn("endpoint pool not built", "error", err)
	}

	registry, browser := buildToolRegistry(cfg)
	if browser != nil {
		defer browser.Close()
	}

	runner := &selfcheck.Runner{
		Config:     cfg,
		ConfigPath: resolveConfigPath(),
		Pool:       pool,
		ToolNames:  registry.List(),
		Store:      selfcheck.NewStore(cfg.ReportDir()),
	}

	// Manual runs print only; the daily report file is the gateway
	// scheduler's to write.
	rep := runner.Run(ctx, selfcheck.Options{Full: full, Fix: fix})
	fmt.Println(rep.Markdown())
	if !rep.Healthy {
		os.Exit(1)
	}
}
