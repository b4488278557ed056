package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/dingtalk"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/discord"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/feishu"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/onebot"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/qqbot"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/telegram"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels/wework"
	"github.com/xiaoyubing999/openakita-sub001/internal/commands"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/cron"
	"github.com/xiaoyubing999/openakita-sub001/internal/gateway"
	"github.com/xiaoyubing999/openakita-sub001/internal/httpapi"
	"github.com/xiaoyubing999/openakita-sub001/internal/mcp"
	"github.com/xiaoyubing999/openakita-sub001/internal/selfcheck"
	"github.com/xiaoyubing999/openakita-sub001/internal/stream"
	"github.com/xiaoyubing999/openakita-sub001/internal/tracing"
	"github.com/xiaoyubing999/openakita-sub001/internal/version"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the multi-channel gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing first so every span below lands in the provider.
	if tcfg := cfg.TelemetrySection(); tcfg.Enabled {
		shutdown, err := tracing.Setup(ctx, tracing.Config{
			ServiceName:    tcfg.ServiceName,
			ServiceVersion: version.Version,
			Endpoint:       tcfg.Endpoint,
			Protocol:       tcfg.Protocol,
			SampleRate:     tcfg.SampleRate,
			Insecure:       tcfg.Insecure,
		})
		if err != nil {
			slog.Warn("tracing setup failed", "error", err)
		} else {
			defer func() {
				shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shctx); err != nil {
					slog.Warn("tracing shutdown", "error", err)
				}
			}()
		}
	}

	// Sessions.
	sessStore, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	sessMgr := newSessionManager(cfg, sessStore)

	// Endpoint pool. A failed probe is not fatal; the pool fails over per
	// request.
	pool, err := buildPool(cfg)
	if err != nil {
		slog.Error("endpoint pool", "error", err)
		os.Exit(1)
	}
	probeCtx, cancelProbe := context.WithTimeout(ctx, 30*time.Second)
	if err := pool.ProbeAll(probeCtx); err != nil {
		slog.Warn("endpoint probe", "error", err)
	}
	cancelProbe()

	// Tools, MCP servers, skills.
	registry, browser := buildToolRegistry(cfg)
	if browser != nil {
		defer browser.Close()
	}
	mcpMgr := mcp.NewManager(registry, cfg.ToolsSection().McpServers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp servers", "error", err)
	}
	defer mcpMgr.Stop()

	loop := buildLoop(cfg, pool, registry, sessMgr, buildSkillsLoader(cfg))

	// Self-check reports and the daily schedule.
	reports := selfcheck.NewStore(cfg.ReportDir())
	checker := &selfcheck.Runner{
		Config:     cfg,
		ConfigPath: cfgPath,
		Pool:       pool,
		ToolNames:  registry.List(),
		Store:      reports,
	}

	interceptor := commands.New(pool, commands.WithPersist(func(names []string) error {
		return persistEndpointOrder(cfgPath, cfg, names)
	}))

	chMgr := channels.NewManager()
	webhooks := registerChannels(chMgr, cfg)

	gc := cfg.GatewaySection()
	gw := gateway.New(chMgr, sessMgr, loop,
		gateway.WithConfig(gateway.Config{
			MediaConcurrency:     gc.MediaConcurrency,
			TypingInterval:       time.Duration(gc.TypingIntervalSec) * time.Second,
			ProgressLines:        gc.ProgressBatchLines,
			ProgressWindow:       time.Duration(gc.ProgressBatchWindow) * time.Second,
			STTProxyURL:          gc.STTProxyURL,
			MaxMessageChars:      gc.MaxMessageChars,
			DisableDailyDelivery: gc.DisableDailyDelivery,
		}),
		gateway.WithCommandHandler(interceptor),
		gateway.WithReportSource(reports),
	)
	// Sessions with a turn in flight must not be evicted mid-turn.
	sessMgr.SetInUseCheck(gw.Processing)

	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway start", "error", err)
		os.Exit(1)
	}
	if err := chMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup", "error", err)
	}

	// Daily self-check via cron, with a catch-up run when today's report is
	// missing (the host may have been asleep at 07:00).
	sched := cron.New()
	if scc := cfg.SelfCheckSection(); scc.Enabled {
		expr := scc.Schedule
		if expr == "" {
			expr = "0 7 * * *"
		}
		if err := sched.Add("selfcheck", expr, func(jctx context.Context) {
			if _, err := checker.Generate(jctx, selfcheck.Options{}); err != nil {
				slog.Error("scheduled selfcheck failed", "error", err)
			}
		}); err != nil {
			slog.Error("selfcheck schedule rejected", "expr", expr, "error", err)
		}
		sched.Start(ctx)
		defer sched.Stop()

		if !reports.Exists(time.Now().Format(selfcheck.DateLayout)) {
			go func() {
				if _, err := checker.Generate(ctx, selfcheck.Options{}); err != nil {
					slog.Error("startup selfcheck failed", "error", err)
				}
			}()
		}
	}

	// Hot reload: components holding *config.Config (self-check, section
	// readers) see updated values. Channels and the endpoint pool are
	// constructed once at boot; changing those needs a restart.
	reloadCh := config.Watch(ctx, cfgPath)
	go func() {
		for range reloadCh {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			cfg.ReplaceFrom(fresh)
			slog.Info("config reloaded", "hash", cfg.Hash())
		}
	}()

	api := httpapi.New(httpapi.Config{
		Host:            gc.Host,
		Port:            gc.Port,
		Token:           gc.Token,
		RateLimitPerMin: gc.RateLimitRPM,
	},
		httpapi.WithTailscale(cfg.TailscaleSection()),
		httpapi.WithVersion(version.Version),
		httpapi.WithChannelStatus(chMgr.Status),
		httpapi.WithTurnCount(gw.ActiveTurns),
		httpapi.WithEndpointHealth(func() []httpapi.EndpointHealth {
			sts := pool.Status()
			out := make([]httpapi.EndpointHealth, len(sts))
			for i, st := range sts {
				out[i] = httpapi.EndpointHealth{
					Name:    st.Name,
					Model:   st.Model,
					Healthy: st.Healthy,
					Current: st.Current,
					Pinned:  st.Pinned,
				}
			}
			return out
		}),
		httpapi.WithMCPServers(func() []httpapi.MCPServer {
			sts := mcpMgr.ServerStatus()
			out := make([]httpapi.MCPServer, len(sts))
			for i, st := range sts {
				out[i] = httpapi.MCPServer{
					Name:      st.Name,
					Transport: st.Transport,
					Connected: st.Connected,
					ToolCount: st.ToolCount,
					Error:     st.Error,
				}
			}
			return out
		}),
	)
	for _, wh := range webhooks {
		api.Mount(wh)
	}
	if ts := cfg.TailscaleSection(); ts.Hostname != "" && gc.Host == "0.0.0.0" {
		slog.Info("tailnet listener enabled; consider OPENAKITA_HOST=127.0.0.1 to keep the public bind local-only")
	}

	slog.Info("openakita gateway starting",
		"version", version.Version,
		"endpoints", pool.Names(),
		"channels", chMgr.Names(),
		"tools", len(registry.List()),
		"sessions_backend", cfg.SessionsSection().Backend,
	)

	if err := api.Start(ctx); err != nil {
		slog.Error("http api", "error", err)
	}

	// Signal received: quiesce intake, drain turns, flush sessions.
	shctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := chMgr.StopAll(shctx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	if err := gw.Stop(shctx); err != nil {
		slog.Warn("gateway drain", "error", err)
	}
	if err := sessMgr.Close(); err != nil {
		slog.Warn("session flush", "error", err)
	}
	slog.Info("openakita gateway stopped")
}

// registerChannels builds every enabled adapter, registering the healthy
// ones. A channel that fails construction is logged and skipped so one bad
// credential does not take the gateway down. The returned slice holds the
// adapters that need a webhook route mounted.
func registerChannels(chMgr *channels.Manager, cfg *config.Config) []httpapi.WebhookChannel {
	chCfg := cfg.ChannelsSection()
	var webhooks []httpapi.WebhookChannel

	if chCfg.Telegram.Enabled {
		if ch, err := telegram.New(chCfg.Telegram); err != nil {
			slog.Error("telegram channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			slog.Info("telegram channel enabled")
		}
	}

	if chCfg.Feishu.Enabled {
		if ch, err := feishu.New(chCfg.Feishu); err != nil {
			slog.Error("feishu channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			webhooks = append(webhooks, ch)
			slog.Info("feishu channel enabled")
		}
	}

	if chCfg.WeWork.Enabled {
		stc := cfg.StreamSection()
		ch, err := wework.New(chCfg.WeWork,
			stream.WithSettleDelay(time.Duration(stc.SettleDelaySeconds)*time.Second),
			stream.WithTimeout(time.Duration(stc.StreamTimeoutSeconds)*time.Second),
		)
		if err != nil {
			slog.Error("wework channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			webhooks = append(webhooks, ch)
			slog.Info("wework channel enabled")
		}
	}

	if chCfg.DingTalk.Enabled {
		if ch, err := dingtalk.New(chCfg.DingTalk); err != nil {
			slog.Error("dingtalk channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			slog.Info("dingtalk channel enabled")
		}
	}

	if chCfg.OneBot.Enabled {
		if ch, err := onebot.New(chCfg.OneBot); err != nil {
			slog.Error("onebot channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			slog.Info("onebot channel enabled")
		}
	}

	if chCfg.QQBot.Enabled {
		if ch, err := qqbot.New(chCfg.QQBot); err != nil {
			slog.Error("qqbot channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			slog.Info("qqbot channel enabled")
		}
	}

	if chCfg.Discord.Enabled {
		if ch, err := discord.New(chCfg.Discord); err != nil {
			slog.Error("discord channel unavailable", "error", err)
		} else {
			chMgr.Register(ch)
			slog.Info("discord channel enabled")
		}
	}

	return webhooks
}
