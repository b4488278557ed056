package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/agent"
	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/commands"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/mcp"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/selfcheck"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
	"github.com/xiaoyubing999/openakita-sub001/internal/skills"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
)

func runCmd() *cobra.Command {
	var session string
	c := &cobra.Command{
		Use:   "run [task...]",
		Short: "Run one agent task, or chat interactively when no task is given",
		Long: "run executes the agent without the gateway: with arguments it performs a\n" +
			"single turn and prints the reply to stdout; without arguments it opens an\n" +
			"interactive chat on the terminal.",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentCLI(strings.Join(args, " "), session)
		},
	}
	c.Flags().StringVar(&session, "session", "", "CLI session name (default: current user)")
	return c
}

func runAgentCLI(task, sessionName string) {
	cfg := loadConfigOrExit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	mgr := newSessionManager(cfg, st)
	defer mgr.Close()

	pool, err := buildPool(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	registry, browser := buildToolRegistry(cfg)
	if browser != nil {
		defer browser.Close()
	}

	mcpMgr := mcp.NewManager(registry, cfg.ToolsSection().McpServers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp servers unavailable", "error", err)
	}
	defer mcpMgr.Stop()

	loader := buildSkillsLoader(cfg)

	user := sessionName
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "local"
	}

	r := &repl{
		cfg:      cfg,
		cfgPath:  resolveConfigPath(),
		pool:     pool,
		mgr:      mgr,
		registry: registry,
		loader:   loader,
		mcp:      mcpMgr,
		loop:     buildLoop(cfg, pool, registry, mgr, loader),
		key:      sessions.CLIKey(user),
		user:     user,
	}
	r.interceptor = commands.New(pool, commands.WithPersist(func(names []string) error {
		return persistEndpointOrder(r.cfgPath, cfg, names)
	}))

	if task != "" {
		reply, err := r.ask(ctx, task)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	r.interactive(ctx)
}

// repl drives the terminal chat. Prompts and diagnostics go to stderr so
// stdout stays clean for the agent's replies.
type repl struct {
	cfg         *config.Config
	cfgPath     string
	pool        *providers.Pool
	mgr         *sessions.Manager
	registry    *tools.Registry
	loader      *skills.Loader
	mcp         *mcp.Manager
	loop        *agent.Loop
	interceptor *commands.Interceptor
	key         string
	user        string
}

// ask runs one agent turn and persists both sides of the exchange, the same
// sequence the gateway performs for channel messages.
func (r *repl) ask(ctx context.Context, input string) (string, error) {
	userID := bus.PrefixUserID("cli", r.user)
	r.mgr.GetOrCreate("cli", "local", userID)
	r.mgr.AddMessage(r.key, sessions.Message{Role: sessions.RoleUser, Content: input})

	res, err := r.loop.Run(ctx, agent.RunRequest{
		SessionKey: r.key,
		Channel:    "cli",
		ChatID:     "local",
		ChatType:   bus.ChatPrivate,
		UserID:     userID,
		Message:    input,
	})
	if err != nil {
		return "", err
	}

	r.mgr.AddMessage(r.key, sessions.Message{
		Role:    sessions.RoleAssistant,
		Content: res.Content,
		Summary: res.Summary,
	})
	return res.Content, nil
}

func (r *repl) interactive(ctx context.Context) {
	fmt.Fprintf(os.Stderr, "\nopenakita interactive chat\n")
	fmt.Fprintf(os.Stderr, "Endpoint: %s | Session: %s\n", r.pool.Current(), r.key)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, /help for commands\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" || input == "/exit" || input == "/quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if r.builtin(ctx, input) {
			continue
		}

		// Endpoint commands and their follow-up answers take the same
		// interceptor path as chat channels.
		msg := bus.NewUnifiedMessage(uuid.NewString(), "cli", r.user, "local", bus.ChatPrivate, bus.TextContent(input))
		if reply, handled := r.interceptor.Handle(ctx, msg); handled {
			fmt.Printf("\n%s\n\n", reply)
			continue
		}

		reply, err := r.ask(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}

// builtin handles the REPL-local commands. Endpoint management (/model,
// /switch, /priority, /restore, /cancel) belongs to the interceptor and is
// deliberately not duplicated here.
func (r *repl) builtin(ctx context.Context, input string) bool {
	switch input {
	case "/help":
		fmt.Fprint(os.Stderr, replHelp)
	case "/status":
		fmt.Fprintf(os.Stderr, "Endpoint: %s\n", r.pool.Current())
		fmt.Fprintf(os.Stderr, "Session:  %s (%d messages)\n", r.key, len(r.mgr.History(r.key)))
		fmt.Fprintf(os.Stderr, "Tools:    %s\n", strings.Join(r.registry.List(), ", "))
		fmt.Fprintf(os.Stderr, "Skills:   %d loaded\n", len(r.loader.Filter(r.cfg.SkillsSection().Allow)))
	case "/skills":
		sks := r.loader.Filter(r.cfg.SkillsSection().Allow)
		if len(sks) == 0 {
			fmt.Fprintln(os.Stderr, "No skills loaded.")
			break
		}
		for _, s := range sks {
			fmt.Fprintf(os.Stderr, "  %s — %s\n", s.Name, s.Description)
		}
	case "/clear", "/new":
		r.mgr.Reset(r.key)
		fmt.Fprintln(os.Stderr, "Session cleared.")
	case "/selfcheck":
		runner := &selfcheck.Runner{
			Config:     r.cfg,
			ConfigPath: r.cfgPath,
			Pool:       r.pool,
			ToolNames:  r.registry.List(),
			Store:      selfcheck.NewStore(r.cfg.ReportDir()),
		}
		fmt.Println(runner.Run(ctx, selfcheck.Options{}).Markdown())
	default:
		return false
	}
	return true
}

const replHelp = `Commands:
  /status     endpoint, session and tool overview
  /skills     list loaded skills
  /clear      reset the current session history
  /selfcheck  run the environment checks
  /model      list endpoints (then /switch, /priority, /restore)
  exit        leave
`
