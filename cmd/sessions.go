package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clear stored conversations",
	}
	c.AddCommand(sessionsListCmd())
	c.AddCommand(sessionsClearCmd())
	return c
}

func openSessionsOrExit() *sessions.Manager {
	cfg := loadConfigOrExit()
	st, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	return newSessionManager(cfg, st)
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, most recent first",
		Run: func(cmd *cobra.Command, args []string) {
			mgr := openSessionsOrExit()
			defer mgr.Close()

			infos := mgr.List()
			if len(infos) == 0 {
				fmt.Println("No sessions stored.")
				return
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })

			rows := [][]string{{"KEY", "CHANNEL", "MESSAGES", "UPDATED"}}
			for _, in := range infos {
				rows = append(rows, []string{
					in.Key,
					in.Channel,
					strconv.Itoa(in.MessageCount),
					in.Updated.Format("2006-01-02 15:04"),
				})
			}
			renderTable(os.Stdout, rows)
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "clear [key]",
		Short: "Delete one session, or every session with --all",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if all && len(args) > 0 {
				fmt.Fprintln(os.Stderr, "--all takes no session key")
				os.Exit(1)
			}
			if !all && len(args) == 0 {
				fmt.Fprintln(os.Stderr, "specify a session key, or --all")
				os.Exit(1)
			}

			mgr := openSessionsOrExit()
			defer mgr.Close()

			if !all {
				key := args[0]
				if _, ok := mgr.Get(key); !ok {
					fmt.Fprintf(os.Stderr, "unknown session %q\n", key)
					os.Exit(1)
				}
				if err := mgr.Delete(key); err != nil {
					slog.Error("session delete failed", "key", key, "error", err)
					os.Exit(1)
				}
				fmt.Printf("Session %s removed.\n", key)
				return
			}

			infos := mgr.List()
			if len(infos) == 0 {
				fmt.Println("No sessions stored.")
				return
			}
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete all %d sessions?", len(infos))).
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Aborted.")
				return
			}
			removed := 0
			for _, in := range infos {
				if err := mgr.Delete(in.Key); err != nil {
					slog.Warn("session delete failed", "key", in.Key, "error", err)
					continue
				}
				removed++
			}
			fmt.Printf("Removed %d of %d sessions.\n", removed, len(infos))
		},
	}
	c.Flags().BoolVar(&all, "all", false, "delete every stored session")
	return c
}
