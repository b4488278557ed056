package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/pairing"
)

func pairingCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "pairing",
		Short: "Manage the Telegram pairing code and paired users",
	}
	c.AddCommand(pairingCodeCmd())
	c.AddCommand(pairingRotateCmd())
	c.AddCommand(pairingListCmd())
	c.AddCommand(pairingRevokeCmd())
	return c
}

func openPairingOrExit() *pairing.Store {
	cfg := loadConfigOrExit()
	dir := cfg.ChannelsSection().Telegram.PairingDir
	if dir == "" {
		dir = "~/.openakita/pairing"
	}
	st, err := pairing.Open(config.ExpandHome(dir))
	if err != nil {
		slog.Error("pairing store unavailable", "error", err)
		os.Exit(1)
	}
	return st
}

func pairingCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code",
		Short: "Print the active pairing code",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(openPairingOrExit().Code())
		},
	}
}

func pairingRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the pairing code (already-paired users keep access)",
		Run: func(cmd *cobra.Command, args []string) {
			st := openPairingOrExit()
			var confirmed bool
			err := huh.NewConfirm().
				Title("Rotate the pairing code?").
				Description("The old code stops working immediately.").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Aborted.")
				return
			}
			code, err := st.Rotate()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("New pairing code: %s\n", code)
		},
	}
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired users",
		Run: func(cmd *cobra.Command, args []string) {
			users := openPairingOrExit().Users()
			if len(users) == 0 {
				fmt.Println("No paired users.")
				return
			}
			ids := make([]string, 0, len(users))
			for id := range users {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			rows := [][]string{{"USER", "PAIRED AT"}}
			for _, id := range ids {
				rows = append(rows, []string{id, users[id].Format("2006-01-02 15:04")})
			}
			renderTable(os.Stdout, rows)
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user>",
		Short: "Remove a paired user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openPairingOrExit()
			id := args[0]
			// Stored IDs carry the channel prefix; accept the bare
			// Telegram ID too.
			if !strings.Contains(id, ":") && !st.IsPaired(id) {
				id = "telegram:" + id
			}
			if !st.IsPaired(id) {
				fmt.Fprintf(os.Stderr, "user %q is not paired (see 'openakita pairing list')\n", args[0])
				os.Exit(1)
			}

			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Revoke access for %s?", id)).
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Aborted.")
				return
			}
			ok, err := st.Revoke(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Fprintf(os.Stderr, "user %q is not paired\n", id)
				os.Exit(1)
			}
			fmt.Printf("Revoked %s. They need the pairing code to chat again.\n", id)
		},
	}
}
