package cmd

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

func endpointsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "endpoints",
		Short: "Manage LLM endpoint failover order",
		Long: "endpoints edits the persistent priority order in the config file. A running\n" +
			"gateway keeps its boot-time order; the /switch and /priority chat commands\n" +
			"change the live pool without persisting.",
	}
	c.AddCommand(endpointsListCmd())
	c.AddCommand(endpointsSwitchCmd())
	c.AddCommand(endpointsPriorityCmd())
	c.AddCommand(endpointsRestoreCmd())
	return c
}

func endpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured endpoints in failover order",
		Run: func(cmd *cobra.Command, args []string) {
			renderTable(os.Stdout, endpointRows(loadConfigOrExit()))
		},
	}
}

func endpointsSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch [name]",
		Short: "Move one endpoint to the top of the failover order",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			names := configuredNames(cfg)
			if len(names) == 0 {
				fmt.Fprintln(os.Stderr, "no endpoints configured")
				os.Exit(1)
			}

			var chosen string
			if len(args) == 1 {
				chosen = args[0]
				if !slices.Contains(names, chosen) {
					fmt.Fprintf(os.Stderr, "unknown endpoint %q (have: %s)\n", chosen, strings.Join(names, ", "))
					os.Exit(1)
				}
			} else {
				opts := make([]huh.Option[string], len(names))
				for i, n := range names {
					opts[i] = huh.NewOption(n, n)
				}
				err := huh.NewSelect[string]().
					Title("Endpoint to move first").
					Options(opts...).
					Value(&chosen).
					Run()
				if err != nil {
					fmt.Println("Aborted.")
					return
				}
			}

			order := []string{chosen}
			for _, n := range priorityOrdered(cfg) {
				if n != chosen {
					order = append(order, n)
				}
			}
			applyEndpointOrder(cfg, order, fmt.Sprintf("Make %s the primary endpoint?", chosen))
		},
	}
}

func endpointsPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority <name> <name> ...",
		Short: "Set the full failover order",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			if err := validateOrder(args, configuredNames(cfg)); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			applyEndpointOrder(cfg, args, "Apply this priority order?")
		},
	}
}

func endpointsRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Reset the failover order to the config file's declaration order",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			names := configuredNames(cfg)
			if len(names) == 0 {
				fmt.Fprintln(os.Stderr, "no endpoints configured")
				os.Exit(1)
			}
			applyEndpointOrder(cfg, names, "Restore the declared endpoint order?")
		},
	}
}

// applyEndpointOrder confirms with the operator, then rewrites the
// priorities in the config file.
func applyEndpointOrder(cfg *config.Config, order []string, title string) {
	var confirmed bool
	err := huh.NewConfirm().
		Title(title).
		Description("New order: " + strings.Join(order, " ")).
		Value(&confirmed).
		Run()
	if err != nil || !confirmed {
		fmt.Println("Aborted.")
		return
	}
	if err := persistEndpointOrder(resolveConfigPath(), cfg, order); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Saved. Failover order: %s\n", strings.Join(order, " "))
	fmt.Println("A running gateway picks this up on restart; /priority in chat changes the live pool.")
}

// validateOrder requires a complete permutation so no endpoint keeps a stale
// priority.
func validateOrder(order, have []string) error {
	if len(order) != len(have) {
		return fmt.Errorf("need all %d endpoint names, got %d", len(have), len(order))
	}
	known := make(map[string]bool, len(have))
	for _, n := range have {
		known[n] = true
	}
	seen := make(map[string]bool, len(order))
	for _, n := range order {
		if !known[n] {
			return fmt.Errorf("unknown endpoint %q (have: %s)", n, strings.Join(have, ", "))
		}
		if seen[n] {
			return fmt.Errorf("endpoint %q listed twice", n)
		}
		seen[n] = true
	}
	return nil
}

func configuredNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		names[i] = ep.Name
	}
	return names
}

func priorityOrdered(cfg *config.Config) []string {
	eps := make([]config.EndpointConfig, len(cfg.Endpoints))
	copy(eps, cfg.Endpoints)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.Name
	}
	return names
}
