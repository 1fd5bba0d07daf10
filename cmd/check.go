package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCheckCmd creates the 'check' subcommand. Config is validated while the
// root command loads it, so reaching RunE means it is usable.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validates the configuration and prints a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "workers: %d\n", cfg.Worker.Count)
			fmt.Fprintf(out, "targets: %d\n", len(cfg.Targets))
			fmt.Fprintf(out, "strategies: %d\n", len(cfg.Strategies))
			fmt.Fprintf(out, "storage: %s\n", cfg.Storage.Backend)
			fmt.Fprintf(out, "headless: %t\n", cfg.Headless.Enabled)
			return nil
		},
	}
}
