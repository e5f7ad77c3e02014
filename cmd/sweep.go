package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newSweepCmd fails stale sessions once and exits.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale crawl sessions failed and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()

			n, err := app.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			cmd.Printf("%d stale session(s) marked failed\n", n)
			return nil
		},
	}
}
