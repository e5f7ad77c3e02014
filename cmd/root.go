// Package cmd defines the CLI for the crawl supervisor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-supervisor/internal/config"
	"github.com/JakeFAU/crawl-supervisor/internal/server"
)

// cfgKeyType is the context key for the loaded configuration.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// Runner is what serve and sweep drive. It lets tests swap in a fake app.
type Runner interface {
	Run(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// loadConfig is the config loader; tests replace it.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-supervisor",
		Short: "Supervises the external initial-setup crawler.",
		Long: `crawl-supervisor starts, pauses, resumes, stops and resets the external
crawler, reconciles its webhooks and live status into per-step progress, and
pushes every change to subscribers.`,
		SilenceUsage: true,

		// Runs before every subcommand so they share one loaded config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/TOML/JSON); env vars prefixed "+config.EnvPrefix+"_ override it")

	cmd.AddCommand(newServeCmd(), newSweepCmd(), newMigrateCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
