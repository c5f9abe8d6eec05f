// Package cmd defines and implements the CLI commands for the crawlwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/logging"
	"github.com/JakeFAU/crawlwatch/internal/server"
)

// cli carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	restore func()
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "crawlwatch",
		Short: "Live crawl status streams and URL filter rules.",
		Long: `crawlwatch runs crawl jobs, streams their status to browsers over
server-sent events and evaluates ordered URL prefix rules against the
URLs each job discovered.`,
		SilenceUsage: true,

		// Runs before every subcommand: configuration first, then logging.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.init()
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (defaults and CRAWLWATCH_* env when empty)")

	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newCrawlCmd(c))
	cmd.AddCommand(newSimulateCmd(c))
	return cmd, c
}

func (c *cli) init() error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, restore, err := logging.Install(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.cfg, c.logger, c.restore = cfg, logger, restore
	return nil
}

// build wires the application from the loaded configuration.
func (c *cli) build(ctx context.Context) (*server.App, error) {
	app, err := server.Build(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}

func (c *cli) close() {
	if c.logger == nil {
		return
	}
	// Sync fails on terminals; nothing useful can be done about it.
	_ = c.logger.Sync()
	c.restore()
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, c := newRootCmd()
	defer c.close()
	err := root.ExecuteContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
