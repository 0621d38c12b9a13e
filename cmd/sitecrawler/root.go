package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/logging"
)

// cli carries state shared by every subcommand. PersistentPreRunE fills it
// before any RunE executes.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Crawl one host and store its pages and images.",
		Long: `sitecrawler crawls every reachable page of a single host, records page
content, and uploads each distinct image once. Jobs can be run directly from
the command line or submitted to the HTTP API served by "sitecrawler serve".`,
		SilenceUsage: true,

		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "path to a config file (env CRAWLER_* overrides)")
	cmd.AddCommand(
		newServeCmd(c),
		newCrawlCmd(c),
		newMigrateCmd(c),
		newCancelCmd(c),
	)
	return cmd
}
