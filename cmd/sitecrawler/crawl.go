package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type crawlFlags struct {
	name            string
	seeds           []string
	allowedHost     string
	restrictToSeeds bool
	maxPages        int
}

func newCrawlCmd(c *cli) *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl --seed URL [--seed URL...]",
		Short: "Run one crawl job in the foreground",
		Long: `Creates a job for the given seeds, runs it to completion in this process,
and prints the finished job as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, c, f)
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "job name (defaults to the host)")
	cmd.Flags().StringSliceVar(&f.seeds, "seed", nil, "seed URL; repeat for more")
	cmd.Flags().StringVar(&f.allowedHost, "allowed-host", "", "host to stay on (defaults to crawler.allowed_host, then the first seed)")
	cmd.Flags().BoolVar(&f.restrictToSeeds, "restrict-to-seeds", false, "only visit the seed URLs")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", -1, "cap on admitted pages (defaults to crawler.max_pages)")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

func runCrawl(cmd *cobra.Command, c *cli, f crawlFlags) error {
	args := crawler.JobArgs{
		SeedURLs:        f.seeds,
		AllowedHost:     f.allowedHost,
		RestrictToSeeds: f.restrictToSeeds,
		MaxPages:        f.maxPages,
	}
	if args.AllowedHost == "" {
		args.AllowedHost = c.cfg.Crawler.AllowedHost
	}
	if args.MaxPages < 0 {
		args.MaxPages = c.cfg.Crawler.MaxPages
	}

	a, err := app.New(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	job, runErr := a.Crawl(cmd.Context(), f.name, args)
	if job.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return fmt.Errorf("write job: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("crawl: %w", runErr)
	}
	return nil
}
