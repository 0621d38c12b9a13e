package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/app"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job API and dispatcher",
		Long: `Serves the HTTP job control API and claims submitted jobs in the
background until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
}
