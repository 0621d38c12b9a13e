package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/app"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Migrate(cmd.Context(), c.cfg, c.logger)
		},
	}
}
