package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/app"
)

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a queued or running job",
		Long: `Marks the job cancelled. A running crawl notices at its next checkpoint
and stops; cancelled jobs are never overwritten by a later finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()

			changed, err := a.Jobs().MarkCancelled(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !changed {
				job, err := a.Jobs().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already %s\n", job.ID, job.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
			return nil
		},
	}
}
