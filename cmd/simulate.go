package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlwatch/internal/status"
)

// newSimulateCmd creates the 'simulate' subcommand, which feeds fake progress
// to stream clients without crawling anything.
func newSimulateCmd(c *cli) *cobra.Command {
	var opts status.SimulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Publish fake progress updates for one crawl job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Publisher().Simulate(cmd.Context(), opts); err != nil {
				return fmt.Errorf("simulate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d updates for crawl job %d\n", opts.Count+1, opts.JobID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.CrawlerID, "crawler-id", 0, "crawler channel to publish on")
	cmd.Flags().Int64Var(&opts.JobID, "job-id", 0, "crawl job id carried by the updates")
	cmd.Flags().IntVar(&opts.Count, "count", 300, "number of RUNNING updates")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 10*time.Millisecond, "delay between updates")
	_ = cmd.MarkFlagRequired("crawler-id")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}
