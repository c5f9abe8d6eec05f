package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

type crawlOptions struct {
	crawlerID   int64
	startURL    string
	followLinks bool
	crawlType   string
}

// newCrawlCmd creates the 'crawl' subcommand. It stores one job and runs it
// in the foreground, publishing status like a worker would.
func newCrawlCmd(c *cli) *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl job in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, c, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.crawlerID, "crawler-id", 0, "crawler the job belongs to")
	cmd.Flags().StringVar(&opts.startURL, "start-url", "", "absolute http(s) URL to start from")
	cmd.Flags().BoolVar(&opts.followLinks, "follow-links", true, "follow same-host links")
	cmd.Flags().StringVar(&opts.crawlType, "type", string(store.CrawlTypeExploration), "EXPLORATION or CONTENT")
	_ = cmd.MarkFlagRequired("crawler-id")
	_ = cmd.MarkFlagRequired("start-url")
	return cmd
}

func runCrawl(cmd *cobra.Command, c *cli, opts crawlOptions) error {
	if opts.crawlerID <= 0 {
		return errors.New("--crawler-id must be positive")
	}
	kind := store.CrawlType(strings.ToUpper(opts.crawlType))
	if !kind.Valid() {
		return fmt.Errorf("--type must be %s or %s", store.CrawlTypeExploration, store.CrawlTypeContent)
	}

	app, err := c.build(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	job, err := app.Store().CreateCrawlJob(cmd.Context(), store.CrawlJob{
		CrawlerID:   opts.crawlerID,
		StartURL:    opts.startURL,
		FollowLinks: opts.followLinks,
		CrawlType:   kind,
		State:       store.JobPending,
	})
	if err != nil {
		return fmt.Errorf("create crawl job: %w", err)
	}
	c.logger.Info("crawl job created", zap.Int64("crawl_job_id", job.ID))

	state, err := app.Engine().Run(cmd.Context(), job)
	if err != nil {
		return fmt.Errorf("run crawl job %d: %w", job.ID, err)
	}
	count, err := app.Store().CountCrawledURLs(cmd.Context(), job.ID)
	if err != nil {
		return fmt.Errorf("count crawled urls: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "crawl job %d %s: %d urls\n", job.ID, state, count)
	return nil
}
