// Command crawlwatch serves live crawl status streams and URL filter rules.
//
//   - HTTP API: internal/api exposes health, metrics, crawl job, filter set and
//     filter rule endpoints plus the per-crawler SSE status stream.
//   - Crawl workers: jobs created through the API pass through a bounded
//     in-memory queue to a fixed pool running the Colly engine. Each page is
//     stored and reported through the status publisher.
//   - Status transport: events are published to Redis (or an in-process
//     broker) on crawler_status_<id> and coalesced per connection before they
//     reach the browser.
//   - Configuration: viper reads CRAWLWATCH_* env vars, an optional .env and an
//     optional --config file. zap logs, Prometheus metrics at /metrics.
//
// Run locally: go run . serve --config config.yaml
package main

import (
	"os"

	"github.com/JakeFAU/crawlwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
