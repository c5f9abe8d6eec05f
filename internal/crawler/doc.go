// Package crawler runs crawl jobs with a Colly collector. Pages land in the
// crawl job repository and every step is announced through a status Reporter.
package crawler
