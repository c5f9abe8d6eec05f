package crawler

import (
	"fmt"
	"time"
)

// Config captures the knobs that shape every crawl the engine runs.
type Config struct {
	UserAgent string `mapstructure:"user_agent"`
	// MaxDepth is the number of link hops followed from the start URL. Zero
	// means unlimited.
	MaxDepth int `mapstructure:"max_depth"`
	// MaxPages caps the requests issued per job. Zero means unlimited.
	MaxPages       int           `mapstructure:"max_pages"`
	Parallelism    int           `mapstructure:"parallelism"`
	Delay          time.Duration `mapstructure:"delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RespectRobots skips URLs the site's robots.txt disallows.
	RespectRobots bool `mapstructure:"respect_robots"`
	// Workers is the size of the pool draining the job queue.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns conservative crawl settings.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "crawlwatch/1.0",
		MaxDepth:       3,
		MaxPages:       500,
		Parallelism:    4,
		Delay:          100 * time.Millisecond,
		RequestTimeout: 15 * time.Second,
		RespectRobots:  true,
		Workers:        2,
		QueueSize:      64,
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("crawler.parallelism must be > 0")
	}
	if c.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("crawler.queue_size must be > 0")
	}
	return nil
}
