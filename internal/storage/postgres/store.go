// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed" // schema.sql
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool Pool
}

var _ store.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func wrap(op string, err error) error {
	err = translate(err)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const crawlJobColumns = `id, crawler_id, start_url, follow_links, crawl_type, state, created_at, updated_at`

func scanCrawlJob(row pgx.Row) (store.CrawlJob, error) {
	var (
		job       store.CrawlJob
		crawlType string
		state     string
	)
	err := row.Scan(
		&job.ID,
		&job.CrawlerID,
		&job.StartURL,
		&job.FollowLinks,
		&crawlType,
		&state,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return store.CrawlJob{}, err
	}
	job.CrawlType = store.CrawlType(crawlType)
	job.State = store.JobState(state)
	return job, nil
}

// CreateCrawlJob inserts a job. An empty state defaults to PENDING.
func (s *Store) CreateCrawlJob(ctx context.Context, job store.CrawlJob) (store.CrawlJob, error) {
	if job.State == "" {
		job.State = store.JobPending
	}
	if !job.State.Valid() {
		return store.CrawlJob{}, fmt.Errorf("invalid job state %q", job.State)
	}
	if job.CrawlType == "" {
		job.CrawlType = store.CrawlTypeExploration
	}
	query := `
		INSERT INTO crawl_jobs (crawler_id, start_url, follow_links, crawl_type, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at;
	`
	err := s.pool.QueryRow(ctx, query,
		job.CrawlerID,
		job.StartURL,
		job.FollowLinks,
		string(job.CrawlType),
		string(job.State),
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return store.CrawlJob{}, wrap("insert crawl job", err)
	}
	return job, nil
}

// GetCrawlJob loads one job.
func (s *Store) GetCrawlJob(ctx context.Context, id int64) (store.CrawlJob, error) {
	query := `SELECT ` + crawlJobColumns + ` FROM crawl_jobs WHERE id = $1;`
	job, err := scanCrawlJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return store.CrawlJob{}, wrap("get crawl job", err)
	}
	return job, nil
}

// ListCrawlJobs returns a crawler's jobs oldest first.
func (s *Store) ListCrawlJobs(ctx context.Context, crawlerID int64) ([]store.CrawlJob, error) {
	query := `SELECT ` + crawlJobColumns + ` FROM crawl_jobs WHERE crawler_id = $1 ORDER BY created_at, id;`
	rows, err := s.pool.Query(ctx, query, crawlerID)
	if err != nil {
		return nil, fmt.Errorf("list crawl jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.CrawlJob
	for rows.Next() {
		job, err := scanCrawlJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl jobs: %w", err)
	}
	return jobs, nil
}

// UpdateCrawlJobState sets the job state.
func (s *Store) UpdateCrawlJobState(ctx context.Context, id int64, state store.JobState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid job state %q", state)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_jobs SET state = $1, updated_at = NOW() WHERE id = $2;`,
		string(state), id)
	if err != nil {
		return wrap("update crawl job state", err)
	}
	return requireRow(tag)
}

// AddCrawledURL records a URL for a job.
func (s *Store) AddCrawledURL(ctx context.Context, u store.CrawledURL) (store.CrawledURL, error) {
	query := `
		INSERT INTO crawled_urls (crawl_job_id, url, noindex)
		VALUES ($1, $2, $3)
		RETURNING id, created_at;
	`
	err := s.pool.QueryRow(ctx, query, u.CrawlJobID, u.URL, u.NoIndex).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return store.CrawledURL{}, wrap("insert crawled url", err)
	}
	return u, nil
}

// CountCrawledURLs counts every URL of the job, including noindex ones.
func (s *Store) CountCrawledURLs(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawled_urls WHERE crawl_job_id = $1;`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count crawled urls: %w", err)
	}
	return n, nil
}

// ListCrawledURLs returns the job's indexable URLs sorted ascending.
func (s *Store) ListCrawledURLs(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM crawled_urls WHERE crawl_job_id = $1 AND NOT noindex ORDER BY url;`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list crawled urls: %w", err)
	}
	defer rows.Close()

	urls := make([]string, 0)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan crawled url row: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawled urls: %w", err)
	}
	return urls, nil
}

const filterSetColumns = `id, crawl_job_id, name, remaining_urls, created_at, updated_at`

func scanFilterSet(row pgx.Row) (store.FilterSet, error) {
	var set store.FilterSet
	err := row.Scan(&set.ID, &set.CrawlJobID, &set.Name, &set.RemainingURLs, &set.CreatedAt, &set.UpdatedAt)
	return set, err
}

// CreateFilterSet inserts a filter set.
func (s *Store) CreateFilterSet(ctx context.Context, set store.FilterSet) (store.FilterSet, error) {
	query := `
		INSERT INTO filter_sets (crawl_job_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at;
	`
	err := s.pool.QueryRow(ctx, query, set.CrawlJobID, set.Name).Scan(&set.ID, &set.CreatedAt, &set.UpdatedAt)
	if err != nil {
		return store.FilterSet{}, wrap("insert filter set", err)
	}
	return set, nil
}

// GetFilterSet loads one filter set.
func (s *Store) GetFilterSet(ctx context.Context, id int64) (store.FilterSet, error) {
	set, err := scanFilterSet(s.pool.QueryRow(ctx, `SELECT `+filterSetColumns+` FROM filter_sets WHERE id = $1;`, id))
	if err != nil {
		return store.FilterSet{}, wrap("get filter set", err)
	}
	return set, nil
}

// ListFilterSets returns sets ordered by id, optionally scoped to one job.
func (s *Store) ListFilterSets(ctx context.Context, crawlJobID int64) ([]store.FilterSet, error) {
	query := `SELECT ` + filterSetColumns + ` FROM filter_sets WHERE ($1::bigint = 0 OR crawl_job_id = $1) ORDER BY id;`
	rows, err := s.pool.Query(ctx, query, crawlJobID)
	if err != nil {
		return nil, fmt.Errorf("list filter sets: %w", err)
	}
	defer rows.Close()

	var sets []store.FilterSet
	for rows.Next() {
		set, err := scanFilterSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filter set row: %w", err)
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter sets: %w", err)
	}
	return sets, nil
}

// DeleteFilterSet removes a set; rules cascade.
func (s *Store) DeleteFilterSet(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM filter_sets WHERE id = $1;`, id)
	if err != nil {
		return wrap("delete filter set", err)
	}
	return requireRow(tag)
}

const filterRuleColumns = `id, filter_set_id, rule, include, position, page_type, count, cumulative_count, created_at, updated_at`

func scanFilterRule(row pgx.Row) (store.FilterRule, error) {
	var rule store.FilterRule
	err := row.Scan(
		&rule.ID,
		&rule.FilterSetID,
		&rule.Rule,
		&rule.Include,
		&rule.Position,
		&rule.PageType,
		&rule.Count,
		&rule.CumulativeCount,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

// CreateFilterRule inserts a rule with the position it carries.
func (s *Store) CreateFilterRule(ctx context.Context, rule store.FilterRule) (store.FilterRule, error) {
	query := `
		INSERT INTO filter_rules (filter_set_id, rule, include, position, page_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at;
	`
	err := s.pool.QueryRow(ctx, query,
		rule.FilterSetID,
		rule.Rule,
		rule.Include,
		rule.Position,
		rule.PageType,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return store.FilterRule{}, wrap("insert filter rule", err)
	}
	return rule, nil
}

// GetFilterRule loads one rule.
func (s *Store) GetFilterRule(ctx context.Context, id int64) (store.FilterRule, error) {
	rule, err := scanFilterRule(s.pool.QueryRow(ctx, `SELECT `+filterRuleColumns+` FROM filter_rules WHERE id = $1;`, id))
	if err != nil {
		return store.FilterRule{}, wrap("get filter rule", err)
	}
	return rule, nil
}

// ListFilterRules returns a set's rules ordered by (position, id). An unknown
// set yields ErrNotFound rather than an empty list.
func (s *Store) ListFilterRules(ctx context.Context, setID int64) ([]store.FilterRule, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM filter_sets WHERE id = $1);`, setID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check filter set: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	query := `SELECT ` + filterRuleColumns + ` FROM filter_rules WHERE filter_set_id = $1 ORDER BY position, id;`
	rows, err := s.pool.Query(ctx, query, setID)
	if err != nil {
		return nil, fmt.Errorf("list filter rules: %w", err)
	}
	defer rows.Close()

	var rules []store.FilterRule
	for rows.Next() {
		rule, err := scanFilterRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filter rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter rules: %w", err)
	}
	return rules, nil
}

// UpdateFilterRule writes the editable rule fields.
func (s *Store) UpdateFilterRule(ctx context.Context, rule store.FilterRule) error {
	query := `
		UPDATE filter_rules
		SET rule = $1, include = $2, page_type = $3, updated_at = NOW()
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, rule.Rule, rule.Include, rule.PageType, rule.ID)
	if err != nil {
		return wrap("update filter rule", err)
	}
	return requireRow(tag)
}

// DeleteFilterRule removes one rule.
func (s *Store) DeleteFilterRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM filter_rules WHERE id = $1;`, id)
	if err != nil {
		return wrap("delete filter rule", err)
	}
	return requireRow(tag)
}

// SaveRuleCounts stores evaluation output for a set in one transaction.
func (s *Store) SaveRuleCounts(ctx context.Context, setID int64, counts []store.RuleCounts, remaining int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range counts {
			tag, err := tx.Exec(ctx, `
				UPDATE filter_rules
				SET count = $1, cumulative_count = $2, updated_at = NOW()
				WHERE id = $3 AND filter_set_id = $4;`,
				c.Count, c.CumulativeCount, c.RuleID, setID)
			if err != nil {
				return fmt.Errorf("update rule %d counts: %w", c.RuleID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("rule %d: %w", c.RuleID, store.ErrNotFound)
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE filter_sets SET remaining_urls = $1, updated_at = NOW() WHERE id = $2;`,
			remaining, setID)
		if err != nil {
			return fmt.Errorf("update filter set remaining: %w", err)
		}
		return requireRow(tag)
	})
}

// SaveRulePositions stores new rule positions in one transaction.
func (s *Store) SaveRulePositions(ctx context.Context, positions []store.RulePosition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range positions {
			tag, err := tx.Exec(ctx,
				`UPDATE filter_rules SET position = $1, updated_at = NOW() WHERE id = $2;`,
				p.Position, p.RuleID)
			if err != nil {
				return fmt.Errorf("update rule %d position: %w", p.RuleID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("rule %d: %w", p.RuleID, store.ErrNotFound)
			}
		}
		return nil
	})
}
