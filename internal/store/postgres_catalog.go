package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/model"
)

// PostgresCatalog implements Catalog for PostgreSQL
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// partitionBoundRe extracts the range bounds from pg_get_expr output, e.g.
// FOR VALUES FROM ('2026-08-01 00:00:00+00') TO ('2026-09-01 00:00:00+00')
var partitionBoundRe = regexp.MustCompile(`FROM \('([^']+)'\) TO \('([^']+)'\)`)

var boundLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NewPostgresCatalog creates a new PostgreSQL catalog store. The initial
// connection is retried with exponential backoff.
func NewPostgresCatalog(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	connMaxLifetime time.Duration,
	logger *zap.Logger,
) (Catalog, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if connMaxLifetime > 0 {
		config.MaxConnLifetime = connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection with retry
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}

	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", host),
		zap.String("database", database))

	return &PostgresCatalog{
		pool:   pool,
		logger: logger,
	}, nil
}

// Exec runs an arbitrary statement
func (c *PostgresCatalog) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return err
}

// TableExists reports whether a table with the given name exists in the
// current schema
func (c *PostgresCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM pg_class cl
			JOIN pg_namespace n ON n.oid = cl.relnamespace
			WHERE cl.relname = $1 AND n.nspname = current_schema()
		)
	`

	var exists bool
	if err := c.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}

	return exists, nil
}

// CreateParentTable creates the partitioned audit table when absent. The
// primary key includes the partition column, as PostgreSQL requires.
func (c *PostgresCatalog) CreateParentTable(ctx context.Context, parent string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT GENERATED ALWAYS AS IDENTITY,
			occurred_at TIMESTAMPTZ NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			details JSONB,
			PRIMARY KEY (id, occurred_at)
		) PARTITION BY RANGE (occurred_at)
	`, quoteIdent(parent))

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create parent table %s: %w", parent, err)
	}

	return nil
}

// CreateRangePartition attaches a new child partition covering [start, end).
// Range literals cannot be bound parameters in DDL, so they are formatted in.
func (c *PostgresCatalog) CreateRangePartition(ctx context.Context, parent, name string, start, end time.Time) error {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		quoteIdent(name),
		quoteIdent(parent),
		start.UTC().Format("2006-01-02 15:04:05+00"),
		end.UTC().Format("2006-01-02 15:04:05+00"),
	)

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	return nil
}

// DropTable drops a partition table
func (c *PostgresCatalog) DropTable(ctx context.Context, name string) error {
	ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return nil
}

// CreateIndex creates an index when absent. The definition is the part after
// the table name, e.g. "(occurred_at)" or "USING GIN (details)".
func (c *PostgresCatalog) CreateIndex(ctx context.Context, table, name, definition string) error {
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s %s",
		quoteIdent(name), quoteIdent(table), definition)
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create index %s on %s: %w", name, table, err)
	}
	return nil
}

// ListPartitions returns the child partitions of a parent table with their
// range bounds parsed from the catalog
func (c *PostgresCatalog) ListPartitions(ctx context.Context, parent string) ([]model.PartitionInfo, error) {
	query := `
		SELECT cl.relname, pg_get_expr(cl.relpartbound, cl.oid)
		FROM pg_inherits i
		JOIN pg_class cl ON cl.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		JOIN pg_namespace n ON n.oid = p.relnamespace
		WHERE p.relname = $1 AND n.nspname = current_schema()
		ORDER BY cl.relname
	`

	rows, err := c.pool.Query(ctx, query, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", parent, err)
	}
	defer rows.Close()

	var partitions []model.PartitionInfo
	for rows.Next() {
		var name, bound string
		if err := rows.Scan(&name, &bound); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}

		start, end, ok := parsePartitionBound(bound)
		if !ok {
			// DEFAULT partitions and unparseable bounds are not managed here
			c.logger.Warn("skipping partition with unrecognized bound",
				zap.String("partition", name),
				zap.String("bound", bound))
			continue
		}

		partitions = append(partitions, model.PartitionInfo{
			Table:      parent,
			Name:       name,
			RangeStart: start,
			RangeEnd:   end,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read partition rows: %w", err)
	}

	return partitions, nil
}

// PartitionStats returns size and activity statistics for one partition
func (c *PostgresCatalog) PartitionStats(ctx context.Context, name string) (*model.PartitionStats, error) {
	query := `
		SELECT
			COALESCE(s.n_live_tup, 0),
			COALESCE(s.n_dead_tup, 0),
			pg_total_relation_size(cl.oid),
			s.last_analyze,
			s.last_autoanalyze,
			s.last_vacuum,
			s.last_autovacuum
		FROM pg_class cl
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		LEFT JOIN pg_stat_user_tables s ON s.relid = cl.oid
		WHERE cl.relname = $1 AND n.nspname = current_schema()
	`

	stats := &model.PartitionStats{Name: name}
	var lastVacuum, lastAutoVacuum *time.Time
	err := c.pool.QueryRow(ctx, query, name).Scan(
		&stats.LiveRows,
		&stats.DeadRows,
		&stats.TotalBytes,
		&stats.LastAnalyze,
		&stats.LastAutoAnalyze,
		&lastVacuum,
		&lastAutoVacuum,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", name, err)
	}

	stats.LastActivity = latestTime(stats.LastAnalyze, stats.LastAutoAnalyze, lastVacuum, lastAutoVacuum)

	return stats, nil
}

// RowCount returns the live row count of a table
func (c *PostgresCatalog) RowCount(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(name))

	var count int64
	if err := c.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", name, err)
	}

	return count, nil
}

// FetchRows pages through a table's rows in insertion order
func (c *PostgresCatalog) FetchRows(ctx context.Context, name string, offset, limit int) ([]map[string]interface{}, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY occurred_at, id LIMIT $1 OFFSET $2", quoteIdent(name))

	rows, err := c.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	records := make([]map[string]interface{}, 0, limit)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row from %s: %w", name, err)
		}
		record := make(map[string]interface{}, len(fields))
		for i := range fields {
			record[fields[i].Name] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows of %s: %w", name, err)
	}

	return records, nil
}

// Analyze refreshes planner statistics for a table
func (c *PostgresCatalog) Analyze(ctx context.Context, table string) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf("ANALYZE %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("failed to analyze %s: %w", table, err)
	}
	return nil
}

// Reindex rebuilds all indexes of a table
func (c *PostgresCatalog) Reindex(ctx context.Context, table string) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf("REINDEX TABLE %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("failed to reindex %s: %w", table, err)
	}
	return nil
}

// Ping checks the database connection
func (c *PostgresCatalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close closes the connection pool
func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

// quoteIdent quotes a SQL identifier. Partition names are derived internally,
// but DDL strings are built by interpolation so quote regardless.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// parsePartitionBound extracts [start, end) from a pg_get_expr bound string
func parsePartitionBound(bound string) (time.Time, time.Time, bool) {
	m := partitionBoundRe.FindStringSubmatch(bound)
	if m == nil {
		return time.Time{}, time.Time{}, false
	}

	start, ok1 := parseBoundTime(m[1])
	end, ok2 := parseBoundTime(m[2])
	if !ok1 || !ok2 {
		return time.Time{}, time.Time{}, false
	}

	return start, end, true
}

func parseBoundTime(s string) (time.Time, bool) {
	for _, layout := range boundLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func latestTime(times ...*time.Time) *time.Time {
	var latest *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	return latest
}
