package store

import (
	"context"
	"errors"
	"time"

	"github.com/smedrec/smart-logs-ops/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// KVStore interface for lock, metadata and cache operations on the key-value tier
type KVStore interface {
	// SetNX sets key to value only if it does not exist, returning true when the
	// write happened. Used for lock acquisition.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Hash operations for partition metadata records
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Keys returns keys matching a glob pattern (* wildcard)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Catalog interface for partition DDL and statistics on the relational tier
type Catalog interface {
	// DDL operations
	Exec(ctx context.Context, sql string, args ...interface{}) error
	TableExists(ctx context.Context, name string) (bool, error)
	CreateRangePartition(ctx context.Context, parent, name string, start, end time.Time) error
	CreateParentTable(ctx context.Context, parent string) error
	DropTable(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, table, name, definition string) error

	// Introspection
	ListPartitions(ctx context.Context, parent string) ([]model.PartitionInfo, error)
	PartitionStats(ctx context.Context, name string) (*model.PartitionStats, error)
	RowCount(ctx context.Context, name string) (int64, error)

	// FetchRows pages through a partition's rows in insertion order, for
	// archival exports. Column names come from the result descriptor.
	FetchRows(ctx context.Context, name string, offset, limit int) ([]map[string]interface{}, error)

	// Maintenance
	Analyze(ctx context.Context, table string) error
	Reindex(ctx context.Context, table string) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}
