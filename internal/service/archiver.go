package service

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/model"
	"github.com/smedrec/smart-logs-ops/internal/store"
)

// Archiver persists a partition's rows before the partition is dropped. An
// archive failure aborts the drop.
type Archiver interface {
	ArchivePartition(ctx context.Context, meta model.PartitionMetadata) error
}

// NoopArchiver skips archival, for deployments that handle exports elsewhere
type NoopArchiver struct{}

// ArchivePartition does nothing
func (NoopArchiver) ArchivePartition(context.Context, model.PartitionMetadata) error {
	return nil
}

// FileArchiver exports partition rows as gzipped NDJSON files under a local
// directory before the partition is dropped
type FileArchiver struct {
	catalog   store.Catalog
	dir       string
	batchSize int
	logger    *zap.Logger
}

// NewFileArchiver creates a file archiver writing under dir
func NewFileArchiver(catalog store.Catalog, dir string, logger *zap.Logger) *FileArchiver {
	return &FileArchiver{
		catalog:   catalog,
		dir:       dir,
		batchSize: 1000,
		logger:    logger,
	}
}

// ArchivePartition streams the partition's rows to a timestamped, gzipped
// NDJSON file. A partial file is removed on failure so a retry starts clean.
func (a *FileArchiver) ArchivePartition(ctx context.Context, meta model.PartitionMetadata) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory %s: %w", a.dir, err)
	}

	name := fmt.Sprintf("%s_%s.ndjson.gz", meta.Name, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(a.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file %s: %w", path, err)
	}
	gz := gzip.NewWriter(f)

	source := func(ctx context.Context, offset int) ([]map[string]interface{}, error) {
		return a.catalog.FetchRows(ctx, meta.Name, offset, a.batchSize)
	}

	rows, err := StreamResponse(ctx, gz, StreamFormatNDJSON, source)
	if err != nil {
		gz.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to archive partition %s: %w", meta.Name, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to finish archive file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to finish archive file %s: %w", path, err)
	}

	a.logger.Info("Partition archived",
		zap.String("partition", meta.Name),
		zap.String("path", path),
		zap.Int("rows", rows))

	return nil
}
