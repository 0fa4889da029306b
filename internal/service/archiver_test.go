package service

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/model"
)

func TestFileArchiverWritesGzippedNDJSON(t *testing.T) {
	catalog := new(MockCatalog)
	rows := []map[string]interface{}{
		{"id": "1", "action": "create"},
		{"id": "2", "action": "delete"},
	}
	catalog.On("FetchRows", mock.Anything, "audit_log_2026_01", 0, 1000).Return(rows, nil)
	catalog.On("FetchRows", mock.Anything, "audit_log_2026_01", 2, 1000).Return(nil, nil)

	dir := t.TempDir()
	archiver := NewFileArchiver(catalog, dir, zap.NewNop())

	err := archiver.ArchivePartition(context.Background(), model.PartitionMetadata{Name: "audit_log_2026_01"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".ndjson.gz"))

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, "create", row["action"])

	catalog.AssertExpectations(t)
}

func TestFileArchiverRemovesPartialFileOnFailure(t *testing.T) {
	catalog := new(MockCatalog)
	catalog.On("FetchRows", mock.Anything, "audit_log_2026_01", 0, 1000).
		Return(nil, errors.New("connection reset"))

	dir := t.TempDir()
	archiver := NewFileArchiver(catalog, dir, zap.NewNop())

	err := archiver.ArchivePartition(context.Background(), model.PartitionMetadata{Name: "audit_log_2026_01"})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNoopArchiverAcceptsAnything(t *testing.T) {
	err := NoopArchiver{}.ArchivePartition(context.Background(), model.PartitionMetadata{Name: "x"})
	assert.NoError(t, err)
}
