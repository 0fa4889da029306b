package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchesOf returns a source that serves the given batches in order, then an
// empty batch.
func batchesOf(batches ...[]map[string]interface{}) BatchSource {
	return func(ctx context.Context, offset int) ([]map[string]interface{}, error) {
		served := 0
		for _, b := range batches {
			if offset == served {
				return b, nil
			}
			served += len(b)
		}
		return nil, nil
	}
}

func TestStreamJSONProducesArray(t *testing.T) {
	var buf bytes.Buffer
	source := batchesOf(
		[]map[string]interface{}{{"id": "a"}, {"id": "b"}},
		[]map[string]interface{}{{"id": "c"}},
	)

	written, err := StreamResponse(context.Background(), &buf, StreamFormatJSON, source)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0]["id"])
	assert.Equal(t, "c", rows[2]["id"])
}

func TestStreamJSONEmptySource(t *testing.T) {
	var buf bytes.Buffer

	written, err := StreamResponse(context.Background(), &buf, StreamFormatJSON, batchesOf())
	require.NoError(t, err)
	assert.Equal(t, 0, written)
	assert.Equal(t, "[]", buf.String())
}

func TestStreamNDJSONOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	source := batchesOf(
		[]map[string]interface{}{{"seq": 1}, {"seq": 2}},
		[]map[string]interface{}{{"seq": 3}},
	)

	written, err := StreamResponse(context.Background(), &buf, StreamFormatNDJSON, source)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var row map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &row))
	}
}

func TestStreamCSVSortedHeaderAndMissingColumns(t *testing.T) {
	var buf bytes.Buffer
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := batchesOf([]map[string]interface{}{
		{"name": "alpha", "action": "create", "occurred_at": when},
		{"action": "delete", "occurred_at": when},
	})

	written, err := StreamResponse(context.Background(), &buf, StreamFormatCSV, source)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"action", "name", "occurred_at"}, records[0])
	assert.Equal(t, []string{"create", "alpha", "2026-03-01T12:00:00Z"}, records[1])
	assert.Equal(t, "", records[2][1])
}

func TestStreamStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	source := func(ctx context.Context, offset int) ([]map[string]interface{}, error) {
		if offset >= 2 {
			cancel()
		}
		return []map[string]interface{}{{"seq": offset}, {"seq": offset + 1}}, nil
	}

	written, err := StreamResponse(ctx, &buf, StreamFormatNDJSON, source)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, written)
}

func TestStreamSourceErrorPropagates(t *testing.T) {
	var buf bytes.Buffer
	source := func(ctx context.Context, offset int) ([]map[string]interface{}, error) {
		return nil, errors.New("connection reset")
	}

	_, err := StreamResponse(context.Background(), &buf, StreamFormatJSON, source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 0")
}

func TestStreamRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer

	_, err := StreamResponse(context.Background(), &buf, StreamFormat("xml"), batchesOf())
	assert.Error(t, err)
}
