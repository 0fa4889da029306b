package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// StreamFormat selects the wire encoding of a streamed export
type StreamFormat string

const (
	// StreamFormatJSON emits a single JSON array
	StreamFormatJSON StreamFormat = "json"
	// StreamFormatNDJSON emits one JSON object per line
	StreamFormatNDJSON StreamFormat = "ndjson"
	// StreamFormatCSV emits a header row of sorted column names, then one
	// record per row
	StreamFormatCSV StreamFormat = "csv"
)

// BatchSource produces successive row batches for a streaming export. It is
// called with the number of rows already delivered; an empty batch ends the
// stream.
type BatchSource func(ctx context.Context, offset int) ([]map[string]interface{}, error)

// StreamResponse writes rows from source to w in the requested format,
// batch by batch, without holding the full result set in memory. It returns
// the number of rows written. The context is checked between batches so a
// disconnected client stops the export.
func StreamResponse(ctx context.Context, w io.Writer, format StreamFormat, source BatchSource) (int, error) {
	switch format {
	case StreamFormatJSON:
		return streamJSON(ctx, w, source)
	case StreamFormatNDJSON:
		return streamNDJSON(ctx, w, source)
	case StreamFormatCSV:
		return streamCSV(ctx, w, source)
	default:
		return 0, fmt.Errorf("unsupported stream format %q", format)
	}
}

func streamJSON(ctx context.Context, w io.Writer, source BatchSource) (int, error) {
	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch, err := source(ctx, written)
		if err != nil {
			return written, fmt.Errorf("failed to read batch at offset %d: %w", written, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			if written > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return written, err
				}
			}
			buf, err := json.Marshal(row)
			if err != nil {
				return written, fmt.Errorf("failed to encode row: %w", err)
			}
			if _, err := w.Write(buf); err != nil {
				return written, err
			}
			written++
		}
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return written, err
	}
	return written, nil
}

func streamNDJSON(ctx context.Context, w io.Writer, source BatchSource) (int, error) {
	enc := json.NewEncoder(w)

	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch, err := source(ctx, written)
		if err != nil {
			return written, fmt.Errorf("failed to read batch at offset %d: %w", written, err)
		}
		if len(batch) == 0 {
			return written, nil
		}
		for _, row := range batch {
			if err := enc.Encode(row); err != nil {
				return written, fmt.Errorf("failed to encode row: %w", err)
			}
			written++
		}
	}
}

func streamCSV(ctx context.Context, w io.Writer, source BatchSource) (int, error) {
	cw := csv.NewWriter(w)

	var header []string
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch, err := source(ctx, written)
		if err != nil {
			return written, fmt.Errorf("failed to read batch at offset %d: %w", written, err)
		}
		if len(batch) == 0 {
			break
		}

		// Column order comes from the first row seen; rows missing a
		// column emit an empty field.
		if header == nil {
			header = make([]string, 0, len(batch[0]))
			for k := range batch[0] {
				header = append(header, k)
			}
			sort.Strings(header)
			if err := cw.Write(header); err != nil {
				return written, err
			}
		}

		record := make([]string, len(header))
		for _, row := range batch {
			for i, col := range header {
				record[i] = csvValue(row[col])
			}
			if err := cw.Write(record); err != nil {
				return written, err
			}
			written++
		}
	}

	cw.Flush()
	return written, cw.Error()
}

func csvValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		if buf, err := json.Marshal(val); err == nil {
			return string(buf)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
