package service

import (
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
)

// PageRequest selects a page by explicit offset or by an opaque cursor. A
// non-empty cursor wins over the offset.
type PageRequest struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Cursor string `json:"cursor,omitempty"`
}

// PageResponse is one page of results with navigation cursors
type PageResponse[T any] struct {
	Items          []T    `json:"items"`
	Total          int    `json:"total"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
	HasNext        bool   `json:"has_next"`
	HasPrevious    bool   `json:"has_previous"`
	NextCursor     string `json:"next_cursor,omitempty"`
	PreviousCursor string `json:"previous_cursor,omitempty"`
}

// cursorPayload is the decoded form of an opaque page cursor
type cursorPayload struct {
	Offset int `json:"o"`
}

// Paginate slices items into one page. Cursors are opaque to callers but
// stable: the same cursor always lands on the same offset.
func Paginate[T any](items []T, req PageRequest) (PageResponse[T], error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	offset := req.Offset
	if req.Cursor != "" {
		decoded, err := decodeCursor(req.Cursor)
		if err != nil {
			return PageResponse[T]{}, err
		}
		offset = decoded
	}
	if offset < 0 {
		offset = 0
	}

	total := len(items)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	resp := PageResponse[T]{
		Items:       items[start:end],
		Total:       total,
		Limit:       limit,
		Offset:      offset,
		HasNext:     end < total,
		HasPrevious: start > 0,
	}
	if resp.Items == nil {
		resp.Items = []T{}
	}
	if resp.HasNext {
		resp.NextCursor = encodeCursor(end)
	}
	if resp.HasPrevious {
		prev := start - limit
		if prev < 0 {
			prev = 0
		}
		resp.PreviousCursor = encodeCursor(prev)
	}

	return resp, nil
}

func encodeCursor(offset int) string {
	raw, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid page cursor: %w", err)
	}

	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("invalid page cursor: %w", err)
	}
	if payload.Offset < 0 {
		return 0, fmt.Errorf("invalid page cursor: negative offset")
	}

	return payload.Offset, nil
}
