package kechain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// retrieve fetches path page by page and concatenates the results in server
// order. It stops at the first page shorter than requested or once limit items
// are collected; limit <= 0 means no limit. An error on any page ends the
// retrieval and the pages already fetched are discarded.
func retrieve[T any](ctx context.Context, c *Client, path string, query url.Values, pageSize, limit int) ([]T, error) {
	if pageSize <= 0 {
		return nil, illegalArgument("page size must be positive, got %d", pageSize)
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}

	var out []T
	for {
		size := pageSize
		if limit > 0 && limit-len(out) < size {
			size = limit - len(out)
		}
		q.Set("limit", strconv.Itoa(size))
		q.Set("offset", strconv.Itoa(len(out)))

		resp, err := c.send(ctx, request{method: http.MethodGet, path: path, query: q})
		if err != nil {
			return nil, fmt.Errorf("kechain: page at offset %d: %w", len(out), err)
		}
		page, err := decodeResults[T](resp.body)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)

		if len(page) < size || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
	}
}

// ListOptions bounds a paged retrieval.
type ListOptions struct {
	// Limit caps the number of items; zero fetches everything.
	Limit int
	// PageSize overrides the client page size.
	PageSize int
}

func (o ListOptions) pageSize(c *Client) int {
	if o.PageSize != 0 {
		return o.PageSize
	}
	return c.pageSize
}
