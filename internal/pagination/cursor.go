// Package pagination implements keyset paging over newest-first listings.
//
// A cursor names the last item of a page by (created_at, id). The next page
// holds items strictly older than it, with id breaking ties between items
// created in the same instant.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque, URL-safe form of a position.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. An empty string means "first
// page" and yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Includes reports whether an item at (createdAt, id) belongs after the
// cursor in newest-first order.
func (c *Cursor) Includes(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Limit clamps a requested page size to (0, max], using def when the
// request is missing or out of range.
func Limit(requested, def, max int) int {
	if requested <= 0 || requested > max {
		return def
	}
	return requested
}

// ComputePage trims items fetched with limit+1 down to limit and returns the
// cursor for the following page. next is empty on the last page.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, hasMore bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
