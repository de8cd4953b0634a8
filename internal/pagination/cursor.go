// Package pagination implements opaque keyset cursors for list endpoints.
// Listings are ordered by (CreatedAt, ID) ascending and a cursor marks the
// last item of the previous page; the next page resumes strictly after it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned by Parse for tokens that did not come from Token.
var ErrMalformed = errors.New("malformed cursor")

// Cursor is a position in a listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Token encodes the cursor as a URL-safe string. Clients must treat it as
// opaque; the format is not part of the API.
func (c Cursor) Token() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a token produced by Token. An empty token yields a nil
// cursor, meaning start from the beginning.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformed
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrMalformed
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// SeekPast drops every item at or before the cursor position. A nil cursor
// leaves the slice untouched. Items must already be sorted by
// (CreatedAt, ID) ascending.
func SeekPast[T any](items []T, c *Cursor, key func(T) (time.Time, string)) []T {
	if c == nil {
		return items
	}
	for i, it := range items {
		at, id := key(it)
		if at.After(c.CreatedAt) || (at.Equal(c.CreatedAt) && id > c.ID) {
			return items[i:]
		}
	}
	return nil
}

// Page trims an over-fetched slice (limit+1 items or more) to the page size
// and returns the token for the following page. An empty token means the
// listing is exhausted.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Cursor{CreatedAt: at, ID: id}.Token(), true
}
