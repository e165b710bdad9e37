// Package engine contains the pipeline engines: folder and document
// discovery, destination folder preparation, and the move worker with its
// stuck-item reaper.
package engine

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"ecmigrate/internal/remote"
)

// SeekCursor is a composite position marker over a remote listing ordered
// by (createdAt, name). Creation timestamp alone is not enough: several
// items can share one timestamp at the granularity the repository reports,
// so the full tuple is needed to avoid skipping or re-visiting siblings.
type SeekCursor struct {
	LastID        string
	LastCreatedAt time.Time
	LastName      string
}

// IsZero reports whether the cursor is at the beginning.
func (c SeekCursor) IsZero() bool {
	return c.LastID == "" && c.LastCreatedAt.IsZero() && c.LastName == ""
}

// Advance returns the cursor positioned after entry.
func (c SeekCursor) Advance(e remote.Entry) SeekCursor {
	return SeekCursor{
		LastID:        e.ID,
		LastCreatedAt: e.CreatedAt,
		LastName:      e.Name,
	}
}

// Encode serializes the cursor for checkpoint persistence.
func (c SeekCursor) Encode() string {
	if c.IsZero() {
		return ""
	}

	return strings.Join([]string{
		c.LastCreatedAt.UTC().Format(time.RFC3339Nano),
		url.QueryEscape(c.LastName),
		url.QueryEscape(c.LastID),
	}, "|")
}

// DecodeCursor parses a cursor previously produced by Encode.
// An empty string decodes to the zero cursor.
func DecodeCursor(s string) (SeekCursor, error) {
	if s == "" {
		return SeekCursor{}, nil
	}

	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return SeekCursor{}, fmt.Errorf("engine: malformed cursor %q", s)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return SeekCursor{}, fmt.Errorf("engine: malformed cursor timestamp: %w", err)
	}

	name, err := url.QueryUnescape(parts[1])
	if err != nil {
		return SeekCursor{}, fmt.Errorf("engine: malformed cursor name: %w", err)
	}

	id, err := url.QueryUnescape(parts[2])
	if err != nil {
		return SeekCursor{}, fmt.Errorf("engine: malformed cursor id: %w", err)
	}

	return SeekCursor{LastID: id, LastCreatedAt: createdAt, LastName: name}, nil
}

// seekPredicate renders the cursor as an attribute-dialect condition.
// Items strictly after (createdAt, name) in ascending order.
func seekPredicate(c SeekCursor) string {
	if c.IsZero() {
		return ""
	}

	ts := c.LastCreatedAt.UTC().Format(time.RFC3339Nano)
	return fmt.Sprintf(" AND (created > TIMESTAMP '%s' OR (created = TIMESTAMP '%s' AND name > %s))",
		ts, ts, quoteLiteral(c.LastName))
}

// quoteLiteral escapes a string literal for the attribute query dialect.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Meter is the slice of the metrics surface the engines feed.
type Meter interface {
	IncItem(status string)
	SetQueueReady(n int64)
}
