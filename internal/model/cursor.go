package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a position in a chat's message order (created_at, seq).
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

func CursorOf(m *Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func ParseCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor: %w", ErrInvalidArgument)
	}
	ts, seq, ok := strings.Cut(string(raw), ".")
	if !ok {
		return Cursor{}, fmt.Errorf("cursor: %w", ErrInvalidArgument)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor time: %w", ErrInvalidArgument)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, fmt.Errorf("cursor seq: %w", ErrInvalidArgument)
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), Seq: n}, nil
}

// Less orders positions by creation time, then by per-chat sequence.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.Seq < o.Seq
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// PageQuery selects a window of messages. After and Before are mutually exclusive;
// with neither set the oldest page is returned, unless Latest is set.
type PageQuery struct {
	After  *Cursor
	Before *Cursor
	Latest bool
	Limit  int
}

// Normalize clamps the limit and validates the combination of cursors.
func (q PageQuery) Normalize() (PageQuery, error) {
	if q.After != nil && (q.Before != nil || q.Latest) {
		return q, fmt.Errorf("after cannot be combined with before/latest: %w", ErrInvalidArgument)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return q, nil
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}
