package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC), Seq: 42}
	s := c.String()
	assert.NotContains(t, s, "=")
	assert.NotContains(t, s, "/")

	back, err := ParseCursor(s)
	require.NoError(t, err)
	assert.True(t, back.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, c.Seq, back.Seq)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, s := range []string{"!!!", "bm9kb3Q", "YWJjLjE", "MTIzLi0x"} {
		_, err := ParseCursor(s)
		assert.ErrorIs(t, err, ErrInvalidArgument, s)
	}
}

func TestCursorLess(t *testing.T) {
	t0 := time.Unix(100, 0)
	assert.True(t, Cursor{t0, 5}.Less(Cursor{t0.Add(time.Millisecond), 1}))
	assert.True(t, Cursor{t0, 1}.Less(Cursor{t0, 2}))
	assert.False(t, Cursor{t0, 2}.Less(Cursor{t0, 2}))
}

func TestPageQueryNormalize(t *testing.T) {
	q, err := PageQuery{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, q.Limit)

	q, err = PageQuery{Limit: 10000}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, q.Limit)

	c := Cursor{Seq: 1}
	_, err = PageQuery{After: &c, Before: &c}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = PageQuery{After: &c, Latest: true}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
