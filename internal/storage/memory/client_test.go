package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/storage"
)

func newClock(c *Client) *time.Time {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return &now
}

func TestRevokeTokenExpires(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := newClock(c)

	require.NoError(t, c.RevokeToken(ctx, "jti-1", time.Hour))
	revoked, err := c.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	*now = now.Add(2 * time.Hour)
	revoked, _ = c.IsTokenRevoked(ctx, "jti-1")
	assert.False(t, revoked)

	require.NoError(t, c.RevokeToken(ctx, "jti-2", 0))
	revoked, _ = c.IsTokenRevoked(ctx, "jti-2")
	assert.False(t, revoked)
}

func TestCheckRateLimitSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := newClock(c)

	for i := 0; i < 3; i++ {
		ok, _, err := c.CheckRateLimit(ctx, "login:a@b.c", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		*now = now.Add(10 * time.Second)
	}
	ok, retry, err := c.CheckRateLimit(ctx, "login:a@b.c", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, retry)

	ok, _, _ = c.CheckRateLimit(ctx, "login:other", 3, time.Minute)
	assert.True(t, ok)

	*now = now.Add(31 * time.Second)
	ok, _, _ = c.CheckRateLimit(ctx, "login:a@b.c", 3, time.Minute)
	assert.True(t, ok)
}

func sub(endpoint string) storage.PushSubscription {
	s := storage.PushSubscription{Endpoint: endpoint}
	s.Keys.P256dh = "p"
	s.Keys.Auth = "a"
	return s
}

func TestPushSubscriptions(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.AddPushSubscription(ctx, "u1", sub("https://push/1")))
	require.NoError(t, c.AddPushSubscription(ctx, "u1", sub("https://push/1")))
	require.NoError(t, c.AddPushSubscription(ctx, "u1", sub("https://push/2")))
	list, err := c.PushSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, c.RemovePushSubscription(ctx, "u1", "https://push/1"))
	list, _ = c.PushSubscriptions(ctx, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, "https://push/2", list[0].Endpoint)

	for i := 0; i < storage.MaxSubsPerUser+5; i++ {
		require.NoError(t, c.AddPushSubscription(ctx, "u2", sub(fmt.Sprintf("https://push/%d", i))))
	}
	list, _ = c.PushSubscriptions(ctx, "u2")
	require.Len(t, list, storage.MaxSubsPerUser)
	assert.Equal(t, fmt.Sprintf("https://push/%d", storage.MaxSubsPerUser+4), list[len(list)-1].Endpoint)
}
