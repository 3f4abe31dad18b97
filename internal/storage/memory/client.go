package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/chatrelay/internal/storage"
)

type Client struct {
	mu      sync.RWMutex
	now     func() time.Time
	revoked map[string]time.Time
	limit   map[string][]time.Time
	subs    map[string][]storage.PushSubscription
}

var _ storage.Store = (*Client)(nil)

func New() *Client {
	return &Client{
		now:     time.Now,
		revoked: make(map[string]time.Time),
		limit:   make(map[string][]time.Time),
		subs:    make(map[string][]storage.PushSubscription),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = c.now().Add(ttl)
	return nil
}

func (c *Client) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.revoked[tokenID]
	return ok && c.now().Before(exp), nil
}

// CheckRateLimit: скользящее окно по меткам времени попыток.
func (c *Client) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-window)
	var kept []time.Time
	for _, t := range c.limit[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		c.limit[key] = kept
		return false, kept[0].Add(window).Sub(now), nil
	}
	c.limit[key] = append(kept, now)
	return true, 0, nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := slices.DeleteFunc(c.subs[userID], func(s storage.PushSubscription) bool { return s.Endpoint == sub.Endpoint })
	list = append(list, sub)
	if len(list) > storage.MaxSubsPerUser {
		list = list[len(list)-storage.MaxSubsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := slices.DeleteFunc(c.subs[userID], func(s storage.PushSubscription) bool { return s.Endpoint == endpoint })
	if len(list) == 0 {
		delete(c.subs, userID)
		return nil
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.subs[userID]), nil
}
