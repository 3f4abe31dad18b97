package storage

import (
	"context"
	"time"
)

// Store: эфемерные данные вне основной БД: отозванные токены, лимиты попыток входа, push-подписки.
// Реализации: redis.Client, memory.Client (для -dev и тестов без Redis).
type Store interface {
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
	// CheckRateLimit считает попытку по ключу; при превышении max за window возвращает allowed=false
	// и время, через которое можно повторить.
	CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
	AddPushSubscription(ctx context.Context, userID string, sub PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	Close() error
}

// PushSubscription: подписка из браузера (PushManager.subscribe).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s PushSubscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

const (
	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)
