package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/storage"
)

const (
	defaultSubscriber = "chatrelay-push"
	notificationTTL   = 30
)

// SendFunc: отправка одного уведомления; в тестах подменяется.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Sender отправляет Web Push по подпискам пользователя. Без VAPID-ключей подписки сохраняются,
// а отправка не выполняется.
type Sender struct {
	subs    storage.Store
	opts    *webpush.Options
	send    SendFunc
	timeout time.Duration
}

// NewSender создаёт отправителя. keys == nil: push отключены.
func NewSender(subs storage.Store, keys *VAPIDKeys, subscriber string) *Sender {
	s := &Sender{subs: subs, send: webpush.SendNotificationWithContext, timeout: 10 * time.Second}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		if subscriber == "" {
			subscriber = defaultSubscriber
		}
		s.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             notificationTTL,
		}
	}
	return s
}

// WithSendFunc подменяет транспорт (тесты).
func (s *Sender) WithSendFunc(fn SendFunc) *Sender {
	s.send = fn
	return s
}

// Enabled: есть ли VAPID-ключи.
func (s *Sender) Enabled() bool { return s.opts != nil }

// PublicKey: публичный VAPID-ключ для клиента ("" если push отключены).
func (s *Sender) PublicKey() string {
	if s.opts == nil {
		return ""
	}
	return s.opts.VAPIDPublicKey
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify отправляет уведомление на все подписки пользователя. Ошибки только логируются.
// Подписки, на которые push-сервис ответил 404/410, удаляются.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.opts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	subs, err := s.subs.PushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push payload: %v", err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := s.send(ctx, payload, wpSub, s.opts)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.subs.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove stale subscription: %v", err)
			}
		}
	}
}
