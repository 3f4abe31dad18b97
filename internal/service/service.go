// Package service: бизнес-логика чатов: реестр чатов, хранение сообщений со статусами и доставка событий.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

// Broadcaster: fan-out событий по комнатам (комната = чат). Реализуется ws.Manager.
type Broadcaster interface {
	Broadcast(roomID string, ev model.Event) int
	SendToUser(roomID, userID string, ev model.Event) int
	IsOnline(userID string) bool
}

// Notifier: уведомления пользователям без живых соединений (Web Push).
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, model.Event) int          { return 0 }
func (nopBroadcaster) SendToUser(string, string, model.Event) int { return 0 }
func (nopBroadcaster) IsOnline(string) bool                        { return false }

// storeErr: ошибки домена пропускаются как есть, остальное считается недоступностью хранилища.
func storeErr(op string, err error) error {
	for _, known := range []error{model.ErrNotFound, model.ErrUnavailable, model.ErrInvalidArgument, model.ErrForbidden} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrUnavailable, err)
}

// authorize: проверка участия, общая для всех операций в рамках чата.
func authorize(ctx context.Context, chats repository.Chats, chatID, userID string) (*model.Chat, error) {
	c, err := chats.ChatByID(ctx, chatID)
	if err != nil {
		return nil, storeErr("authorize", err)
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("user is not a participant of chat %s: %w", chatID, model.ErrForbidden)
	}
	return c, nil
}
