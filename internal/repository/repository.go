// Package repository описывает хранилище пользователей, чатов и сообщений.
// Реализации: pg (Postgres через pgx), mongo (документная БД), memory (тесты и -dev).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chatrelay/internal/model"
)

// ErrNotFound совпадает с model.ErrNotFound, чтобы errors.Is работал на всех слоях.
var ErrNotFound = model.ErrNotFound

// ErrDuplicate: нарушение уникальности (nickname, email).
var ErrDuplicate = errors.New("duplicate")

type Users interface {
	CreateUser(ctx context.Context, u *model.User) error
	UserByID(ctx context.Context, id string) (*model.User, error)
	UserByEmail(ctx context.Context, email string) (*model.User, error)
	UsersByIDs(ctx context.Context, ids []string) ([]model.User, error)
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
}

type Chats interface {
	CreateChat(ctx context.Context, c *model.Chat) error
	// FindOrCreateDirect returns the chat with c.DirectKey, inserting c if none exists.
	FindOrCreateDirect(ctx context.Context, c *model.Chat) (chat *model.Chat, created bool, err error)
	ChatByID(ctx context.Context, id string) (*model.Chat, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ChatsForUser(ctx context.Context, userID string) ([]model.Chat, error)
	UpdateChatSettings(ctx context.Context, chatID string, patch model.ChatSettingsPatch, at time.Time) (*model.Chat, error)
}

type Messages interface {
	// AppendMessage assigns m.Seq (strictly increasing per chat) and bumps the chat's updated_at.
	// m.CreatedAt is raised to the chat's last message time if the caller's clock is behind,
	// so (created_at, seq) order always matches commit order.
	AppendMessage(ctx context.Context, m *model.Message) error
	MessageByID(ctx context.Context, id string) (*model.Message, error)
	// ListMessages returns messages in ascending (created_at, seq) order.
	ListMessages(ctx context.Context, chatID string, q model.PageQuery) ([]model.Message, error)
	// LastMessage returns nil, nil for an empty chat.
	LastMessage(ctx context.Context, chatID string) (*model.Message, error)
	// AdvanceStatus raises the status of a message; changed=false if it was already at or past `to`.
	AdvanceStatus(ctx context.Context, id string, to model.MessageStatus) (changed bool, err error)
	// MarkChatRead marks every unread message not sent by readerID as read and returns their ids.
	MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error)
	CountUnread(ctx context.Context, chatID, userID string) (int, error)
}

type Store interface {
	Users
	Chats
	Messages
	Close() error
}
