package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

type SendInput struct {
	Type    model.MessageType `json:"type"`
	Content string            `json:"content"`
	File    *model.Attachment `json:"file,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
}

// Messages: хранение сообщений и машина статусов sent → delivered → read.
type Messages struct {
	store         repository.Store
	maxAttachment int64
	now           func() time.Time
}

func NewMessages(store repository.Store, maxAttachment int64) *Messages {
	return &Messages{store: store, maxAttachment: maxAttachment, now: time.Now}
}

// Append сохраняет сообщение со статусом sent. Seq назначает хранилище.
func (s *Messages) Append(ctx context.Context, chatID, senderID string, in SendInput) (*model.Message, error) {
	m, _, err := s.append(ctx, chatID, senderID, in)
	return m, err
}

func (s *Messages) append(ctx context.Context, chatID, senderID string, in SendInput) (*model.Message, *model.Chat, error) {
	defer logger.DeferLogDuration("messages.Append", time.Now())()
	chat, err := authorize(ctx, s.store, chatID, senderID)
	if err != nil {
		return nil, nil, err
	}
	body, err := model.NewBody(in.Type, in.Content, in.File, s.maxAttachment)
	if err != nil {
		return nil, nil, err
	}
	if in.ReplyTo != "" {
		parent, err := s.store.MessageByID(ctx, in.ReplyTo)
		if errors.Is(err, model.ErrNotFound) || (err == nil && parent.ChatID != chatID) {
			return nil, nil, fmt.Errorf("reply_to must reference a message of this chat: %w", model.ErrInvalidArgument)
		}
		if err != nil {
			return nil, nil, storeErr("messages.Append reply_to", err)
		}
	}
	m := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Body:      body,
		ReplyTo:   in.ReplyTo,
		Status:    model.MessageStatusSent,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("messages.Append: %w", err)
		}
		// Точка долговечности: любая другая ошибка: сообщение не сохранено.
		return nil, nil, fmt.Errorf("messages.Append: %w: %w", model.ErrUnavailable, err)
	}
	return m, chat, nil
}

// List возвращает страницу в хронологическом порядке. NextCursor продолжает выборку
// в том же направлении: вперёд для after/без курсора, назад для before/latest.
func (s *Messages) List(ctx context.Context, chatID, userID string, q model.PageQuery) (*model.MessagePage, error) {
	defer logger.DeferLogDuration("messages.List", time.Now())()
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, s.store, chatID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, chatID, q)
	if err != nil {
		return nil, storeErr("messages.List", err)
	}
	page := &model.MessagePage{Messages: msgs}
	if len(msgs) == q.Limit {
		edge := &msgs[len(msgs)-1]
		if q.Before != nil || q.Latest {
			edge = &msgs[0]
		}
		page.NextCursor = model.CursorOf(edge).String()
	}
	return page, nil
}

// Iterate лениво обходит сообщения чата после after (nil: с начала), подгружая страницы по pageSize.
// Проверка участия выполняется при первом обращении.
func (s *Messages) Iterate(ctx context.Context, chatID, userID string, after *model.Cursor, pageSize int) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		q := model.PageQuery{After: after, Limit: pageSize}
		for {
			page, err := s.List(ctx, chatID, userID, q)
			if err != nil {
				yield(model.Message{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			last := model.CursorOf(&page.Messages[len(page.Messages)-1])
			q.After = &last
		}
	}
}

// MarkRead переводит сообщение в read. changed=false: статус уже был не ниже.
func (s *Messages) MarkRead(ctx context.Context, messageID, byUser string) (*model.Message, bool, error) {
	return s.advance(ctx, messageID, byUser, model.MessageStatusRead)
}

func (s *Messages) MarkDelivered(ctx context.Context, messageID, byUser string) (*model.Message, bool, error) {
	return s.advance(ctx, messageID, byUser, model.MessageStatusDelivered)
}

func (s *Messages) advance(ctx context.Context, messageID, byUser string, to model.MessageStatus) (*model.Message, bool, error) {
	defer logger.DeferLogDuration("messages.advance", time.Now())()
	m, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return nil, false, storeErr("messages.advance", err)
	}
	if _, err := authorize(ctx, s.store, m.ChatID, byUser); err != nil {
		return nil, false, err
	}
	if m.SenderID == byUser {
		return nil, false, fmt.Errorf("sender cannot mark own message %s: %w", to, model.ErrForbidden)
	}
	changed, err := s.store.AdvanceStatus(ctx, messageID, to)
	if err != nil {
		return nil, false, storeErr("messages.advance", err)
	}
	if changed {
		m.Status = to
		return m, true, nil
	}
	// Статус уже был не ниже целевого (возможно, изменён параллельно): отдаём актуальный.
	if cur, err := s.store.MessageByID(ctx, messageID); err == nil {
		m = cur
	}
	return m, false, nil
}

// MarkChatRead помечает прочитанными все чужие сообщения чата. Возвращает id изменённых.
func (s *Messages) MarkChatRead(ctx context.Context, chatID, byUser string) ([]string, *model.Chat, error) {
	defer logger.DeferLogDuration("messages.MarkChatRead", time.Now())()
	chat, err := authorize(ctx, s.store, chatID, byUser)
	if err != nil {
		return nil, nil, err
	}
	ids, err := s.store.MarkChatRead(ctx, chatID, byUser)
	if err != nil {
		return nil, nil, storeErr("messages.MarkChatRead", err)
	}
	return ids, chat, nil
}

// UnreadCount: сообщения от других участников, ещё не прочитанные.
func (s *Messages) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	n, err := s.store.CountUnread(ctx, chatID, userID)
	if err != nil {
		return 0, storeErr("messages.UnreadCount", err)
	}
	return n, nil
}
