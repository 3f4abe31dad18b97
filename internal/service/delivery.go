package service

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

const (
	historyBatchSize = 50
	maxSyncMessages  = 1000
	notifyTimeout    = 15 * time.Second
	previewLength    = 120
)

// Delivery: оркестратор: сохранение (точка долговечности) → пересчёт непрочитанных → рассылка.
type Delivery struct {
	store    repository.Store
	messages *Messages
	bus      Broadcaster
	notifier Notifier
}

// NewDelivery: notifier может быть nil: тогда офлайн-уведомления не отправляются.
func NewDelivery(store repository.Store, messages *Messages, bus Broadcaster, notifier Notifier) *Delivery {
	if bus == nil {
		bus = nopBroadcaster{}
	}
	return &Delivery{store: store, messages: messages, bus: bus, notifier: notifier}
}

// SendMessage сохраняет сообщение и только после этого рассылает его. Ошибка рассылки не отменяет отправку.
func (d *Delivery) SendMessage(ctx context.Context, id model.Identity, chatID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.SendMessage", time.Now())()
	m, chat, err := d.messages.append(ctx, chatID, id.UserID, in)
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		if p != id.UserID {
			others = append(others, p)
		}
	}
	d.pushUnread(ctx, chatID, others)
	n := d.bus.Broadcast(chatID, model.NewMessageEvent(m))
	logger.Debugf("delivery: message=%s chat=%s seq=%d fan-out=%d", m.ID, chatID, m.Seq, n)

	d.notifyOffline(chat, m, others)
	return m, nil
}

func (d *Delivery) MarkRead(ctx context.Context, id model.Identity, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.MarkRead", time.Now())()
	m, changed, err := d.messages.MarkRead(ctx, messageID, id.UserID)
	if err != nil {
		return nil, err
	}
	if changed {
		d.bus.Broadcast(m.ChatID, model.StatusChangedEvent(m))
		d.pushUnreadExcept(ctx, m.ChatID, m.SenderID)
	}
	return m, nil
}

// MarkDelivered не меняет счётчики: delivered всё ещё непрочитано.
func (d *Delivery) MarkDelivered(ctx context.Context, id model.Identity, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.MarkDelivered", time.Now())()
	m, changed, err := d.messages.MarkDelivered(ctx, messageID, id.UserID)
	if err != nil {
		return nil, err
	}
	if changed {
		d.bus.Broadcast(m.ChatID, model.StatusChangedEvent(m))
	}
	return m, nil
}

// MarkChatRead возвращает число сообщений, ставших прочитанными.
func (d *Delivery) MarkChatRead(ctx context.Context, id model.Identity, chatID string) (int, error) {
	defer logger.DeferLogDuration("delivery.MarkChatRead", time.Now())()
	ids, chat, err := d.messages.MarkChatRead(ctx, chatID, id.UserID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, mid := range ids {
		d.bus.Broadcast(chatID, model.Event{
			Type:    model.EventStatusChanged,
			Payload: model.StatusChangedPayload{ChatID: chatID, MessageID: mid, Status: model.MessageStatusRead},
		})
	}
	d.pushUnread(ctx, chatID, chat.Participants)
	return len(ids), nil
}

func (d *Delivery) UnreadCount(ctx context.Context, id model.Identity, chatID string) (int, error) {
	if _, err := authorize(ctx, d.store, chatID, id.UserID); err != nil {
		return 0, err
	}
	return d.messages.UnreadCount(ctx, chatID, id.UserID)
}

func (d *Delivery) pushUnreadExcept(ctx context.Context, chatID, except string) {
	chat, err := d.store.ChatByID(ctx, chatID)
	if err != nil {
		logger.Errorf("delivery: load chat %s for unread: %v", chatID, err)
		return
	}
	users := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		if p != except {
			users = append(users, p)
		}
	}
	d.pushUnread(ctx, chatID, users)
}

// pushUnread пересчитывает счётчик каждому пользователю и шлёт его только в его соединения комнаты.
// Сообщение уже сохранено, поэтому ошибки здесь только логируются.
func (d *Delivery) pushUnread(ctx context.Context, chatID string, users []string) {
	for _, u := range users {
		n, err := d.messages.UnreadCount(ctx, chatID, u)
		if err != nil {
			logger.Errorf("delivery: unread chat=%s user=%s: %v", chatID, u, err)
			continue
		}
		d.bus.SendToUser(chatID, u, model.Event{
			Type:    model.EventUnreadChanged,
			Payload: model.UnreadChangedPayload{ChatID: chatID, Unread: n},
		})
	}
}

func (d *Delivery) notifyOffline(chat *model.Chat, m *model.Message, recipients []string) {
	if d.notifier == nil {
		return
	}
	var offline []string
	for _, u := range recipients {
		if !d.bus.IsOnline(u) {
			offline = append(offline, u)
		}
	}
	if len(offline) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		title := chat.Name
		if sender, err := d.store.UserByID(ctx, m.SenderID); err == nil {
			if title == "" {
				title = sender.DisplayName
			} else {
				title = fmt.Sprintf("%s: %s", chat.Name, sender.DisplayName)
			}
		}
		data := map[string]string{"chat_id": chat.ID, "message_id": m.ID}
		for _, u := range offline {
			d.notifier.Notify(ctx, u, title, preview(m), data)
		}
	}()
}

func preview(m *model.Message) string {
	switch b := m.Body.(type) {
	case model.TextBody:
		r := []rune(b.Text)
		if len(r) > previewLength {
			return string(r[:previewLength]) + "…"
		}
		return b.Text
	case model.ImageBody:
		return "Изображение"
	case model.VoiceBody:
		return "Голосовое сообщение"
	case model.FileBody:
		return "Файл: " + b.Name
	}
	return ""
}

// HandleIntent обрабатывает кадр клиента из WebSocket. Возвращённые события уходят только этому соединению;
// события для комнаты рассылаются через Broadcaster.
func (d *Delivery) HandleIntent(ctx context.Context, id model.Identity, chatID string, in model.Intent) []model.Event {
	switch in.Type {
	case model.IntentSendMessage:
		m, err := d.SendMessage(ctx, id, chatID, SendInput{Type: in.MsgType, Content: in.Content, File: in.File, ReplyTo: in.ReplyTo})
		if err != nil {
			return []model.Event{model.ErrorEvent(in.ClientID, err)}
		}
		return []model.Event{{Type: model.EventAck, Payload: model.AckPayload{ClientID: in.ClientID, Message: *m}}}
	case model.IntentMarkRead:
		if _, err := d.MarkRead(ctx, id, in.MessageID); err != nil {
			return []model.Event{model.ErrorEvent(in.ClientID, err)}
		}
		return nil
	case model.IntentMarkDelivered:
		if _, err := d.MarkDelivered(ctx, id, in.MessageID); err != nil {
			return []model.Event{model.ErrorEvent(in.ClientID, err)}
		}
		return nil
	case model.IntentSync:
		return d.sync(ctx, id, chatID, in)
	}
	return []model.Event{model.ErrorEvent(in.ClientID, fmt.Errorf("unknown intent %q: %w", in.Type, model.ErrInvalidArgument))}
}

// sync: восстановление после переподключения: сообщения после курсора пачками history.
// Не больше maxSyncMessages за раз; при обрезке последний кадр Done=false и клиент повторяет sync с NextCursor.
func (d *Delivery) sync(ctx context.Context, id model.Identity, chatID string, in model.Intent) []model.Event {
	defer logger.DeferLogDuration("delivery.sync", time.Now())()
	var after *model.Cursor
	if in.After != "" {
		c, err := model.ParseCursor(in.After)
		if err != nil {
			return []model.Event{model.ErrorEvent(in.ClientID, err)}
		}
		after = &c
	}

	var (
		events []model.Event
		batch  []model.Message
		last   = in.After
		total  int
	)
	flush := func(done bool) {
		if batch == nil {
			batch = []model.Message{}
		}
		events = append(events, model.Event{Type: model.EventHistory, Payload: model.HistoryPayload{
			ChatID: chatID, Messages: batch, NextCursor: last, Done: done,
		}})
		batch = nil
	}
	for m, err := range d.messages.Iterate(ctx, chatID, id.UserID, after, historyBatchSize) {
		if err != nil {
			return append(events, model.ErrorEvent(in.ClientID, err))
		}
		batch = append(batch, m)
		last = model.CursorOf(&m).String()
		total++
		if total >= maxSyncMessages {
			flush(false)
			return events
		}
		if len(batch) == historyBatchSize {
			flush(false)
		}
	}
	flush(true)
	return events
}
