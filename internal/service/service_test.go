package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository/memory"
)

type sent struct {
	room string
	user string // "": на всю комнату
	ev   model.Event
}

// recordingBus запоминает события вместо рассылки по соединениям.
type recordingBus struct {
	mu      sync.Mutex
	events  []sent
	online  map[string]bool
	onEvent func(sent)
}

func newRecordingBus() *recordingBus {
	return &recordingBus{online: make(map[string]bool)}
}

func (b *recordingBus) record(s sent) {
	b.mu.Lock()
	b.events = append(b.events, s)
	hook := b.onEvent
	b.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (b *recordingBus) Broadcast(roomID string, ev model.Event) int {
	b.record(sent{room: roomID, ev: ev})
	return 1
}

func (b *recordingBus) SendToUser(roomID, userID string, ev model.Event) int {
	b.record(sent{room: roomID, user: userID, ev: ev})
	return 1
}

func (b *recordingBus) IsOnline(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[userID]
}

func (b *recordingBus) take() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// lastUnread: последнее значение unread_changed, отправленное пользователю.
func (b *recordingBus) lastUnread(userID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		e := b.events[i]
		if e.user == userID && e.ev.Type == model.EventUnreadChanged {
			return e.ev.Payload.(model.UnreadChangedPayload).Unread, true
		}
	}
	return 0, false
}

type notification struct {
	user, title, body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	ch   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{userID, title, body})
	n.mu.Unlock()
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

type fixture struct {
	store    *memory.Store
	bus      *recordingBus
	notifier *recordingNotifier
	registry *Registry
	messages *Messages
	delivery *Delivery

	clockMu sync.Mutex
	clock   time.Time
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		bus:      newRecordingBus(),
		notifier: newRecordingNotifier(),
		clock:    time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC),
	}
	// Каждое обращение сдвигает часы на 1ms: порядок created_at совпадает с порядком вызовов.
	now := func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	}
	f.registry = NewRegistry(f.store, f.bus)
	f.registry.now = now
	f.messages = NewMessages(f.store, 1<<20)
	f.messages.now = now
	f.delivery = NewDelivery(f.store, f.messages, f.bus, f.notifier)
	for _, u := range users {
		require.NoError(t, f.store.CreateUser(context.Background(), &model.User{ID: u, Nickname: u, DisplayName: u, Email: u + "@example.com"}))
	}
	return f
}

func ident(userID string) model.Identity {
	return model.Identity{UserID: userID, TokenID: "t-" + userID}
}

func text(s string) SendInput {
	return SendInput{Type: model.MessageTypeText, Content: s}
}
