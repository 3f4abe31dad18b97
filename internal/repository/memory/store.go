package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

// Store: хранилище в памяти процесса. Используется в тестах и в режиме -dev без БД.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	emails   map[string]string
	nicks    map[string]string
	chats    map[string]*model.Chat
	direct   map[string]string
	messages map[string]*model.Message
	byChat   map[string][]*model.Message
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]*model.User),
		emails:   make(map[string]string),
		nicks:    make(map[string]string),
		chats:    make(map[string]*model.Chat),
		direct:   make(map[string]string),
		messages: make(map[string]*model.Message),
		byChat:   make(map[string][]*model.Message),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.emails[u.Email]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := s.nicks[u.Nickname]; ok {
		return repository.ErrDuplicate
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[u.Email] = u.ID
	s.nicks[u.Nickname] = u.ID
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	id, ok := s.emails[email]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.UserByID(ctx, id)
}

func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Store) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Online = online
	u.LastSeenAt = at
	return nil
}

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = cloneChat(c)
	return nil
}

func (s *Store) FindOrCreateDirect(ctx context.Context, c *model.Chat) (*model.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.direct[c.DirectKey]; ok {
		return cloneChat(s.chats[id]), false, nil
	}
	s.chats[c.ID] = cloneChat(c)
	s.direct[c.DirectKey] = c.ID
	return cloneChat(c), true, nil
}

func (s *Store) ChatByID(ctx context.Context, id string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneChat(c), nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return false, nil
	}
	return c.HasParticipant(userID), nil
}

func (s *Store) ChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Chat, 0, 16)
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateChatSettings(ctx context.Context, chatID string, patch model.ChatSettingsPatch, at time.Time) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	patch.Apply(c)
	c.UpdatedAt = at
	return cloneChat(c), nil
}

func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[m.ChatID]
	if !ok {
		return repository.ErrNotFound
	}
	list := s.byChat[m.ChatID]
	// Часы могут идти назад: created_at не меньше, чем у последнего сообщения чата.
	if n := len(list); n > 0 && m.CreatedAt.Before(list[n-1].CreatedAt) {
		m.CreatedAt = list[n-1].CreatedAt
	}
	c.LastSeq++
	m.Seq = c.LastSeq
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.byChat[m.ChatID] = append(list, &cp)
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, q model.PageQuery) ([]model.Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byChat[chatID]

	var window []*model.Message
	switch {
	case q.After != nil:
		i := sort.Search(len(list), func(i int) bool { return q.After.Less(model.CursorOf(list[i])) })
		window = list[i:min(i+q.Limit, len(list))]
	case q.Before != nil || q.Latest:
		end := len(list)
		if q.Before != nil {
			end = sort.Search(len(list), func(i int) bool { return !model.CursorOf(list[i]).Less(*q.Before) })
		}
		window = list[max(0, end-q.Limit):end]
	default:
		window = list[:min(q.Limit, len(list))]
	}

	out := make([]model.Message, 0, len(window))
	for _, m := range window {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) LastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byChat[chatID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, id string, to model.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	next, changed := m.Status.Advance(to)
	if changed {
		m.Status = next
	}
	return changed, nil
}

func (s *Store) MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, m := range s.byChat[chatID] {
		if m.SenderID == readerID || m.Status == model.MessageStatusRead {
			continue
		}
		m.Status = model.MessageStatusRead
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Store) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byChat[chatID] {
		if m.SenderID != userID && m.Status != model.MessageStatusRead {
			n++
		}
	}
	return n, nil
}

func cloneChat(c *model.Chat) *model.Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}
