package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

const maxGroupNameLen = 100

type GroupInput struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ParticipantIDs []string `json:"participant_ids"`
}

// Registry: создание чатов, участие, настройки групп и список чатов пользователя.
type Registry struct {
	store repository.Store
	bus   Broadcaster
	now   func() time.Time
}

func NewRegistry(store repository.Store, bus Broadcaster) *Registry {
	if bus == nil {
		bus = nopBroadcaster{}
	}
	return &Registry{store: store, bus: bus, now: time.Now}
}

// CreateDirect находит или создаёт личный чат двух пользователей. created=false: чат уже был.
func (r *Registry) CreateDirect(ctx context.Context, userA, userB string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("registry.CreateDirect", time.Now())()
	if userB == "" || userA == userB {
		return nil, false, fmt.Errorf("direct chat needs two distinct users: %w", model.ErrInvalidArgument)
	}
	if _, err := r.store.UserByID(ctx, userB); err != nil {
		return nil, false, storeErr("registry.CreateDirect peer", err)
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	c := &model.Chat{
		ID:           uuid.New().String(),
		Type:         model.ChatTypeDirect,
		CreatedBy:    userA,
		Participants: []string{userA, userB},
		DirectKey:    model.DirectKey(userA, userB),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	chat, created, err := r.store.FindOrCreateDirect(ctx, c)
	if err != nil {
		return nil, false, storeErr("registry.CreateDirect", err)
	}
	if created {
		logger.Infof("direct chat created: id=%s users=%s,%s", chat.ID, userA, userB)
	}
	return chat, created, nil
}

func (r *Registry) CreateGroup(ctx context.Context, creator string, in GroupInput) (*model.Chat, error) {
	defer logger.DeferLogDuration("registry.CreateGroup", time.Now())()
	name := strings.TrimSpace(in.Name)
	if name == "" || len([]rune(name)) > maxGroupNameLen {
		return nil, fmt.Errorf("group name must be 1-%d characters: %w", maxGroupNameLen, model.ErrInvalidArgument)
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, fmt.Errorf("participant_ids required: %w", model.ErrInvalidArgument)
	}

	// Создатель: всегда участник и администратор; дубликаты убираем с сохранением порядка.
	members := []string{creator}
	for _, id := range in.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("group needs at least one participant besides the creator: %w", model.ErrInvalidArgument)
	}
	found, err := r.store.UsersByIDs(ctx, members)
	if err != nil {
		return nil, storeErr("registry.CreateGroup users", err)
	}
	if len(found) != len(members) {
		return nil, fmt.Errorf("unknown participant: %w", model.ErrNotFound)
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	c := &model.Chat{
		ID:           uuid.New().String(),
		Type:         model.ChatTypeGroup,
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		CreatedBy:    creator,
		Participants: members,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateChat(ctx, c); err != nil {
		return nil, storeErr("registry.CreateGroup", err)
	}
	logger.Infof("group chat created: id=%s creator=%s members=%d", c.ID, creator, len(members))
	return c, nil
}

func (r *Registry) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	ok, err := r.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return false, storeErr("registry.IsParticipant", err)
	}
	return ok, nil
}

// UpdateSettings меняет имя/описание/аватар группы. Разрешено только создателю.
func (r *Registry) UpdateSettings(ctx context.Context, chatID, byUser string, patch model.ChatSettingsPatch) (*model.Chat, error) {
	defer logger.DeferLogDuration("registry.UpdateSettings", time.Now())()
	c, err := r.store.ChatByID(ctx, chatID)
	if err != nil {
		return nil, storeErr("registry.UpdateSettings", err)
	}
	if c.Type != model.ChatTypeGroup {
		return nil, fmt.Errorf("direct chats have no settings: %w", model.ErrInvalidArgument)
	}
	if !c.IsAdmin(byUser) {
		return nil, fmt.Errorf("only the group creator can change settings: %w", model.ErrForbidden)
	}
	if patch.Empty() {
		return nil, fmt.Errorf("nothing to update: %w", model.ErrInvalidArgument)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len([]rune(name)) > maxGroupNameLen {
			return nil, fmt.Errorf("group name must be 1-%d characters: %w", maxGroupNameLen, model.ErrInvalidArgument)
		}
		patch.Name = &name
	}
	updated, err := r.store.UpdateChatSettings(ctx, chatID, patch, r.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, storeErr("registry.UpdateSettings", err)
	}
	r.bus.Broadcast(chatID, model.Event{Type: model.EventChatUpdated, Payload: updated})
	return updated, nil
}

// ListForUser: чаты пользователя по убыванию активности, с последним сообщением,
// счётчиком непрочитанных и публичными профилями участников.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("registry.ListForUser", time.Now())()
	chats, err := r.store.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("registry.ListForUser", err)
	}
	var ids []string
	for _, c := range chats {
		for _, p := range c.Participants {
			if !slices.Contains(ids, p) {
				ids = append(ids, p)
			}
		}
	}
	profiles, err := r.profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatSummary, 0, len(chats))
	for i := range chats {
		s, err := r.summarize(ctx, &chats[i], userID, profiles)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Get: один чат в том же виде, что и в списке; только для участников.
func (r *Registry) Get(ctx context.Context, chatID, byUser string) (*model.ChatSummary, error) {
	c, err := authorize(ctx, r.store, chatID, byUser)
	if err != nil {
		return nil, err
	}
	profiles, err := r.profiles(ctx, c.Participants)
	if err != nil {
		return nil, err
	}
	return r.summarize(ctx, c, byUser, profiles)
}

func (r *Registry) profiles(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	out := make(map[string]model.UserPublic, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := r.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, storeErr("registry.profiles", err)
	}
	for i := range users {
		out[users[i].ID] = users[i].ToPublic()
	}
	return out, nil
}

func (r *Registry) summarize(ctx context.Context, c *model.Chat, userID string, profiles map[string]model.UserPublic) (*model.ChatSummary, error) {
	last, err := r.store.LastMessage(ctx, c.ID)
	if err != nil {
		return nil, storeErr("registry.summarize last", err)
	}
	unread, err := r.store.CountUnread(ctx, c.ID, userID)
	if err != nil {
		return nil, storeErr("registry.summarize unread", err)
	}
	s := &model.ChatSummary{Chat: *c, LastMessage: last, UnreadCount: unread, Participants: make([]model.UserPublic, 0, len(c.Participants))}
	for _, p := range c.Participants {
		if u, ok := profiles[p]; ok {
			s.Participants = append(s.Participants, u)
		}
	}
	return s, nil
}
