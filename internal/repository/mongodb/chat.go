package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("mongo.chat.Create", time.Now())()
	if _, err := s.chats.InsertOne(ctx, chatDocOf(c)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return unavailable("mongo.CreateChat", err)
	}
	return nil
}

// FindOrCreateDirect полагается на уникальный индекс direct_key: проигравший гонку читает победителя.
func (s *Store) FindOrCreateDirect(ctx context.Context, c *model.Chat) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("mongo.chat.FindOrCreateDirect", time.Now())()
	_, err := s.chats.InsertOne(ctx, chatDocOf(c))
	if err == nil {
		out := *c
		return &out, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, unavailable("mongo.FindOrCreateDirect insert", err)
	}
	var d chatDoc
	if err := s.chats.FindOne(ctx, bson.D{{Key: "direct_key", Value: c.DirectKey}}).Decode(&d); err != nil {
		return nil, false, unavailable("mongo.FindOrCreateDirect find", err)
	}
	out := d.model()
	return &out, false, nil
}

func (s *Store) ChatByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("mongo.chat.GetByID", time.Now())()
	var d chatDoc
	if err := s.chats.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		return nil, notFoundOr("mongo.ChatByID", err)
	}
	c := d.model()
	return &c, nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("mongo.chat.IsParticipant", time.Now())()
	n, err := s.chats.CountDocuments(ctx, bson.D{{Key: "_id", Value: chatID}, {Key: "participants", Value: userID}})
	if err != nil {
		return false, unavailable("mongo.IsParticipant", err)
	}
	return n > 0, nil
}

func (s *Store) ChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("mongo.chat.GetUserChats", time.Now())()
	cur, err := s.chats.Find(ctx,
		bson.D{{Key: "participants", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, unavailable("mongo.ChatsForUser", err)
	}
	var docs []chatDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("mongo.ChatsForUser decode", err)
	}
	out := make([]model.Chat, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.model())
	}
	return out, nil
}

func (s *Store) UpdateChatSettings(ctx context.Context, chatID string, patch model.ChatSettingsPatch, at time.Time) (*model.Chat, error) {
	defer logger.DeferLogDuration("mongo.chat.UpdateSettings", time.Now())()
	set := bson.D{{Key: "updated_at", Value: at}}
	if patch.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *patch.Name})
	}
	if patch.Description != nil {
		set = append(set, bson.E{Key: "description", Value: *patch.Description})
	}
	if patch.AvatarURL != nil {
		set = append(set, bson.E{Key: "avatar_url", Value: *patch.AvatarURL})
	}
	var d chatDoc
	err := s.chats.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: chatID}},
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return nil, notFoundOr("mongo.UpdateChatSettings", err)
	}
	c := d.model()
	return &c, nil
}
