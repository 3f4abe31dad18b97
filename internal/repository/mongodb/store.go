// Package mongodb: документная реализация repository.Store (mongo-driver v2).
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	chats    *mongo.Collection
	messages *mongo.Collection
}

var _ repository.Store = (*Store)(nil)

// New открывает коллекции и создаёт индексы. Client принадлежит Store и закрывается в Close.
func New(ctx context.Context, client *mongo.Client, database string) (*Store, error) {
	db := client.Database(database)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "nickname", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("mongodb.ensureIndexes users: %w", err)
	}
	if _, err := s.chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "direct_key", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("mongodb.ensureIndexes chats: %w", err)
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("mongodb.ensureIndexes messages: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// inTx выполняет fn в транзакции (нужен replica set). При конфликте записи драйвер повторяет fn целиком.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrUnavailable, err)
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return repository.ErrNotFound
	}
	return unavailable(op, err)
}

type userDoc struct {
	ID           string    `bson:"_id"`
	Nickname     string    `bson:"nickname"`
	DisplayName  string    `bson:"display_name"`
	Email        string    `bson:"email"`
	Phone        string    `bson:"phone,omitempty"`
	PasswordHash string    `bson:"password_hash"`
	Online       bool      `bson:"is_online"`
	LastSeenAt   time.Time `bson:"last_seen_at"`
	CreatedAt    time.Time `bson:"created_at"`
}

func userDocOf(u *model.User) userDoc {
	return userDoc{
		ID: u.ID, Nickname: u.Nickname, DisplayName: u.DisplayName, Email: u.Email, Phone: u.Phone,
		PasswordHash: u.PasswordHash, Online: u.Online, LastSeenAt: u.LastSeenAt, CreatedAt: u.CreatedAt,
	}
}

func (d userDoc) model() model.User {
	return model.User{
		ID: d.ID, Nickname: d.Nickname, DisplayName: d.DisplayName, Email: d.Email, Phone: d.Phone,
		PasswordHash: d.PasswordHash, Online: d.Online, LastSeenAt: d.LastSeenAt, CreatedAt: d.CreatedAt,
	}
}

type chatDoc struct {
	ID           string         `bson:"_id"`
	Type         model.ChatType `bson:"chat_type"`
	Name         string         `bson:"name"`
	Description  string         `bson:"description"`
	AvatarURL    string         `bson:"avatar_url"`
	CreatedBy    string         `bson:"created_by"`
	Participants []string       `bson:"participants"`
	DirectKey    string         `bson:"direct_key,omitempty"`
	LastSeq      int64          `bson:"last_seq"`
	LastMsgAt    time.Time      `bson:"last_message_at,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func chatDocOf(c *model.Chat) chatDoc {
	return chatDoc{
		ID: c.ID, Type: c.Type, Name: c.Name, Description: c.Description, AvatarURL: c.AvatarURL,
		CreatedBy: c.CreatedBy, Participants: c.Participants, DirectKey: c.DirectKey, LastSeq: c.LastSeq,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (d chatDoc) model() model.Chat {
	return model.Chat{
		ID: d.ID, Type: d.Type, Name: d.Name, Description: d.Description, AvatarURL: d.AvatarURL,
		CreatedBy: d.CreatedBy, Participants: d.Participants, DirectKey: d.DirectKey, LastSeq: d.LastSeq,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

type messageDoc struct {
	ID        string              `bson:"_id"`
	ChatID    string              `bson:"chat_id"`
	SenderID  string              `bson:"sender_id"`
	Seq       int64               `bson:"seq"`
	Type      model.MessageType   `bson:"message_type"`
	Content   string              `bson:"content,omitempty"`
	FileName  string              `bson:"file_name,omitempty"`
	FileSize  int64               `bson:"file_size,omitempty"`
	MimeType  string              `bson:"mime_type,omitempty"`
	Data      []byte              `bson:"file_data,omitempty"`
	ReplyTo   string              `bson:"reply_to,omitempty"`
	Status    model.MessageStatus `bson:"status"`
	CreatedAt time.Time           `bson:"created_at"`
}

func messageDocOf(m *model.Message) messageDoc {
	rec := model.RecordOf(m.Body)
	return messageDoc{
		ID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID, Seq: m.Seq,
		Type: rec.Type, Content: rec.Text, FileName: rec.FileName, FileSize: rec.FileSize, MimeType: rec.MimeType, Data: rec.Data,
		ReplyTo: m.ReplyTo, Status: m.Status, CreatedAt: m.CreatedAt,
	}
}

func (d messageDoc) model() (model.Message, error) {
	rec := model.BodyRecord{Type: d.Type, Text: d.Content, FileName: d.FileName, FileSize: d.FileSize, MimeType: d.MimeType, Data: d.Data}
	body, err := rec.Body()
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		ID: d.ID, ChatID: d.ChatID, SenderID: d.SenderID, Seq: d.Seq, Body: body,
		ReplyTo: d.ReplyTo, Status: d.Status, CreatedAt: d.CreatedAt,
	}, nil
}
