package mongodb

import (
	"context"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

// AppendMessage: $inc seq и вставка в одной транзакции, иначе seq N+1 мог бы стать видим раньше seq N.
// created_at поднимается до last_message_at чата тем же $max.
func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("mongo.message.Create", time.Now())()
	at := m.CreatedAt
	err := s.inTx(ctx, func(ctx context.Context) error {
		var c chatDoc
		err := s.chats.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: m.ChatID}},
			bson.D{
				{Key: "$inc", Value: bson.D{{Key: "last_seq", Value: 1}}},
				{Key: "$max", Value: bson.D{{Key: "updated_at", Value: at}, {Key: "last_message_at", Value: at}}},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&c)
		if err != nil {
			return err
		}
		m.Seq = c.LastSeq
		m.CreatedAt = c.LastMsgAt.UTC()
		_, err = s.messages.InsertOne(ctx, messageDocOf(m))
		return err
	})
	if err != nil {
		return notFoundOr("mongo.AppendMessage", err)
	}
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("mongo.message.GetByID", time.Now())()
	var d messageDoc
	if err := s.messages.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		return nil, notFoundOr("mongo.MessageByID", err)
	}
	m, err := d.model()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// cursorFilter: (created_at, seq) строго больше (op=$gt) или меньше (op=$lt) курсора.
func cursorFilter(chatID string, c model.Cursor, op string) bson.D {
	return bson.D{
		{Key: "chat_id", Value: chatID},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "created_at", Value: bson.D{{Key: op, Value: c.CreatedAt}}}},
			bson.D{{Key: "created_at", Value: c.CreatedAt}, {Key: "seq", Value: bson.D{{Key: op, Value: c.Seq}}}},
		}},
	}
}

func (s *Store) ListMessages(ctx context.Context, chatID string, q model.PageQuery) ([]model.Message, error) {
	defer logger.DeferLogDuration("mongo.message.List", time.Now())()
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	asc := bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}
	desc := bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}

	filter := bson.D{{Key: "chat_id", Value: chatID}}
	sort, reverse := asc, false
	switch {
	case q.After != nil:
		filter = cursorFilter(chatID, *q.After, "$gt")
	case q.Before != nil:
		filter = cursorFilter(chatID, *q.Before, "$lt")
		sort, reverse = desc, true
	case q.Latest:
		sort, reverse = desc, true
	}

	cur, err := s.messages.Find(ctx, filter, options.Find().SetSort(sort).SetLimit(int64(q.Limit)))
	if err != nil {
		return nil, unavailable("mongo.ListMessages", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("mongo.ListMessages decode", err)
	}
	out := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if reverse {
		slices.Reverse(out)
	}
	return out, nil
}

func (s *Store) LastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("mongo.message.Last", time.Now())()
	msgs, err := s.ListMessages(ctx, chatID, model.PageQuery{Latest: true, Limit: 1})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *Store) AdvanceStatus(ctx context.Context, id string, to model.MessageStatus) (bool, error) {
	defer logger.DeferLogDuration("mongo.message.AdvanceStatus", time.Now())()
	below := model.StatusesBelow(to)
	res, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: bson.D{{Key: "$in", Value: below}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: to}}}})
	if err != nil {
		return false, unavailable("mongo.AdvanceStatus", err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}
	n, err := s.messages.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, unavailable("mongo.AdvanceStatus exists", err)
	}
	if n == 0 {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func unreadFilter(chatID, userID string) bson.D {
	return bson.D{
		{Key: "chat_id", Value: chatID},
		{Key: "sender_id", Value: bson.D{{Key: "$ne", Value: userID}}},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: model.MessageStatusRead}}},
	}
}

// MarkChatRead: выборка и обновление в одной транзакции. Параллельный вызов, успевший изменить
// те же документы, даёт WriteConflict, и транзакция повторяется с новой выборкой.
func (s *Store) MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	defer logger.DeferLogDuration("mongo.message.MarkChatRead", time.Now())()
	var ids []string
	err := s.inTx(ctx, func(ctx context.Context) error {
		ids = nil
		cur, err := s.messages.Find(ctx, unreadFilter(chatID, readerID),
			options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		var docs []struct {
			ID string `bson:"_id"`
		}
		if err := cur.All(ctx, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		_, err = s.messages.UpdateMany(ctx,
			bson.D{
				{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
				{Key: "status", Value: bson.D{{Key: "$ne", Value: model.MessageStatusRead}}},
			},
			bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: model.MessageStatusRead}}}})
		return err
	})
	if err != nil {
		return nil, unavailable("mongo.MarkChatRead", err)
	}
	return ids, nil
}

func (s *Store) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("mongo.message.CountUnread", time.Now())()
	n, err := s.messages.CountDocuments(ctx, unreadFilter(chatID, userID))
	if err != nil {
		return 0, unavailable("mongo.CountUnread", err)
	}
	return int(n), nil
}
