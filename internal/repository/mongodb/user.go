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

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("mongo.user.Create", time.Now())()
	if _, err := s.users.InsertOne(ctx, userDocOf(u)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return unavailable("mongo.CreateUser", err)
	}
	return nil
}

func (s *Store) findUser(ctx context.Context, op string, filter bson.D) (*model.User, error) {
	var d userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&d); err != nil {
		return nil, notFoundOr(op, err)
	}
	u := d.model()
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("mongo.user.GetByID", time.Now())()
	return s.findUser(ctx, "mongo.UserByID", bson.D{{Key: "_id", Value: id}})
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("mongo.user.GetByEmail", time.Now())()
	return s.findUser(ctx, "mongo.UserByEmail", bson.D{{Key: "email", Value: email}})
}

func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("mongo.user.GetByIDs", time.Now())()
	cur, err := s.users.Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetSort(bson.D{{Key: "nickname", Value: 1}}))
	if err != nil {
		return nil, unavailable("mongo.UsersByIDs", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("mongo.UsersByIDs decode", err)
	}
	out := make([]model.User, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.model())
	}
	return out, nil
}

func (s *Store) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	defer logger.DeferLogDuration("mongo.user.SetOnline", time.Now())()
	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_online", Value: online}, {Key: "last_seen_at", Value: at}}}})
	if err != nil {
		return unavailable("mongo.SetOnline", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
