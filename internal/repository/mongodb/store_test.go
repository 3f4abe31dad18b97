package mongodb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatrelay/internal/model"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// newTestStore подключается к MONGO_TEST_URI (нужен replica set: запись сообщений идёт в транзакциях).
// Каждый тест получает свою базу, она удаляется в Cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" || testing.Short() {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))
	name := "chatrelay_test_" + uuid.NewString()[:8]
	s, err := New(ctx, client, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Database(name).Drop(context.Background())
		_ = s.Close()
	})

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.CreateUser(ctx, &model.User{
			ID: u, Nickname: u, DisplayName: u, Email: u + "@example.com", LastSeenAt: t0, CreatedAt: t0,
		}))
	}
	require.NoError(t, s.CreateChat(ctx, &model.Chat{
		ID: "c1", Type: model.ChatTypeGroup, Name: "team", CreatedBy: "alice",
		Participants: []string{"alice", "bob"}, CreatedAt: t0, UpdatedAt: t0,
	}))
	return s
}

func newMessage(id string, at time.Time) *model.Message {
	return &model.Message{
		ID: id, ChatID: "c1", SenderID: "alice",
		Body: model.TextBody{Text: id}, Status: model.MessageStatusSent, CreatedAt: at,
	}
}

func TestAppendSeqAndClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	late := newMessage("late", t0.Add(2*time.Millisecond))
	require.NoError(t, s.AppendMessage(ctx, late))
	early := newMessage("early", t0.Add(time.Millisecond))
	require.NoError(t, s.AppendMessage(ctx, early))

	assert.Equal(t, int64(1), late.Seq)
	assert.Equal(t, int64(2), early.Seq)
	assert.True(t, early.CreatedAt.Equal(late.CreatedAt))

	cur := model.CursorOf(late)
	after, err := s.ListMessages(ctx, "c1", model.PageQuery{After: &cur})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "early", after[0].ID)
}

func TestConcurrentMarkChatReadReportsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendMessage(ctx, newMessage(fmt.Sprintf("m%d", i), t0)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			marked, err := s.MarkChatRead(ctx, "c1", "bob")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, id := range marked {
				seen[id]++
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	n, err := s.CountUnread(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}
