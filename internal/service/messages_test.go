package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/model"
)

func groupOf(t *testing.T, f *fixture, creator string, others ...string) *model.Chat {
	t.Helper()
	c, err := f.registry.CreateGroup(context.Background(), creator, GroupInput{Name: "g", ParticipantIDs: others})
	require.NoError(t, err)
	return c
}

func TestAppendRules(t *testing.T) {
	f := newFixture(t, "alice", "bob", "eve")
	ctx := context.Background()
	chat := groupOf(t, f, "alice", "bob")
	other := groupOf(t, f, "eve", "bob")

	m, err := f.messages.Append(ctx, chat.ID, "alice", text("hello"))
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, m.Status)
	assert.EqualValues(t, 1, m.Seq)

	_, err = f.messages.Append(ctx, chat.ID, "eve", text("let me in"))
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.messages.Append(ctx, "missing", "alice", text("x"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.messages.Append(ctx, chat.ID, "alice", text("   "))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	reply, err := f.messages.Append(ctx, chat.ID, "bob", SendInput{Content: "re", ReplyTo: m.ID})
	require.NoError(t, err)
	assert.Equal(t, m.ID, reply.ReplyTo)
	assert.EqualValues(t, 2, reply.Seq)

	foreign, err := f.messages.Append(ctx, other.ID, "eve", text("elsewhere"))
	require.NoError(t, err)
	_, err = f.messages.Append(ctx, chat.ID, "bob", SendInput{Content: "re", ReplyTo: foreign.ID})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.messages.Append(ctx, chat.ID, "bob", SendInput{Content: "re", ReplyTo: "missing"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestListAndIterate(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	chat := groupOf(t, f, "alice", "bob")
	for i := 0; i < 12; i++ {
		_, err := f.messages.Append(ctx, chat.ID, "alice", text(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	page, err := f.messages.List(ctx, chat.ID, "bob", model.PageQuery{Limit: 5})
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	assert.Equal(t, "0", page.Messages[0].Text())
	require.NotEmpty(t, page.NextCursor)

	after, err := model.ParseCursor(page.NextCursor)
	require.NoError(t, err)
	page, err = f.messages.List(ctx, chat.ID, "bob", model.PageQuery{After: &after, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "5", page.Messages[0].Text())

	latest, err := f.messages.List(ctx, chat.ID, "bob", model.PageQuery{Latest: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, latest.Messages, 5)
	assert.Equal(t, "7", latest.Messages[0].Text())
	assert.Equal(t, "11", latest.Messages[4].Text())
	before, err := model.ParseCursor(latest.NextCursor)
	require.NoError(t, err)
	prev, err := f.messages.List(ctx, chat.ID, "bob", model.PageQuery{Before: &before, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "2", prev.Messages[0].Text())
	assert.Equal(t, "6", prev.Messages[4].Text())

	tail, err := f.messages.List(ctx, chat.ID, "bob", model.PageQuery{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, tail.Messages, 12)
	assert.Empty(t, tail.NextCursor)

	_, err = f.messages.List(ctx, chat.ID, "eve", model.PageQuery{})
	assert.ErrorIs(t, err, model.ErrForbidden)

	var got []string
	for m, err := range f.messages.Iterate(ctx, chat.ID, "bob", nil, 5) {
		require.NoError(t, err)
		got = append(got, m.Text())
	}
	require.Len(t, got, 12)
	for i, s := range got {
		assert.Equal(t, fmt.Sprint(i), s)
	}

	// Досрочный выход из range не должен паниковать.
	n := 0
	for range f.messages.Iterate(ctx, chat.ID, "bob", nil, 5) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)

	for _, err := range f.messages.Iterate(ctx, chat.ID, "eve", nil, 5) {
		assert.ErrorIs(t, err, model.ErrForbidden)
	}
}

func TestMarkReadRules(t *testing.T) {
	f := newFixture(t, "alice", "bob", "eve")
	ctx := context.Background()
	chat := groupOf(t, f, "alice", "bob")
	m, err := f.messages.Append(ctx, chat.ID, "alice", text("hello"))
	require.NoError(t, err)

	_, _, err = f.messages.MarkRead(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, _, err = f.messages.MarkRead(ctx, m.ID, "eve")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, _, err = f.messages.MarkRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, changed, err := f.messages.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.MessageStatusDelivered, got.Status)

	got, changed, err = f.messages.MarkRead(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.MessageStatusRead, got.Status)

	// Повторная пометка: no-op, статус назад не двигается.
	got, changed, err = f.messages.MarkRead(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.MessageStatusRead, got.Status)
	got, changed, err = f.messages.MarkDelivered(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.MessageStatusRead, got.Status)
}

func TestStatusNeverMovesBackward(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	chat := groupOf(t, f, "alice", "bob", "carol")
	users := []string{"alice", "bob", "carol"}

	var msgs []*model.Message
	for i := 0; i < 10; i++ {
		m, err := f.messages.Append(ctx, chat.ID, users[i%3], text(fmt.Sprint(i)))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	rank := make(map[string]int)
	rng := rand.New(rand.NewPCG(7, 42))
	for step := 0; step < 500; step++ {
		m := msgs[rng.IntN(len(msgs))]
		by := users[rng.IntN(len(users))]
		if by == m.SenderID {
			continue
		}
		var err error
		if rng.IntN(2) == 0 {
			_, _, err = f.messages.MarkRead(ctx, m.ID, by)
		} else {
			_, _, err = f.messages.MarkDelivered(ctx, m.ID, by)
		}
		require.NoError(t, err)

		cur, err := f.store.MessageByID(ctx, m.ID)
		require.NoError(t, err)
		r := cur.Status.Rank()
		require.GreaterOrEqual(t, r, rank[m.ID], "step %d: status of %s moved backward", step, m.ID)
		rank[m.ID] = r
	}
}

func TestMarkChatRead(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	chat := groupOf(t, f, "alice", "bob")
	for i := 0; i < 3; i++ {
		_, err := f.messages.Append(ctx, chat.ID, "alice", text("a"))
		require.NoError(t, err)
	}
	_, err := f.messages.Append(ctx, chat.ID, "bob", text("b"))
	require.NoError(t, err)

	ids, _, err := f.messages.MarkChatRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	n, err := f.messages.UnreadCount(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, _ = f.messages.UnreadCount(ctx, chat.ID, "alice")
	assert.Equal(t, 1, n)

	ids, _, err = f.messages.MarkChatRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
