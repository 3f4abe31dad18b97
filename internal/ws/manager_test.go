package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/model"
)

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, credential string) (model.Identity, error) {
	u, ok := v[credential]
	if !ok {
		return model.Identity{}, fmt.Errorf("bad token: %w", model.ErrUnauthorized)
	}
	return model.Identity{UserID: u, TokenID: credential}, nil
}

type membership map[string][]string

func (m membership) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	for _, u := range m[chatID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

type presenceLog struct {
	mu      sync.Mutex
	updates []string
}

func (p *presenceLog) SetOnline(_ context.Context, userID string, online bool, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, fmt.Sprintf("%s=%v", userID, online))
	return nil
}

func (p *presenceLog) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.updates...)
}

func newTestManager(opts Options) (*Manager, *presenceLog) {
	p := &presenceLog{}
	m := NewManager(opts,
		tokenVerifier{"ta": "alice", "tb": "bob", "tc": "carol"},
		membership{"c1": {"alice", "bob"}, "c2": {"alice", "carol"}},
		p,
	)
	return m, p
}

func subscribed(t *testing.T, m *Manager, token, chatID string) *Conn {
	t.Helper()
	c, err := m.Handshake(context.Background(), token, chatID)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, c.State())
	require.NoError(t, m.Subscribe(c, chatID))
	require.Equal(t, StateSubscribed, c.State())
	return c
}

func drain(c *Conn) []model.EventType {
	var out []model.EventType
	for {
		select {
		case data := <-c.send:
			var ev struct {
				Type model.EventType `json:"type"`
			}
			_ = json.Unmarshal(data, &ev)
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestHandshakeRejections(t *testing.T) {
	m, _ := newTestManager(Options{})
	ctx := context.Background()

	_, err := m.Handshake(ctx, "", "c1")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = m.Handshake(ctx, "forged", "c1")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = m.Handshake(ctx, "tc", "c1")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = m.Handshake(ctx, "ta", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Zero(t, m.ConnCount())
}

func TestSubscribeRules(t *testing.T) {
	m, _ := newTestManager(Options{})
	c := subscribed(t, m, "ta", "c1")

	assert.NoError(t, m.Subscribe(c, "c1"))
	assert.ErrorIs(t, m.Subscribe(c, "c2"), model.ErrInvalidArgument)

	other, err := m.Handshake(context.Background(), "ta", "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Subscribe(other, "c2"), model.ErrForbidden)

	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, m.Subscribe(c, "c1"), model.ErrUnavailable)
}

func TestBroadcastAndSendToUser(t *testing.T) {
	m, _ := newTestManager(Options{})
	a := subscribed(t, m, "ta", "c1")
	b := subscribed(t, m, "tb", "c1")
	a2 := subscribed(t, m, "ta", "c2")

	n := m.Broadcast("c1", model.Event{Type: model.EventNewMessage})
	assert.Equal(t, 2, n)
	assert.Equal(t, []model.EventType{model.EventNewMessage}, drain(a))
	assert.Equal(t, []model.EventType{model.EventNewMessage}, drain(b))
	assert.Empty(t, drain(a2))

	n = m.SendToUser("c1", "bob", model.Event{Type: model.EventUnreadChanged})
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(a))
	assert.Equal(t, []model.EventType{model.EventUnreadChanged}, drain(b))

	assert.Zero(t, m.Broadcast("nobody-here", model.Event{Type: model.EventNewMessage}))
}

func TestDisconnectRemovesFromTargets(t *testing.T) {
	m, _ := newTestManager(Options{})
	a := subscribed(t, m, "ta", "c1")
	b := subscribed(t, m, "tb", "c1")

	m.Disconnect(b)
	m.Disconnect(b)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, m.Broadcast("c1", model.Event{Type: model.EventNewMessage}))
	assert.Len(t, drain(a), 1)
	assert.Equal(t, 1, m.ConnCount())

	m.Disconnect(a)
	assert.Zero(t, m.Broadcast("c1", model.Event{Type: model.EventNewMessage}))
	assert.Nil(t, m.lookupRoom("c1"))
	assert.Zero(t, m.ConnCount())
}

func TestSlowClientClosed(t *testing.T) {
	m, _ := newTestManager(Options{SendBufferSize: 2})
	slow := subscribed(t, m, "ta", "c1")
	fast := subscribed(t, m, "tb", "c1")

	for i := 0; i < 5; i++ {
		m.Broadcast("c1", model.Event{Type: model.EventNewMessage})
		drain(fast)
	}
	assert.Equal(t, StateClosed, slow.State())
	assert.Equal(t, StateSubscribed, fast.State())
	assert.Equal(t, 1, m.Broadcast("c1", model.Event{Type: model.EventNewMessage}))
}

func TestConnectionLimit(t *testing.T) {
	m, _ := newTestManager(Options{MaxConnections: 2})
	a := subscribed(t, m, "ta", "c1")
	subscribed(t, m, "tb", "c1")

	_, err := m.Handshake(context.Background(), "ta", "c2")
	assert.ErrorIs(t, err, model.ErrUnavailable)

	a.Close()
	subscribed(t, m, "ta", "c2")
}

func TestPresenceAndShutdown(t *testing.T) {
	m, p := newTestManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	a1 := subscribed(t, m, "ta", "c1")
	a2 := subscribed(t, m, "ta", "c2")
	b := subscribed(t, m, "tb", "c1")
	assert.True(t, m.IsOnline("alice"))
	assert.False(t, m.IsOnline("carol"))

	a1.Close()
	assert.True(t, m.IsOnline("alice"))
	a2.Close()
	assert.False(t, m.IsOnline("alice"))

	require.Eventually(t, func() bool { return len(p.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice=true", "bob=true", "alice=false"}, p.snapshot())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"alice=true", "bob=true", "alice=false", "bob=false"}, p.snapshot())

	_, err := m.Handshake(context.Background(), "tb", "c1")
	assert.ErrorIs(t, err, model.ErrUnavailable)
}

func TestConcurrentBroadcastAndDisconnect(t *testing.T) {
	m, _ := newTestManager(Options{SendBufferSize: 1024})
	var conns []*Conn
	for i := 0; i < 20; i++ {
		conns = append(conns, subscribed(t, m, "tb", "c1"))
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.Broadcast("c1", model.Event{Type: model.EventNewMessage})
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range conns {
			m.Disconnect(c)
		}
	}()
	wg.Wait()
	assert.Zero(t, m.Broadcast("c1", model.Event{Type: model.EventNewMessage}))
	assert.False(t, m.IsOnline("bob"))
}
