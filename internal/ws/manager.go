// Package ws: управление WebSocket-соединениями: рукопожатие, комнаты (комната = чат), рассылка и присутствие.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
)

const (
	defaultIdleTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 256
	defaultMaxConns     = 10000
	defaultMaxMessage   = 1 << 20
	presenceBuffer      = 1024
	presenceTimeout     = 5 * time.Second
)

// Verifier проверяет credential из рукопожатия (auth.Verifier).
type Verifier interface {
	Verify(ctx context.Context, credential string) (model.Identity, error)
}

type Participation interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// IntentHandler обрабатывает кадры клиента; возвращённые события уходят только в это соединение.
type IntentHandler interface {
	HandleIntent(ctx context.Context, id model.Identity, chatID string, in model.Intent) []model.Event
}

type Options struct {
	MaxConnections   int
	SendBufferSize   int
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxMessageSize   int64
	IntentsPerSecond int
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConns
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessage
	}
	return o
}

// room: соединения одного чата под собственным мьютексом.
type room struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
	// dead: комната удалена из индекса; подписчик должен взять новую.
	dead bool
}

type presenceUpdate struct {
	userID string
	online bool
	at     time.Time
}

// Manager: реестр соединений. roomsMu защищает только индекс комнат; рассылка идёт под мьютексом комнаты.
type Manager struct {
	opts     Options
	verifier Verifier
	chats    Participation
	presence PresenceStore
	handler  IntentHandler

	roomsMu sync.RWMutex
	rooms   map[string]*room

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	perUser map[string]int

	presenceCh chan presenceUpdate
	closed     atomic.Bool
	now        func() time.Time
}

func NewManager(opts Options, verifier Verifier, chats Participation, presence PresenceStore) *Manager {
	return &Manager{
		opts:       opts.withDefaults(),
		verifier:   verifier,
		chats:      chats,
		presence:   presence,
		rooms:      make(map[string]*room),
		conns:      make(map[*Conn]struct{}),
		perUser:    make(map[string]int),
		presenceCh: make(chan presenceUpdate, presenceBuffer),
		now:        time.Now,
	}
}

// SetHandler подключает обработчик кадров. Вызывается до приёма соединений
// (обработчику самому нужен Manager для рассылки).
func (m *Manager) SetHandler(h IntentHandler) {
	m.handler = h
}

// Handshake проверяет credential и участие в чате до апгрейда HTTP-соединения.
// Ошибка означает отказ: ErrUnauthorized → 401, ErrForbidden → 403, ErrUnavailable → 503.
func (m *Manager) Handshake(ctx context.Context, credential, chatID string) (*Conn, error) {
	defer logger.DeferLogDuration("ws.Handshake", time.Now())()
	c := newConn(m, chatID)
	if m.closed.Load() {
		c.setState(StateClosed)
		return nil, fmt.Errorf("ws.Handshake: shutting down: %w", model.ErrUnavailable)
	}
	id, err := m.verifier.Verify(ctx, credential)
	if err != nil {
		c.setState(StateClosed)
		return nil, err
	}
	if chatID == "" {
		c.setState(StateClosed)
		return nil, fmt.Errorf("chat_id required: %w", model.ErrInvalidArgument)
	}
	ok, err := m.chats.IsParticipant(ctx, chatID, id.UserID)
	if err != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("ws.Handshake participation: %w", err)
	}
	if !ok {
		c.setState(StateClosed)
		return nil, fmt.Errorf("user %s is not a participant of chat %s: %w", id.UserID, chatID, model.ErrForbidden)
	}
	c.id = id
	if err := m.track(c); err != nil {
		c.setState(StateClosed)
		return nil, err
	}
	c.setState(StateAuthenticated)
	return c, nil
}

// track резервирует слот соединения; первое соединение пользователя делает его online.
func (m *Manager) track(c *Conn) error {
	m.connsMu.Lock()
	if len(m.conns) >= m.opts.MaxConnections {
		m.connsMu.Unlock()
		logger.Warnf("ws connection limit reached (%d), rejecting user=%s", m.opts.MaxConnections, c.id.UserID)
		return fmt.Errorf("connection limit reached: %w", model.ErrUnavailable)
	}
	m.conns[c] = struct{}{}
	m.perUser[c.id.UserID]++
	first := m.perUser[c.id.UserID] == 1
	m.connsMu.Unlock()
	if first {
		m.enqueuePresence(c.id.UserID, true)
	}
	return nil
}

func (m *Manager) untrack(c *Conn) {
	m.connsMu.Lock()
	if _, ok := m.conns[c]; !ok {
		m.connsMu.Unlock()
		return
	}
	delete(m.conns, c)
	m.perUser[c.id.UserID]--
	last := m.perUser[c.id.UserID] <= 0
	if last {
		delete(m.perUser, c.id.UserID)
	}
	m.connsMu.Unlock()
	if last {
		m.enqueuePresence(c.id.UserID, false)
	}
}

func (m *Manager) enqueuePresence(userID string, online bool) {
	select {
	case m.presenceCh <- presenceUpdate{userID: userID, online: online, at: m.now().UTC()}:
	default:
		logger.Warnf("ws presence queue full, dropping update user=%s online=%v", userID, online)
	}
}

// Subscribe привязывает соединение к комнате. Одна комната на соединение:
// повторная подписка на ту же комнату: no-op, на другую: ErrInvalidArgument.
func (m *Manager) Subscribe(c *Conn, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateClosed, StateConnecting:
		return fmt.Errorf("ws.Subscribe: connection not authenticated: %w", model.ErrUnavailable)
	case StateSubscribed:
		if c.room == roomID {
			return nil
		}
		return fmt.Errorf("connection already subscribed to %s: %w", c.room, model.ErrInvalidArgument)
	}
	if roomID != c.chatID {
		return fmt.Errorf("connection was authorized for chat %s: %w", c.chatID, model.ErrForbidden)
	}
	for {
		r := m.roomFor(roomID)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.conns[c] = struct{}{}
		r.mu.Unlock()
		break
	}
	c.room = roomID
	c.setState(StateSubscribed)
	return nil
}

func (m *Manager) roomFor(roomID string) *room {
	m.roomsMu.RLock()
	r, ok := m.rooms[roomID]
	m.roomsMu.RUnlock()
	if ok {
		return r
	}
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r = &room{conns: make(map[*Conn]struct{})}
	m.rooms[roomID] = r
	return r
}

func (m *Manager) lookupRoom(roomID string) *room {
	m.roomsMu.RLock()
	defer m.roomsMu.RUnlock()
	return m.rooms[roomID]
}

// leave синхронно убирает соединение из комнаты; пустая комната удаляется из индекса.
func (m *Manager) leave(c *Conn, roomID string) {
	r := m.lookupRoom(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, c)
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if !empty {
		return
	}
	m.roomsMu.Lock()
	r.mu.Lock()
	if len(r.conns) == 0 && m.rooms[roomID] == r {
		delete(m.rooms, roomID)
		r.dead = true
	}
	r.mu.Unlock()
	m.roomsMu.Unlock()
}

// Disconnect закрывает соединение. Идемпотентен; по возврату соединение уже не получает рассылок.
func (m *Manager) Disconnect(c *Conn) {
	c.Close()
}

// Broadcast рассылает событие всем соединениям комнаты и возвращает число принявших.
// Переполненный буфер закрывает только это соединение.
func (m *Manager) Broadcast(roomID string, ev model.Event) int {
	return m.fanOut(roomID, ev, func(*Conn) bool { return true })
}

// SendToUser: событие только соединениям userID в комнате (например, его счётчик непрочитанных).
func (m *Manager) SendToUser(roomID, userID string, ev model.Event) int {
	return m.fanOut(roomID, ev, func(c *Conn) bool { return c.id.UserID == userID })
}

func (m *Manager) fanOut(roomID string, ev model.Event, match func(*Conn) bool) int {
	r := m.lookupRoom(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("ws marshal event type=%s room=%s: %v", ev.Type, roomID, err)
		return 0
	}
	n := 0
	for _, c := range targets {
		if c.enqueue(data) {
			n++
		}
	}
	return n
}

func (m *Manager) IsOnline(userID string) bool {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return m.perUser[userID] > 0
}

// ConnCount: число живых соединений (для /health и тестов).
func (m *Manager) ConnCount() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}

// Run сохраняет присутствие в фоне, чтобы рассылки не ждали хранилище.
// При отмене ctx закрывает все соединения и дописывает оставшиеся обновления.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case u := <-m.presenceCh:
			m.persistPresence(u)
		}
	}
}

func (m *Manager) persistPresence(u presenceUpdate) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.presence.SetOnline(ctx, u.userID, u.online, u.at); err != nil {
		logger.Errorf("ws set online=%v user=%s: %v", u.online, u.userID, err)
	}
}

func (m *Manager) shutdown() {
	m.closed.Store(true)
	// Собираем под замком, закрываем без него (сетевой I/O).
	m.connsMu.Lock()
	all := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		all = append(all, c)
	}
	m.connsMu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	for {
		select {
		case u := <-m.presenceCh:
			m.persistPresence(u)
		default:
			logger.Infof("ws manager stopped, closed %d connections", len(all))
			return
		}
	}
}
