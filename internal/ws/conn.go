package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/ratelimit"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
)

const (
	intentBuffer  = 16
	intentTimeout = 15 * time.Second
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn: одно WebSocket-соединение.
// Жизненный цикл: Manager.Handshake → Attach → Manager.Subscribe → Start → [readPump, writePump, dispatchPump] → Close → Wait.
type Conn struct {
	m      *Manager
	id     model.Identity
	chatID string

	mu    sync.Mutex
	room  string
	state atomic.Int32

	ws      *websocket.Conn
	send    chan []byte
	intents chan model.Intent
	limiter ratelimit.Limiter

	// done закрывается в Close и служит неблокирующим guard для enqueue.
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newConn(m *Manager, chatID string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	limiter := ratelimit.NewUnlimited()
	if m.opts.IntentsPerSecond > 0 {
		limiter = ratelimit.New(m.opts.IntentsPerSecond)
	}
	return &Conn{
		m:       m,
		chatID:  chatID,
		send:    make(chan []byte, m.opts.SendBufferSize),
		intents: make(chan model.Intent, intentBuffer),
		limiter: limiter,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Conn) Identity() model.Identity { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Attach связывает соединение с транспортом после успешного апгрейда.
// Если Conn уже закрыт (например, остановкой Manager между Handshake и апгрейдом), сокет закрывается сразу.
func (c *Conn) Attach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		ws.Close()
		return
	}
	c.ws = ws
}

// Start запускает насосы чтения, записи и обработки кадров.
func (c *Conn) Start() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || c.State() == StateClosed {
		return
	}
	c.wg.Add(3)
	go c.writePump()
	go c.readPump()
	go c.dispatchPump()
}

// Wait блокируется до выхода всех насосов.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// Close переводит соединение в Closed и синхронно убирает его из комнаты. Безопасен для повторного вызова.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.setState(StateClosed)
		room := c.room
		ws := c.ws
		c.mu.Unlock()

		if room != "" {
			c.m.leave(c, room)
		}
		c.m.untrack(c)
		c.cancel()
		close(c.done)
		// Разблокирует ReadMessage / WriteMessage в насосах.
		if ws != nil {
			ws.Close()
		}
	})
}

// enqueue не блокируется: переполненный буфер означает медленного клиента, его соединение закрывается.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		logger.Warnf("ws send buffer full, closing slow client user=%s room=%s", c.id.UserID, c.Room())
		c.Close()
		return false
	}
}

func (c *Conn) enqueueEvent(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("ws marshal event type=%s user=%s: %v", ev.Type, c.id.UserID, err)
		return
	}
	c.enqueue(data)
}

// readPump читает кадры клиента. Дедлайн чтения продлевается только pong-ом: молчащий клиент отключается по idle timeout.
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.Close()

	idle := c.m.opts.IdleTimeout
	c.ws.SetReadLimit(c.m.opts.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(idle)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.id.UserID, err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.id.UserID, err)
			}
			return
		}
		var in model.Intent
		if err := json.Unmarshal(raw, &in); err != nil {
			c.enqueueEvent(model.ErrorEvent("", fmt.Errorf("malformed frame: %w", model.ErrInvalidArgument)))
			continue
		}
		select {
		case c.intents <- in:
		case <-c.done:
			return
		}
	}
}

// dispatchPump выполняет кадры по одному, с ограничением частоты на соединение.
func (c *Conn) dispatchPump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case in := <-c.intents:
			c.limiter.Take()
			if c.m.handler == nil {
				c.enqueueEvent(model.ErrorEvent(in.ClientID, fmt.Errorf("intents not supported: %w", model.ErrUnavailable)))
				continue
			}
			// Отдельный контекст: начатая отправка сохраняется, даже если клиент отключился.
			ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
			events := c.m.handler.HandleIntent(ctx, c.id, c.Room(), in)
			cancel()
			for _, ev := range events {
				c.enqueueEvent(ev)
			}
		}
	}
}

// writePump пишет события и ping. ping идёт каждые 9/10 idle timeout.
func (c *Conn) writePump() {
	defer c.wg.Done()
	defer c.Close()
	ticker := time.NewTicker(c.m.opts.IdleTimeout * 9 / 10)
	defer ticker.Stop()

	wait := c.m.opts.WriteTimeout
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.id.UserID, err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.id.UserID, err)
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
