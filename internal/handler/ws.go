package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/ws"
)

const handshakeTimeout = 10 * time.Second

type WSHandler struct {
	manager        *ws.Manager
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins: как в CORS (через запятую или "*").
func NewWSHandler(manager *ws.Manager, allowedOrigins string) *WSHandler {
	h := &WSHandler{manager: manager, allowedOrigins: strings.TrimSpace(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS: GET /ws?chat_id=...&token=... (токен можно передать и в Authorization).
// Проверка токена и участия выполняется до апгрейда, отказ: явный HTTP-ответ (401/403/400/503).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.BearerToken(r)
	}
	chatID := r.URL.Query().Get("chat_id")

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	conn, err := h.manager.Handshake(ctx, token, chatID)
	cancel()
	if err != nil {
		logger.Debugf("ws handshake rejected chat=%s token=%s: %v", chatID, middleware.MaskToken(token), err)
		writeServiceError(w, r, err)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader уже ответил клиенту.
		logger.Errorf("ws upgrade: %v", err)
		conn.Close()
		return
	}
	conn.Attach(wsConn)
	if err := h.manager.Subscribe(conn, chatID); err != nil {
		logger.Errorf("ws subscribe chat=%s: %v", chatID, err)
		code := websocket.ClosePolicyViolation
		if errors.Is(err, model.ErrUnavailable) {
			code = websocket.CloseTryAgainLater
		}
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, model.ErrorCode(err)), time.Now().Add(time.Second))
		conn.Close()
		// Conn мог быть закрыт до Attach и не знать о сокете.
		wsConn.Close()
		return
	}
	conn.Start()
}
