package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/service"
)

type MessageHandler struct {
	messages *service.Messages
	delivery *service.Delivery
}

func NewMessageHandler(messages *service.Messages, delivery *service.Delivery) *MessageHandler {
	return &MessageHandler{messages: messages, delivery: delivery}
}

// GetMessages: ?after=<cursor> листает вперёд, ?before=<cursor>: назад,
// ?latest=true без курсора отдаёт последние limit сообщений.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	q := model.PageQuery{Limit: queryInt(r, "limit", model.DefaultPageSize)}
	query := r.URL.Query()
	if v := query.Get("after"); v != "" {
		c, err := model.ParseCursor(v)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		q.After = &c
	}
	if v := query.Get("before"); v != "" {
		c, err := model.ParseCursor(v)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		q.Before = &c
	}
	q.Latest = query.Get("latest") == "true" || query.Get("latest") == "1"

	page, err := h.messages.List(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req service.SendInput
	if !decodeJSON(w, r, &req) {
		return
	}
	id, _ := middleware.GetIdentity(r.Context())
	msg, err := h.delivery.SendMessage(r.Context(), id, chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkChatAsRead помечает прочитанными все чужие сообщения чата.
func (h *MessageHandler) MarkChatAsRead(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r.Context())
	n, err := h.delivery.MarkChatRead(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

type statusResponse struct {
	MessageID string              `json:"message_id"`
	Status    model.MessageStatus `json:"status"`
}

func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r.Context())
	msg, err := h.delivery.MarkRead(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{MessageID: msg.ID, Status: msg.Status})
}

func (h *MessageHandler) MarkAsDelivered(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r.Context())
	msg, err := h.delivery.MarkDelivered(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{MessageID: msg.ID, Status: msg.Status})
}

// GetUnreadCount: счётчик непрочитанных в чате для текущего пользователя.
func (h *MessageHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r.Context())
	chatID := chi.URLParam(r, "id")
	n, err := h.delivery.UnreadCount(r.Context(), id, chatID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.UnreadChangedPayload{ChatID: chatID, Unread: n})
}
