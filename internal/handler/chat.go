package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/service"
)

type ChatHandler struct {
	registry *service.Registry
}

func NewChatHandler(registry *service.Registry) *ChatHandler {
	return &ChatHandler{registry: registry}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ParticipantIDs []string `json:"participant_ids"`
}

// CreateDirectChat возвращает существующий личный чат (200) или создаёт новый (201).
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	chat, created, err := h.registry.CreateDirect(r.Context(), userID, req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	summary, err := h.registry.Get(r.Context(), chat.ID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, summary)
}

func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.GetUserID(r.Context())
	chat, err := h.registry.CreateGroup(r.Context(), userID, service.GroupInput{
		Name:           req.Name,
		Description:    req.Description,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	summary, err := h.registry.Get(r.Context(), chat.ID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.registry.ListForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	summary, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// UpdateChat: изменение названия, описания или аватара группы (только создатель).
func (h *ChatHandler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	var patch model.ChatSettingsPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	chat, err := h.registry.UpdateSettings(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}
