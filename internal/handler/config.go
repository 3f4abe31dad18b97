package handler

import (
	"net/http"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/model"
)

// ConfigHandler отдаёт публичные параметры конфигурации.
type ConfigHandler struct {
	cfg            *config.Config
	vapidPublicKey string
}

// NewConfigHandler: vapidPublicKey пустой: push отключены.
func NewConfigHandler(cfg *config.Config, vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, vapidPublicKey: vapidPublicKey}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}

// GetLimits: ограничения, которые клиенту полезно знать заранее (размер вложения, длина текста).
func (h *ConfigHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"max_attachment_bytes": h.cfg.MaxAttachmentSize,
		"max_text_length":      model.MaxTextLength,
		"max_page_size":        model.MaxPageSize,
	})
}
