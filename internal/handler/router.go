package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatrelay/internal/auth"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/repository"
	"github.com/chatrelay/internal/service"
	"github.com/chatrelay/internal/storage"
	"github.com/chatrelay/internal/ws"
)

// Deps: всё, что нужно HTTP-слою. Собирается в main.
type Deps struct {
	Config         *config.Config
	Accounts       *auth.Accounts
	Verifier       *auth.Verifier
	Users          repository.Users
	Registry       *service.Registry
	Messages       *service.Messages
	Delivery       *service.Delivery
	Manager        *ws.Manager
	KV             storage.Store
	VAPIDPublicKey string
}

func NewRouter(d Deps) http.Handler {
	authH := NewAuthHandler(d.Accounts, d.Verifier)
	userH := NewUserHandler(d.Users)
	chatH := NewChatHandler(d.Registry)
	msgH := NewMessageHandler(d.Messages, d.Delivery)
	pushH := NewPushHandler(d.KV)
	configH := NewConfigHandler(d.Config, d.VAPIDPublicKey)
	wsH := NewWSHandler(d.Manager, d.Config.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	// Access log: только middleware.RequestLog, он пишет путь без query (в /ws?token= лежит JWT).
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(d.Config.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(d.Config.InternalSecret)).Get("/internal/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"ws_connections":%d}`, d.Manager.ConnCount())
	})
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/limits", configH.GetLimits)
	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	// Токен проверяется в самом обработчике до апгрейда (query ?token= или Authorization).
	r.Get("/ws", wsH.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(d.Verifier))
		r.Use(middleware.RateLimitUser)
		r.Post("/api/auth/logout", authH.Logout)
		r.Get("/api/users/me", userH.GetProfile)
		r.Get("/api/users/{id}", userH.GetUser)
		r.Get("/api/chats", chatH.GetUserChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Post("/api/chats/group", chatH.CreateGroupChat)
		r.Get("/api/chats/{id}", chatH.GetChat)
		r.Patch("/api/chats/{id}", chatH.UpdateChat)
		r.Get("/api/chats/{id}/messages", msgH.GetMessages)
		r.Post("/api/chats/{id}/messages", msgH.SendMessage)
		r.Post("/api/chats/{id}/read", msgH.MarkChatAsRead)
		r.Get("/api/chats/{id}/unread", msgH.GetUnreadCount)
		r.Post("/api/messages/{id}/read", msgH.MarkAsRead)
		r.Post("/api/messages/{id}/delivered", msgH.MarkAsDelivered)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})
	return r
}
