package middleware

import (
	"context"

	"github.com/chatrelay/internal/model"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	logInfoKey  contextKey = "log_info"
)

// logInfo заполняется глубже по цепочке (BearerAuth) и читается в RequestLog после ответа.
type logInfo struct {
	userID string
}

func withLogInfo(ctx context.Context) (context.Context, *logInfo) {
	info := &logInfo{}
	return context.WithValue(ctx, logInfoKey, info), info
}

// WithIdentity кладёт проверенную личность в контекст запроса (BearerAuth).
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	if info, ok := ctx.Value(logInfoKey).(*logInfo); ok {
		info.userID = id.UserID
	}
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity возвращает личность из контекста; ok=false для анонимного запроса.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// GetUserID возвращает user_id из контекста или "".
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}
