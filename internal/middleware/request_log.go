package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatrelay/internal/logger"
)

const slowRequest = 100 * time.Millisecond

// RequestLog пишет строку на запрос с request id (chi RequestID) и пользователем, если он уже известен.
// 5xx: Error, медленные: Info, остальное: Debug. Апгрейд WebSocket (101) в медленные не попадает:
// в его длительность входит проверка токена и участия в чате.
// Пишется только путь: query не логируется (в /ws?token= лежит JWT).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		ctx, info := withLogInfo(r.Context())
		next.ServeHTTP(wrap, r.WithContext(ctx))
		elapsed := time.Since(start)

		user := info.userID
		if user == "" {
			user = "-"
		}
		line := "http %s %s status=%d duration_ms=%d req=%s user=%s"
		args := []any{r.Method, r.URL.Path, wrap.status, elapsed.Milliseconds(), chimw.GetReqID(r.Context()), user}
		switch {
		case wrap.status >= http.StatusInternalServerError:
			logger.Errorf(line, args...)
		case elapsed >= slowRequest && wrap.status != http.StatusSwitchingProtocols:
			logger.Infof(line, args...)
		default:
			logger.Debugf(line, args...)
		}
	})
}
