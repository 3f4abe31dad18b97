package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
)

// TokenVerifier: auth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (model.Identity, error)
}

// BearerToken извлекает токен из "Authorization: Bearer <t>".
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// MaskToken: для логов: первые 8 символов и длина, остальное скрыто.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s***(%d)", s[:8], len(s))
}

// BearerAuth пропускает только запросы с действительным токеном. 401: токен отсутствует или недействителен,
// 503: не удалось проверить (хранилище недоступно).
func BearerAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				if errors.Is(err, model.ErrUnavailable) {
					logger.Errorf("auth middleware %s %s: %v", r.Method, r.URL.Path, err)
					w.Header().Set("Retry-After", "1")
					writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
					return
				}
				logger.Debugf("auth middleware rejected token=%s: %v", MaskToken(BearerToken(r)), err)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
