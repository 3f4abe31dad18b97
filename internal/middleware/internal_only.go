package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// InternalOnly пускает к служебным эндпоинтам (/internal/*) только с loopback/приватных адресов
// или с заголовком X-Internal-Secret. Адрес берётся из r.RemoteAddr, который уже выставил chi RealIP.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateAddr(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSONError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// isPrivateAddr принимает и "host:port", и голый IP (после RealIP порта нет).
func isPrivateAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
