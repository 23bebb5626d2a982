package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"tradecore/pkg/crypto"
)

// debugUsername и debugPassword защищают debug endpoints.
// Загружаются из переменных окружения DEBUG_USERNAME и DEBUG_PASSWORD.
var (
	debugUsername = os.Getenv("DEBUG_USERNAME")
	debugPassword = os.Getenv("DEBUG_PASSWORD")
)

// apiTokenHash - bcrypt-хэш API-токена (переменная API_TOKEN_HASH).
// Если не задан, защищённые маршруты доступны без токена - режим
// локального развертывания за firewall.
var apiTokenHash = os.Getenv("API_TOKEN_HASH")

// DebugAuth - HTTP Basic Auth для debug/pprof endpoints
//
// Если DEBUG_USERNAME/DEBUG_PASSWORD не заданы, доступ разрешён
// только в development (ENV=development или пустой), иначе 403.
// Сравнение constant-time против timing-атак.
func DebugAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if debugUsername == "" || debugPassword == "" {
			if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Debug endpoints disabled. Set DEBUG_USERNAME and DEBUG_PASSWORD.", http.StatusForbidden)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Debug endpoints"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(debugUsername)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(debugPassword)) == 1

		if !userMatch || !passMatch {
			w.Header().Set("WWW-Authenticate", `Basic realm="Debug endpoints"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Auth - bearer-token аутентификация для API
//
// Токен передаётся в заголовке Authorization: Bearer <token> и
// сверяется с bcrypt-хэшем из API_TOKEN_HASH. Хэш вместо открытого
// токена в окружении: утечка env-переменных не раскрывает токен.
//
// Генерация хэша:
//
//	htpasswd -bnBC 10 "" <token> | tr -d ':\n'
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiTokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !crypto.CheckTokenMatch(token, apiTokenHash) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
