package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithIdentity attaches the authenticated identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the authenticated identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// ContainerID returns the authenticated container id, or "".
func ContainerID(r *http.Request) string {
	if id := FromContext(r.Context()); id != nil {
		return id.ContainerID
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}

// Middleware authenticates HTTP requests: Bearer gateway token plus the
// X-Container-Id header naming the principal. Unknown tokens get 401,
// suspended containers 403.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[AUTH] ", log.LstdFlags)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			containerID := r.Header.Get("X-Container-Id")

			id, err := verifier.Verify(r.Context(), containerID, token)
			if err == ErrSuspended {
				writeAuthError(w, http.StatusForbidden, "suspended", "container is suspended")
				return
			}
			if err != nil {
				if err != ErrInvalidToken {
					logger.Printf("token verification error for %s: %v", containerID, err)
				}
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WebSocketCredentials extracts container credentials from a WS upgrade
// request. Preferred form is the subprotocol list
//
//	Sec-WebSocket-Protocol: ocmt-relay, token.<base64(containerId:gatewayToken)>
//
// which keeps the token out of URLs and access logs. The query form
// (?containerId=&token=) still works but is deprecated.
func WebSocketCredentials(r *http.Request, logger *log.Logger) (containerID, token string, ok bool) {
	for _, proto := range r.Header["Sec-Websocket-Protocol"] {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if !strings.HasPrefix(part, "token.") {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(part, "token."))
			if err != nil {
				continue
			}
			pair := strings.SplitN(string(raw), ":", 2)
			if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
				continue
			}
			return pair[0], pair[1], true
		}
	}

	q := r.URL.Query()
	if id, tok := q.Get("containerId"), q.Get("token"); id != "" && tok != "" {
		if logger != nil {
			logger.Printf("deprecated query-parameter WS auth used by %s; switch to the subprotocol form", id)
		}
		return id, tok, true
	}
	return "", "", false
}
