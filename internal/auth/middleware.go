package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/session"
)

// TokenParser turns an access token into an identity.
type TokenParser interface {
	Identity(token string) (session.Identity, error)
}

// Middleware wires the acting identity into HTTP handlers.
type Middleware struct {
	Parser       TokenParser
	AccessCookie string
}

// Identify attaches the identity of a valid token to the request context.
// Requests without a token continue as guests; a token that does not
// validate is rejected rather than silently downgraded.
func (m Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.extractToken(r)
		if token == "" {
			next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), session.Guest())))
			return
		}
		id, err := m.parse(token)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
	})
}

// RequireAuth enforces that a valid token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.extractToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
			return
		}
		id, err := m.parse(token)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
	})
}

// RequireRole rejects identities that do not hold one of roles.
func RequireRole(roles ...session.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := session.FromContext(r.Context())
			if !id.Authenticated() {
				common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "login required", nil)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "insufficient permissions", nil)
		})
	}
}

func (m Middleware) parse(token string) (session.Identity, error) {
	if m.Parser == nil {
		return session.Guest(), errors.New("auth: token parser not configured")
	}
	return m.Parser.Identity(token)
}

func (m Middleware) extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if m.AccessCookie != "" {
		if cookie, err := r.Cookie(m.AccessCookie); err == nil {
			if value := strings.TrimSpace(cookie.Value); value != "" {
				return value
			}
		}
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusUnauthorized
		}
		common.JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
}
