package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/noah-isme/printease/internal/common"
)

// CSRFHeader is both the request header and the cookie carrying the
// double-submit token.
const CSRFHeader = "X-CSRF-Token"

const codeCSRF = "CSRF_INVALID"

// CSRF rejects unsafe requests riding on an ambient cookie credential unless
// the header token matches the cookie of the same name.
type CSRF struct {
	Header string
	// SessionCookie limits the check to requests carrying that cookie.
	SessionCookie string
}

// NewCSRFToken returns a random token for the double-submit cookie.
func NewCSRFToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Middleware enforces the token on non-idempotent methods.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	name := strings.TrimSpace(c.Header)
	if name == "" {
		name = CSRFHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) || bearerRequest(r) || !c.hasSession(r) {
			next.ServeHTTP(w, r)
			return
		}

		sent := strings.TrimSpace(r.Header.Get(name))
		if sent == "" {
			common.JSONError(w, http.StatusForbidden, codeCSRF, "missing csrf token", nil)
			return
		}
		cookie, err := r.Cookie(name)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			common.JSONError(w, http.StatusForbidden, codeCSRF, "missing csrf cookie", nil)
			return
		}
		if len(sent) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
			common.JSONError(w, http.StatusForbidden, codeCSRF, "invalid csrf token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c CSRF) hasSession(r *http.Request) bool {
	if c.SessionCookie == "" {
		return true
	}
	_, err := r.Cookie(c.SessionCookie)
	return err == nil
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func bearerRequest(r *http.Request) bool {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	return len(h) > 7 && strings.EqualFold(h[:7], "bearer ")
}
