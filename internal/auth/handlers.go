package auth

import (
	"net/http"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/security"
	"github.com/noah-isme/printease/internal/session"
)

// Handler exposes HTTP handlers for authentication and account endpoints.
// With AccessCookieName set, signup and login also start a cookie session
// paired with a readable CSRF cookie.
type Handler struct {
	Service          *Service
	AccessCookieName string
	CookieDomain     string
	CookieSecure     bool
	CookieSameSite   http.SameSite
}

type signupRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Signup handles POST /api/v1/auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "auth service not configured", nil)
		return
	}
	var req signupRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	result, err := h.Service.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if err := h.setSessionCookies(w, result); err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, result)
}

// Login handles POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "auth service not configured", nil)
		return
	}
	var req loginRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	result, err := h.Service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if err := h.setSessionCookies(w, result); err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, result)
}

// Logout handles POST /api/v1/auth/logout. Tokens are stateless, so this
// only drops the session cookies.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	if h.AccessCookieName != "" {
		http.SetCookie(w, h.cookie(h.AccessCookieName, "", true))
		http.SetCookie(w, h.cookie(security.CSRFHeader, "", false))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "auth service not configured", nil)
		return
	}
	id := session.FromContext(r.Context())
	if !id.Authenticated() {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
		return
	}
	user, err := h.Service.Me(r.Context(), id.Subject)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, user)
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, result LoginResult) error {
	if h.AccessCookieName == "" {
		return nil
	}
	token, err := security.NewCSRFToken()
	if err != nil {
		return err
	}
	access := h.cookie(h.AccessCookieName, result.Token, true)
	access.Expires = result.ExpiresAt
	csrf := h.cookie(security.CSRFHeader, token, false)
	csrf.Expires = result.ExpiresAt
	http.SetCookie(w, access)
	http.SetCookie(w, csrf)
	return nil
}

func (h *Handler) cookie(name, value string, httpOnly bool) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   h.CookieDomain,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   h.CookieSecure,
		SameSite: h.CookieSameSite,
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}
