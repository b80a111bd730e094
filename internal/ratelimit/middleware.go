package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/session"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// ByClientIP keys requests by scope and caller address.
func ByClientIP(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		return scope + ":ip:" + common.ClientIP(r)
	}
}

// ByIdentity keys signed-in callers by subject and guests by address.
func ByIdentity(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id := session.FromContext(r.Context()); id.Authenticated() && id.Subject != "" {
			return scope + ":sub:" + id.Subject
		}
		return scope + ":ip:" + common.ClientIP(r)
	}
}

// Handler puts one limit in front of a route group.
type Handler struct {
	Limiter Allower
	Config  Config
	// OnError observes limiter failures; the request still goes through.
	OnError func(error)
}

// Middleware answers 429 with Retry-After once the key is spent.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Config.Key == nil || h.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		h.quotaHeaders(w.Header(), remaining, resetAt)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(max(0, int(time.Until(resetAt).Seconds()))))
		common.JSONError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", nil)
	})
}

const codeRateLimited = "RATE_LIMITED"

func (h Handler) quotaHeaders(hdr http.Header, remaining int, resetAt time.Time) {
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(max(0, h.Config.Max)))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
