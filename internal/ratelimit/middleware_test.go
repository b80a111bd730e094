package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/printease/internal/session"
)

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	handler := Handler{
		Limiter: Sliding{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Second,
			Max:    1,
		},
	}

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rr2.Code)
	}
	if rr2.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("unexpected limit header: %q", rr2.Header().Get("X-RateLimit-Limit"))
	}
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	handler := Handler{
		Limiter: Sliding{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "err" },
			Window: time.Second,
			Max:    1,
		},
	}

	called := false
	handler.OnError = func(error) { called = true }

	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected handler to proceed on error, got %d", rr.Code)
	}
	if !called {
		t.Fatal("expected OnError callback to be invoked")
	}
	_ = client.Close()
}

func TestFixedWindowStrategy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	allower, err := New("fixed", client, "login:")
	if err != nil {
		t.Fatalf("new fixed: %v", err)
	}
	if _, ok := allower.(Fixed); !ok {
		t.Fatalf("expected Fixed, got %T", allower)
	}

	handler := Handler{
		Limiter: allower,
		Config:  Config{Key: ByClientIP("login"), Window: time.Minute, Max: 2},
	}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	other := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	other.RemoteAddr = "198.51.100.1:5000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected a different client to pass, got %d", rr.Code)
	}
}

func TestFixedWindowInMemory(t *testing.T) {
	fixed, err := NewFixed(nil, "mem:")
	if err != nil {
		t.Fatalf("new fixed: %v", err)
	}
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	allowed, remaining, _, err := fixed.Allow(ctx, "k", time.Minute, 1)
	if err != nil || !allowed || remaining != 0 {
		t.Fatalf("first: allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}
	allowed, _, _, err = fixed.Allow(ctx, "k", time.Minute, 1)
	if err != nil || allowed {
		t.Fatalf("second should be rejected: allowed=%v err=%v", allowed, err)
	}
}

func TestByIdentityPrefersSubject(t *testing.T) {
	key := ByIdentity("track")
	req := httptest.NewRequest(http.MethodGet, "/track/X", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	if got := key(req); got != "track:ip:203.0.113.9" {
		t.Fatalf("guest key = %q", got)
	}
	id := session.Identity{Credential: "t", Role: session.RoleUser, Subject: "u-1"}
	req = req.WithContext(session.WithIdentity(req.Context(), id))
	if got := key(req); got != "track:sub:u-1" {
		t.Fatalf("user key = %q", got)
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := New("leaky", nil, ""); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestSlidingWithoutRedisFallsBackToMemory(t *testing.T) {
	l, err := New("sliding", nil, "mem:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := l.(Fixed); !ok {
		t.Fatalf("expected in-memory fixed limiter, got %T", l)
	}
}
