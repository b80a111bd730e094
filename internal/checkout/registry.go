package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/printease/internal/session"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("checkout: session not found")
	// ErrNotOwner is returned when a session is reached with another identity.
	ErrNotOwner = errors.New("checkout: session belongs to another user")
)

// Registry keeps the live sessions of this process.
type Registry struct {
	deps Deps
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns a registry evicting sessions idle for longer than ttl.
func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Registry{deps: deps, ttl: ttl, sessions: make(map[string]*Session)}
}

// Create opens a new session for id.
func (r *Registry) Create(id session.Identity) *Session {
	s := NewSession(id, r.deps)
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return s
}

// Get returns the session when id owns it.
func (r *Registry) Get(sessionID string, id session.Identity) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Identity().Owner() != id.Owner() {
		return nil, ErrNotOwner
	}
	s.refresh(id)
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts idle sessions. Sessions with a payment or submission in
// flight are kept regardless of age.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if now.Sub(s.lastTouched()) < r.ttl {
			continue
		}
		switch s.Status() {
		case StatusAwaitingPayment, StatusSubmitting:
			continue
		case StatusPaidNotRecorded:
			v := s.View()
			if v.Failure != nil {
				s.logger.Error().
					Str("proof_id", v.Failure.ProofID).
					Int64("amount", v.Failure.Amount).
					Msg("evicting unreconciled session")
			}
		}
		delete(r.sessions, id)
		evicted++
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.deps.Logger.Debug().Int("evicted", n).Msg("checkout sessions swept")
			}
		}
	}
}
