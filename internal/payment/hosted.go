package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Delivery reports what a webhook event did.
type Delivery string

const (
	DeliveredAuthorized Delivery = "authorized"
	DeliveredFailed     Delivery = "failed"
	DeliveredPending    Delivery = "pending"
)

type pendingSession struct {
	cb        Callbacks
	amount    int64
	token     string
	expiresAt time.Time
}

// Hosted is a Gateway backed by a redirect-style Provider. Outcomes arrive
// later through Deliver, fed by the webhook handler.
type Hosted struct {
	Provider        Provider
	SessionTTL      time.Duration
	CallbackBaseURL string
	Logger          zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingSession
}

// NewHosted wraps provider.
func NewHosted(provider Provider, ttl time.Duration, callbackBaseURL string, logger zerolog.Logger) *Hosted {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Hosted{
		Provider:        provider,
		SessionTTL:      ttl,
		CallbackBaseURL: strings.TrimRight(strings.TrimSpace(callbackBaseURL), "/"),
		Logger:          logger,
		pending:         map[string]pendingSession{},
	}
}

func (h *Hosted) Name() string { return h.Provider.Name() }

// OpenSession creates the provider intent and remembers the callbacks under req.Reference.
func (h *Hosted) OpenSession(ctx context.Context, req SessionRequest, cb Callbacks) (Session, error) {
	intent := IntentRequest{
		Reference:   req.Reference,
		Amount:      req.AmountMinor,
		Currency:    req.Currency,
		Description: req.Description,
		ExpiresIn:   h.SessionTTL,
	}
	if h.CallbackBaseURL != "" {
		intent.CallbackURL = h.CallbackBaseURL + "/" + req.Reference
	}
	resp, err := h.Provider.CreateIntent(ctx, intent)
	if err != nil {
		return Session{}, err
	}
	expiresAt := resp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(h.SessionTTL)
	}

	h.mu.Lock()
	if h.pending == nil {
		h.pending = map[string]pendingSession{}
	}
	h.pending[req.Reference] = pendingSession{cb: cb, amount: req.AmountMinor, token: resp.Token, expiresAt: expiresAt}
	h.mu.Unlock()

	return Session{
		ID:          resp.Token,
		Reference:   req.Reference,
		Provider:    resp.Provider,
		RedirectURL: resp.RedirectURL,
		ExpiresAt:   expiresAt,
	}, nil
}

// Deliver routes a verified webhook event to the session it names. Terminal
// events forget the session; pending ones leave it waiting.
func (h *Hosted) Deliver(ctx context.Context, res WebhookVerifyResult) (Delivery, error) {
	h.mu.Lock()
	p, ok := h.pending[res.Reference]
	if !ok {
		h.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownReference, res.Reference)
	}
	if res.Amount > 0 && res.Amount != p.amount {
		h.mu.Unlock()
		return "", fmt.Errorf("%w: expected %d got %d", ErrAmountMismatch, p.amount, res.Amount)
	}
	switch res.Status {
	case StatusPaid, StatusFailed, StatusExpired:
		delete(h.pending, res.Reference)
	default:
		h.mu.Unlock()
		return DeliveredPending, nil
	}
	h.mu.Unlock()

	if res.Status == StatusPaid {
		proof := strings.TrimSpace(res.TransactionID)
		if proof == "" {
			proof = p.token
		}
		if p.cb.OnAuthorized != nil {
			p.cb.OnAuthorized(ctx, proof)
		}
		return DeliveredAuthorized, nil
	}
	reason := strings.TrimSpace(res.Reason)
	if reason == "" {
		reason = "payment " + strings.ToLower(string(res.Status))
	}
	if p.cb.OnFailed != nil {
		p.cb.OnFailed(ctx, reason)
	}
	return DeliveredFailed, nil
}

// Sweep fails every session whose provider deadline has passed and returns how many it expired.
func (h *Hosted) Sweep(ctx context.Context, now time.Time) int {
	h.mu.Lock()
	var expired []pendingSession
	for ref, p := range h.pending {
		if now.After(p.expiresAt) {
			expired = append(expired, p)
			delete(h.pending, ref)
		}
	}
	h.mu.Unlock()

	for _, p := range expired {
		if p.cb.OnFailed != nil {
			p.cb.OnFailed(ctx, "payment session expired")
		}
	}
	if len(expired) > 0 {
		h.Logger.Info().Int("count", len(expired)).Msg("expired payment sessions")
	}
	return len(expired)
}

// Pending reports how many sessions await an event.
func (h *Hosted) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
