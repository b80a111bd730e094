package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/obs"
)

// State of the orchestrator.
type State int

const (
	Idle State = iota
	SessionOpen
)

func (s State) String() string {
	if s == SessionOpen {
		return "session_open"
	}
	return "idle"
}

// OutcomeKind is the terminal result of a payment attempt.
type OutcomeKind string

const (
	Pending        OutcomeKind = "pending"
	Authorized     OutcomeKind = "authorized"
	Failed         OutcomeKind = "failed"
	TransportError OutcomeKind = "transport_error"
)

// Attempt is the record of one opened session. Attempts are never reused.
type Attempt struct {
	ID          string      `json:"id"`
	AmountMinor int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Session     Session     `json:"session"`
	Outcome     OutcomeKind `json:"outcome"`
	ProofID     string      `json:"proofId,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	OpenedAt    time.Time   `json:"openedAt"`
	ResolvedAt  time.Time   `json:"resolvedAt,omitempty"`
}

// Outcome is delivered once per attempt.
type Outcome struct {
	Kind    OutcomeKind
	Attempt Attempt
	Err     error
}

// attempt carries the resolved flag guarding single delivery.
type attempt struct {
	Attempt
	resolved bool
}

// Orchestrator owns at most one open payment attempt and reports exactly one
// outcome for each, ignoring duplicate or stale gateway events.
type Orchestrator struct {
	gateway   Gateway
	onOutcome func(context.Context, Outcome)
	logger    zerolog.Logger

	mu      sync.Mutex
	state   State
	current *attempt
	last    *Attempt
}

// NewOrchestrator wires a gateway to the handler that receives outcomes. The
// handler runs outside the orchestrator lock and may open a new session.
func NewOrchestrator(gw Gateway, onOutcome func(context.Context, Outcome), logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{gateway: gw, onOutcome: onOutcome, logger: logger}
}

// OpenSession starts a fresh attempt for req. A gateway that fails to open is
// reported both as the returned error (wrapping ErrTransport) and as a
// TransportError outcome.
func (o *Orchestrator) OpenSession(ctx context.Context, req SessionRequest) (Attempt, error) {
	if req.AmountMinor <= 0 {
		return Attempt{}, ErrInvalidAmount
	}
	provider := o.providerName()

	o.mu.Lock()
	if o.state == SessionOpen {
		o.mu.Unlock()
		obs.IncPaymentSession(provider, "rejected_open")
		return Attempt{}, ErrSessionOpen
	}
	a := &attempt{Attempt: Attempt{
		ID:          uuid.NewString(),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Outcome:     Pending,
		OpenedAt:    time.Now().UTC(),
	}}
	if strings.TrimSpace(req.Reference) == "" {
		req.Reference = a.ID
	}
	o.state = SessionOpen
	o.current = a
	o.mu.Unlock()

	if o.gateway == nil {
		err := fmt.Errorf("%w: no gateway configured", ErrTransport)
		o.resolve(ctx, a, Outcome{Kind: TransportError, Err: err})
		obs.IncPaymentSession(provider, "transport_error")
		return o.snapshot(a), err
	}

	cb := Callbacks{
		OnAuthorized: func(ctx context.Context, proofID string) {
			o.resolve(ctx, a, Outcome{Kind: Authorized, Attempt: Attempt{ProofID: proofID}})
		},
		OnFailed: func(ctx context.Context, reason string) {
			o.resolve(ctx, a, Outcome{Kind: Failed, Attempt: Attempt{Reason: reason}, Err: fmt.Errorf("%w: %s", ErrDeclined, reason)})
		},
	}
	sess, err := o.gateway.OpenSession(ctx, req, cb)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrTransport, err)
		o.resolve(ctx, a, Outcome{Kind: TransportError, Attempt: Attempt{Reason: err.Error()}, Err: wrapped})
		obs.IncPaymentSession(provider, "transport_error")
		o.logger.Error().Err(err).Str("attempt_id", a.ID).Str("provider", provider).Msg("payment session open failed")
		return o.snapshot(a), wrapped
	}

	o.mu.Lock()
	a.Session = sess
	o.mu.Unlock()
	obs.IncPaymentSession(provider, "opened")
	o.logger.Info().
		Str("attempt_id", a.ID).
		Str("provider", provider).
		Str("reference", sess.Reference).
		Int64("amount", req.AmountMinor).
		Msg("payment session opened")
	return o.snapshot(a), nil
}

func (o *Orchestrator) resolve(ctx context.Context, a *attempt, out Outcome) bool {
	provider := o.providerName()

	o.mu.Lock()
	if a.resolved {
		o.mu.Unlock()
		obs.IncPaymentEvent(provider, "duplicate")
		o.logger.Debug().Str("attempt_id", a.ID).Str("kind", string(out.Kind)).Msg("ignoring duplicate payment event")
		return false
	}
	a.resolved = true
	a.Outcome = out.Kind
	a.ProofID = out.Attempt.ProofID
	a.Reason = out.Attempt.Reason
	a.ResolvedAt = time.Now().UTC()
	if o.current == a {
		o.current = nil
		o.state = Idle
	}
	snap := a.Attempt
	o.last = &snap
	o.mu.Unlock()

	out.Attempt = snap
	obs.IncPaymentEvent(provider, string(out.Kind))
	evt := o.logger.Info()
	if out.Kind != Authorized {
		evt = o.logger.Warn()
	}
	evt.Str("attempt_id", snap.ID).Str("outcome", string(out.Kind)).Str("proof_id", snap.ProofID).Str("reason", snap.Reason).Msg("payment outcome")

	if o.onOutcome != nil {
		o.onOutcome(ctx, out)
	}
	return true
}

func (o *Orchestrator) snapshot(a *attempt) Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return a.Attempt
}

func (o *Orchestrator) providerName() string {
	if o.gateway == nil {
		return "none"
	}
	return o.gateway.Name()
}

// State reports whether a session is open.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the open attempt, if any.
func (o *Orchestrator) Current() (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Attempt{}, false
	}
	return o.current.Attempt, true
}

// Last returns the most recently resolved attempt.
func (o *Orchestrator) Last() (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Attempt{}, false
	}
	return *o.last, true
}
