// Package payment drives hosted payment sessions and turns gateway events into
// exactly one outcome per session.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionOpen is returned when a session is opened while another is still pending.
	ErrSessionOpen = errors.New("payment: a session is already open")
	// ErrTransport marks a gateway that could not be reached or initialised.
	ErrTransport = errors.New("payment: gateway unavailable")
	// ErrDeclined marks a payment refused or cancelled by the gateway.
	ErrDeclined = errors.New("payment: declined")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("payment: amount must be positive")
	// ErrUnknownReference is returned when an event names no pending session.
	ErrUnknownReference = errors.New("payment: unknown session reference")
	// ErrAmountMismatch is returned when an event's amount differs from the opened amount.
	ErrAmountMismatch = errors.New("payment: amount mismatch")
)

// SessionRequest is the one-shot input for opening a session.
type SessionRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// Session is the handle a gateway returns for an opened session.
type Session struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	Provider    string    `json:"provider"`
	RedirectURL string    `json:"redirectUrl,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Callbacks receive the terminal events of a session. A gateway may call them
// more than once; the orchestrator keeps only the first.
type Callbacks struct {
	OnAuthorized func(ctx context.Context, proofID string)
	OnFailed     func(ctx context.Context, reason string)
}

// Gateway opens hosted payment sessions. An error from OpenSession means the
// gateway itself is unavailable.
type Gateway interface {
	Name() string
	OpenSession(ctx context.Context, req SessionRequest, cb Callbacks) (Session, error)
}
