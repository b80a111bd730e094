// Package checkout hosts submission sessions: the files a user selected, their
// print settings, the payment attempt opened for them and the order that
// payment turned into.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/lineitem"
	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/payment"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/session"
	"github.com/noah-isme/printease/internal/submission"
)

// Status is the lifecycle position of a submission session.
type Status string

const (
	StatusEditing         Status = "editing"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusSubmitting      Status = "submitting"
	StatusRecorded        Status = "recorded"
	StatusPaidNotRecorded Status = "paid_not_recorded"
)

// Failure kinds reported on a session view.
const (
	FailureDeclined        = "payment_declined"
	FailureTransport       = "payment_transport_error"
	FailurePaidNotRecorded = "paid_not_recorded"
)

var (
	// ErrNoItems rejects a checkout with nothing selected, before any payment opens.
	ErrNoItems = errors.New("checkout: no files selected")
	// ErrReconcile is returned for every action on a session whose payment was
	// captured without an order behind it.
	ErrReconcile = errors.New("checkout: session awaits manual reconciliation")
	// ErrPaymentPending is returned while a payment or its submission is in flight.
	ErrPaymentPending = errors.New("checkout: payment in progress")
)

// Submitter records a paid order.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (submission.Receipt, error)
}

// Deps are shared by every session of a registry.
type Deps struct {
	Counter   lineitem.PageCounter
	Workers   int
	Gateway   payment.Gateway
	Submitter Submitter
	Rates     pricing.RateTable
	Logger    zerolog.Logger
}

// Failure describes why the last checkout did not produce an order.
type Failure struct {
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	AttemptID string `json:"attemptId,omitempty"`
	ProofID   string `json:"proofId,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

// View is the JSON shape of a session.
type View struct {
	ID        string               `json:"id"`
	Owner     string               `json:"owner"`
	Status    Status               `json:"status"`
	Items     []lineitem.LineItem  `json:"items"`
	Quote     *pricing.Quotation   `json:"quote,omitempty"`
	Payment   *payment.Attempt     `json:"payment,omitempty"`
	Receipt   *submission.Receipt  `json:"receipt,omitempty"`
	Failure   *Failure             `json:"failure,omitempty"`
	Recorded  []submission.Receipt `json:"recorded"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Session is one user's submission flow. Line items are owned by its store;
// the orchestrator owns the single payment attempt.
type Session struct {
	id      string
	deps    Deps
	store   *lineitem.Store
	orch    *payment.Orchestrator
	logger  zerolog.Logger
	created time.Time

	mu       sync.Mutex
	identity session.Identity
	status   Status
	receipt  *submission.Receipt
	failure  *Failure
	recorded []submission.Receipt
	touched  time.Time
}

// NewSession builds an empty session acting for id.
func NewSession(id session.Identity, deps Deps) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:       uuid.NewString(),
		deps:     deps,
		identity: id,
		status:   StatusEditing,
		created:  now,
		touched:  now,
	}
	s.logger = deps.Logger.With().Str("session_id", s.id).Str("owner", id.Owner()).Logger()
	s.store = lineitem.NewStore(deps.Counter, deps.Workers, s.logger)
	s.orch = payment.NewOrchestrator(deps.Gateway, s.onOutcome, s.logger)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Identity returns the identity the session acts for.
func (s *Session) Identity() session.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// refresh swaps in the latest credential of the same owner.
func (s *Session) refresh(id session.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.Authenticated() {
		s.identity = id
	}
	s.touched = time.Now().UTC()
}

func (s *Session) lastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// editable reports whether line items may change, moving a recorded session
// back to editing for its next order.
func (s *Session) editable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusPaidNotRecorded:
		return ErrReconcile
	case StatusAwaitingPayment, StatusSubmitting:
		return ErrPaymentPending
	case StatusRecorded:
		s.status = StatusEditing
		s.receipt = nil
	}
	s.touched = time.Now().UTC()
	return nil
}

// AddFiles appends one line item per document.
func (s *Session) AddFiles(ctx context.Context, docs []pagecount.Document) ([]lineitem.LineItem, error) {
	if err := s.editable(); err != nil {
		return nil, err
	}
	return s.store.AddFiles(ctx, docs)
}

// RemoveFile drops a slot and its document.
func (s *Session) RemoveFile(slot int) error {
	if err := s.editable(); err != nil {
		return err
	}
	return s.store.RemoveFile(slot)
}

// UpdateItem applies a patch to one slot.
func (s *Session) UpdateItem(slot int, p lineitem.Patch) (lineitem.LineItem, error) {
	if err := s.editable(); err != nil {
		return lineitem.LineItem{}, err
	}
	return s.store.Update(slot, p)
}

// Items returns the current line items.
func (s *Session) Items() []lineitem.LineItem { return s.store.Items() }

// Quote prices the current line items.
func (s *Session) Quote() (pricing.Quotation, error) {
	return s.store.Quote(s.deps.Rates)
}

// Checkout freezes the line items, prices them and opens a payment session
// for the total. The outcome arrives later through the gateway.
func (s *Session) Checkout(ctx context.Context) (payment.Attempt, error) {
	s.mu.Lock()
	switch s.status {
	case StatusPaidNotRecorded:
		s.mu.Unlock()
		return payment.Attempt{}, ErrReconcile
	case StatusAwaitingPayment, StatusSubmitting:
		s.mu.Unlock()
		return payment.Attempt{}, ErrPaymentPending
	}
	if s.store.Len() == 0 {
		s.mu.Unlock()
		return payment.Attempt{}, ErrNoItems
	}
	if err := s.store.Freeze(); err != nil {
		s.mu.Unlock()
		return payment.Attempt{}, err
	}
	quote, err := s.store.Quote(s.deps.Rates)
	if err == nil && quote.Total <= 0 {
		err = ErrNoItems
	}
	if err != nil {
		s.store.Unfreeze()
		s.mu.Unlock()
		return payment.Attempt{}, err
	}
	s.status = StatusAwaitingPayment
	s.receipt = nil
	s.failure = nil
	s.touched = time.Now().UTC()
	items := s.store.Len()
	s.mu.Unlock()

	attempt, err := s.orch.OpenSession(ctx, payment.SessionRequest{
		AmountMinor: quote.Total,
		Currency:    quote.Currency,
		Description: fmt.Sprintf("Print order (%d document(s))", items),
		Metadata:    map[string]string{"session_id": s.id},
	})
	if err != nil {
		// transport failures were already reported through onOutcome
		if !errors.Is(err, payment.ErrTransport) {
			s.revert(nil)
		}
		return attempt, err
	}
	return attempt, nil
}

func (s *Session) onOutcome(ctx context.Context, out payment.Outcome) {
	switch out.Kind {
	case payment.Authorized:
		s.submit(ctx, out.Attempt)
	case payment.Failed:
		s.revert(&Failure{Kind: FailureDeclined, Reason: out.Attempt.Reason, AttemptID: out.Attempt.ID})
	case payment.TransportError:
		s.revert(&Failure{Kind: FailureTransport, Reason: out.Attempt.Reason, AttemptID: out.Attempt.ID})
	}
}

// revert unlocks the items after a payment that captured nothing.
func (s *Session) revert(f *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAwaitingPayment {
		return
	}
	s.store.Unfreeze()
	s.status = StatusEditing
	if f != nil {
		s.failure = f
	}
	s.touched = time.Now().UTC()
}

func (s *Session) submit(ctx context.Context, attempt payment.Attempt) {
	s.mu.Lock()
	s.status = StatusSubmitting
	entries := s.store.Entries()
	id := s.identity
	s.mu.Unlock()

	var (
		receipt submission.Receipt
		err     error
	)
	if s.deps.Submitter == nil {
		err = errors.New("no submitter configured")
	} else {
		receipt, err = s.deps.Submitter.Submit(ctx, submission.Request{
			Entries:          entries,
			ProofID:          attempt.ProofID,
			AuthorizedAmount: attempt.AmountMinor,
			Currency:         attempt.Currency,
			Identity:         id,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now().UTC()
	if err != nil {
		var pnr *submission.PaidNotRecordedError
		if !errors.As(err, &pnr) {
			pnr = &submission.PaidNotRecordedError{ProofID: attempt.ProofID, Amount: attempt.AmountMinor, Cause: err}
		}
		// items stay frozen: they are what was paid for
		s.status = StatusPaidNotRecorded
		s.failure = &Failure{
			Kind:      FailurePaidNotRecorded,
			Reason:    pnr.Error(),
			AttemptID: attempt.ID,
			ProofID:   pnr.ProofID,
			Amount:    pnr.Amount,
		}
		return
	}
	s.status = StatusRecorded
	s.receipt = &receipt
	s.recorded = append(s.recorded, receipt)
	s.store.Clear()
	s.logger.Info().Str("token", receipt.Token).Msg("submission session recorded order")
}

// View snapshots the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:        s.id,
		Owner:     s.identity.Owner(),
		Status:    s.status,
		Items:     s.store.Items(),
		Receipt:   s.receipt,
		Failure:   s.failure,
		Recorded:  append([]submission.Receipt{}, s.recorded...),
		CreatedAt: s.created,
		UpdatedAt: s.touched,
	}
	if q, err := s.store.Quote(s.deps.Rates); err == nil {
		v.Quote = &q
	}
	if a, ok := s.orch.Current(); ok {
		v.Payment = &a
	} else if a, ok := s.orch.Last(); ok {
		v.Payment = &a
	}
	return v
}
