package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/printease/internal/lineitem"
	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/payment"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/session"
	"github.com/noah-isme/printease/internal/submission"
)

type fixedCounter int

func (c fixedCounter) Count(context.Context, pagecount.Document) pagecount.Result {
	return pagecount.Result{Pages: int(c), Format: pagecount.FormatPDF}
}

type manualGateway struct {
	mu      sync.Mutex
	openErr error
	opened  []payment.SessionRequest
	cbs     []payment.Callbacks
}

func (g *manualGateway) Name() string { return "manual" }

func (g *manualGateway) OpenSession(_ context.Context, req payment.SessionRequest, cb payment.Callbacks) (payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return payment.Session{}, g.openErr
	}
	g.opened = append(g.opened, req)
	g.cbs = append(g.cbs, cb)
	return payment.Session{ID: "gw-" + req.Reference, Reference: req.Reference, Provider: "manual"}, nil
}

func (g *manualGateway) requests() []payment.SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.SessionRequest(nil), g.opened...)
}

func (g *manualGateway) last() payment.Callbacks {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cbs[len(g.cbs)-1]
}

type recordingSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []submission.Request
}

func (s *recordingSubmitter) Submit(_ context.Context, req submission.Request) (submission.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return submission.Receipt{}, s.err
	}
	return submission.Receipt{Token: "TOKEN123", ProofID: req.ProofID, Amount: req.AuthorizedAmount}, nil
}

func (s *recordingSubmitter) requests() []submission.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission.Request(nil), s.calls...)
}

var testUser = session.Identity{Credential: "tok", Role: session.RoleUser, Subject: "user-1", DisplayName: "Ana"}

func newTestSession(t *testing.T, gw payment.Gateway, sub Submitter) *Session {
	t.Helper()
	return NewSession(testUser, Deps{
		Counter:   fixedCounter(3),
		Workers:   2,
		Gateway:   gw,
		Submitter: sub,
		Rates:     pricing.DefaultRates(),
		Logger:    zerolog.Nop(),
	})
}

func docs(names ...string) []pagecount.Document {
	out := make([]pagecount.Document, len(names))
	for i, n := range names {
		out[i] = pagecount.Document{Name: n, ContentType: "application/pdf", Data: []byte("%PDF-" + n)}
	}
	return out
}

func TestCheckoutRejectsEmptySelectionBeforePayment(t *testing.T) {
	gw := &manualGateway{}
	s := newTestSession(t, gw, &recordingSubmitter{})

	_, err := s.Checkout(context.Background())
	require.ErrorIs(t, err, ErrNoItems)
	require.Empty(t, gw.requests())
	require.Equal(t, StatusEditing, s.Status())
}

func TestCheckoutAuthorizedSubmitsOnceWithQuotedTotal(t *testing.T) {
	gw := &manualGateway{}
	sub := &recordingSubmitter{}
	s := newTestSession(t, gw, sub)

	_, err := s.AddFiles(context.Background(), docs("a.pdf", "b.pdf"))
	require.NoError(t, err)
	copies := 2
	_, err = s.UpdateItem(2, lineitem.Patch{Copies: &copies})
	require.NoError(t, err)

	attempt, err := s.Checkout(context.Background())
	require.NoError(t, err)
	// 3 pages color + 3 pages x2 copies color at 500
	require.Equal(t, int64(4500), attempt.AmountMinor)
	require.Equal(t, StatusAwaitingPayment, s.Status())

	_, err = s.UpdateItem(1, lineitem.Patch{Copies: &copies})
	require.ErrorIs(t, err, ErrPaymentPending)

	cb := gw.last()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.OnAuthorized(context.Background(), "proof-1")
		}()
	}
	wg.Wait()

	calls := sub.requests()
	require.Len(t, calls, 1)
	require.Equal(t, "proof-1", calls[0].ProofID)
	require.Equal(t, int64(4500), calls[0].AuthorizedAmount)
	require.Len(t, calls[0].Entries, 2)
	require.Equal(t, testUser, calls[0].Identity)

	v := s.View()
	require.Equal(t, StatusRecorded, v.Status)
	require.NotNil(t, v.Receipt)
	require.Equal(t, "TOKEN123", v.Receipt.Token)
	require.Empty(t, v.Items)
	require.Len(t, v.Recorded, 1)
}

func TestDeclinedPaymentUnlocksItemsAndRetryRequotes(t *testing.T) {
	gw := &manualGateway{}
	sub := &recordingSubmitter{}
	s := newTestSession(t, gw, sub)
	_, err := s.AddFiles(context.Background(), docs("a.pdf"))
	require.NoError(t, err)

	_, err = s.Checkout(context.Background())
	require.NoError(t, err)
	gw.last().OnFailed(context.Background(), "card declined")

	v := s.View()
	require.Equal(t, StatusEditing, v.Status)
	require.NotNil(t, v.Failure)
	require.Equal(t, FailureDeclined, v.Failure.Kind)
	require.Equal(t, "card declined", v.Failure.Reason)

	mode := pricing.BlackAndWhite
	_, err = s.UpdateItem(1, lineitem.Patch{ColorMode: &mode})
	require.NoError(t, err)

	// a late authorization for the declined attempt is ignored
	first := gw.last()
	second, err := s.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(600), second.AmountMinor)
	first.OnAuthorized(context.Background(), "stale")
	require.Empty(t, sub.requests())

	reqs := gw.requests()
	require.Len(t, reqs, 2)
	require.NotEqual(t, reqs[0].Reference, reqs[1].Reference)
	require.Nil(t, s.View().Failure)
}

func TestTransportErrorIsReportedDistinctly(t *testing.T) {
	gw := &manualGateway{openErr: errors.New("snap.js failed to load")}
	s := newTestSession(t, gw, &recordingSubmitter{})
	_, err := s.AddFiles(context.Background(), docs("a.pdf"))
	require.NoError(t, err)

	_, err = s.Checkout(context.Background())
	require.ErrorIs(t, err, payment.ErrTransport)

	v := s.View()
	require.Equal(t, StatusEditing, v.Status)
	require.Equal(t, FailureTransport, v.Failure.Kind)
	require.NoError(t, s.RemoveFile(1))
}

func TestSubmissionFailureEndsInPaidNotRecorded(t *testing.T) {
	gw := &manualGateway{}
	sub := &recordingSubmitter{err: errors.New("connection reset")}
	s := newTestSession(t, gw, sub)
	_, err := s.AddFiles(context.Background(), docs("a.pdf"))
	require.NoError(t, err)
	_, err = s.Checkout(context.Background())
	require.NoError(t, err)

	gw.last().OnAuthorized(context.Background(), "proof-9")

	v := s.View()
	require.Equal(t, StatusPaidNotRecorded, v.Status)
	require.Equal(t, FailurePaidNotRecorded, v.Failure.Kind)
	require.Equal(t, "proof-9", v.Failure.ProofID)
	require.Equal(t, int64(1500), v.Failure.Amount)
	require.Len(t, v.Items, 1)

	_, err = s.AddFiles(context.Background(), docs("b.pdf"))
	require.ErrorIs(t, err, ErrReconcile)
	_, err = s.Checkout(context.Background())
	require.ErrorIs(t, err, ErrReconcile)
	require.Len(t, gw.requests(), 1)
}

func TestRecordedSessionAcceptsANextOrder(t *testing.T) {
	gw := &manualGateway{}
	s := newTestSession(t, gw, &recordingSubmitter{})
	_, err := s.AddFiles(context.Background(), docs("a.pdf"))
	require.NoError(t, err)
	_, err = s.Checkout(context.Background())
	require.NoError(t, err)
	gw.last().OnAuthorized(context.Background(), "p1")
	require.Equal(t, StatusRecorded, s.Status())

	added, err := s.AddFiles(context.Background(), docs("c.pdf"))
	require.NoError(t, err)
	require.Equal(t, 2, added[0].Slot)
	v := s.View()
	require.Equal(t, StatusEditing, v.Status)
	require.Nil(t, v.Receipt)
	require.Len(t, v.Recorded, 1)
}

func TestRegistryOwnershipAndSweep(t *testing.T) {
	gw := &manualGateway{}
	reg := NewRegistry(Deps{Counter: fixedCounter(1), Gateway: gw, Rates: pricing.DefaultRates(), Logger: zerolog.Nop()}, time.Minute)

	idle := reg.Create(testUser)
	busy := reg.Create(testUser)
	_, err := busy.AddFiles(context.Background(), docs("a.pdf"))
	require.NoError(t, err)
	_, err = busy.Checkout(context.Background())
	require.NoError(t, err)

	other := session.Identity{Credential: "x", Role: session.RoleUser, Subject: "user-2"}
	_, err = reg.Get(idle.ID(), other)
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = reg.Get("missing", testUser)
	require.ErrorIs(t, err, ErrSessionNotFound)

	got, err := reg.Get(idle.ID(), testUser)
	require.NoError(t, err)
	require.Same(t, idle, got)

	require.Equal(t, 1, reg.Sweep(time.Now().Add(2*time.Minute)))
	require.Equal(t, 1, reg.Len())
	_, err = reg.Get(busy.ID(), testUser)
	require.NoError(t, err)
}
