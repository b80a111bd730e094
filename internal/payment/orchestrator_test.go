package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeGateway records callbacks so tests can fire gateway events by hand.
type fakeGateway struct {
	mu      sync.Mutex
	openErr error
	opened  []SessionRequest
	cbs     []Callbacks
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) OpenSession(_ context.Context, req SessionRequest, cb Callbacks) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return Session{}, f.openErr
	}
	f.opened = append(f.opened, req)
	f.cbs = append(f.cbs, cb)
	return Session{ID: "sess-" + req.Reference, Reference: req.Reference, Provider: "fake"}, nil
}

func (f *fakeGateway) callbacks(i int) Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cbs[i]
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *outcomeRecorder) handle(_ context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *outcomeRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func TestOrchestratorAuthorizedFiresOnce(t *testing.T) {
	gw := &fakeGateway{}
	rec := &outcomeRecorder{}
	o := NewOrchestrator(gw, rec.handle, zerolog.Nop())
	ctx := context.Background()

	att, err := o.OpenSession(ctx, SessionRequest{AmountMinor: 3200, Currency: "INR"})
	require.NoError(t, err)
	require.Equal(t, SessionOpen, o.State())
	require.Equal(t, "sess-"+att.ID, att.Session.ID)

	cb := gw.callbacks(0)
	cb.OnAuthorized(ctx, "pay_123")
	cb.OnAuthorized(ctx, "pay_123")
	cb.OnFailed(ctx, "late decline")

	outs := rec.all()
	require.Len(t, outs, 1)
	require.Equal(t, Authorized, outs[0].Kind)
	require.Equal(t, "pay_123", outs[0].Attempt.ProofID)
	require.Equal(t, Idle, o.State())

	last, ok := o.Last()
	require.True(t, ok)
	require.Equal(t, Authorized, last.Outcome)
}

func TestOrchestratorConcurrentDuplicateEvents(t *testing.T) {
	gw := &fakeGateway{}
	rec := &outcomeRecorder{}
	o := NewOrchestrator(gw, rec.handle, zerolog.Nop())
	_, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.NoError(t, err)

	cb := gw.callbacks(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.OnAuthorized(context.Background(), "pay_dup")
		}()
	}
	wg.Wait()
	require.Len(t, rec.all(), 1)
}

func TestOrchestratorRejectsSecondOpenSession(t *testing.T) {
	o := NewOrchestrator(&fakeGateway{}, nil, zerolog.Nop())
	_, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.NoError(t, err)
	_, err = o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.ErrorIs(t, err, ErrSessionOpen)

	cur, ok := o.Current()
	require.True(t, ok)
	require.Equal(t, Pending, cur.Outcome)
}

func TestOrchestratorRejectsNonPositiveAmount(t *testing.T) {
	gw := &fakeGateway{}
	o := NewOrchestrator(gw, nil, zerolog.Nop())
	_, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, gw.opened)
	require.Equal(t, Idle, o.State())
}

func TestOrchestratorFailedReturnsToIdleAndAllowsFreshAttempt(t *testing.T) {
	gw := &fakeGateway{}
	rec := &outcomeRecorder{}
	o := NewOrchestrator(gw, rec.handle, zerolog.Nop())
	ctx := context.Background()

	first, err := o.OpenSession(ctx, SessionRequest{AmountMinor: 500})
	require.NoError(t, err)
	gw.callbacks(0).OnFailed(ctx, "card declined")
	require.Equal(t, Idle, o.State())

	second, err := o.OpenSession(ctx, SessionRequest{AmountMinor: 700})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// a stale event from the first attempt changes nothing
	gw.callbacks(0).OnAuthorized(ctx, "pay_stale")
	require.Equal(t, SessionOpen, o.State())

	outs := rec.all()
	require.Len(t, outs, 1)
	require.Equal(t, Failed, outs[0].Kind)
	require.Equal(t, "card declined", outs[0].Attempt.Reason)
	require.ErrorIs(t, outs[0].Err, ErrDeclined)
}

func TestOrchestratorTransportError(t *testing.T) {
	gw := &fakeGateway{openErr: errors.New("snap.js failed to load")}
	rec := &outcomeRecorder{}
	o := NewOrchestrator(gw, rec.handle, zerolog.Nop())

	att, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 500})
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, TransportError, att.Outcome)
	require.Equal(t, Idle, o.State())

	outs := rec.all()
	require.Len(t, outs, 1)
	require.Equal(t, TransportError, outs[0].Kind)
	require.NotErrorIs(t, outs[0].Err, ErrDeclined)
}

func TestSandboxGatewayAuthorizes(t *testing.T) {
	rec := &outcomeRecorder{}
	o := NewOrchestrator(Sandbox{}, rec.handle, zerolog.Nop())
	_, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, Authorized, rec.all()[0].Kind)
	require.Contains(t, rec.all()[0].Attempt.ProofID, "sandbox_")
}

func TestSandboxGatewayDeclinesAndFailsToLoad(t *testing.T) {
	rec := &outcomeRecorder{}
	o := NewOrchestrator(Sandbox{Decline: "insufficient funds"}, rec.handle, zerolog.Nop())
	_, err := o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, Failed, rec.all()[0].Kind)

	o = NewOrchestrator(Sandbox{Unavailable: true}, nil, zerolog.Nop())
	_, err = o.OpenSession(context.Background(), SessionRequest{AmountMinor: 100})
	require.ErrorIs(t, err, ErrTransport)
}
