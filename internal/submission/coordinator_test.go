package submission

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/printease/internal/lineitem"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/resilience"
	"github.com/noah-isme/printease/internal/session"
)

type fakeOrders struct {
	calls []orderclient.CreateRequest
	resp  orderclient.CreateResponse
	err   error
}

func (f *fakeOrders) CreateOrder(_ context.Context, _ session.Identity, req orderclient.CreateRequest) (orderclient.CreateResponse, error) {
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

var rates = pricing.RateTable{Currency: "INR", Color: 5, BlackAndWhite: 2}

func entries() []lineitem.Entry {
	return []lineitem.Entry{
		{
			Item:     lineitem.LineItem{Slot: 0, FileName: "a.pdf", PageCount: 3, Copies: 2, ColorMode: pricing.Color},
			Document: pagecount.Document{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
		},
		{
			Item:     lineitem.LineItem{Slot: 1, FileName: "b.png", PageCount: 1, Copies: 1, ColorMode: pricing.BlackAndWhite},
			Document: pagecount.Document{Name: "b.png", ContentType: "image/png", Data: []byte("PNG")},
		},
	}
}

func TestSubmitRecordsOrder(t *testing.T) {
	orders := &fakeOrders{resp: orderclient.CreateResponse{Success: true, Token: "TK42"}}
	c := Coordinator{Orders: orders, Rates: rates}

	rcpt, err := c.Submit(context.Background(), Request{Entries: entries(), ProofID: "pay_123", AuthorizedAmount: 32, Currency: "INR"})
	require.NoError(t, err)
	require.Equal(t, Receipt{Token: "TK42", ProofID: "pay_123", Amount: 32}, rcpt)

	require.Len(t, orders.calls, 1)
	sent := orders.calls[0]
	require.Equal(t, "pay_123", sent.PaymentProofID)
	require.Equal(t, "b.png", sent.Files[1].Name)
	require.Equal(t, "bw", sent.Items[1].ColorMode)
	require.Equal(t, 2, sent.Items[0].Copies)
}

func TestSubmitRejectsEmptyAndMissingProof(t *testing.T) {
	orders := &fakeOrders{}
	c := Coordinator{Orders: orders, Rates: rates}
	_, err := c.Submit(context.Background(), Request{ProofID: "pay_1", AuthorizedAmount: 10})
	require.ErrorIs(t, err, ErrNoItems)
	require.NotErrorIs(t, err, ErrPaidNotRecorded)

	_, err = c.Submit(context.Background(), Request{Entries: entries(), AuthorizedAmount: 32})
	require.ErrorIs(t, err, ErrMissingProof)
	require.Empty(t, orders.calls)
}

func TestSubmitAmountMismatchIsPaidNotRecorded(t *testing.T) {
	orders := &fakeOrders{}
	c := Coordinator{Orders: orders, Rates: rates}
	_, err := c.Submit(context.Background(), Request{Entries: entries(), ProofID: "pay_9", AuthorizedAmount: 30})

	var pnr *PaidNotRecordedError
	require.ErrorAs(t, err, &pnr)
	require.Equal(t, "pay_9", pnr.ProofID)
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.Empty(t, orders.calls)
}

func TestSubmitServiceFailureIsPaidNotRecorded(t *testing.T) {
	orders := &fakeOrders{err: &orderclient.ServiceError{Op: "create", Status: http.StatusUnprocessableEntity, Message: "bad file"}}
	c := Coordinator{Orders: orders, Rates: rates}
	_, err := c.Submit(context.Background(), Request{Entries: entries(), ProofID: "pay_5", AuthorizedAmount: 32})

	require.ErrorIs(t, err, ErrPaidNotRecorded)
	var se *orderclient.ServiceError
	require.ErrorAs(t, err, &se)
	require.Len(t, orders.calls, 1)
}

func TestSubmitTimeoutAgainstOrderServiceIsPaidNotRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	client := orderclient.New(srv.URL, 30*time.Millisecond, resilience.NewBreaker(100, 1, time.Second))

	c := Coordinator{Orders: client, Rates: rates}
	rcpt, err := c.Submit(context.Background(), Request{Entries: entries(), ProofID: "pay_123", AuthorizedAmount: 32})

	require.Empty(t, rcpt.Token)
	var pnr *PaidNotRecordedError
	require.ErrorAs(t, err, &pnr)
	require.Equal(t, "pay_123", pnr.ProofID)
	var se *orderclient.ServiceError
	require.True(t, errors.As(err, &se))
	require.True(t, se.Timeout())
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	orders := &fakeOrders{resp: orderclient.CreateResponse{Success: true, Token: "TK1"}}
	c := Coordinator{Orders: orders, Rates: rates, Timeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rcpt, err := c.Submit(ctx, Request{Entries: entries(), ProofID: "pay_1", AuthorizedAmount: 32})
	require.NoError(t, err)
	require.Equal(t, "TK1", rcpt.Token)
}
