// Package submission turns an authorized payment into a recorded order.
package submission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/lineitem"
	"github.com/noah-isme/printease/internal/obs"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/session"
)

// OrderService is the part of the order client the coordinator needs.
type OrderService interface {
	CreateOrder(ctx context.Context, id session.Identity, req orderclient.CreateRequest) (orderclient.CreateResponse, error)
}

// Request is everything needed to record one paid order.
type Request struct {
	Entries          []lineitem.Entry
	ProofID          string
	AuthorizedAmount int64
	Currency         string
	Identity         session.Identity
}

// Receipt is the durable handle of a recorded order.
type Receipt struct {
	Token   string `json:"token"`
	ProofID string `json:"proofId"`
	Amount  int64  `json:"amount"`
}

// Coordinator submits paid orders. It never retries: a write whose outcome is
// unknown is reported as PaidNotRecorded instead.
type Coordinator struct {
	Orders  OrderService
	Rates   pricing.RateTable
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Submit records the order. Any failure after the input checks is a *PaidNotRecordedError.
func (c Coordinator) Submit(ctx context.Context, req Request) (Receipt, error) {
	proof := strings.TrimSpace(req.ProofID)
	if proof == "" {
		return Receipt{}, ErrMissingProof
	}
	if len(req.Entries) == 0 {
		return Receipt{}, ErrNoItems
	}
	logger := obs.LoggerFrom(ctx, c.Logger).With().Str("proof_id", proof).Logger()

	items := make([]lineitem.LineItem, len(req.Entries))
	for i, e := range req.Entries {
		items[i] = e.Item
	}
	quote, err := pricing.Quote(lineitem.PricingItems(items), c.Rates)
	if err != nil {
		return Receipt{}, c.paidNotRecorded(logger, proof, req.AuthorizedAmount, err)
	}
	if quote.Total != req.AuthorizedAmount {
		return Receipt{}, c.paidNotRecorded(logger, proof, req.AuthorizedAmount,
			fmt.Errorf("%w: quoted %d, authorized %d", ErrAmountMismatch, quote.Total, req.AuthorizedAmount))
	}

	create := orderclient.CreateRequest{
		Files:          make([]orderclient.File, len(req.Entries)),
		Items:          make([]orderclient.Item, len(req.Entries)),
		PaymentProofID: proof,
		Amount:         req.AuthorizedAmount,
		Currency:       req.Currency,
	}
	for i, e := range req.Entries {
		create.Files[i] = orderclient.File{Name: e.Document.Name, ContentType: e.Document.ContentType, Data: e.Document.Data}
		create.Items[i] = orderclient.Item{
			FileName:  e.Item.FileName,
			PageCount: e.Item.PageCount,
			Copies:    e.Item.Copies,
			ColorMode: string(e.Item.ColorMode),
			Duplex:    e.Item.Duplex,
		}
	}

	// the caller going away must not abandon a paid order halfway
	callCtx := context.WithoutCancel(ctx)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.Timeout)
		defer cancel()
	}
	if c.Orders == nil {
		return Receipt{}, c.paidNotRecorded(logger, proof, req.AuthorizedAmount, fmt.Errorf("order service not configured"))
	}
	start := time.Now()
	resp, err := c.Orders.CreateOrder(callCtx, req.Identity, create)
	obs.ObserveSubmission(obs.DurationMillis(time.Since(start)))
	if err != nil {
		return Receipt{}, c.paidNotRecorded(logger, proof, req.AuthorizedAmount, err)
	}

	obs.IncSubmission("recorded")
	logger.Info().Str("token", resp.Token).Int64("amount", req.AuthorizedAmount).Int("files", len(create.Files)).Msg("order recorded")
	return Receipt{Token: resp.Token, ProofID: proof, Amount: req.AuthorizedAmount}, nil
}

func (c Coordinator) paidNotRecorded(logger zerolog.Logger, proof string, amount int64, cause error) error {
	obs.IncSubmission("paid_not_recorded")
	logger.Error().Err(cause).Int64("amount", amount).Msg("payment captured but order not recorded")
	return &PaidNotRecordedError{ProofID: proof, Amount: amount, Cause: cause}
}
