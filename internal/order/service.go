package order

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/obs"
	"github.com/noah-isme/printease/internal/pricing"
)

const (
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tokenLength   = 10
	tokenAttempts = 3
)

// Locker serialises work on a key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service records paid orders and applies status changes.
type Service struct {
	Repo    Repository
	Locker  Locker
	LockTTL time.Duration
	// Rates, when set, are used to check a supplied amount and to price orders sent without one.
	Rates    *pricing.RateTable
	Currency string
	Logger   zerolog.Logger
	NewToken func() (string, error)
}

// CreateInput is a paid submission. Items and Files are parallel.
type CreateInput struct {
	Owner    string
	ProofID  string
	Amount   int64
	Currency string
	Items    []Item
	Files    []File
}

// Create records the order for in.ProofID, or returns the order already
// recorded for it. created reports which of the two happened.
func (s *Service) Create(ctx context.Context, in CreateInput) (o Order, created bool, err error) {
	if s.Repo == nil {
		return Order{}, false, ErrStoreUnavailable
	}
	in, err = s.normalise(in)
	if err != nil {
		return Order{}, false, err
	}
	logger := obs.LoggerFrom(ctx, s.Logger).With().Str("proof_id", in.ProofID).Logger()

	record := func(ctx context.Context) error {
		existing, err := s.Repo.ByProof(ctx, in.ProofID)
		if err == nil {
			o = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		for i := 0; i < tokenAttempts; i++ {
			token, err := s.token()
			if err != nil {
				return err
			}
			saved, err := s.Repo.Insert(ctx, Order{
				ID:             uuid.NewString(),
				Token:          token,
				Owner:          in.Owner,
				Status:         StatusPending,
				Paid:           true,
				PaymentProofID: in.ProofID,
				Amount:         in.Amount,
				Currency:       in.Currency,
				Items:          in.Items,
			}, in.Files)
			switch {
			case err == nil:
				o, created = saved, true
				return nil
			case errors.Is(err, ErrTokenTaken):
				continue
			case errors.Is(err, ErrDuplicateProof):
				o, err = s.Repo.ByProof(ctx, in.ProofID)
				return err
			default:
				return err
			}
		}
		return errors.New("order: could not allocate a unique token")
	}

	if s.Locker != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		err = s.Locker.WithLock(ctx, "order:proof:"+in.ProofID, ttl, record)
	} else {
		err = record(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("order create failed")
		return Order{}, false, err
	}
	if created {
		logger.Info().Str("order_id", o.ID).Str("token", o.Token).Int("files", len(o.Items)).Int64("amount", o.Amount).Msg("order recorded")
	} else {
		logger.Info().Str("order_id", o.ID).Str("token", o.Token).Msg("payment proof already recorded, returning existing order")
	}
	return o, created, nil
}

func (s *Service) normalise(in CreateInput) (CreateInput, error) {
	in.ProofID = strings.TrimSpace(in.ProofID)
	in.Owner = strings.TrimSpace(in.Owner)
	details := map[string]string{}
	if in.ProofID == "" {
		details["paymentProofId"] = "is required"
	}
	if in.Owner == "" {
		in.Owner = "guest"
	}
	if len(in.Files) == 0 {
		details["files"] = "at least one document is required"
	} else if len(in.Items) != len(in.Files) {
		details["items"] = fmt.Sprintf("expected %d items, got %d", len(in.Files), len(in.Items))
	}
	if len(details) > 0 {
		return in, validation("invalid order", details)
	}

	items := make([]Item, len(in.Items))
	files := make([]File, len(in.Files))
	for i, it := range in.Items {
		f := in.Files[i]
		key := fmt.Sprintf("items[%d]", i)
		name := strings.TrimSpace(it.FileName)
		if name == "" {
			name = f.Name
		}
		if name != f.Name {
			details[key+".fileName"] = "does not match the uploaded file"
		}
		if it.PageCount < 1 || it.PageCount > pricing.MaxPages {
			details[key+".pageCount"] = fmt.Sprintf("must be between 1 and %d", pricing.MaxPages)
		}
		if it.Copies < 1 || it.Copies > pricing.MaxCopies {
			details[key+".copies"] = fmt.Sprintf("must be between 1 and %d", pricing.MaxCopies)
		}
		mode, err := pricing.ParseColorMode(it.ColorMode)
		if err != nil {
			details[key+".colorMode"] = "must be one of: color bw"
		}
		if len(f.Data) == 0 {
			details[fmt.Sprintf("files[%d]", i)] = "is empty"
		}
		items[i] = Item{
			Index:       i,
			FileName:    name,
			ContentType: f.ContentType,
			Size:        len(f.Data),
			PageCount:   it.PageCount,
			Copies:      it.Copies,
			ColorMode:   string(mode),
			Duplex:      it.Duplex,
		}
		files[i] = File{Index: i, Name: f.Name, ContentType: f.ContentType, Data: f.Data}
	}
	if len(details) > 0 {
		return in, validation("invalid order items", details)
	}
	in.Items, in.Files = items, files

	if in.Currency == "" {
		in.Currency = s.Currency
	}
	if s.Rates != nil {
		quote, err := Order{Items: items}.Quote(*s.Rates)
		if err != nil {
			return in, validation(err.Error(), nil)
		}
		if in.Amount == 0 {
			in.Amount = quote.Total
		} else if in.Amount != quote.Total {
			return in, common.NewAppError("AMOUNT_MISMATCH", "amount does not match the priced items", http.StatusBadRequest,
				fmt.Errorf("quoted %d, paid %d", quote.Total, in.Amount))
		}
		if in.Currency == "" {
			in.Currency = quote.Currency
		}
	}
	if in.Amount < 0 {
		return in, validation("amount must not be negative", nil)
	}
	return in, nil
}

func validation(msg string, details map[string]string) error {
	err := common.Validation(msg, nil)
	if len(details) > 0 {
		err.Details = details
	}
	return err
}

func (s *Service) token() (string, error) {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return NewToken()
}

// NewToken returns a random public order token.
func NewToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}

// Get looks an order up by its public token.
func (s *Service) Get(ctx context.Context, token string) (Order, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return Order{}, ErrNotFound
	}
	return s.Repo.ByToken(ctx, token)
}

// Resolve accepts either an order id or a token.
func (s *Service) Resolve(ctx context.Context, ref string) (Order, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return s.Repo.ByID(ctx, ref)
	}
	return s.Get(ctx, ref)
}

// ListByOwner returns the owner's orders, newest first.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]Order, error) {
	return s.Repo.ListByOwner(ctx, strings.TrimSpace(owner))
}

// List pages through every order.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Order, int, error) {
	return s.Repo.List(ctx, f)
}

// UpdateStatus sets the order status. Setting the current status returns the
// order unchanged; a concurrent change yields ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, ref string, to Status) (Order, error) {
	current, err := s.Resolve(ctx, ref)
	if err != nil {
		return Order{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return Order{}, ErrInvalidTransition
	}
	updated, err := s.Repo.UpdateStatus(ctx, current.ID, current.Status, to)
	if err != nil {
		return Order{}, err
	}
	obs.IncStatusTransition(string(current.Status), string(to))
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("order_id", updated.ID).
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Msg("order status changed")
	return updated, nil
}

// Delete removes an order and its documents.
func (s *Service) Delete(ctx context.Context, ref string) error {
	current, err := s.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	return s.Repo.Delete(ctx, current.ID)
}

// File returns document index of the order with token.
func (s *Service) File(ctx context.Context, token string, index int) (File, error) {
	o, err := s.Get(ctx, token)
	if err != nil {
		return File{}, err
	}
	return s.Repo.File(ctx, o.ID, index)
}
